package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/plaenen/eventsourcing/pkg/eventsourcing"
)

// EventBus is an in-memory change feed with durable consumers, explicit
// acknowledgement and delayed redelivery on nack.
//
// A consumer created after events were published starts from the beginning
// of the retained log. Deliveries for one consumer are handed out in publish
// order; a nacked delivery is requeued at the back after the nak delay.
type EventBus struct {
	mu        sync.Mutex
	log       []*eventsourcing.Event
	consumers map[string]*consumer
	nakDelay  time.Duration
	closed    bool
}

// BusOption configures an EventBus.
type BusOption func(*EventBus)

// WithNakDelay sets how long a nacked delivery waits before redelivery.
func WithNakDelay(d time.Duration) BusOption {
	return func(b *EventBus) {
		b.nakDelay = d
	}
}

func NewEventBus(opts ...BusOption) *EventBus {
	b := &EventBus{
		consumers: make(map[string]*consumer),
		nakDelay:  10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish appends events to the feed and enqueues them for every consumer.
func (b *EventBus) Publish(ctx context.Context, events []*eventsourcing.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return eventsourcing.ErrSubscriptionClosed
	}
	for _, e := range events {
		stored := clone(e)
		b.log = append(b.log, stored)
		for _, c := range b.consumers {
			c.offer(stored)
		}
	}
	return nil
}

// Subscribe attaches to the named consumer, creating it on first use.
func (b *EventBus) Subscribe(ctx context.Context, opts eventsourcing.SubscribeOptions) (eventsourcing.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, eventsourcing.ErrSubscriptionClosed
	}

	name := opts.Consumer
	if name == "" {
		name = eventsourcing.GenerateEventID()
	}

	c, ok := b.consumers[name]
	if !ok {
		c = &consumer{
			bus:    b,
			filter: opts,
			signal: make(chan struct{}, 1),
			closed: make(chan struct{}),
		}
		for _, e := range b.log {
			c.offer(e)
		}
		b.consumers[name] = c
	}

	return &subscription{consumer: c, done: make(chan struct{})}, nil
}

// Close stops the bus. Pending Next calls return ErrSubscriptionClosed.
func (b *EventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, c := range b.consumers {
		c.close()
	}
	return nil
}

type consumer struct {
	bus    *EventBus
	filter eventsourcing.SubscribeOptions

	mu        sync.Mutex
	queue     []*delivery
	signal    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *consumer) offer(e *eventsourcing.Event) {
	if !c.filter.Matches(e.EventType) {
		return
	}
	c.enqueue(&delivery{consumer: c, event: e})
}

func (c *consumer) enqueue(d *delivery) {
	if c.isClosed() {
		return
	}
	c.mu.Lock()
	c.queue = append(c.queue, d)
	c.mu.Unlock()
	c.notify()
}

func (c *consumer) notify() {
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *consumer) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *consumer) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// pop returns the next delivery, or nil when the queue is empty.
func (c *consumer) pop() (*delivery, bool) {
	if c.isClosed() {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		return nil, true
	}
	d := c.queue[0]
	c.queue = c.queue[1:]
	if len(c.queue) > 0 {
		defer c.notify()
	}
	d.attempts.Add(1)
	d.settled.Store(false)
	return d, true
}

// requeue puts unsettled deliveries back at the head of the queue in their
// original order.
func (c *consumer) requeue(ds []*delivery) {
	if len(ds) == 0 || c.isClosed() {
		return
	}
	c.mu.Lock()
	c.queue = append(ds, c.queue...)
	c.mu.Unlock()
	c.notify()
}

type subscription struct {
	consumer  *consumer
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	inflight []*delivery // handed out, not yet acked or nacked
	closed   bool
}

func (s *subscription) Next(ctx context.Context) (eventsourcing.Delivery, error) {
	for {
		d, open := s.consumer.pop()
		if !open {
			return nil, eventsourcing.ErrSubscriptionClosed
		}
		if d != nil {
			if !s.track(d) {
				s.consumer.requeue([]*delivery{d})
				return nil, eventsourcing.ErrSubscriptionClosed
			}
			return d, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, eventsourcing.ErrSubscriptionClosed
		case <-s.consumer.closed:
			return nil, eventsourcing.ErrSubscriptionClosed
		case <-s.consumer.signal:
		}
	}
}

func (s *subscription) track(d *delivery) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	d.sub = s
	s.inflight = append(s.inflight, d)
	return true
}

func (s *subscription) untrack(d *delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, in := range s.inflight {
		if in == d {
			s.inflight = append(s.inflight[:i], s.inflight[i+1:]...)
			return
		}
	}
}

// Close stops the subscription and hands deliveries that were neither acked
// nor nacked back to the consumer. Settling them afterwards has no effect.
func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		s.closed = true
		inflight := s.inflight
		s.inflight = nil
		s.mu.Unlock()

		var redeliver []*delivery
		for _, d := range inflight {
			if d.settled.Swap(true) {
				continue
			}
			fresh := &delivery{consumer: d.consumer, event: d.event}
			fresh.attempts.Store(d.attempts.Load())
			redeliver = append(redeliver, fresh)
		}
		s.consumer.requeue(redeliver)
	})
	return nil
}

type delivery struct {
	consumer *consumer
	sub      *subscription
	event    *eventsourcing.Event
	attempts atomic.Int32
	settled  atomic.Bool
}

func (d *delivery) Event() *eventsourcing.Event {
	return clone(d.event)
}

// Attempts returns how many times this event has been delivered.
func (d *delivery) Attempts() int {
	return int(d.attempts.Load())
}

func (d *delivery) Ack(ctx context.Context) error {
	if d.settled.Swap(true) {
		return nil
	}
	d.sub.untrack(d)
	return nil
}

func (d *delivery) Nack(ctx context.Context) error {
	if d.settled.Swap(true) {
		return nil
	}
	d.sub.untrack(d)
	delay := d.consumer.bus.nakDelay
	if delay <= 0 {
		d.consumer.enqueue(d)
		return nil
	}
	time.AfterFunc(delay, func() { d.consumer.enqueue(d) })
	return nil
}

var (
	_ eventsourcing.EventBus       = (*EventBus)(nil)
	_ eventsourcing.EventPublisher = (*EventBus)(nil)
)
