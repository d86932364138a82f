// Package listener consumes the change feed and drives projections.
//
// Every delivery is checked against the per-aggregate checkpoint of each
// interested projection. Already processed events are acknowledged and
// skipped, new ones are applied in the same transaction that advances the
// checkpoint. Failures are nacked for redelivery and dead-lettered after a
// configurable number of consecutive attempts.
//
// Deliveries are partitioned over a fixed pool of workers by a hash of the
// aggregate ID, so events of one aggregate are applied in order while
// distinct aggregates proceed in parallel.
package listener

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"

	"github.com/plaenen/eventsourcing/pkg/eventsourcing"
	"github.com/plaenen/eventsourcing/pkg/idgen"
	"github.com/plaenen/eventsourcing/pkg/observability"
)

const (
	DefaultWorkers     = 8
	DefaultMaxFailures = 5
	DefaultConsumer    = "projections"
	queueSize          = 64

	// DefaultBlockTimeout releases an aggregate whose failing head event has
	// not failed here again for that long.
	DefaultBlockTimeout = time.Minute
)

// Listener dispatches deliveries from an EventBus to projections.
type Listener struct {
	bus          eventsourcing.EventBus
	checkpoints  eventsourcing.CheckpointStore
	projections  []eventsourcing.Projection
	deadLetters  eventsourcing.DeadLetterSink
	consumer     string
	workers      int
	maxFailures  int
	blockTimeout time.Duration
	clock        func() time.Time
	logger       *slog.Logger
	tracer       trace.Tracer
	metrics      eventsourcing.Metrics

	mu       sync.Mutex
	failures map[string]int   // event ID -> consecutive failures
	blocked  map[string]block // aggregate ID -> failing head event
}

// block holds back an aggregate behind its failing head event.
type block struct {
	eventID   string
	eventType string
	version   int64
	since     time.Time
}

// Option configures a Listener.
type Option func(*Listener)

// WithConsumer sets the durable consumer name.
func WithConsumer(name string) Option {
	return func(l *Listener) {
		l.consumer = name
	}
}

// WithWorkers sets the number of partition workers.
func WithWorkers(n int) Option {
	return func(l *Listener) {
		if n > 0 {
			l.workers = n
		}
	}
}

// WithMaxFailures sets how many consecutive failures dead-letter an event.
func WithMaxFailures(n int) Option {
	return func(l *Listener) {
		if n > 0 {
			l.maxFailures = n
		}
	}
}

// WithBlockTimeout sets how long later events of an aggregate are held back
// behind a failing head event that this listener no longer receives, for
// example because another instance on the same consumer settled it.
func WithBlockTimeout(d time.Duration) Option {
	return func(l *Listener) {
		if d > 0 {
			l.blockTimeout = d
		}
	}
}

// WithDeadLetterSink sets where exhausted events are sent.
func WithDeadLetterSink(sink eventsourcing.DeadLetterSink) Option {
	return func(l *Listener) {
		l.deadLetters = sink
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) {
		l.logger = logger
	}
}

// WithTracer sets the OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(l *Listener) {
		l.tracer = tracer
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m eventsourcing.Metrics) Option {
	return func(l *Listener) {
		l.metrics = m
	}
}

// WithClock sets the clock used for checkpoint and dead-letter timestamps
// and for block timeouts.
func WithClock(clock func() time.Time) Option {
	return func(l *Listener) {
		l.clock = clock
	}
}

// New creates a listener for projections.
func New(bus eventsourcing.EventBus, checkpoints eventsourcing.CheckpointStore, projections []eventsourcing.Projection, opts ...Option) *Listener {
	l := &Listener{
		bus:          bus,
		checkpoints:  checkpoints,
		projections:  projections,
		consumer:     DefaultConsumer,
		workers:      DefaultWorkers,
		maxFailures:  DefaultMaxFailures,
		blockTimeout: DefaultBlockTimeout,
		clock:        func() time.Time { return time.Now().UTC() },
		logger:       slog.Default(),
		tracer:       noop.NewTracerProvider().Tracer("listener"),
		metrics:      eventsourcing.NopMetrics{},
		failures:     make(map[string]int),
		blocked:      make(map[string]block),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// EventTypes returns the union of event types handled by the projections.
func (l *Listener) EventTypes() []string {
	seen := make(map[string]struct{})
	for _, p := range l.projections {
		for _, t := range p.EventTypes() {
			seen[t] = struct{}{}
		}
	}
	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Run subscribes to the feed and processes deliveries until ctx is done.
// It returns nil on cancellation.
func (l *Listener) Run(ctx context.Context) error {
	sub, err := l.bus.Subscribe(ctx, eventsourcing.SubscribeOptions{
		Consumer:   l.consumer,
		EventTypes: l.EventTypes(),
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", l.consumer, err)
	}
	defer sub.Close()

	l.logger.InfoContext(ctx, "listener started",
		slog.String("consumer", l.consumer),
		slog.Int("workers", l.workers),
		slog.Int("projections", len(l.projections)),
	)

	g, gctx := errgroup.WithContext(ctx)

	queues := make([]chan eventsourcing.Delivery, l.workers)
	for i := range queues {
		queue := make(chan eventsourcing.Delivery, queueSize)
		queues[i] = queue
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case d, ok := <-queue:
					if !ok {
						return nil
					}
					if err := l.Handle(gctx, d); err != nil && gctx.Err() == nil {
						l.logger.ErrorContext(gctx, "delivery handling failed",
							d.Event().SlogAttr(),
							slog.String("error", err.Error()),
						)
					}
				}
			}
		})
	}

	g.Go(func() error {
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()

		for {
			d, err := sub.Next(gctx)
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, eventsourcing.ErrSubscriptionClosed) {
					return nil
				}
				return fmt.Errorf("next delivery: %w", err)
			}

			select {
			case queues[partition(d.Event().AggregateID, l.workers)] <- d:
			case <-gctx.Done():
				return nil
			}
		}
	})

	err = g.Wait()
	l.logger.InfoContext(ctx, "listener stopped", slog.String("consumer", l.consumer))
	return err
}

// Handle processes one delivery and acknowledges it. It is called by the
// workers in Run and can be used directly to drive a listener synchronously.
func (l *Listener) Handle(ctx context.Context, d eventsourcing.Delivery) (err error) {
	e := d.Event()

	ctx, span := observability.StartSpan(ctx, l.tracer, "listener.handle",
		observability.WithAttributes(
			observability.AttrEventID.String(e.ID),
			observability.AttrEventType.String(e.EventType),
		),
		observability.WithAttributes(observability.AggregateAttrs(e.AggregateID, e.AggregateType, e.Version)...),
	)
	defer func() { observability.EndSpan(span, err) }()

	interested := l.route(e.EventType)
	if len(interested) == 0 {
		return d.Ack(ctx)
	}

	if l.heldBack(ctx, e) {
		// An earlier event of this aggregate is still failing; wait for it.
		return d.Nack(ctx)
	}

	var failed []*eventsourcing.ProjectionApplyError
	for _, p := range interested {
		if err := l.apply(ctx, p, e); err != nil {
			failed = append(failed, &eventsourcing.ProjectionApplyError{
				Projection: p.Name(),
				EventID:    e.ID,
				Err:        err,
			})
		}
	}

	if len(failed) == 0 {
		l.settle(e)
		return d.Ack(ctx)
	}

	attempts := l.recordFailure(e)
	if attempts < l.maxFailures {
		for _, f := range failed {
			l.logger.WarnContext(ctx, "projection failed, event will be redelivered",
				e.SlogAttr(),
				slog.String("projection", f.Projection),
				slog.Int("attempt", attempts),
				slog.String("error", f.Err.Error()),
			)
		}
		return d.Nack(ctx)
	}

	if err := l.deadLetter(ctx, e, failed, attempts); err != nil {
		if nackErr := d.Nack(ctx); nackErr != nil {
			return errors.Join(err, nackErr)
		}
		return err
	}
	l.settle(e)
	return d.Ack(ctx)
}

// apply runs one projection for e unless its checkpoint shows e was processed.
func (l *Listener) apply(ctx context.Context, p eventsourcing.Projection, e *eventsourcing.Event) error {
	last, err := l.checkpoints.Load(ctx, p.Name(), e.AggregateID)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if e.Version <= last {
		l.metrics.ProjectionSkipped(ctx, p.Name())
		l.logger.DebugContext(ctx, "skipping already processed event",
			e.SlogAttr(),
			slog.String("projection", p.Name()),
			slog.Int64("checkpoint", last),
		)
		return nil
	}

	start := time.Now()
	err = l.checkpoints.Advance(ctx, eventsourcing.ProjectionCheckpoint{
		Projection:  p.Name(),
		AggregateID: e.AggregateID,
		Version:     e.Version,
		EventID:     e.ID,
		UpdatedAt:   l.clock(),
	}, func(txCtx context.Context) error {
		return p.Apply(txCtx, e)
	})
	l.metrics.ProjectionApplied(ctx, p.Name(), time.Since(start), err)
	return err
}

func (l *Listener) deadLetter(ctx context.Context, e *eventsourcing.Event, failed []*eventsourcing.ProjectionApplyError, attempts int) error {
	if l.deadLetters == nil {
		l.logger.ErrorContext(ctx, "dropping event after repeated failures, no dead-letter sink configured",
			e.SlogAttr(),
			slog.Int("attempts", attempts),
		)
		return nil
	}

	for _, f := range failed {
		letter := eventsourcing.DeadLetter{
			ID:         idgen.MustGenerateSortableID(),
			Projection: f.Projection,
			Event:      e,
			Error:      f.Err.Error(),
			Attempts:   attempts,
			FailedAt:   l.clock(),
		}
		if err := l.deadLetters.Send(ctx, letter); err != nil {
			return fmt.Errorf("dead-letter %s for %s: %w", e.ID, f.Projection, err)
		}
		l.metrics.DeadLettered(ctx, f.Projection)
		l.logger.ErrorContext(ctx, "event dead-lettered",
			e.SlogAttr(),
			slog.String("projection", f.Projection),
			slog.Int("attempts", attempts),
			slog.String("error", f.Err.Error()),
		)
	}
	return nil
}

func (l *Listener) route(eventType string) []eventsourcing.Projection {
	var out []eventsourcing.Projection
	for _, p := range l.projections {
		if eventsourcing.Handles(p, eventType) {
			out = append(out, p)
		}
	}
	return out
}

// heldBack reports whether e must wait for an earlier failing event of its
// aggregate. The block is released once the projections of the head event
// have checkpointed past it, or when the head has not failed here for
// blockTimeout.
func (l *Listener) heldBack(ctx context.Context, e *eventsourcing.Event) bool {
	l.mu.Lock()
	head, ok := l.blocked[e.AggregateID]
	l.mu.Unlock()

	if !ok || head.eventID == e.ID {
		return false
	}
	if l.clock().Sub(head.since) < l.blockTimeout && !l.processed(ctx, e.AggregateID, head) {
		return true
	}

	l.mu.Lock()
	if l.blocked[e.AggregateID].eventID == head.eventID {
		delete(l.blocked, e.AggregateID)
		delete(l.failures, head.eventID)
	}
	l.mu.Unlock()

	l.logger.InfoContext(ctx, "released aggregate held back by a failing event",
		slog.String("aggregate_id", e.AggregateID),
		slog.String("head_event_id", head.eventID),
		slog.Int64("head_version", head.version),
	)
	return false
}

// processed reports whether every projection of the head event has a
// checkpoint at or past it.
func (l *Listener) processed(ctx context.Context, aggregateID string, head block) bool {
	for _, p := range l.route(head.eventType) {
		last, err := l.checkpoints.Load(ctx, p.Name(), aggregateID)
		if err != nil || last < head.version {
			return false
		}
	}
	return true
}

func (l *Listener) recordFailure(e *eventsourcing.Event) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.failures[e.ID]++
	l.blocked[e.AggregateID] = block{
		eventID:   e.ID,
		eventType: e.EventType,
		version:   e.Version,
		since:     l.clock(),
	}
	return l.failures[e.ID]
}

func (l *Listener) settle(e *eventsourcing.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.failures, e.ID)
	if l.blocked[e.AggregateID].eventID == e.ID {
		delete(l.blocked, e.AggregateID)
	}
}

// partition maps an aggregate ID onto one of n workers.
func partition(aggregateID string, n int) int {
	if n <= 1 {
		return 0
	}
	h, _ := blake2b.New(8, nil)
	h.Write([]byte(aggregateID))
	return int(binary.BigEndian.Uint64(h.Sum(nil)) % uint64(n))
}
