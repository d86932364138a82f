package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/eventsourcing/pkg/eventsourcing"
)

type subscription struct {
	bus  *EventBus
	sub  *nats.Subscription
	opts eventsourcing.SubscribeOptions

	mu      sync.Mutex
	pending []*nats.Msg
	closed  bool
}

// Next returns the next matching delivery, pulling a new batch when the
// local buffer is empty.
func (s *subscription) Next(ctx context.Context) (eventsourcing.Delivery, error) {
	for {
		msg, err := s.next(ctx)
		if err != nil {
			return nil, err
		}

		var e eventsourcing.Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			// A payload that cannot be decoded will never succeed; stop redelivery.
			s.bus.logger.ErrorContext(ctx, "terminating undecodable message",
				slog.String("subject", msg.Subject),
				slog.String("error", err.Error()),
			)
			_ = msg.Term()
			continue
		}

		if !s.opts.Matches(e.EventType) {
			if err := msg.Ack(); err != nil {
				return nil, fmt.Errorf("ack skipped event %s: %w", e.ID, err)
			}
			continue
		}

		return &delivery{msg: msg, event: &e, nakDelay: s.bus.config.NakDelay}, nil
	}
}

func (s *subscription) next(ctx context.Context) (*nats.Msg, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, eventsourcing.ErrSubscriptionClosed
		}
		if len(s.pending) > 0 {
			msg := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return msg, nil
		}
		s.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msgs, err := s.fetch(ctx)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.pending = append(s.pending, msgs...)
		s.mu.Unlock()
	}
}

// fetch pulls one batch. An empty pull inside FetchWait is not an error.
func (s *subscription) fetch(ctx context.Context) ([]*nats.Msg, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.bus.config.FetchWait)
	defer cancel()

	msgs, err := s.sub.Fetch(s.bus.config.FetchBatch, nats.Context(fetchCtx))
	switch {
	case err == nil:
		return msgs, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return msgs, nil
	case errors.Is(err, nats.ErrBadSubscription), errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrConnectionDraining):
		return nil, eventsourcing.ErrSubscriptionClosed
	default:
		return nil, fmt.Errorf("fetch %s: %w", s.opts.Consumer, err)
	}
}

// Close stops pulling. The durable consumer stays on the server so the next
// Subscribe with the same name resumes after the last ack.
func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	// Unacked buffered messages are redelivered after AckWait.
	for _, msg := range s.pending {
		_ = msg.Nak()
	}
	s.pending = nil

	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		return fmt.Errorf("unsubscribe %s: %w", s.opts.Consumer, err)
	}
	return nil
}

type delivery struct {
	msg      *nats.Msg
	event    *eventsourcing.Event
	nakDelay time.Duration
}

func (d *delivery) Event() *eventsourcing.Event {
	return d.event
}

func (d *delivery) Ack(ctx context.Context) error {
	return d.msg.AckSync(nats.Context(ctx))
}

func (d *delivery) Nack(ctx context.Context) error {
	return d.msg.NakWithDelay(d.nakDelay)
}

// Attempts returns how often the server has delivered this message.
func (d *delivery) Attempts() int {
	md, err := d.msg.Metadata()
	if err != nil {
		return 1
	}
	return int(md.NumDelivered)
}
