package eventsourcing

import "context"

// EventPublisher publishes committed events onto the change feed.
type EventPublisher interface {
	Publish(ctx context.Context, events []*Event) error
}

// EventBus is the inbound side of the change feed: committed events
// republished per aggregate in order, at least once, with no ordering
// guarantee across aggregates.
type EventBus interface {
	Subscribe(ctx context.Context, opts SubscribeOptions) (Subscription, error)
}

// SubscribeOptions selects what a subscription receives.
type SubscribeOptions struct {
	// Consumer is the durable consumer name; deliveries are shared among
	// subscriptions with the same name.
	Consumer string

	// EventTypes filters by event type (empty = all types)
	EventTypes []string
}

// Matches reports whether eventType passes the filter.
func (o SubscribeOptions) Matches(eventType string) bool {
	if len(o.EventTypes) == 0 {
		return true
	}
	for _, t := range o.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// Subscription is a lazy, infinite sequence of deliveries.
type Subscription interface {
	// Next blocks until a delivery is available or ctx is done.
	Next(ctx context.Context) (Delivery, error)

	// Close stops the subscription. Unacknowledged deliveries are redelivered
	// to the next subscriber of the same consumer.
	Close() error
}

// Delivery is one received event together with its acknowledgement handle.
type Delivery interface {
	Event() *Event

	// Ack confirms processing; the event will not be redelivered.
	Ack(ctx context.Context) error

	// Nack rejects processing; the event will be redelivered.
	Nack(ctx context.Context) error
}
