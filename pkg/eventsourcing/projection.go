package eventsourcing

import (
	"context"
	"time"
)

// Projection folds events into a read model.
//
// Apply receives a context that carries the checkpoint transaction when the
// backend supports one; read model writes must go through a Repository using
// that context so both commit together.
type Projection interface {
	// Name returns the unique projection name used for checkpoints.
	Name() string

	// EventTypes returns the event types this projection handles.
	EventTypes() []string

	// Apply folds one event into the read model.
	Apply(ctx context.Context, event *Event) error
}

// Handles reports whether p is interested in eventType.
func Handles(p Projection, eventType string) bool {
	for _, t := range p.EventTypes() {
		if t == eventType {
			return true
		}
	}
	return false
}

// Repository stores read models by key.
// Get returns ErrNotFound when no model exists; Save is an idempotent overwrite.
type Repository[M any] interface {
	Get(ctx context.Context, key string) (M, error)
	Save(ctx context.Context, key string, model M) error
}

// ProjectionCheckpoint records the last event version a projection processed
// for one aggregate.
type ProjectionCheckpoint struct {
	Projection  string
	AggregateID string
	Version     int64
	EventID     string
	UpdatedAt   time.Time
}

// CheckpointStore tracks per-aggregate projection progress.
type CheckpointStore interface {
	// Load returns the last processed version, or 0 when none.
	Load(ctx context.Context, projection, aggregateID string) (int64, error)

	// Advance runs fn and stores cp in the same transaction. When fn or the
	// checkpoint write fails, neither is committed.
	Advance(ctx context.Context, cp ProjectionCheckpoint, fn func(ctx context.Context) error) error

	// Reset removes every checkpoint of a projection.
	Reset(ctx context.Context, projection string) error
}

// DeadLetter is an event a projection gave up on.
type DeadLetter struct {
	ID         string    `json:"id"`
	Projection string    `json:"projection"`
	Event      *Event    `json:"event"`
	Error      string    `json:"error"`
	Attempts   int       `json:"attempts"`
	FailedAt   time.Time `json:"failed_at"`
}

// DeadLetterSink receives events that exceeded the failure threshold.
type DeadLetterSink interface {
	Send(ctx context.Context, letter DeadLetter) error
}
