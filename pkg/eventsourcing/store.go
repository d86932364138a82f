package eventsourcing

import (
	"context"
	"iter"
	"time"
)

// EventStore is a durable, per-aggregate, append-only log.
//
// Append commits all events contiguously or none. It returns the committed
// version, or an error wrapping ErrConcurrencyConflict without mutating
// anything when expectedVersion differs from the stored version.
// Infrastructure failures wrap ErrStoreUnavailable.
//
// Load returns the events with Version > fromVersion in strict order. The
// sequence is lazy and finite; ranging over it again re-reads the stream.
type EventStore interface {
	Append(ctx context.Context, aggregateID string, expectedVersion int64, events []*Event) (int64, error)
	Load(ctx context.Context, aggregateID string, fromVersion int64) iter.Seq2[*Event, error]
}

// GlobalReader reads the whole log in commit order. Projection rebuilds use it.
type GlobalReader interface {
	ReadAll(ctx context.Context, afterPosition int64, limit int) ([]*Event, error)
}

// Snapshot is serialized aggregate state at a specific version.
type Snapshot struct {
	AggregateID   string
	AggregateType string
	Version       int64
	Data          []byte
	CreatedAt     time.Time
}

// SnapshotStore persists aggregate snapshots.
type SnapshotStore interface {
	// SaveSnapshot persists a snapshot, replacing any older one.
	SaveSnapshot(ctx context.Context, snapshot *Snapshot) error

	// LatestSnapshot returns the newest snapshot or ErrSnapshotNotFound.
	LatestSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error)
}

// SnapshotStrategy decides when a snapshot should be taken.
type SnapshotStrategy interface {
	ShouldSnapshot(version int64, eventsSinceSnapshot int64) bool
}

// IntervalSnapshotStrategy creates snapshots every N events.
type IntervalSnapshotStrategy struct {
	Interval int64
}

// ShouldSnapshot checks if enough events accumulated since the last snapshot.
func (s IntervalSnapshotStrategy) ShouldSnapshot(version int64, eventsSinceSnapshot int64) bool {
	if s.Interval <= 0 {
		return false
	}
	return eventsSinceSnapshot >= s.Interval
}

// Collect drains a Load sequence into a slice.
func Collect(events iter.Seq2[*Event, error]) ([]*Event, error) {
	var out []*Event
	for e, err := range events {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
