// Package memory provides in-memory implementations of the event store,
// snapshot store, checkpoint store, read model repository, dead-letter sink
// and event bus. They are safe for concurrent use and intended for tests,
// examples and single-process deployments.
package memory

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/plaenen/eventsourcing/pkg/eventsourcing"
)

// EventStore is an in-memory eventsourcing.EventStore.
type EventStore struct {
	mu      sync.RWMutex
	streams map[string][]*eventsourcing.Event
	log     []*eventsourcing.Event
}

// NewEventStore creates an empty store.
func NewEventStore() *EventStore {
	return &EventStore{
		streams: make(map[string][]*eventsourcing.Event),
	}
}

// Append appends events atomically after checking expectedVersion.
func (s *EventStore) Append(ctx context.Context, aggregateID string, expectedVersion int64, events []*eventsourcing.Event) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[aggregateID]
	current := int64(len(stream))
	if expectedVersion != current {
		return 0, fmt.Errorf("%w: aggregate %s expected version %d, actual %d",
			eventsourcing.ErrConcurrencyConflict, aggregateID, expectedVersion, current)
	}

	for i, e := range events {
		if e.AggregateID != aggregateID {
			return 0, fmt.Errorf("event %s belongs to aggregate %s, not %s", e.ID, e.AggregateID, aggregateID)
		}
		if want := current + int64(i) + 1; e.Version != want {
			return 0, fmt.Errorf("event %s: %w: expected %d, got %d", e.ID, eventsourcing.ErrInvalidVersion, want, e.Version)
		}
		if err := e.Validate(); err != nil {
			return 0, err
		}
	}

	for _, e := range events {
		stored := clone(e)
		stored.Position = int64(len(s.log)) + 1
		stream = append(stream, stored)
		s.log = append(s.log, stored)
	}
	s.streams[aggregateID] = stream

	return int64(len(stream)), nil
}

// Load returns the events of aggregateID with Version > fromVersion.
// The stream is read when the sequence is ranged over.
func (s *EventStore) Load(ctx context.Context, aggregateID string, fromVersion int64) iter.Seq2[*eventsourcing.Event, error] {
	return func(yield func(*eventsourcing.Event, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}
		if fromVersion < 0 {
			fromVersion = 0
		}

		s.mu.RLock()
		stream := s.streams[aggregateID]
		var tail []*eventsourcing.Event
		if fromVersion < int64(len(stream)) {
			tail = stream[fromVersion:]
		}
		s.mu.RUnlock()

		for _, e := range tail {
			if !yield(clone(e), nil) {
				return
			}
		}
	}
}

// ReadAll returns up to limit events with Position > afterPosition.
func (s *EventStore) ReadAll(ctx context.Context, afterPosition int64, limit int) ([]*eventsourcing.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if afterPosition < 0 {
		afterPosition = 0
	}
	if afterPosition >= int64(len(s.log)) {
		return nil, nil
	}
	tail := s.log[afterPosition:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}

	out := make([]*eventsourcing.Event, len(tail))
	for i, e := range tail {
		out[i] = clone(e)
	}
	return out, nil
}

// Version returns the current version of an aggregate.
func (s *EventStore) Version(aggregateID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.streams[aggregateID]))
}

func clone(e *eventsourcing.Event) *eventsourcing.Event {
	c := *e
	c.Data = append([]byte(nil), e.Data...)
	if e.Metadata.Custom != nil {
		c.Metadata.Custom = make(map[string]string, len(e.Metadata.Custom))
		for k, v := range e.Metadata.Custom {
			c.Metadata.Custom[k] = v
		}
	}
	return &c
}

var (
	_ eventsourcing.EventStore   = (*EventStore)(nil)
	_ eventsourcing.GlobalReader = (*EventStore)(nil)
)
