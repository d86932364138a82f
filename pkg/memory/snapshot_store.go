package memory

import (
	"context"
	"sync"

	"github.com/plaenen/eventsourcing/pkg/eventsourcing"
)

// SnapshotStore keeps the latest snapshot per aggregate.
type SnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string]eventsourcing.Snapshot
}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{snapshots: make(map[string]eventsourcing.Snapshot)}
}

func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snapshot *eventsourcing.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.snapshots[snapshot.AggregateID]; ok && prev.Version >= snapshot.Version {
		return nil
	}
	cp := *snapshot
	cp.Data = append([]byte(nil), snapshot.Data...)
	s.snapshots[snapshot.AggregateID] = cp
	return nil
}

func (s *SnapshotStore) LatestSnapshot(ctx context.Context, aggregateID string) (*eventsourcing.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[aggregateID]
	if !ok {
		return nil, eventsourcing.ErrSnapshotNotFound
	}
	return &snap, nil
}

var _ eventsourcing.SnapshotStore = (*SnapshotStore)(nil)
