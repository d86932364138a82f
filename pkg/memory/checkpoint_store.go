package memory

import (
	"context"
	"sync"
	"time"

	"github.com/plaenen/eventsourcing/pkg/eventsourcing"
)

type txKey struct{}

// tx stages repository writes until the checkpoint commits.
type tx struct {
	mu     sync.Mutex
	writes []func()
	staged map[any]map[string]any
}

func (t *tx) stage(owner any, key string, value any, apply func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.staged == nil {
		t.staged = make(map[any]map[string]any)
	}
	if t.staged[owner] == nil {
		t.staged[owner] = make(map[string]any)
	}
	t.staged[owner][key] = value
	t.writes = append(t.writes, apply)
}

func (t *tx) lookup(owner any, key string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.staged[owner][key]
	return v, ok
}

func txFromContext(ctx context.Context) *tx {
	t, _ := ctx.Value(txKey{}).(*tx)
	return t
}

// CheckpointStore is an in-memory eventsourcing.CheckpointStore. Repository
// writes made through a context passed to Advance's callback are applied
// together with the checkpoint.
type CheckpointStore struct {
	mu          sync.Mutex
	checkpoints map[string]map[string]eventsourcing.ProjectionCheckpoint
}

func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{
		checkpoints: make(map[string]map[string]eventsourcing.ProjectionCheckpoint),
	}
}

func (s *CheckpointStore) Load(ctx context.Context, projection, aggregateID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.checkpoints[projection][aggregateID].Version, nil
}

func (s *CheckpointStore) Advance(ctx context.Context, cp eventsourcing.ProjectionCheckpoint, fn func(ctx context.Context) error) error {
	t := &tx{}
	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A concurrent Advance already covered this version; drop the staged writes.
	if s.checkpoints[cp.Projection][cp.AggregateID].Version >= cp.Version {
		return nil
	}

	for _, write := range t.writes {
		write()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	if s.checkpoints[cp.Projection] == nil {
		s.checkpoints[cp.Projection] = make(map[string]eventsourcing.ProjectionCheckpoint)
	}
	s.checkpoints[cp.Projection][cp.AggregateID] = cp
	return nil
}

func (s *CheckpointStore) Reset(ctx context.Context, projection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.checkpoints, projection)
	return nil
}

// Get returns the full checkpoint record, mostly for assertions in tests.
func (s *CheckpointStore) Get(projection, aggregateID string) (eventsourcing.ProjectionCheckpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.checkpoints[projection][aggregateID]
	return cp, ok
}

var _ eventsourcing.CheckpointStore = (*CheckpointStore)(nil)
