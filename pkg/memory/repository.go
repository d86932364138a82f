package memory

import (
	"context"
	"sync"

	"github.com/plaenen/eventsourcing/pkg/eventsourcing"
)

// Repository is an in-memory eventsourcing.Repository. Saves made with a
// context from CheckpointStore.Advance are staged and applied on commit.
type Repository[M any] struct {
	mu     sync.RWMutex
	models map[string]M
}

func NewRepository[M any]() *Repository[M] {
	return &Repository[M]{models: make(map[string]M)}
}

func (r *Repository[M]) Get(ctx context.Context, key string) (M, error) {
	if t := txFromContext(ctx); t != nil {
		if v, ok := t.lookup(r, key); ok {
			return v.(M), nil
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.models[key]
	if !ok {
		var zero M
		return zero, eventsourcing.ErrNotFound
	}
	return m, nil
}

func (r *Repository[M]) Save(ctx context.Context, key string, model M) error {
	if t := txFromContext(ctx); t != nil {
		t.stage(r, key, model, func() { r.put(key, model) })
		return nil
	}
	r.put(key, model)
	return nil
}

// Reset removes every model.
func (r *Repository[M]) Reset(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models = make(map[string]M)
	return nil
}

// Len returns the number of stored models.
func (r *Repository[M]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}

func (r *Repository[M]) put(key string, model M) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[key] = model
}
