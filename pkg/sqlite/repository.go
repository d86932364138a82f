package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/plaenen/eventsourcing/pkg/eventsourcing"
)

// Repository stores JSON encoded read models of one collection in the
// read_models table. Inside CheckpointStore.Advance it writes through the
// checkpoint transaction.
type Repository[M any] struct {
	db         *sql.DB
	collection string
}

// NewRepository returns a repository for collection. The projection schema
// must be migrated, which NewCheckpointStore does by default.
func NewRepository[M any](db *sql.DB, collection string) *Repository[M] {
	return &Repository[M]{db: db, collection: collection}
}

func (r *Repository[M]) Get(ctx context.Context, key string) (M, error) {
	var (
		model M
		data  []byte
	)
	err := querierFor(ctx, r.db).QueryRowContext(ctx,
		`SELECT data FROM read_models WHERE collection = ? AND key = ?`, r.collection, key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return model, fmt.Errorf("%s %s: %w", r.collection, key, eventsourcing.ErrNotFound)
	}
	if err != nil {
		return model, repositoryUnavailable("get "+r.collection, err)
	}

	if err := json.Unmarshal(data, &model); err != nil {
		return model, fmt.Errorf("decode %s %s: %w", r.collection, key, err)
	}
	return model, nil
}

func (r *Repository[M]) Save(ctx context.Context, key string, model M) error {
	data, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", r.collection, key, err)
	}

	_, err = querierFor(ctx, r.db).ExecContext(ctx, `
		INSERT INTO read_models (collection, key, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (collection, key) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at`,
		r.collection, key, data, time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return repositoryUnavailable("save "+r.collection, err)
	}
	return nil
}

// Reset deletes every model of the collection.
func (r *Repository[M]) Reset(ctx context.Context) error {
	if _, err := querierFor(ctx, r.db).ExecContext(ctx, `DELETE FROM read_models WHERE collection = ?`, r.collection); err != nil {
		return repositoryUnavailable("reset "+r.collection, err)
	}
	return nil
}

// Count returns the number of models in the collection.
func (r *Repository[M]) Count(ctx context.Context) (int, error) {
	var n int
	err := querierFor(ctx, r.db).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM read_models WHERE collection = ?`, r.collection,
	).Scan(&n)
	if err != nil {
		return 0, repositoryUnavailable("count "+r.collection, err)
	}
	return n, nil
}

var _ eventsourcing.Repository[struct{}] = (*Repository[struct{}])(nil)
