package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/plaenen/eventsourcing/pkg/eventsourcing"
)

// CheckpointStore persists per-aggregate projection checkpoints.
//
// Advance opens a transaction, hands it to the callback through the context
// and writes the checkpoint in that same transaction, so a Repository used
// inside the callback commits atomically with the checkpoint.
type CheckpointStore struct {
	db *sql.DB
}

// CheckpointStoreOption configures a CheckpointStore.
type CheckpointStoreOption func(*checkpointStoreConfig)

type checkpointStoreConfig struct {
	autoMigrate bool
}

// WithCheckpointAutoMigrate enables or disables the projection schema
// migration on construction. Default is true.
func WithCheckpointAutoMigrate(enabled bool) CheckpointStoreOption {
	return func(c *checkpointStoreConfig) {
		c.autoMigrate = enabled
	}
}

// NewCheckpointStore returns a checkpoint store over db.
func NewCheckpointStore(ctx context.Context, db *sql.DB, opts ...CheckpointStoreOption) (*CheckpointStore, error) {
	cfg := checkpointStoreConfig{autoMigrate: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.autoMigrate {
		if err := MigrateProjections(ctx, db); err != nil {
			return nil, err
		}
	}
	return &CheckpointStore{db: db}, nil
}

// DB returns the database the checkpoints live in.
func (s *CheckpointStore) DB() *sql.DB {
	return s.db
}

func (s *CheckpointStore) Load(ctx context.Context, projection, aggregateID string) (int64, error) {
	version, err := loadCheckpoint(ctx, querierFor(ctx, s.db), projection, aggregateID)
	if err != nil {
		return 0, repositoryUnavailable("load checkpoint", err)
	}
	return version, nil
}

func loadCheckpoint(ctx context.Context, q querier, projection, aggregateID string) (int64, error) {
	var version int64
	err := q.QueryRowContext(ctx,
		`SELECT version FROM projection_checkpoints WHERE projection = ? AND aggregate_id = ?`,
		projection, aggregateID,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return version, err
}

// Advance runs fn in a transaction and records cp in it. When the checkpoint
// already covers cp.Version by the time the transaction holds the write lock,
// fn is not run and nothing changes.
func (s *CheckpointStore) Advance(ctx context.Context, cp eventsourcing.ProjectionCheckpoint, fn func(ctx context.Context) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return repositoryUnavailable("begin checkpoint", err)
	}
	defer tx.Rollback()

	current, err := loadCheckpoint(ctx, tx, cp.Projection, cp.AggregateID)
	if err != nil {
		return repositoryUnavailable("load checkpoint", err)
	}
	if current >= cp.Version {
		return nil
	}

	if err := fn(WithTx(ctx, tx)); err != nil {
		return err
	}

	if err := s.SaveInTx(ctx, tx, cp); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return repositoryUnavailable("commit checkpoint", err)
	}
	return nil
}

// SaveInTx writes cp inside a caller-owned transaction.
func (s *CheckpointStore) SaveInTx(ctx context.Context, tx *sql.Tx, cp eventsourcing.ProjectionCheckpoint) error {
	updatedAt := cp.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projection_checkpoints (projection, aggregate_id, version, event_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (projection, aggregate_id) DO UPDATE SET
			version = excluded.version,
			event_id = excluded.event_id,
			updated_at = excluded.updated_at`,
		cp.Projection, cp.AggregateID, cp.Version, cp.EventID, updatedAt.UnixNano(),
	)
	if err != nil {
		return repositoryUnavailable("save checkpoint", err)
	}
	return nil
}

func (s *CheckpointStore) Reset(ctx context.Context, projection string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM projection_checkpoints WHERE projection = ?`, projection); err != nil {
		return repositoryUnavailable("reset checkpoints", err)
	}
	return nil
}

// Get returns the full checkpoint record.
func (s *CheckpointStore) Get(ctx context.Context, projection, aggregateID string) (eventsourcing.ProjectionCheckpoint, error) {
	cp := eventsourcing.ProjectionCheckpoint{Projection: projection, AggregateID: aggregateID}
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT version, event_id, updated_at FROM projection_checkpoints WHERE projection = ? AND aggregate_id = ?`,
		projection, aggregateID,
	).Scan(&cp.Version, &cp.EventID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, fmt.Errorf("checkpoint %s/%s: %w", projection, aggregateID, eventsourcing.ErrNotFound)
	}
	if err != nil {
		return cp, repositoryUnavailable("get checkpoint", err)
	}
	cp.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return cp, nil
}

var _ eventsourcing.CheckpointStore = (*CheckpointStore)(nil)
