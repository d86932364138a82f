package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/plaenen/eventsourcing/pkg/eventsourcing"
)

// SnapshotStore keeps the latest snapshot of each aggregate.
type SnapshotStore struct {
	db *sql.DB
}

// NewSnapshotStore returns a snapshot store over a database migrated with
// MigrateEvents.
func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// SaveSnapshot upserts the snapshot. An older snapshot never replaces a newer one.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snapshot *eventsourcing.Snapshot) error {
	createdAt := snapshot.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (aggregate_id, aggregate_type, version, data, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (aggregate_id) DO UPDATE SET
			aggregate_type = excluded.aggregate_type,
			version = excluded.version,
			data = excluded.data,
			created_at = excluded.created_at
		WHERE excluded.version > snapshots.version`,
		snapshot.AggregateID, snapshot.AggregateType, snapshot.Version, snapshot.Data, createdAt.UnixNano(),
	)
	if err != nil {
		return storeUnavailable("save snapshot", err)
	}
	return nil
}

func (s *SnapshotStore) LatestSnapshot(ctx context.Context, aggregateID string) (*eventsourcing.Snapshot, error) {
	var (
		snap      = eventsourcing.Snapshot{AggregateID: aggregateID}
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT aggregate_type, version, data, created_at FROM snapshots WHERE aggregate_id = ?`, aggregateID,
	).Scan(&snap.AggregateType, &snap.Version, &snap.Data, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", eventsourcing.ErrSnapshotNotFound, aggregateID)
	}
	if err != nil {
		return nil, storeUnavailable("load snapshot", err)
	}
	snap.CreatedAt = time.Unix(0, createdAt).UTC()
	return &snap, nil
}

var _ eventsourcing.SnapshotStore = (*SnapshotStore)(nil)
