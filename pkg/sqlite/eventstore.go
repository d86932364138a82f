package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/plaenen/eventsourcing/pkg/eventsourcing"
)

const eventColumns = `position, event_id, aggregate_id, aggregate_type, event_type, version, data, content_type, metadata, recorded_at`

// EventStore is a SQLite eventsourcing.EventStore.
//
// The UNIQUE (aggregate_id, version) constraint is the final arbiter of
// concurrent appends: two writers that both read the same current version
// cannot both commit.
type EventStore struct {
	db     *sql.DB
	ownsDB bool
}

// NewEventStore opens a database with opts and returns a store over it.
func NewEventStore(ctx context.Context, opts ...Option) (*EventStore, error) {
	db, err := Open(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &EventStore{db: db, ownsDB: true}, nil
}

// NewEventStoreFromDB returns a store over an already migrated database.
func NewEventStoreFromDB(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// DB returns the underlying database so other stores can share it.
func (s *EventStore) DB() *sql.DB {
	return s.db
}

// Close closes the database if the store opened it.
func (s *EventStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *EventStore) Append(ctx context.Context, aggregateID string, expectedVersion int64, events []*eventsourcing.Event) (int64, error) {
	if expectedVersion < 0 {
		return 0, fmt.Errorf("%w: expected version %d", eventsourcing.ErrInvalidVersion, expectedVersion)
	}
	for i, e := range events {
		if e.AggregateID != aggregateID {
			return 0, fmt.Errorf("%w: event %s belongs to %s", eventsourcing.ErrInvalidVersion, e.ID, e.AggregateID)
		}
		if want := expectedVersion + int64(i) + 1; e.Version != want {
			return 0, fmt.Errorf("%w: event %s has version %d, want %d", eventsourcing.ErrInvalidVersion, e.ID, e.Version, want)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeUnavailable("begin append", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`, aggregateID,
	).Scan(&current)
	if err != nil {
		return 0, storeUnavailable("read current version", err)
	}
	if current != expectedVersion {
		return 0, fmt.Errorf("%w: aggregate %s expected %d, actual %d",
			eventsourcing.ErrConcurrencyConflict, aggregateID, expectedVersion, current)
	}
	if len(events) == 0 {
		return current, nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (event_id, aggregate_id, aggregate_type, event_type, version, data, content_type, metadata, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING position`)
	if err != nil {
		return 0, storeUnavailable("prepare append", err)
	}
	defer stmt.Close()

	positions := make([]int64, len(events))
	for i, e := range events {
		metadata, err := json.Marshal(e.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal metadata of %s: %w", e.ID, err)
		}

		err = stmt.QueryRowContext(ctx,
			e.ID, e.AggregateID, e.AggregateType, e.EventType, e.Version,
			e.Data, e.ContentType, string(metadata), e.RecordedAt.UnixNano(),
		).Scan(&positions[i])
		if err != nil {
			if isUniqueViolation(err) {
				return 0, fmt.Errorf("%w: aggregate %s version %d already exists",
					eventsourcing.ErrConcurrencyConflict, aggregateID, e.Version)
			}
			return 0, storeUnavailable("insert event", err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: aggregate %s", eventsourcing.ErrConcurrencyConflict, aggregateID)
		}
		return 0, storeUnavailable("commit append", err)
	}

	for i, e := range events {
		e.Position = positions[i]
	}
	return expectedVersion + int64(len(events)), nil
}

func (s *EventStore) Load(ctx context.Context, aggregateID string, fromVersion int64) iter.Seq2[*eventsourcing.Event, error] {
	return func(yield func(*eventsourcing.Event, error) bool) {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+eventColumns+` FROM events WHERE aggregate_id = ? AND version > ? ORDER BY version`,
			aggregateID, fromVersion,
		)
		if err != nil {
			yield(nil, storeUnavailable("load events", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanEvent(rows)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, storeUnavailable("load events", err))
		}
	}
}

// ReadAll returns up to limit events committed after afterPosition.
func (s *EventStore) ReadAll(ctx context.Context, afterPosition int64, limit int) ([]*eventsourcing.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE position > ? ORDER BY position LIMIT ?`,
		afterPosition, limit,
	)
	if err != nil {
		return nil, storeUnavailable("read all", err)
	}
	defer rows.Close()

	var events []*eventsourcing.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeUnavailable("read all", err)
	}
	return events, nil
}

// Version returns the current version of an aggregate, or 0.
func (s *EventStore) Version(ctx context.Context, aggregateID string) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`, aggregateID,
	).Scan(&version)
	if err != nil {
		return 0, storeUnavailable("read version", err)
	}
	return version, nil
}

func scanEvent(rows *sql.Rows) (*eventsourcing.Event, error) {
	var (
		e          eventsourcing.Event
		metadata   string
		recordedAt int64
	)
	err := rows.Scan(
		&e.Position, &e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Version,
		&e.Data, &e.ContentType, &metadata, &recordedAt,
	)
	if err != nil {
		return nil, storeUnavailable("scan event", err)
	}
	if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of %s: %w", e.ID, err)
	}
	e.RecordedAt = time.Unix(0, recordedAt).UTC()
	return &e, nil
}

var (
	_ eventsourcing.EventStore   = (*EventStore)(nil)
	_ eventsourcing.GlobalReader = (*EventStore)(nil)
)
