package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/plaenen/eventsourcing/pkg/eventsourcing"
)

// DeadLetterStore is a queryable eventsourcing.DeadLetterSink.
type DeadLetterStore struct {
	db *sql.DB
}

// NewDeadLetterStore returns a store over a database migrated with
// MigrateProjections.
func NewDeadLetterStore(db *sql.DB) *DeadLetterStore {
	return &DeadLetterStore{db: db}
}

func (s *DeadLetterStore) Send(ctx context.Context, letter eventsourcing.DeadLetter) error {
	event, err := json.Marshal(letter.Event)
	if err != nil {
		return fmt.Errorf("encode dead letter %s: %w", letter.ID, err)
	}

	var eventID, aggregateID string
	if letter.Event != nil {
		eventID, aggregateID = letter.Event.ID, letter.Event.AggregateID
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, projection, event_id, aggregate_id, event, error, attempts, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		letter.ID, letter.Projection, eventID, aggregateID, string(event),
		letter.Error, letter.Attempts, letter.FailedAt.UnixNano(),
	)
	if err != nil {
		return repositoryUnavailable("save dead letter", err)
	}
	return nil
}

// List returns the dead letters of a projection, oldest first. An empty
// projection lists all of them.
func (s *DeadLetterStore) List(ctx context.Context, projection string) ([]eventsourcing.DeadLetter, error) {
	query := `SELECT id, projection, event, error, attempts, failed_at FROM dead_letters`
	var args []any
	if projection != "" {
		query += ` WHERE projection = ?`
		args = append(args, projection)
	}
	query += ` ORDER BY failed_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, repositoryUnavailable("list dead letters", err)
	}
	defer rows.Close()

	var letters []eventsourcing.DeadLetter
	for rows.Next() {
		var (
			letter   eventsourcing.DeadLetter
			event    string
			failedAt int64
		)
		if err := rows.Scan(&letter.ID, &letter.Projection, &event, &letter.Error, &letter.Attempts, &failedAt); err != nil {
			return nil, repositoryUnavailable("scan dead letter", err)
		}
		if err := json.Unmarshal([]byte(event), &letter.Event); err != nil {
			return nil, fmt.Errorf("decode dead letter %s: %w", letter.ID, err)
		}
		letter.FailedAt = time.Unix(0, failedAt).UTC()
		letters = append(letters, letter)
	}
	if err := rows.Err(); err != nil {
		return nil, repositoryUnavailable("list dead letters", err)
	}
	return letters, nil
}

// Delete removes a dead letter once it has been handled.
func (s *DeadLetterStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id); err != nil {
		return repositoryUnavailable("delete dead letter", err)
	}
	return nil
}

var _ eventsourcing.DeadLetterSink = (*DeadLetterStore)(nil)
