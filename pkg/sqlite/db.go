// Package sqlite provides SQLite backed implementations of the event store,
// snapshot store, checkpoint store, read model repository and dead-letter
// store.
//
// The event store and the projection tables can live in the same database
// or in separate ones. Checkpoints and read models must share a database so
// they commit in one transaction.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/plaenen/eventsourcing/pkg/eventsourcing"
	"github.com/plaenen/eventsourcing/pkg/sqlite/migrate"
)

//go:embed migrations/events/*.sql
var eventMigrations embed.FS

//go:embed migrations/projections/*.sql
var projectionMigrations embed.FS

const (
	eventsMigrationTable      = "schema_migrations"
	projectionsMigrationTable = "projection_schema_migrations"
)

type config struct {
	dsn          string
	maxOpenConns int
	maxIdleConns int
	busyTimeout  time.Duration
	walMode      bool
	autoMigrate  bool
}

func defaultConfig() config {
	return config{
		dsn:          "eventstore.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		busyTimeout:  5 * time.Second,
		walMode:      true,
		autoMigrate:  true,
	}
}

// Option configures a database opened by Open or NewEventStore.
type Option func(*config)

// WithDSN sets the data source name.
func WithDSN(dsn string) Option {
	return func(c *config) {
		c.dsn = dsn
	}
}

// WithMemoryDatabase uses a private in-memory database.
func WithMemoryDatabase() Option {
	return func(c *config) {
		c.dsn = ":memory:"
	}
}

// WithFilename uses a database file at the given path.
func WithFilename(filename string) Option {
	return func(c *config) {
		c.dsn = filename
	}
}

// WithMaxOpenConns sets the maximum number of open connections.
func WithMaxOpenConns(n int) Option {
	return func(c *config) {
		c.maxOpenConns = n
	}
}

// WithMaxIdleConns sets the maximum number of idle connections.
func WithMaxIdleConns(n int) Option {
	return func(c *config) {
		c.maxIdleConns = n
	}
}

// WithBusyTimeout sets how long a writer waits for the database lock.
func WithBusyTimeout(d time.Duration) Option {
	return func(c *config) {
		c.busyTimeout = d
	}
}

// WithWALMode enables or disables Write-Ahead Logging.
func WithWALMode(enabled bool) Option {
	return func(c *config) {
		c.walMode = enabled
	}
}

// WithAutoMigrate enables or disables running migrations on open.
func WithAutoMigrate(enabled bool) Option {
	return func(c *config) {
		c.autoMigrate = enabled
	}
}

func (c config) memory() bool {
	return c.dsn == ":memory:"
}

// connString adds the connection parameters every pooled connection needs.
// Write transactions take the lock up front so two appends never deadlock
// upgrading a read lock.
func (c config) connString() string {
	if c.memory() {
		return c.dsn
	}
	sep := "?"
	if strings.Contains(c.dsn, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)&_txlock=immediate", c.dsn, sep, c.busyTimeout.Milliseconds())
}

// Open opens a database, applies pragmas and, unless disabled, migrates both
// the event and projection schemas.
func Open(ctx context.Context, opts ...Option) (*sql.DB, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite", cfg.connString())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Each connection to :memory: would see its own empty database.
	if cfg.memory() {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.maxOpenConns)
		db.SetMaxIdleConns(cfg.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if cfg.walMode && !cfg.memory() {
		if err := setWALMode(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}

	if cfg.autoMigrate {
		if err := Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}

	return db, nil
}

func setWALMode(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-64000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// Migrate applies the event and projection schemas.
func Migrate(ctx context.Context, db *sql.DB) error {
	if err := MigrateEvents(ctx, db); err != nil {
		return err
	}
	return MigrateProjections(ctx, db)
}

// MigrateEvents applies the events and snapshots schema.
func MigrateEvents(ctx context.Context, db *sql.DB) error {
	return runMigrations(ctx, db, eventMigrations, "migrations/events", eventsMigrationTable)
}

// MigrateProjections applies the checkpoints, read models and dead letters schema.
func MigrateProjections(ctx context.Context, db *sql.DB) error {
	return runMigrations(ctx, db, projectionMigrations, "migrations/projections", projectionsMigrationTable)
}

func runMigrations(ctx context.Context, db *sql.DB, fsys embed.FS, dir, table string) error {
	m := migrate.New(db, table)
	if err := m.LoadFromFS(fsys, dir); err != nil {
		return fmt.Errorf("load %s: %w", dir, err)
	}
	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("migrate %s: %w", dir, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

// unavailable marks err as transient unless it is a context error.
func unavailable(sentinel error, op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, sentinel, err)
}

// storeUnavailable is unavailable for event store operations.
func storeUnavailable(op string, err error) error {
	return unavailable(eventsourcing.ErrStoreUnavailable, op, err)
}

// repositoryUnavailable is unavailable for read model operations.
func repositoryUnavailable(op string, err error) error {
	return unavailable(eventsourcing.ErrRepositoryUnavailable, op, err)
}
