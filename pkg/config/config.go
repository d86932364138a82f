// Package config loads process configuration from ES_* environment
// variables and maps it onto the functional options of each component.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/plaenen/eventsourcing/pkg/eventsourcing"
	"github.com/plaenen/eventsourcing/pkg/listener"
	"github.com/plaenen/eventsourcing/pkg/nats"
	"github.com/plaenen/eventsourcing/pkg/sqlite"
)

// Prefix is prepended to every variable name.
const Prefix = "ES_"

// Config is the full process configuration.
type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"eventsourcing"`
	Environment string `env:"ENVIRONMENT" envDefault:"dev"`

	Log       LogConfig       `envPrefix:"LOG_"`
	Store     StoreConfig     `envPrefix:"STORE_"`
	Bus       BusConfig       `envPrefix:"BUS_"`
	Command   CommandConfig   `envPrefix:"COMMAND_"`
	Listener  ListenerConfig  `envPrefix:"LISTENER_"`
	Telemetry TelemetryConfig `envPrefix:"TELEMETRY_"`
}

type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"json"`
}

// StoreConfig configures the sqlite backends.
type StoreConfig struct {
	// DSN is a file path or ":memory:"
	DSN          string        `env:"DSN" envDefault:"eventstore.db"`
	MaxOpenConns int           `env:"MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int           `env:"MAX_IDLE_CONNS" envDefault:"5"`
	BusyTimeout  time.Duration `env:"BUSY_TIMEOUT" envDefault:"5s"`
	WAL          bool          `env:"WAL" envDefault:"true"`
	AutoMigrate  bool          `env:"AUTO_MIGRATE" envDefault:"true"`
}

// BusConfig configures the NATS change feed.
type BusConfig struct {
	URL             string        `env:"URL" envDefault:"nats://127.0.0.1:4222"`
	Embedded        bool          `env:"EMBEDDED" envDefault:"true"`
	StoreDir        string        `env:"STORE_DIR"`
	StreamName      string        `env:"STREAM" envDefault:"EVENTS"`
	SubjectPrefix   string        `env:"SUBJECT_PREFIX" envDefault:"events"`
	MaxAge          time.Duration `env:"MAX_AGE" envDefault:"168h"`
	MaxBytes        int64         `env:"MAX_BYTES" envDefault:"1073741824"`
	DuplicateWindow time.Duration `env:"DUPLICATE_WINDOW" envDefault:"2m"`
	AckWait         time.Duration `env:"ACK_WAIT" envDefault:"30s"`
	NakDelay        time.Duration `env:"NAK_DELAY" envDefault:"500ms"`
	FetchBatch      int           `env:"FETCH_BATCH" envDefault:"16"`
	FetchWait       time.Duration `env:"FETCH_WAIT" envDefault:"1s"`

	// KeeperURL and CredentialsFile point at credentials sealed with
	// credentials.Seal. Both empty means an unauthenticated connection.
	KeeperURL       string `env:"KEEPER_URL"`
	CredentialsFile string `env:"CREDENTIALS_FILE"`
}

// CommandConfig configures the command handler.
type CommandConfig struct {
	Timeout          time.Duration `env:"TIMEOUT" envDefault:"5s"`
	MaxConflicts     int           `env:"MAX_CONFLICT_RETRIES" envDefault:"5"`
	MaxStoreRetries  int           `env:"MAX_STORE_RETRIES" envDefault:"3"`
	BackoffBase      time.Duration `env:"BACKOFF_BASE" envDefault:"10ms"`
	BackoffMax       time.Duration `env:"BACKOFF_MAX" envDefault:"1s"`
	SnapshotInterval int64         `env:"SNAPSHOT_INTERVAL" envDefault:"100"`
}

// ListenerConfig configures the projection listener.
type ListenerConfig struct {
	Consumer       string        `env:"CONSUMER" envDefault:"projections"`
	Workers        int           `env:"WORKERS" envDefault:"8"`
	MaxFailures    int           `env:"MAX_FAILURES" envDefault:"5"`
	BlockTimeout   time.Duration `env:"BLOCK_TIMEOUT" envDefault:"1m"`
	DeadLetterURL  string        `env:"DEAD_LETTER_URL"`
	DeadLetterPath string        `env:"DEAD_LETTER_PREFIX" envDefault:"deadletters"`
}

type TelemetryConfig struct {
	ServiceVersion string  `env:"SERVICE_VERSION" envDefault:"dev"`
	SampleRate     float64 `env:"SAMPLE_RATE" envDefault:"1"`
}

// Load parses the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values no component can run with.
func (c Config) Validate() error {
	switch {
	case c.Store.DSN == "":
		return fmt.Errorf("config: %sSTORE_DSN is required", Prefix)
	case c.Command.MaxConflicts < 0, c.Command.MaxStoreRetries < 0:
		return fmt.Errorf("config: retry bounds must not be negative")
	case c.Listener.Workers < 1:
		return fmt.Errorf("config: %sLISTENER_WORKERS must be at least 1", Prefix)
	case c.Listener.MaxFailures < 1:
		return fmt.Errorf("config: %sLISTENER_MAX_FAILURES must be at least 1", Prefix)
	case (c.Bus.KeeperURL == "") != (c.Bus.CredentialsFile == ""):
		return fmt.Errorf("config: %sBUS_KEEPER_URL and %sBUS_CREDENTIALS_FILE are set together", Prefix, Prefix)
	}
	return nil
}

// SQLiteOptions maps the store config onto sqlite options.
func (c Config) SQLiteOptions() []sqlite.Option {
	return []sqlite.Option{
		sqlite.WithDSN(c.Store.DSN),
		sqlite.WithMaxOpenConns(c.Store.MaxOpenConns),
		sqlite.WithMaxIdleConns(c.Store.MaxIdleConns),
		sqlite.WithBusyTimeout(c.Store.BusyTimeout),
		sqlite.WithWALMode(c.Store.WAL),
		sqlite.WithAutoMigrate(c.Store.AutoMigrate),
	}
}

// NATS maps the bus config onto a nats.Config.
func (c Config) NATS() nats.Config {
	return nats.Config{
		URL:             c.Bus.URL,
		Name:            c.ServiceName,
		StreamName:      c.Bus.StreamName,
		SubjectPrefix:   c.Bus.SubjectPrefix,
		MaxAge:          c.Bus.MaxAge,
		MaxBytes:        c.Bus.MaxBytes,
		DuplicateWindow: c.Bus.DuplicateWindow,
		AckWait:         c.Bus.AckWait,
		NakDelay:        c.Bus.NakDelay,
		FetchBatch:      c.Bus.FetchBatch,
		FetchWait:       c.Bus.FetchWait,
	}
}

// HandlerOptions maps the command config onto command handler options.
func (c Config) HandlerOptions() []eventsourcing.HandlerOption {
	return []eventsourcing.HandlerOption{
		eventsourcing.WithCommandTimeout(c.Command.Timeout),
		eventsourcing.WithMaxConflictRetries(c.Command.MaxConflicts),
		eventsourcing.WithMaxStoreRetries(c.Command.MaxStoreRetries),
		eventsourcing.WithBackoff(eventsourcing.Backoff{
			BaseDelay: c.Command.BackoffBase,
			MaxDelay:  c.Command.BackoffMax,
		}),
	}
}

// SnapshotStrategy returns the configured strategy, nil when disabled.
func (c Config) SnapshotStrategy() eventsourcing.SnapshotStrategy {
	if c.Command.SnapshotInterval <= 0 {
		return nil
	}
	return eventsourcing.IntervalSnapshotStrategy{Interval: c.Command.SnapshotInterval}
}

// ListenerOptions maps the listener config onto listener options.
func (c Config) ListenerOptions() []listener.Option {
	return []listener.Option{
		listener.WithConsumer(c.Listener.Consumer),
		listener.WithWorkers(c.Listener.Workers),
		listener.WithMaxFailures(c.Listener.MaxFailures),
		listener.WithBlockTimeout(c.Listener.BlockTimeout),
	}
}
