package config

import (
	"strings"
	"testing"
	"time"

	"github.com/plaenen/eventsourcing/pkg/eventsourcing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.DSN != "eventstore.db" {
		t.Fatalf("expected default dsn, got %q", cfg.Store.DSN)
	}
	if cfg.Command.MaxConflicts != eventsourcing.DefaultMaxConflictRetries {
		t.Fatalf("expected %d conflict retries, got %d", eventsourcing.DefaultMaxConflictRetries, cfg.Command.MaxConflicts)
	}
	if cfg.Listener.MaxFailures != 5 {
		t.Fatalf("expected 5 max failures, got %d", cfg.Listener.MaxFailures)
	}
	if cfg.Listener.BlockTimeout != time.Minute {
		t.Fatalf("expected 1m block timeout, got %s", cfg.Listener.BlockTimeout)
	}
	if !cfg.Bus.Embedded {
		t.Fatal("expected embedded bus by default")
	}
	if cfg.Bus.MaxAge != 7*24*time.Hour {
		t.Fatalf("unexpected max age %s", cfg.Bus.MaxAge)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ES_SERVICE_NAME", "ledger")
	t.Setenv("ES_STORE_DSN", ":memory:")
	t.Setenv("ES_BUS_NAK_DELAY", "25ms")
	t.Setenv("ES_COMMAND_TIMEOUT", "2s")
	t.Setenv("ES_LISTENER_WORKERS", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.DSN != ":memory:" {
		t.Fatalf("expected memory dsn, got %q", cfg.Store.DSN)
	}
	if cfg.Listener.Workers != 3 {
		t.Fatalf("expected 3 workers, got %d", cfg.Listener.Workers)
	}

	natsCfg := cfg.NATS()
	if natsCfg.Name != "ledger" || natsCfg.NakDelay != 25*time.Millisecond {
		t.Fatalf("unexpected nats config %+v", natsCfg)
	}
	if len(cfg.HandlerOptions()) == 0 || len(cfg.ListenerOptions()) != 4 || len(cfg.SQLiteOptions()) != 6 {
		t.Fatal("expected options for every component")
	}
}

func TestLoadError(t *testing.T) {
	t.Setenv("ES_LISTENER_WORKERS", "many")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("ES_BUS_KEEPER_URL", "base64key://")

	if _, err := Load(); err == nil {
		t.Fatal("expected keeper url without credentials file to be rejected")
	}

	t.Setenv("ES_BUS_CREDENTIALS_FILE", "/run/secrets/nats")
	if _, err := Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
}

func TestSnapshotStrategy(t *testing.T) {
	var cfg Config
	if cfg.SnapshotStrategy() != nil {
		t.Fatal("expected no strategy when the interval is zero")
	}
	cfg.Command.SnapshotInterval = 10
	if !cfg.SnapshotStrategy().ShouldSnapshot(10, 10) {
		t.Fatal("expected snapshot after 10 events")
	}
}
