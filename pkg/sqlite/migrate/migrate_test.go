package migrate

import (
	"context"
	"database/sql"
	"embed"
	"testing"

	_ "modernc.org/sqlite"
)

//go:embed testdata/*.sql
var testMigrationsFS embed.FS

func openDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrator_EmptyVersion(t *testing.T) {
	m := New(openDB(t), "test_migrations")

	version, err := m.Version(context.Background())
	if err != nil {
		t.Fatalf("failed to get current version: %v", err)
	}
	if version != 0 {
		t.Errorf("expected version 0, got %d", version)
	}
}

func TestMigrator_UpAndDown(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	m := New(db, "test_migrations")
	if err := m.LoadFromFS(testMigrationsFS, "testdata"); err != nil {
		t.Fatalf("failed to load migrations: %v", err)
	}
	if got := len(m.Migrations()); got != 2 {
		t.Fatalf("expected 2 migrations, got %d", got)
	}

	if err := m.Up(ctx); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	// Running again is a no-op.
	if err := m.Up(ctx); err != nil {
		t.Fatalf("second Up failed: %v", err)
	}

	version, err := m.Version(ctx)
	if err != nil {
		t.Fatalf("failed to get version: %v", err)
	}
	if version != 2 {
		t.Errorf("expected version 2, got %d", version)
	}

	if _, err := db.Exec("INSERT INTO accounts (id, owner, balance) VALUES ('acct-1', 'ann', '10')"); err != nil {
		t.Fatalf("schema not applied: %v", err)
	}

	// 000002 has no down script.
	if err := m.Down(ctx); err == nil {
		t.Fatal("expected Down to fail without a down script")
	}
}

func TestMigrator_DownRollsBack(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	m := New(db, "test_migrations")
	m.migrations = []Migration{{
		Version: 1,
		Name:    "create_notes",
		Up:      "CREATE TABLE notes (id TEXT PRIMARY KEY)",
		Down:    "DROP TABLE notes",
	}}

	if err := m.Up(ctx); err != nil {
		t.Fatalf("up: %v", err)
	}
	if err := m.Down(ctx); err != nil {
		t.Fatalf("down: %v", err)
	}

	version, err := m.Version(ctx)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if version != 0 {
		t.Errorf("expected version 0 after rollback, got %d", version)
	}
	if _, err := db.Exec("SELECT COUNT(*) FROM notes"); err == nil {
		t.Error("expected notes table to be dropped")
	}
}
