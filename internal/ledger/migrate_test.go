package ledger

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "modernc.org/sqlite"
)

func openMemoryDB(t *testing.T, name string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+name+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateSQLiteIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openMemoryDB(t, "migrate_idempotent")

	applied, err := Migrate(ctx, db, DBSQLite)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(applied) != 2 || applied[0] != "0001_init" || applied[1] != "0002_lifecycle" {
		t.Fatalf("unexpected applied versions: %v", applied)
	}
	again, err := Migrate(ctx, db, DBSQLite)
	if err != nil {
		t.Fatalf("migrate second: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no-op re-run, applied %v", again)
	}

	for _, table := range []string{"policy_audit", "execution_claims", "lawbook_versions", "playbook_steps", "step_idempotency", "issues", "timeline_events"} {
		var name string
		if err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("expected %s table: %v", table, err)
		}
	}

	var digest string
	if err := db.QueryRow(`SELECT digest FROM afu9_schema_migrations WHERE version = '0001_init'`).Scan(&digest); err != nil {
		t.Fatalf("read digest: %v", err)
	}
	if len(digest) != 64 {
		t.Fatalf("expected sha256 hex digest, got %q", digest)
	}
}

func TestMigrateDetectsDrift(t *testing.T) {
	ctx := context.Background()
	db := openMemoryDB(t, "migrate_drift")
	if _, err := Migrate(ctx, db, DBSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := db.Exec(`UPDATE afu9_schema_migrations SET digest = 'edited' WHERE version = '0002_lifecycle'`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if _, err := Migrate(ctx, db, DBSQLite); !errors.Is(err, ErrMigrationDrift) {
		t.Fatalf("expected drift error, got %v", err)
	}
}

func TestMigrationHelpers(t *testing.T) {
	if _, err := Migrate(context.Background(), nil, DBSQLite); err == nil {
		t.Fatalf("expected error for nil db")
	}
	if _, err := dialectFor(DBPostgres); err != nil {
		t.Fatalf("expected postgres dialect, got %v", err)
	}
	if _, err := dialectFor(DBMemory); err == nil {
		t.Fatalf("expected error for memory driver")
	}

	files, err := listMigrationFiles("migrations/postgres")
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	if len(files) != 2 || files[0] != "migrations/postgres/0001_init.sql" {
		t.Fatalf("unexpected postgres migrations: %v", files)
	}
}

func TestParseDriver(t *testing.T) {
	cases := map[string]DBDriver{"": DBMemory, "memory": DBMemory, "SQLite": DBSQLite, "postgresql": DBPostgres}
	for in, want := range cases {
		got, err := ParseDriver(in)
		if err != nil || got != want {
			t.Fatalf("ParseDriver(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseDriver("mysql"); err == nil {
		t.Fatalf("expected error for mysql")
	}
}
