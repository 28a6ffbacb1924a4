package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/davidahmann/afu9/internal/crypto"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

type DBDriver string

const (
	DBMemory   DBDriver = "memory"
	DBSQLite   DBDriver = "sqlite"
	DBPostgres DBDriver = "postgres"
)

// ParseDriver maps a configured driver name to a DBDriver.
func ParseDriver(name string) (DBDriver, error) {
	switch DBDriver(strings.ToLower(strings.TrimSpace(name))) {
	case "", DBMemory:
		return DBMemory, nil
	case DBSQLite, "sqlite3":
		return DBSQLite, nil
	case DBPostgres, "postgresql", "pg":
		return DBPostgres, nil
	default:
		return "", fmt.Errorf("unsupported db driver: %s", name)
	}
}

// ErrMigrationDrift means an applied migration no longer matches the
// embedded file of the same version.
var ErrMigrationDrift = errors.New("ledger: applied migration differs from embedded schema")

// Migrate applies the embedded SQL files for driver in lexical order and
// returns the versions it applied. Each file runs in its own transaction
// together with its bookkeeping row, which stores the file digest; a
// re-run skips recorded versions and fails on any whose digest changed.
func Migrate(ctx context.Context, db *sql.DB, driver DBDriver) ([]string, error) {
	if db == nil {
		return nil, fmt.Errorf("missing db")
	}
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, d.createTable); err != nil {
		return nil, fmt.Errorf("create %s: %w", migrationsTable, err)
	}
	files, err := listMigrationFiles(d.dir)
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, file := range files {
		version := strings.TrimSuffix(path.Base(file), ".sql")
		contents, err := migrationsFS.ReadFile(file)
		if err != nil {
			return applied, err
		}
		digest := crypto.DigestHex(contents)

		done, err := d.apply(ctx, db, version, digest, string(contents))
		if err != nil {
			return applied, fmt.Errorf("migration %s: %w", version, err)
		}
		if done {
			applied = append(applied, version)
		}
	}
	return applied, nil
}

const migrationsTable = "afu9_schema_migrations"

type migrationDialect struct {
	dir         string
	createTable string
	selectRow   string
	insertRow   string
	now         func() any
}

func dialectFor(driver DBDriver) (migrationDialect, error) {
	switch driver {
	case DBSQLite:
		return migrationDialect{
			dir: "migrations/sqlite",
			createTable: `CREATE TABLE IF NOT EXISTS ` + migrationsTable + ` (
  version TEXT PRIMARY KEY,
  digest TEXT NOT NULL,
  applied_at TEXT NOT NULL
)`,
			selectRow: `SELECT digest FROM ` + migrationsTable + ` WHERE version = ?`,
			insertRow: `INSERT INTO ` + migrationsTable + `(version, digest, applied_at) VALUES(?, ?, ?)`,
			now:       func() any { return FormatTime(time.Now()) },
		}, nil
	case DBPostgres:
		return migrationDialect{
			dir: "migrations/postgres",
			createTable: `CREATE TABLE IF NOT EXISTS ` + migrationsTable + ` (
  version TEXT PRIMARY KEY,
  digest TEXT NOT NULL,
  applied_at TIMESTAMPTZ NOT NULL
)`,
			selectRow: `SELECT digest FROM ` + migrationsTable + ` WHERE version = $1`,
			insertRow: `INSERT INTO ` + migrationsTable + `(version, digest, applied_at) VALUES($1, $2, $3)`,
			now:       func() any { return time.Now().UTC() },
		}, nil
	default:
		return migrationDialect{}, fmt.Errorf("unsupported db driver: %s", driver)
	}
}

// apply runs one migration unless its version is already recorded. It
// reports whether the file was executed.
func (d migrationDialect) apply(ctx context.Context, db *sql.DB, version, digest, contents string) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var recorded string
	err = tx.QueryRowContext(ctx, d.selectRow, version).Scan(&recorded)
	switch {
	case err == nil:
		if recorded != digest {
			return false, fmt.Errorf("%w: recorded %s, embedded %s", ErrMigrationDrift, recorded, digest)
		}
		return false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, err
	}

	if _, err := tx.ExecContext(ctx, contents); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, d.insertRow, version, digest, d.now()); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func listMigrationFiles(dir string) ([]string, error) {
	entries, err := migrationsFS.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		out = append(out, path.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}
