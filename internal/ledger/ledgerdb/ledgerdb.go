// Package ledgerdb opens the configured ledger backend.
package ledgerdb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/davidahmann/afu9/internal/ledger"
	"github.com/davidahmann/afu9/internal/ledger/pgstore"
	"github.com/davidahmann/afu9/internal/ledger/sqlstore"
)

type Handle struct {
	Driver ledger.DBDriver
	Store  ledger.Store
	// DB is nil for the in-memory backend.
	DB *sql.DB
	// Applied lists the migrations this Open executed.
	Applied []string
}

func (h *Handle) Close() error {
	if h == nil || h.DB == nil {
		return nil
	}
	return h.DB.Close()
}

// Open connects to driver at dsn and, when migrate is set, applies the
// embedded schema before returning.
func Open(ctx context.Context, driverName, dsn string, migrate bool) (*Handle, error) {
	driver, err := ledger.ParseDriver(driverName)
	if err != nil {
		return nil, err
	}
	h := &Handle{Driver: driver}
	switch driver {
	case ledger.DBMemory:
		h.Store = ledger.NewInMemoryStore()
		return h, nil
	case ledger.DBSQLite:
		s, err := sqlstore.OpenSQLite(dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		h.Store, h.DB = s, s.DB()
	case ledger.DBPostgres:
		s, err := pgstore.OpenPostgres(dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		h.Store, h.DB = s, s.DB()
	}
	if migrate {
		applied, err := ledger.Migrate(ctx, h.DB, driver)
		if err != nil {
			_ = h.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		h.Applied = applied
	}
	return h, nil
}
