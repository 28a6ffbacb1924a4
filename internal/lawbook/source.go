package lawbook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/davidahmann/afu9/internal/ledger"
)

// ErrNotConfigured means no lawbook is active. It is an expected outcome,
// distinct from a failed lookup.
var ErrNotConfigured = errors.New("lawbook not configured")

// Source returns the single active lawbook.
type Source interface {
	Active(ctx context.Context) (Loaded, error)
}

// FileSource serves the lawbook at Path, re-reading on every call.
type FileSource struct {
	Path string
}

func (s FileSource) Active(ctx context.Context) (Loaded, error) {
	if strings.TrimSpace(s.Path) == "" {
		return Loaded{}, ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return Loaded{}, err
	}
	return Load(s.Path)
}

// StaticSource serves a fixed lawbook; a nil Lawbook is "not configured".
type StaticSource struct {
	Lawbook *Loaded
}

func (s StaticSource) Active(context.Context) (Loaded, error) {
	if s.Lawbook == nil {
		return Loaded{}, ErrNotConfigured
	}
	return *s.Lawbook, nil
}

// LedgerSource serves the version marked active in the ledger.
type LedgerSource struct {
	Store ledger.LawbookStore
}

func (s LedgerSource) Active(ctx context.Context) (Loaded, error) {
	rec, ok, err := s.Store.GetActiveLawbook(ctx)
	if err != nil {
		return Loaded{}, fmt.Errorf("load active lawbook: %w", err)
	}
	if !ok {
		return Loaded{}, ErrNotConfigured
	}
	loaded, err := Parse([]byte(rec.Document))
	if err != nil {
		return Loaded{}, err
	}
	if loaded.Hash != rec.LawbookHash {
		return Loaded{}, fmt.Errorf("active lawbook hash mismatch: stored %s computed %s", rec.LawbookHash, loaded.Hash)
	}
	return loaded, nil
}

// Publish stores loaded as a version and, when activate is set, makes it
// the single active lawbook.
func Publish(ctx context.Context, store ledger.LawbookStore, loaded Loaded, activate bool, now time.Time) error {
	rec := ledger.LawbookVersionRecord{
		LawbookHash:    loaded.Hash,
		LawbookID:      loaded.Lawbook.LawbookID,
		LawbookVersion: loaded.Lawbook.LawbookVersion,
		Document:       string(loaded.Bytes),
		CreatedAt:      ledger.FormatTime(now),
	}
	if err := store.PutLawbookVersion(ctx, rec); err != nil {
		return fmt.Errorf("store lawbook version: %w", err)
	}
	if !activate {
		return nil
	}
	if err := store.ActivateLawbook(ctx, loaded.Hash, ledger.FormatTime(now)); err != nil {
		return fmt.Errorf("activate lawbook: %w", err)
	}
	return nil
}
