package ledgerdb

import (
	"context"
	"testing"
	"time"

	"github.com/davidahmann/afu9/internal/ledger"
)

func TestOpenMemory(t *testing.T) {
	h, err := Open(context.Background(), "", "", true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if h.Driver != ledger.DBMemory || h.DB != nil {
		t.Fatalf("unexpected handle: %+v", h)
	}
	if _, ok := h.Store.(*ledger.InMemoryStore); !ok {
		t.Fatalf("expected in-memory store, got %T", h.Store)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestOpenSQLiteMigrates(t *testing.T) {
	h, err := Open(context.Background(), "sqlite", "file:ledgerdb_open?mode=memory&cache=shared", true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = h.Close() }()
	if len(h.Applied) != 2 {
		t.Fatalf("expected both migrations applied, got %v", h.Applied)
	}

	ctx := context.Background()
	now := ledger.FormatTime(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	rec := ledger.IssueRecord{
		IssueID:   "iss-1",
		Title:     "ship it",
		Status:    "CREATED",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.Store.CreateIssue(ctx, rec); err != nil {
		t.Fatalf("create issue: %v", err)
	}
	got, ok, err := h.Store.GetIssue(ctx, "iss-1")
	if err != nil || !ok || got.Title != "ship it" {
		t.Fatalf("get issue: %+v %v %v", got, ok, err)
	}
}

func TestOpenErrors(t *testing.T) {
	if _, err := Open(context.Background(), "mysql", "x", false); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
	var nilHandle *Handle
	if err := nilHandle.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}
