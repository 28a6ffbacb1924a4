// Package pgstore backs the ledger with PostgreSQL through lib/pq. Queries
// are shared with sqlstore; this package adds JSON payload validation and
// PostgreSQL error translation.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/davidahmann/afu9/internal/ledger"
	"github.com/davidahmann/afu9/internal/ledger/sqlstore"
)

var ErrInvalidJSON = errors.New("pgstore: invalid json payload")

const uniqueViolation = "23505"

type Store struct {
	*sqlstore.Store
}

var _ ledger.Store = (*Store)(nil)

func OpenPostgres(dsn string) (*Store, error) {
	connector, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(connector)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{Store: sqlstore.NewWithDialect(db, sqlstore.DialectPostgres)}
}

func (s *Store) CreatePlaybookRun(ctx context.Context, rec ledger.PlaybookRunRecord) error {
	return translate(s.Store.CreatePlaybookRun(ctx, rec))
}

func (s *Store) CreatePlaybookStep(ctx context.Context, rec ledger.PlaybookStepRecord) error {
	if err := validJSON(rec.OutputJSON); err != nil {
		return err
	}
	return translate(s.Store.CreatePlaybookStep(ctx, rec))
}

func (s *Store) UpdatePlaybookStep(ctx context.Context, rec ledger.PlaybookStepRecord) error {
	if err := validJSON(rec.OutputJSON); err != nil {
		return err
	}
	return s.Store.UpdatePlaybookStep(ctx, rec)
}

func (s *Store) ClaimStepIdempotency(ctx context.Context, rec ledger.StepIdempotencyRecord) (bool, error) {
	if err := validJSON(rec.OutputJSON); err != nil {
		return false, err
	}
	return s.Store.ClaimStepIdempotency(ctx, rec)
}

func (s *Store) CompleteStepIdempotency(ctx context.Context, key, status string, output []byte, at string) error {
	if err := validJSON(output); err != nil {
		return err
	}
	return s.Store.CompleteStepIdempotency(ctx, key, status, output, at)
}

func (s *Store) AddIncidentEvidence(ctx context.Context, rec ledger.IncidentEvidenceRecord) (bool, error) {
	if err := validJSON(rec.DataJSON); err != nil {
		return false, err
	}
	return s.Store.AddIncidentEvidence(ctx, rec)
}

func (s *Store) CreateIssue(ctx context.Context, rec ledger.IssueRecord) error {
	return translate(s.Store.CreateIssue(ctx, rec))
}

func (s *Store) CreateRun(ctx context.Context, rec ledger.RunRecord) error {
	return translate(s.Store.CreateRun(ctx, rec))
}

func (s *Store) AppendTimelineEvent(ctx context.Context, rec ledger.TimelineEventRecord) error {
	if err := validJSON(rec.DetailJSON); err != nil {
		return err
	}
	return translate(s.Store.AppendTimelineEvent(ctx, rec))
}

func validJSON(b []byte) error {
	if b == nil {
		return nil
	}
	if !json.Valid(b) {
		return ErrInvalidJSON
	}
	return nil
}

// translate maps unique violations onto ledger.ErrConflict.
func translate(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return fmt.Errorf("%w: %s", ledger.ErrConflict, pqErr.Constraint)
	}
	return err
}
