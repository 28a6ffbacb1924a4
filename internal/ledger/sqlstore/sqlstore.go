// Package sqlstore implements ledger.Store over database/sql. The same
// statements serve SQLite and PostgreSQL; placeholders are rebound per
// dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/davidahmann/afu9/internal/ledger"
)

type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

type Store struct {
	db      *sql.DB
	dialect Dialect
}

var _ ledger.Store = (*Store)(nil)

func OpenSQLite(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY between
	// pooled connections.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

// New wraps a SQLite handle.
func New(db *sql.DB) *Store {
	return &Store{db: db, dialect: DialectSQLite}
}

func NewWithDialect(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Policy audit

const auditColumns = `audit_id, request_id, action_type, target_identifier, deployment_env, idempotency_key, idempotency_key_hash, decision, code, lawbook_hash, lawbook_version, body_json, created_at`

func (s *Store) PutPolicyAudit(ctx context.Context, rec ledger.PolicyAuditRecord) error {
	_, err := s.exec(ctx, `INSERT INTO policy_audit(`+auditColumns+`)
VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(audit_id) DO NOTHING`,
		rec.AuditID,
		rec.RequestID,
		rec.ActionType,
		rec.TargetIdentifier,
		rec.DeploymentEnv,
		rec.IdempotencyKey,
		rec.IdempotencyKeyHash,
		rec.Decision,
		rec.Code,
		rec.LawbookHash,
		rec.LawbookVersion,
		string(rec.BodyJSON),
		rec.CreatedAt,
	)
	return err
}

func scanAudit(row interface{ Scan(...any) error }) (ledger.PolicyAuditRecord, error) {
	var rec ledger.PolicyAuditRecord
	var body string
	err := row.Scan(&rec.AuditID, &rec.RequestID, &rec.ActionType, &rec.TargetIdentifier, &rec.DeploymentEnv, &rec.IdempotencyKey, &rec.IdempotencyKeyHash, &rec.Decision, &rec.Code, &rec.LawbookHash, &rec.LawbookVersion, &body, &rec.CreatedAt)
	rec.BodyJSON = []byte(body)
	return rec, err
}

func (s *Store) GetPolicyAudit(ctx context.Context, auditID string) (ledger.PolicyAuditRecord, bool, error) {
	rec, err := scanAudit(s.queryRow(ctx, `SELECT `+auditColumns+` FROM policy_audit WHERE audit_id = ?`, auditID))
	return found(rec, err)
}

func (s *Store) LastAllowedExecution(ctx context.Context, actionType, target string) (ledger.PolicyAuditRecord, bool, error) {
	rec, err := scanAudit(s.queryRow(ctx, `SELECT `+auditColumns+` FROM policy_audit
WHERE action_type = ? AND target_identifier = ? AND decision = 'allowed'
ORDER BY created_at DESC
LIMIT 1`, actionType, target))
	return found(rec, err)
}

func (s *Store) CountAllowedSince(ctx context.Context, actionType, target, since string) (int, error) {
	var count int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM policy_audit
WHERE action_type = ? AND target_identifier = ? AND decision = 'allowed' AND created_at >= ?`, actionType, target, since).Scan(&count)
	return count, err
}

func (s *Store) ClaimExecution(ctx context.Context, claim ledger.ExecutionClaim) (bool, error) {
	res, err := s.exec(ctx, `INSERT INTO execution_claims(action_type, idempotency_key_hash, slot, audit_id, created_at)
VALUES(?,?,?,?,?)
ON CONFLICT(action_type, idempotency_key_hash, slot) DO NOTHING`,
		claim.ActionType, claim.IdempotencyKeyHash, claim.Slot, claim.AuditID, claim.CreatedAt,
	)
	return affected(res, err)
}

func (s *Store) ReleaseExecution(ctx context.Context, claim ledger.ExecutionClaim) error {
	_, err := s.exec(ctx, `DELETE FROM execution_claims
WHERE action_type = ? AND idempotency_key_hash = ? AND slot = ? AND audit_id = ?`,
		claim.ActionType, claim.IdempotencyKeyHash, claim.Slot, claim.AuditID,
	)
	return err
}

// Lawbooks

const lawbookColumns = `lawbook_hash, lawbook_id, lawbook_version, document, active, created_at, activated_at`

func (s *Store) PutLawbookVersion(ctx context.Context, rec ledger.LawbookVersionRecord) error {
	_, err := s.exec(ctx, `INSERT INTO lawbook_versions(lawbook_hash, lawbook_id, lawbook_version, document, active, created_at)
VALUES(?,?,?,?,0,?)
ON CONFLICT(lawbook_hash) DO NOTHING`,
		rec.LawbookHash, rec.LawbookID, rec.LawbookVersion, rec.Document, rec.CreatedAt,
	)
	return err
}

func scanLawbook(row interface{ Scan(...any) error }) (ledger.LawbookVersionRecord, error) {
	var rec ledger.LawbookVersionRecord
	var active int
	err := row.Scan(&rec.LawbookHash, &rec.LawbookID, &rec.LawbookVersion, &rec.Document, &active, &rec.CreatedAt, &rec.ActivatedAt)
	rec.Active = active != 0
	return rec, err
}

func (s *Store) GetLawbookVersion(ctx context.Context, hash string) (ledger.LawbookVersionRecord, bool, error) {
	rec, err := scanLawbook(s.queryRow(ctx, `SELECT `+lawbookColumns+` FROM lawbook_versions WHERE lawbook_hash = ?`, hash))
	return found(rec, err)
}

func (s *Store) GetActiveLawbook(ctx context.Context) (ledger.LawbookVersionRecord, bool, error) {
	rec, err := scanLawbook(s.queryRow(ctx, `SELECT `+lawbookColumns+` FROM lawbook_versions WHERE active = 1`))
	return found(rec, err)
}

func (s *Store) ActivateLawbook(ctx context.Context, hash string, activatedAt string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE lawbook_versions SET active = 0 WHERE active = 1`)); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.rebind(`UPDATE lawbook_versions SET active = 1, activated_at = ? WHERE lawbook_hash = ?`), activatedAt, hash)
		ok, err := affected(res, err)
		if err != nil {
			return err
		}
		if !ok {
			return ledger.ErrNotFound
		}
		return nil
	})
}

// Playbook runs

const runColumns = `run_id, playbook_id, playbook_version, env, incident_key, status, created_at, started_at, completed_at`

func (s *Store) CreatePlaybookRun(ctx context.Context, rec ledger.PlaybookRunRecord) error {
	_, err := s.exec(ctx, `INSERT INTO playbook_runs(`+runColumns+`) VALUES(?,?,?,?,?,?,?,?,?)`,
		rec.RunID, rec.PlaybookID, rec.PlaybookVersion, rec.Env, rec.IncidentKey, rec.Status, rec.CreatedAt, rec.StartedAt, rec.CompletedAt,
	)
	return err
}

func (s *Store) UpdatePlaybookRun(ctx context.Context, rec ledger.PlaybookRunRecord) error {
	res, err := s.exec(ctx, `UPDATE playbook_runs SET status = ?, started_at = ?, completed_at = ? WHERE run_id = ?`,
		rec.Status, rec.StartedAt, rec.CompletedAt, rec.RunID,
	)
	return mustAffect(res, err)
}

func (s *Store) GetPlaybookRun(ctx context.Context, runID string) (ledger.PlaybookRunRecord, bool, error) {
	var rec ledger.PlaybookRunRecord
	err := s.queryRow(ctx, `SELECT `+runColumns+` FROM playbook_runs WHERE run_id = ?`, runID).
		Scan(&rec.RunID, &rec.PlaybookID, &rec.PlaybookVersion, &rec.Env, &rec.IncidentKey, &rec.Status, &rec.CreatedAt, &rec.StartedAt, &rec.CompletedAt)
	return found(rec, err)
}

const stepColumns = `run_id, step_id, step_index, title, status, attempts, output_json, error_code, error_message, created_at, started_at, completed_at`

func (s *Store) CreatePlaybookStep(ctx context.Context, rec ledger.PlaybookStepRecord) error {
	_, err := s.exec(ctx, `INSERT INTO playbook_steps(`+stepColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.RunID, rec.StepID, rec.StepIndex, rec.Title, rec.Status, rec.Attempts, nullableJSON(rec.OutputJSON), rec.ErrorCode, rec.ErrorMessage, rec.CreatedAt, rec.StartedAt, rec.CompletedAt,
	)
	return err
}

func (s *Store) UpdatePlaybookStep(ctx context.Context, rec ledger.PlaybookStepRecord) error {
	res, err := s.exec(ctx, `UPDATE playbook_steps
SET status = ?, attempts = ?, output_json = ?, error_code = ?, error_message = ?, started_at = ?, completed_at = ?
WHERE run_id = ? AND step_id = ?`,
		rec.Status, rec.Attempts, nullableJSON(rec.OutputJSON), rec.ErrorCode, rec.ErrorMessage, rec.StartedAt, rec.CompletedAt, rec.RunID, rec.StepID,
	)
	return mustAffect(res, err)
}

func (s *Store) ListPlaybookSteps(ctx context.Context, runID string) ([]ledger.PlaybookStepRecord, error) {
	rows, err := s.query(ctx, `SELECT `+stepColumns+` FROM playbook_steps WHERE run_id = ? ORDER BY step_index ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.PlaybookStepRecord{}
	for rows.Next() {
		var rec ledger.PlaybookStepRecord
		var output sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.StepID, &rec.StepIndex, &rec.Title, &rec.Status, &rec.Attempts, &output, &rec.ErrorCode, &rec.ErrorMessage, &rec.CreatedAt, &rec.StartedAt, &rec.CompletedAt); err != nil {
			return nil, err
		}
		if output.Valid {
			rec.OutputJSON = []byte(output.String)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Step idempotency

func (s *Store) ClaimStepIdempotency(ctx context.Context, rec ledger.StepIdempotencyRecord) (bool, error) {
	res, err := s.exec(ctx, `INSERT INTO step_idempotency(idem_key, run_id, step_name, status, output_json, created_at, updated_at)
VALUES(?,?,?,?,?,?,?)
ON CONFLICT(idem_key) DO NOTHING`,
		rec.Key, rec.RunID, rec.StepName, rec.Status, nullableJSON(rec.OutputJSON), rec.CreatedAt, rec.UpdatedAt,
	)
	return affected(res, err)
}

func (s *Store) GetStepIdempotency(ctx context.Context, key string) (ledger.StepIdempotencyRecord, bool, error) {
	var rec ledger.StepIdempotencyRecord
	var output sql.NullString
	err := s.queryRow(ctx, `SELECT idem_key, run_id, step_name, status, output_json, created_at, updated_at FROM step_idempotency WHERE idem_key = ?`, key).
		Scan(&rec.Key, &rec.RunID, &rec.StepName, &rec.Status, &output, &rec.CreatedAt, &rec.UpdatedAt)
	if output.Valid {
		rec.OutputJSON = []byte(output.String)
	}
	return found(rec, err)
}

func (s *Store) RetakeStepIdempotency(ctx context.Context, key, runID, at string) (bool, error) {
	res, err := s.exec(ctx, `UPDATE step_idempotency SET status = ?, run_id = ?, output_json = NULL, updated_at = ?
WHERE idem_key = ? AND status = ?`,
		ledger.StepClaimPending, runID, at, key, ledger.StepClaimFailed,
	)
	return affected(res, err)
}

func (s *Store) CompleteStepIdempotency(ctx context.Context, key, status string, output []byte, at string) error {
	res, err := s.exec(ctx, `UPDATE step_idempotency SET status = ?, output_json = ?, updated_at = ? WHERE idem_key = ?`,
		status, nullableJSON(output), at, key,
	)
	return mustAffect(res, err)
}

// Incidents

const incidentColumns = `incident_id, incident_key, status, environment, category, created_at, updated_at`

func (s *Store) PutIncident(ctx context.Context, rec ledger.IncidentRecord) error {
	_, err := s.exec(ctx, `INSERT INTO incidents(`+incidentColumns+`) VALUES(?,?,?,?,?,?,?)
ON CONFLICT(incident_key) DO NOTHING`,
		rec.IncidentID, rec.IncidentKey, rec.Status, rec.Environment, rec.Category, rec.CreatedAt, rec.UpdatedAt,
	)
	return err
}

func scanIncident(row *sql.Row) (ledger.IncidentRecord, error) {
	var rec ledger.IncidentRecord
	err := row.Scan(&rec.IncidentID, &rec.IncidentKey, &rec.Status, &rec.Environment, &rec.Category, &rec.CreatedAt, &rec.UpdatedAt)
	return rec, err
}

func (s *Store) GetIncident(ctx context.Context, incidentID string) (ledger.IncidentRecord, bool, error) {
	rec, err := scanIncident(s.queryRow(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE incident_id = ?`, incidentID))
	return found(rec, err)
}

func (s *Store) GetIncidentByKey(ctx context.Context, incidentKey string) (ledger.IncidentRecord, bool, error) {
	rec, err := scanIncident(s.queryRow(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE incident_key = ?`, incidentKey))
	return found(rec, err)
}

func (s *Store) UpdateIncidentStatus(ctx context.Context, incidentID, status, at string) error {
	res, err := s.exec(ctx, `UPDATE incidents SET status = ?, updated_at = ? WHERE incident_id = ?`, status, at, incidentID)
	return mustAffect(res, err)
}

func (s *Store) AddIncidentEvidence(ctx context.Context, rec ledger.IncidentEvidenceRecord) (bool, error) {
	res, err := s.exec(ctx, `INSERT INTO incident_evidence(incident_id, kind, ref, data_json, created_at)
VALUES(?,?,?,?,?)
ON CONFLICT(incident_id, kind, ref) DO NOTHING`,
		rec.IncidentID, rec.Kind, rec.Ref, nullableJSON(rec.DataJSON), rec.CreatedAt,
	)
	return affected(res, err)
}

func (s *Store) ListIncidentEvidence(ctx context.Context, incidentID string) ([]ledger.IncidentEvidenceRecord, error) {
	rows, err := s.query(ctx, `SELECT incident_id, kind, ref, data_json, created_at FROM incident_evidence WHERE incident_id = ? ORDER BY created_at ASC, kind ASC, ref ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.IncidentEvidenceRecord{}
	for rows.Next() {
		var rec ledger.IncidentEvidenceRecord
		var data sql.NullString
		if err := rows.Scan(&rec.IncidentID, &rec.Kind, &rec.Ref, &data, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if data.Valid {
			rec.DataJSON = []byte(data.String)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Issues, lifecycle runs, timeline

const issueColumns = `issue_id, title, status, spec, github_repo, github_number, github_url, pr_number, pr_url, merge_commit_sha, created_at, updated_at`

func (s *Store) CreateIssue(ctx context.Context, rec ledger.IssueRecord) error {
	_, err := s.exec(ctx, `INSERT INTO issues(`+issueColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.IssueID, rec.Title, rec.Status, rec.Spec, rec.GitHubRepo, rec.GitHubNumber, rec.GitHubURL, rec.PRNumber, rec.PRURL, rec.MergeCommitSHA, rec.CreatedAt, rec.UpdatedAt,
	)
	return err
}

func (s *Store) GetIssue(ctx context.Context, issueID string) (ledger.IssueRecord, bool, error) {
	var rec ledger.IssueRecord
	err := s.queryRow(ctx, `SELECT `+issueColumns+` FROM issues WHERE issue_id = ?`, issueID).
		Scan(&rec.IssueID, &rec.Title, &rec.Status, &rec.Spec, &rec.GitHubRepo, &rec.GitHubNumber, &rec.GitHubURL, &rec.PRNumber, &rec.PRURL, &rec.MergeCommitSHA, &rec.CreatedAt, &rec.UpdatedAt)
	return found(rec, err)
}

func (s *Store) UpdateIssue(ctx context.Context, rec ledger.IssueRecord, expectedStatus string) (bool, error) {
	res, err := s.exec(ctx, `UPDATE issues
SET title = ?, status = ?, spec = ?, github_repo = ?, github_number = ?, github_url = ?, pr_number = ?, pr_url = ?, merge_commit_sha = ?, updated_at = ?
WHERE issue_id = ? AND status = ?`,
		rec.Title, rec.Status, rec.Spec, rec.GitHubRepo, rec.GitHubNumber, rec.GitHubURL, rec.PRNumber, rec.PRURL, rec.MergeCommitSHA, rec.UpdatedAt,
		rec.IssueID, expectedStatus,
	)
	ok, err := affected(res, err)
	if err != nil || ok {
		return ok, err
	}
	var exists int
	if err := s.queryRow(ctx, `SELECT 1 FROM issues WHERE issue_id = ?`, rec.IssueID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return false, ledger.ErrNotFound
		}
		return false, err
	}
	return false, nil
}

func (s *Store) CreateRun(ctx context.Context, rec ledger.RunRecord) error {
	_, err := s.exec(ctx, `INSERT INTO lifecycle_runs(run_id, issue_id, type, status, created_at, updated_at) VALUES(?,?,?,?,?,?)`,
		rec.RunID, rec.IssueID, rec.Type, rec.Status, rec.CreatedAt, rec.UpdatedAt,
	)
	return err
}

func (s *Store) GetRun(ctx context.Context, runID string) (ledger.RunRecord, bool, error) {
	var rec ledger.RunRecord
	err := s.queryRow(ctx, `SELECT run_id, issue_id, type, status, created_at, updated_at FROM lifecycle_runs WHERE run_id = ?`, runID).
		Scan(&rec.RunID, &rec.IssueID, &rec.Type, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt)
	return found(rec, err)
}

func (s *Store) UpdateRunStatus(ctx context.Context, runID, status, at string) error {
	res, err := s.exec(ctx, `UPDATE lifecycle_runs SET status = ?, updated_at = ? WHERE run_id = ?`, status, at, runID)
	return mustAffect(res, err)
}

func (s *Store) AppendRunStep(ctx context.Context, rec ledger.RunStepRecord) error {
	refs := rec.EvidenceRefs
	if refs == nil {
		refs = []string{}
	}
	encoded, err := json.Marshal(refs)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO run_steps(id, run_id, step_id, step_name, status, evidence_refs, error_message, created_at) VALUES(?,?,?,?,?,?,?,?)`,
		rec.ID, rec.RunID, rec.StepID, rec.StepName, rec.Status, string(encoded), rec.ErrorMessage, rec.CreatedAt,
	)
	return err
}

func (s *Store) ListRunSteps(ctx context.Context, runID string) ([]ledger.RunStepRecord, error) {
	rows, err := s.query(ctx, `SELECT id, run_id, step_id, step_name, status, evidence_refs, error_message, created_at FROM run_steps WHERE run_id = ? ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.RunStepRecord{}
	for rows.Next() {
		var rec ledger.RunStepRecord
		var refs string
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.StepID, &rec.StepName, &rec.Status, &refs, &rec.ErrorMessage, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(refs), &rec.EvidenceRefs); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) AppendTimelineEvent(ctx context.Context, rec ledger.TimelineEventRecord) error {
	_, err := s.exec(ctx, `INSERT INTO timeline_events(event_id, issue_id, run_id, step, event_type, blocker_code, message, dry_run, detail_json, created_at)
VALUES(?,?,?,?,?,?,?,?,?,?)`,
		rec.EventID, rec.IssueID, rec.RunID, rec.Step, rec.EventType, rec.BlockerCode, rec.Message, boolToInt(rec.DryRun), nullableJSON(rec.DetailJSON), rec.CreatedAt,
	)
	return err
}

func (s *Store) ListTimelineEvents(ctx context.Context, issueID string) ([]ledger.TimelineEventRecord, error) {
	rows, err := s.query(ctx, `SELECT event_id, issue_id, run_id, step, event_type, blocker_code, message, dry_run, detail_json, created_at
FROM timeline_events WHERE issue_id = ? ORDER BY created_at ASC, event_id ASC`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.TimelineEventRecord{}
	for rows.Next() {
		var rec ledger.TimelineEventRecord
		var dryRun int
		var detail sql.NullString
		if err := rows.Scan(&rec.EventID, &rec.IssueID, &rec.RunID, &rec.Step, &rec.EventType, &rec.BlockerCode, &rec.Message, &dryRun, &detail, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.DryRun = dryRun != 0
		if detail.Valid {
			rec.DetailJSON = []byte(detail.String)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PutDeploymentObservation(ctx context.Context, rec ledger.DeploymentObservationRecord) error {
	_, err := s.exec(ctx, `INSERT INTO deployment_observations(observation_id, issue_id, deployment_id, environment, sha, status, is_authentic, observed_at, created_at)
VALUES(?,?,?,?,?,?,?,?,?)
ON CONFLICT(issue_id, deployment_id) DO UPDATE SET
  environment=excluded.environment,
  sha=excluded.sha,
  status=excluded.status,
  is_authentic=excluded.is_authentic,
  observed_at=excluded.observed_at`,
		rec.ObservationID, rec.IssueID, rec.DeploymentID, rec.Environment, rec.SHA, rec.Status, boolToInt(rec.IsAuthentic), rec.ObservedAt, rec.CreatedAt,
	)
	return err
}

func (s *Store) ListDeploymentObservations(ctx context.Context, issueID string) ([]ledger.DeploymentObservationRecord, error) {
	rows, err := s.query(ctx, `SELECT observation_id, issue_id, deployment_id, environment, sha, status, is_authentic, observed_at, created_at
FROM deployment_observations WHERE issue_id = ? ORDER BY created_at ASC, deployment_id ASC`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.DeploymentObservationRecord{}
	for rows.Next() {
		var rec ledger.DeploymentObservationRecord
		var authentic int
		if err := rows.Scan(&rec.ObservationID, &rec.IssueID, &rec.DeploymentID, &rec.Environment, &rec.SHA, &rec.Status, &authentic, &rec.ObservedAt, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.IsAuthentic = authentic != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

func found[T any](rec T, err error) (T, bool, error) {
	var zero T
	if err == sql.ErrNoRows {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	return rec, true, nil
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func mustAffect(res sql.Result, err error) error {
	ok, err := affected(res, err)
	if err != nil {
		return err
	}
	if !ok {
		return ledger.ErrNotFound
	}
	return nil
}

func nullableJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
