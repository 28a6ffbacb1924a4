package ledger

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by updates whose target row does not exist.
	ErrNotFound = errors.New("ledger: not found")
	// ErrConflict is returned when a create collides with an existing row.
	ErrConflict = errors.New("ledger: conflict")
)

// Store is the full persistence surface of the control plane. Getters return
// (value, found, err) so a missing row is distinct from a failed query.
type Store interface {
	AuditStore
	LawbookStore
	PlaybookStore
	StepIdempotencyStore
	IncidentStore
	IssueStore
}

// AuditStore is the append-only policy decision trail.
type AuditStore interface {
	PutPolicyAudit(ctx context.Context, rec PolicyAuditRecord) error
	GetPolicyAudit(ctx context.Context, auditID string) (PolicyAuditRecord, bool, error)
	// LastAllowedExecution returns the newest allowed audit row for the
	// (actionType, target) pair.
	LastAllowedExecution(ctx context.Context, actionType, target string) (PolicyAuditRecord, bool, error)
	// CountAllowedSince counts allowed audit rows for the pair with
	// created_at >= since.
	CountAllowedSince(ctx context.Context, actionType, target, since string) (int, error)
	// ClaimExecution inserts a unique execution claim. It reports false when
	// another decision already holds the claim.
	ClaimExecution(ctx context.Context, claim ExecutionClaim) (bool, error)
	// ReleaseExecution drops a claim still held by claim.AuditID. It is used
	// when the decision that won the claim could not be recorded.
	ReleaseExecution(ctx context.Context, claim ExecutionClaim) error
}

type LawbookStore interface {
	PutLawbookVersion(ctx context.Context, rec LawbookVersionRecord) error
	GetLawbookVersion(ctx context.Context, hash string) (LawbookVersionRecord, bool, error)
	// ActivateLawbook marks hash as the single active version.
	ActivateLawbook(ctx context.Context, hash string, activatedAt string) error
	GetActiveLawbook(ctx context.Context) (LawbookVersionRecord, bool, error)
}

type PlaybookStore interface {
	CreatePlaybookRun(ctx context.Context, rec PlaybookRunRecord) error
	UpdatePlaybookRun(ctx context.Context, rec PlaybookRunRecord) error
	GetPlaybookRun(ctx context.Context, runID string) (PlaybookRunRecord, bool, error)
	CreatePlaybookStep(ctx context.Context, rec PlaybookStepRecord) error
	UpdatePlaybookStep(ctx context.Context, rec PlaybookStepRecord) error
	ListPlaybookSteps(ctx context.Context, runID string) ([]PlaybookStepRecord, error)
}

type StepIdempotencyStore interface {
	// ClaimStepIdempotency inserts a pending claim; false when the key exists.
	ClaimStepIdempotency(ctx context.Context, rec StepIdempotencyRecord) (bool, error)
	GetStepIdempotency(ctx context.Context, key string) (StepIdempotencyRecord, bool, error)
	// RetakeStepIdempotency moves a failed claim back to pending for runID.
	// It reports false when the claim is no longer failed.
	RetakeStepIdempotency(ctx context.Context, key, runID, at string) (bool, error)
	CompleteStepIdempotency(ctx context.Context, key, status string, output []byte, at string) error
}

type IncidentStore interface {
	// PutIncident creates the incident unless its key already exists.
	PutIncident(ctx context.Context, rec IncidentRecord) error
	GetIncident(ctx context.Context, incidentID string) (IncidentRecord, bool, error)
	GetIncidentByKey(ctx context.Context, incidentKey string) (IncidentRecord, bool, error)
	UpdateIncidentStatus(ctx context.Context, incidentID, status, at string) error
	// AddIncidentEvidence reports false when (incident, kind, ref) is already recorded.
	AddIncidentEvidence(ctx context.Context, rec IncidentEvidenceRecord) (bool, error)
	ListIncidentEvidence(ctx context.Context, incidentID string) ([]IncidentEvidenceRecord, error)
}

type IssueStore interface {
	CreateIssue(ctx context.Context, rec IssueRecord) error
	GetIssue(ctx context.Context, issueID string) (IssueRecord, bool, error)
	// UpdateIssue writes rec only while the stored status still equals
	// expectedStatus. It reports false when the compare fails.
	UpdateIssue(ctx context.Context, rec IssueRecord, expectedStatus string) (bool, error)

	CreateRun(ctx context.Context, rec RunRecord) error
	GetRun(ctx context.Context, runID string) (RunRecord, bool, error)
	UpdateRunStatus(ctx context.Context, runID, status, at string) error
	AppendRunStep(ctx context.Context, rec RunStepRecord) error
	ListRunSteps(ctx context.Context, runID string) ([]RunStepRecord, error)

	AppendTimelineEvent(ctx context.Context, rec TimelineEventRecord) error
	ListTimelineEvents(ctx context.Context, issueID string) ([]TimelineEventRecord, error)

	PutDeploymentObservation(ctx context.Context, rec DeploymentObservationRecord) error
	ListDeploymentObservations(ctx context.Context, issueID string) ([]DeploymentObservationRecord, error)
}

type PolicyAuditRecord struct {
	AuditID            string
	RequestID          string
	ActionType         string
	TargetIdentifier   string
	DeploymentEnv      string
	IdempotencyKey     string
	IdempotencyKeyHash string
	Decision           string
	Code               string
	LawbookHash        string
	LawbookVersion     string
	BodyJSON           []byte
	CreatedAt          string
}

type ExecutionClaim struct {
	ActionType         string
	IdempotencyKeyHash string
	// Slot names the execution history the decision was made against.
	Slot               string
	AuditID            string
	CreatedAt          string
}

type LawbookVersionRecord struct {
	LawbookHash    string
	LawbookID      string
	LawbookVersion string
	Document       string
	Active         bool
	CreatedAt      string
	ActivatedAt    *string
}

type PlaybookRunRecord struct {
	RunID           string
	PlaybookID      string
	PlaybookVersion string
	Env             string
	IncidentKey     string
	Status          string
	CreatedAt       string
	StartedAt       *string
	CompletedAt     *string
}

type PlaybookStepRecord struct {
	RunID        string
	StepID       string
	StepIndex    int
	Title        string
	Status       string
	Attempts     int
	OutputJSON   []byte
	ErrorCode    *string
	ErrorMessage *string
	CreatedAt    string
	StartedAt    *string
	CompletedAt  *string
}

const (
	StepClaimPending   = "pending"
	StepClaimSucceeded = "succeeded"
	StepClaimFailed    = "failed"
)

type StepIdempotencyRecord struct {
	Key        string
	RunID      string
	StepName   string
	Status     string
	OutputJSON []byte
	CreatedAt  string
	UpdatedAt  string
}

type IncidentRecord struct {
	IncidentID  string
	IncidentKey string
	Status      string
	Environment string
	Category    string
	CreatedAt   string
	UpdatedAt   string
}

type IncidentEvidenceRecord struct {
	IncidentID string
	Kind       string
	Ref        string
	DataJSON   []byte
	CreatedAt  string
}

type IssueRecord struct {
	IssueID        string
	Title          string
	Status         string
	Spec           string
	GitHubRepo     string
	GitHubNumber   int
	GitHubURL      string
	PRNumber       int
	PRURL          string
	MergeCommitSHA string
	CreatedAt      string
	UpdatedAt      string
}

type RunRecord struct {
	RunID     string
	IssueID   string
	Type      string
	Status    string
	CreatedAt string
	UpdatedAt string
}

type RunStepRecord struct {
	ID           string
	RunID        string
	StepID       string
	StepName     string
	Status       string
	EvidenceRefs []string
	ErrorMessage *string
	CreatedAt    string
}

type TimelineEventRecord struct {
	EventID     string
	IssueID     string
	RunID       string
	Step        string
	EventType   string
	BlockerCode string
	Message     string
	DryRun      bool
	DetailJSON  []byte
	CreatedAt   string
}

type DeploymentObservationRecord struct {
	ObservationID string
	IssueID       string
	DeploymentID  string
	Environment   string
	SHA           string
	Status        string
	IsAuthentic   bool
	ObservedAt    string
	CreatedAt     string
}
