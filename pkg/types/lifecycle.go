package types

type VerdictValue string

const (
	VerdictGreen VerdictValue = "GREEN"
	VerdictRed   VerdictValue = "RED"
)

type Verdict struct {
	Verdict         VerdictValue `json:"verdict"`
	Rationale       string       `json:"rationale"`
	FailedChecks    []string     `json:"failed_checks"`
	EvaluationRules []string     `json:"evaluation_rules"`
}

type IssueStatus string

const (
	IssueCreated     IssueStatus = "CREATED"
	IssuePicked      IssueStatus = "PICKED"
	IssueSpecReady   IssueStatus = "SPEC_READY"
	IssueReviewReady IssueStatus = "REVIEW_READY"
	IssueMergeReady  IssueStatus = "MERGE_READY"
	IssueMerged      IssueStatus = "MERGED"
	IssueDone        IssueStatus = "DONE"
)

type BlockerCode string

const (
	BlockerInvariantViolation     BlockerCode = "INVARIANT_VIOLATION"
	BlockerNoPRLinked             BlockerCode = "NO_PR_LINKED"
	BlockerPRNotMerged            BlockerCode = "PR_NOT_MERGED"
	BlockerGitHubAPIError         BlockerCode = "GITHUB_API_ERROR"
	BlockerIssueNotFound          BlockerCode = "ISSUE_NOT_FOUND"
	BlockerNoGitHubIssue          BlockerCode = "NO_GITHUB_ISSUE"
	BlockerIssueClosed            BlockerCode = "ISSUE_CLOSED"
	BlockerSpecMissing            BlockerCode = "SPEC_MISSING"
	BlockerPRClosed               BlockerCode = "PR_CLOSED"
	BlockerChecksPending          BlockerCode = "CHECKS_PENDING"
	BlockerChecksFailed           BlockerCode = "CHECKS_FAILED"
	BlockerPublishingDisabled     BlockerCode = "PUBLISHING_DISABLED"
	BlockerVerdictRed             BlockerCode = "VERDICT_RED"
	BlockerConcurrentModification BlockerCode = "CONCURRENT_MODIFICATION"
	BlockerStoreError             BlockerCode = "STORE_ERROR"
)

// StepExecutionResult is returned by every lifecycle step executor.
// FieldsChanged is always non-nil so an empty change set serializes as [].
type StepExecutionResult struct {
	Step           string      `json:"step"`
	Success        bool        `json:"success"`
	Blocked        bool        `json:"blocked"`
	BlockerCode    BlockerCode `json:"blocker_code,omitempty"`
	BlockerMessage string      `json:"blocker_message,omitempty"`
	StateBefore    IssueStatus `json:"state_before"`
	StateAfter     IssueStatus `json:"state_after"`
	FieldsChanged  []string    `json:"fields_changed"`
	Message        string      `json:"message"`
	DryRun         bool        `json:"dry_run"`
	EvidenceRefs   []string    `json:"evidence_refs,omitempty"`
}
