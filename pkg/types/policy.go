package types

import "time"

type PolicyDecision string

const (
	DecisionAllowed PolicyDecision = "allowed"
	DecisionDenied  PolicyDecision = "denied"
)

// Stable machine-readable codes attached to every policy evaluation.
const (
	PolicyCodeAllowed            = "ALLOWED"
	PolicyCodeNoActiveLawbook    = "NO_ACTIVE_LAWBOOK"
	PolicyCodeLawbookUnavailable = "LAWBOOK_UNAVAILABLE"
	PolicyCodeNoPolicy           = "NO_POLICY"
	PolicyCodeAmbiguousPolicy    = "AMBIGUOUS_POLICY"
	PolicyCodeInvalidConfig      = "INVALID_POLICY_CONFIG"
	PolicyCodeEnvNotAllowed      = "ENV_NOT_ALLOWED"
	PolicyCodeApprovalRequired   = "APPROVAL_REQUIRED"
	PolicyCodeCooldownActive     = "COOLDOWN_ACTIVE"
	PolicyCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	PolicyCodeDuplicateExecution = "DUPLICATE_EXECUTION"
	PolicyCodeEvaluationError    = "EVALUATION_ERROR"
)

// PolicyEvaluationResult is the outcome of evaluating one automated action
// against the active lawbook. Denied results still carry the idempotency key.
type PolicyEvaluationResult struct {
	Decision           PolicyDecision `json:"decision"`
	Code               string         `json:"code"`
	Reason             string         `json:"reason"`
	RequiresApproval   bool           `json:"requires_approval"`
	IdempotencyKey     string         `json:"idempotency_key"`
	IdempotencyKeyHash string         `json:"idempotency_key_hash"`
	LawbookID          string         `json:"lawbook_id,omitempty"`
	LawbookVersion     string         `json:"lawbook_version,omitempty"`
	LawbookHash        string         `json:"lawbook_hash,omitempty"`
	NextAllowedAt      *time.Time     `json:"next_allowed_at,omitempty"`
	EnforcementData    map[string]any `json:"enforcement_data"`
	EvaluatedAt        time.Time      `json:"evaluated_at"`
}

func (r PolicyEvaluationResult) Allowed() bool {
	return r.Decision == DecisionAllowed
}
