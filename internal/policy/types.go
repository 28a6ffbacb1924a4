package policy

import (
	"log/slog"
	"time"
)

// EvaluationContext describes one automated action awaiting a decision.
// It is built per call and never stored.
type EvaluationContext struct {
	RequestID           string         `json:"request_id"`
	ActionType          string         `json:"action_type"`
	TargetIdentifier    string         `json:"target_identifier"`
	DeploymentEnv       string         `json:"deployment_env"`
	ActionContext       map[string]any `json:"action_context,omitempty"`
	HasApproval         bool           `json:"has_approval"`
	ApprovalFingerprint string         `json:"approval_fingerprint,omitempty"`
}

const DefaultDedupeWindow = 60 * time.Second

type Options struct {
	// Now defaults to time.Now.
	Now func() time.Time
	// DedupeWindow is how long after an allowed execution the same
	// idempotency key is denied as a duplicate.
	DedupeWindow time.Duration
	Logger       *slog.Logger
}
