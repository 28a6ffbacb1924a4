package ledger

import (
	"errors"
	"fmt"

	"github.com/davidahmann/afu9/internal/crypto"
	"github.com/davidahmann/afu9/pkg/types"
)

const PolicyAuditSchema = "afu9.policy_audit.v1"

var ErrAuditDigestMismatch = errors.New("policy audit digest mismatch")

type MakePolicyAuditInput struct {
	RequestID        string
	ActionType       string
	TargetIdentifier string
	DeploymentEnv    string
	Result           types.PolicyEvaluationResult
	CreatedAt        string
}

// MakePolicyAudit canonicalizes and hashes an evaluation into an audit row.
// The audit ID is the digest of the canonical body.
func MakePolicyAudit(in MakePolicyAuditInput) (PolicyAuditRecord, error) {
	if in.ActionType == "" || in.CreatedAt == "" {
		return PolicyAuditRecord{}, fmt.Errorf("missing required audit fields")
	}

	var nextAllowedAt any
	if in.Result.NextAllowedAt != nil {
		nextAllowedAt = *in.Result.NextAllowedAt
	}

	body := map[string]any{
		"schema":            PolicyAuditSchema,
		"created_at":        in.CreatedAt,
		"request_id":        in.RequestID,
		"action_type":       in.ActionType,
		"target_identifier": in.TargetIdentifier,
		"deployment_env":    in.DeploymentEnv,
		"evaluation_result": map[string]any{
			"decision":             string(in.Result.Decision),
			"code":                 in.Result.Code,
			"reason":               in.Result.Reason,
			"requires_approval":    in.Result.RequiresApproval,
			"idempotency_key":      in.Result.IdempotencyKey,
			"idempotency_key_hash": in.Result.IdempotencyKeyHash,
			"lawbook_id":           in.Result.LawbookID,
			"lawbook_version":      in.Result.LawbookVersion,
			"lawbook_hash":         in.Result.LawbookHash,
			"next_allowed_at":      nextAllowedAt,
			"enforcement_data":     in.Result.EnforcementData,
			"evaluated_at":         in.Result.EvaluatedAt,
		},
	}

	canonical, err := crypto.Canonicalize(body)
	if err != nil {
		return PolicyAuditRecord{}, err
	}

	return PolicyAuditRecord{
		AuditID:            crypto.DigestWithPrefix(canonical),
		RequestID:          in.RequestID,
		ActionType:         in.ActionType,
		TargetIdentifier:   in.TargetIdentifier,
		DeploymentEnv:      in.DeploymentEnv,
		IdempotencyKey:     in.Result.IdempotencyKey,
		IdempotencyKeyHash: in.Result.IdempotencyKeyHash,
		Decision:           string(in.Result.Decision),
		Code:               in.Result.Code,
		LawbookHash:        in.Result.LawbookHash,
		LawbookVersion:     in.Result.LawbookVersion,
		BodyJSON:           canonical,
		CreatedAt:          in.CreatedAt,
	}, nil
}

// VerifyPolicyAudit checks that the stored body still hashes to its ID.
func VerifyPolicyAudit(rec PolicyAuditRecord) error {
	if crypto.DigestWithPrefix(rec.BodyJSON) != rec.AuditID {
		return ErrAuditDigestMismatch
	}
	return nil
}
