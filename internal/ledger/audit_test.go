package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/davidahmann/afu9/pkg/types"
)

func sampleAuditInput() MakePolicyAuditInput {
	next := time.Date(2026, 1, 2, 3, 9, 5, 0, time.UTC)
	return MakePolicyAuditInput{
		RequestID:        "req-1",
		ActionType:       "ecs.force_new_deployment",
		TargetIdentifier: "main/api",
		DeploymentEnv:    "production",
		CreatedAt:        "2026-01-02T03:04:05.000000000Z",
		Result: types.PolicyEvaluationResult{
			Decision:           types.DecisionDenied,
			Code:               types.PolicyCodeCooldownActive,
			Reason:             "Cooldown active",
			IdempotencyKey:     "main/api|production",
			IdempotencyKeyHash: "sha256:abc",
			LawbookHash:        "sha256:lb",
			LawbookVersion:     "1",
			NextAllowedAt:      &next,
			EnforcementData:    map[string]any{"cooldown_seconds": 300},
			EvaluatedAt:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
	}
}

func TestMakePolicyAuditDeterministic(t *testing.T) {
	a, err := MakePolicyAudit(sampleAuditInput())
	if err != nil {
		t.Fatalf("make audit: %v", err)
	}
	b, err := MakePolicyAudit(sampleAuditInput())
	if err != nil {
		t.Fatalf("make audit: %v", err)
	}
	if a.AuditID != b.AuditID || string(a.BodyJSON) != string(b.BodyJSON) {
		t.Fatalf("audit not deterministic: %s vs %s", a.AuditID, b.AuditID)
	}
	if a.Decision != "denied" || a.Code != types.PolicyCodeCooldownActive {
		t.Fatalf("unexpected audit row: %+v", a)
	}
	if err := VerifyPolicyAudit(a); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyPolicyAuditDetectsTamper(t *testing.T) {
	rec, err := MakePolicyAudit(sampleAuditInput())
	if err != nil {
		t.Fatalf("make audit: %v", err)
	}
	rec.BodyJSON = append([]byte{}, rec.BodyJSON...)
	rec.BodyJSON[len(rec.BodyJSON)-2] = 'x'
	if err := VerifyPolicyAudit(rec); !errors.Is(err, ErrAuditDigestMismatch) {
		t.Fatalf("expected digest mismatch, got %v", err)
	}
}

func TestMakePolicyAuditRequiresFields(t *testing.T) {
	in := sampleAuditInput()
	in.ActionType = ""
	if _, err := MakePolicyAudit(in); err == nil {
		t.Fatalf("expected error")
	}
}
