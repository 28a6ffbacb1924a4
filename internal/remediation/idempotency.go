package remediation

import (
	"context"
	"encoding/json"

	"github.com/davidahmann/afu9/internal/ledger"
	"github.com/davidahmann/afu9/internal/playbook"
	"github.com/davidahmann/afu9/pkg/types"
)

// once runs fn at most once per {incidentKey}:{stepName}. A succeeded claim
// replays its stored output with idempotent_replay=true; a pending claim
// fails the step with STEP_IN_PROGRESS; a failed claim is re-taken. Runs
// without an incident key fail with INVALID_INPUT before anything is claimed.
func (s *steps) once(ctx context.Context, sc *playbook.StepContext, stepName string, fn func() (map[string]any, error)) (map[string]any, error) {
	if sc.IncidentKey == "" {
		return nil, playbook.Fail(types.StepCodeInvalidInput, "%s needs an incident key", stepName)
	}
	key := stepKey(sc.IncidentKey, stepName)
	now := s.now()

	won, err := s.deps.Store.ClaimStepIdempotency(ctx, ledger.StepIdempotencyRecord{
		Key:       key,
		RunID:     sc.RunID,
		StepName:  stepName,
		Status:    ledger.StepClaimPending,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, playbook.Transient(types.StepCodeAdapterError, "claim %s: %v", key, err)
	}
	if !won {
		rec, ok, err := s.deps.Store.GetStepIdempotency(ctx, key)
		if err != nil || !ok {
			return nil, playbook.Transient(types.StepCodeAdapterError, "read claim %s: %v", key, err)
		}
		switch rec.Status {
		case ledger.StepClaimSucceeded:
			out := map[string]any{}
			if len(rec.OutputJSON) > 0 {
				if err := json.Unmarshal(rec.OutputJSON, &out); err != nil {
					return nil, playbook.Fail(types.StepCodeInternal, "decode stored output for %s: %v", key, err)
				}
			}
			out["idempotent_replay"] = true
			return out, nil
		case ledger.StepClaimPending:
			return nil, playbook.Fail(types.StepCodeStepInProgress, "%s is held by run %s", key, rec.RunID)
		default:
			retaken, err := s.deps.Store.RetakeStepIdempotency(ctx, key, sc.RunID, now)
			if err != nil {
				return nil, playbook.Transient(types.StepCodeAdapterError, "retake %s: %v", key, err)
			}
			if !retaken {
				return nil, playbook.Fail(types.StepCodeStepInProgress, "%s was taken by another run", key)
			}
		}
	}

	out, runErr := fn()
	status := ledger.StepClaimSucceeded
	var stored []byte
	if runErr != nil {
		status = ledger.StepClaimFailed
	} else if stored, err = json.Marshal(out); err != nil {
		status = ledger.StepClaimFailed
		runErr = playbook.Fail(types.StepCodeInternal, "encode output: %v", err)
	}
	// A lost completion leaves the claim pending, which blocks replays
	// rather than repeating the side effect.
	if err := s.deps.Store.CompleteStepIdempotency(ctx, key, status, stored, s.now()); err != nil {
		s.deps.Logger.Error("step idempotency completion failed", "key", key, "error", err)
	}
	return out, runErr
}
