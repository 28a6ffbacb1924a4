package adapters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davidahmann/afu9/internal/policy"
	"github.com/davidahmann/afu9/pkg/types"
)

// ActionForceNewDeployment is the lawbook action type guarding ECS resets.
const ActionForceNewDeployment = "ecs.force_new_deployment"

// PolicyDeniedError is returned when the lawbook refuses a mutating call.
// Code is always LAWBOOK_DENIED; PolicyCode carries the evaluator's code.
type PolicyDeniedError struct {
	Code          string
	PolicyCode    string
	Reason        string
	NextAllowedAt *time.Time
	Err           error
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Reason, e.PolicyCode)
}

func (e *PolicyDeniedError) Unwrap() error { return e.Err }

// AsPolicyDenied reports whether err carries a PolicyDeniedError.
func AsPolicyDenied(err error) (*PolicyDeniedError, bool) {
	var denied *PolicyDeniedError
	if errors.As(err, &denied) {
		return denied, true
	}
	return nil, false
}

type PolicyRecorder interface {
	EvaluateAndRecord(ctx context.Context, ec policy.EvaluationContext) (types.PolicyEvaluationResult, error)
}

// PolicyGuardedECS consults the policy evaluator before every
// ForceNewDeployment. Reads pass straight through.
type PolicyGuardedECS struct {
	ECS
	Policy PolicyRecorder
}

func NewPolicyGuardedECS(inner ECS, p PolicyRecorder) *PolicyGuardedECS {
	return &PolicyGuardedECS{ECS: inner, Policy: p}
}

func (g *PolicyGuardedECS) ForceNewDeployment(ctx context.Context, req ForceNewDeploymentRequest) (DeploymentRef, error) {
	res, err := g.Policy.EvaluateAndRecord(ctx, policy.EvaluationContext{
		RequestID:        req.RequestID,
		ActionType:       ActionForceNewDeployment,
		TargetIdentifier: req.Cluster + "/" + req.Service,
		DeploymentEnv:    req.Environment,
		ActionContext: map[string]any{
			"cluster":     req.Cluster,
			"service":     req.Service,
			"incidentKey": req.IncidentKey,
		},
		HasApproval: req.HasApproval,
	})
	if err != nil || !res.Allowed() {
		return DeploymentRef{}, &PolicyDeniedError{
			Code:          types.StepCodeLawbookDenied,
			PolicyCode:    res.Code,
			Reason:        res.Reason,
			NextAllowedAt: res.NextAllowedAt,
			Err:           err,
		}
	}
	return g.ECS.ForceNewDeployment(ctx, req)
}
