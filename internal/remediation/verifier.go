package remediation

import (
	"context"

	"github.com/davidahmann/afu9/internal/playbook"
	"github.com/davidahmann/afu9/pkg/types"
)

type VerifyRequest struct {
	RequestID   string
	Env         string
	IncidentKey string
	Variables   map[string]string
}

type VerifyResult struct {
	Status string
	Ref    string
}

// Verifier checks a deployment after remediation.
type Verifier interface {
	Verify(ctx context.Context, req VerifyRequest) (VerifyResult, error)
}

// PlaybookVerifier runs a verification playbook, post-deploy-verify unless
// PlaybookID says otherwise, and reports success when every step passed.
type PlaybookVerifier struct {
	Engine     *playbook.Engine
	Catalog    *playbook.Catalog
	PlaybookID string
}

func (v PlaybookVerifier) Verify(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	id := firstNonEmpty(v.PlaybookID, PlaybookPostDeploy)
	def, ok := v.Catalog.Get(id)
	if !ok {
		return VerifyResult{}, playbook.Fail(types.StepCodeInvalidInput, "verification playbook %q not loaded", id)
	}
	res, err := v.Engine.Execute(ctx, def, playbook.RunRequest{
		RequestID:   req.RequestID,
		Env:         req.Env,
		IncidentKey: req.IncidentKey,
		Variables:   req.Variables,
	})
	if err != nil {
		return VerifyResult{}, err
	}
	status := "failed"
	if res.Status == types.RunSuccess {
		status = verificationSucceeds
	}
	return VerifyResult{Status: status, Ref: res.RunID}, nil
}
