// Package remediation implements incident remediation playbook actions:
// the five-step ECS service health reset and post-deploy verification.
package remediation

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/davidahmann/afu9/internal/adapters"
	"github.com/davidahmann/afu9/internal/ledger"
	"github.com/davidahmann/afu9/internal/playbook"
	"github.com/davidahmann/afu9/pkg/types"
)

const (
	ActionSnapshotState    = "ecs.snapshot_state"
	ActionApplyReset       = "ecs.apply_reset"
	ActionWaitObserve      = "ecs.wait_observe"
	ActionPostVerification = "incident.post_verification"
	ActionUpdateStatus     = "incident.update_status"

	PlaybookHealthReset  = "ecs-service-health-reset"
	PlaybookPostDeploy   = "post-deploy-verify"
	DefaultMaxWait       = 300 * time.Second
	DefaultPollInterval  = 15 * time.Second
	verificationSucceeds = "success"
)

var ErrIncidentNotFound = errors.New("incident not found")

//go:embed definitions/*.yaml
var builtins embed.FS

// LoadBuiltins adds the embedded playbook definitions to cat.
func LoadBuiltins(cat *playbook.Catalog) error {
	return cat.LoadFS(builtins, "definitions")
}

type Store interface {
	ledger.IncidentStore
	ledger.StepIdempotencyStore
}

type Deps struct {
	// ECS must already enforce the lawbook; see adapters.PolicyGuardedECS.
	ECS      adapters.ECS
	Store    Store
	Verifier Verifier

	PollInterval time.Duration
	Now          func() time.Time
	// Sleep waits for d or until ctx ends.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *slog.Logger
}

func (d *Deps) defaults() {
	if d.PollInterval <= 0 {
		d.PollInterval = DefaultPollInterval
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Sleep == nil {
		d.Sleep = sleepContext
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Register adds the remediation actions to reg.
func Register(reg *playbook.Registry, deps Deps) error {
	deps.defaults()
	s := &steps{deps: deps}
	actions := map[string]playbook.Action{
		ActionSnapshotState:    playbook.Typed(s.snapshotState, nil),
		ActionApplyReset:       playbook.Typed(s.applyReset, nil),
		ActionWaitObserve:      playbook.Typed(s.waitObserve, WaitObserveInput.check),
		ActionPostVerification: playbook.Typed(s.postVerification, nil),
		ActionUpdateStatus:     playbook.Typed(s.updateStatus, nil),
	}
	for _, name := range []string{ActionSnapshotState, ActionApplyReset, ActionWaitObserve, ActionPostVerification, ActionUpdateStatus} {
		if err := reg.Register(name, actions[name]); err != nil {
			return err
		}
	}
	return nil
}

type steps struct {
	deps Deps
}

func (s *steps) incident(ctx context.Context, sc *playbook.StepContext) (ledger.IncidentRecord, error) {
	if sc.IncidentKey == "" {
		return ledger.IncidentRecord{}, playbook.Fail(types.StepCodeInvalidInput, "run has no incident key")
	}
	rec, ok, err := s.deps.Store.GetIncidentByKey(ctx, sc.IncidentKey)
	if err != nil {
		return ledger.IncidentRecord{}, playbook.Transient(types.StepCodeAdapterError, "load incident: %v", err)
	}
	if !ok {
		return ledger.IncidentRecord{}, playbook.Fail(types.StepCodeInvalidInput, "%v: %s", ErrIncidentNotFound, sc.IncidentKey)
	}
	return rec, nil
}

func (s *steps) now() string {
	return ledger.FormatTime(s.deps.Now())
}

func stepKey(incidentKey, stepName string) string {
	return fmt.Sprintf("%s:%s", incidentKey, stepName)
}
