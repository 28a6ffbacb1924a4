package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/davidahmann/afu9/internal/adapters"
	"github.com/davidahmann/afu9/internal/envnorm"
	"github.com/davidahmann/afu9/internal/evidence"
	"github.com/davidahmann/afu9/internal/ledger"
	"github.com/davidahmann/afu9/internal/playbook"
	"github.com/davidahmann/afu9/pkg/types"
)

var serviceEvidence = evidence.Requirement{
	Kind:           evidence.KindECS,
	RequiredFields: []string{"cluster", "service"},
}

func (s *steps) target(sc *playbook.StepContext) (cluster, service string, err error) {
	ev, err := evidence.Require(sc.Evidence, serviceEvidence)
	if err != nil {
		return "", "", err
	}
	return ev.ECS.Cluster, ev.ECS.Service, nil
}

func (s *steps) snapshotState(ctx context.Context, sc *playbook.StepContext, _ struct{}) (map[string]any, error) {
	cluster, service, err := s.target(sc)
	if err != nil {
		return nil, err
	}
	st, err := s.deps.ECS.DescribeService(ctx, cluster, service)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"cluster":         cluster,
		"service":         service,
		"status":          st.Status,
		"task_definition": st.TaskDefinition,
		"desired_count":   st.DesiredCount,
		"running_count":   st.RunningCount,
		"pending_count":   st.PendingCount,
		"captured_at":     s.now(),
	}, nil
}

type ApplyResetInput struct {
	HasApproval bool `yaml:"has_approval,omitempty"`
}

func (s *steps) applyReset(ctx context.Context, sc *playbook.StepContext, in ApplyResetInput) (map[string]any, error) {
	cluster, service, err := s.target(sc)
	if err != nil {
		return nil, err
	}
	return s.once(ctx, sc, "apply_reset", func() (map[string]any, error) {
		ref, err := s.deps.ECS.ForceNewDeployment(ctx, adapters.ForceNewDeploymentRequest{
			RequestID:   sc.RequestID,
			Cluster:     cluster,
			Service:     service,
			Environment: sc.Env,
			IncidentKey: sc.IncidentKey,
			HasApproval: in.HasApproval,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"cluster":       cluster,
			"service":       service,
			"deployment_id": ref.DeploymentID,
			"started_at":    ledger.FormatTime(ref.StartedAt),
		}, nil
	})
}

type WaitObserveInput struct {
	MaxWaitSeconds      int `yaml:"max_wait_seconds,omitempty"`
	PollIntervalSeconds int `yaml:"poll_interval_seconds,omitempty"`
}

func (in WaitObserveInput) check() error {
	if in.MaxWaitSeconds < 0 || in.PollIntervalSeconds < 0 {
		return errors.New("wait durations must not be negative")
	}
	return nil
}

// waitObserve polls until the service is stable or the wait budget is spent.
// Running out of time is a successful outcome with stable=false.
func (s *steps) waitObserve(ctx context.Context, sc *playbook.StepContext, in WaitObserveInput) (map[string]any, error) {
	cluster, service, err := s.target(sc)
	if err != nil {
		return nil, err
	}
	maxWait := DefaultMaxWait
	if in.MaxWaitSeconds > 0 {
		maxWait = time.Duration(in.MaxWaitSeconds) * time.Second
	}
	interval := s.deps.PollInterval
	if in.PollIntervalSeconds > 0 {
		interval = time.Duration(in.PollIntervalSeconds) * time.Second
	}

	start := s.deps.Now()
	deadline := start.Add(maxWait)
	polls := 0
	for {
		report, err := s.deps.ECS.PollServiceStability(ctx, cluster, service)
		if err != nil {
			return nil, playbook.Transient(types.StepCodeAdapterError, "poll %s/%s: %v", cluster, service, err)
		}
		polls++
		now := s.deps.Now()
		out := map[string]any{
			"stable":         report.Stable,
			"polls":          polls,
			"desired_count":  report.DesiredCount,
			"running_count":  report.RunningCount,
			"waited_seconds": int(now.Sub(start) / time.Second),
		}
		if report.Stable {
			return out, nil
		}
		remaining := deadline.Sub(now)
		if remaining <= 0 {
			out["reason"] = "max wait elapsed"
			return out, nil
		}
		if err := s.deps.Sleep(ctx, min(interval, remaining)); err != nil {
			return nil, err
		}
	}
}

type PostVerificationInput struct {
	TargetEnv string `yaml:"target_env,omitempty"`
}

func (s *steps) postVerification(ctx context.Context, sc *playbook.StepContext, in PostVerificationInput) (map[string]any, error) {
	incident, err := s.incident(ctx, sc)
	if err != nil {
		return nil, err
	}

	provided, hasEvidence := evidence.FirstOf(sc.Evidence, evidence.KindVerification)
	targetEnv := strings.TrimSpace(in.TargetEnv)
	if hasEvidence && strings.TrimSpace(provided.Verification.Environment) != "" {
		targetEnv = provided.Verification.Environment
	}
	if targetEnv == "" {
		return nil, playbook.Skip("no target environment", map[string]any{"verification_status": "skipped"})
	}

	match, err := envnorm.MatchVerification(incident.Environment, targetEnv)
	if err != nil {
		return nil, playbook.Fail(types.StepCodeInvalidVerificationEnv, "%v", err)
	}
	out := map[string]any{
		"incident_env":         incident.Environment,
		"verification_env":     match.VerificationEnv,
		"incident_env_unknown": match.IncidentEnvUnknown,
		"env_mismatch":         !match.Matched,
	}
	if !match.Matched {
		out["verification_status"] = "env_mismatch"
		s.deps.Logger.Warn("verification environment mismatch",
			"incident_key", sc.IncidentKey,
			"incident_env", incident.Environment,
			"verification_env", match.VerificationEnv,
		)
		return out, nil
	}

	var status, ref string
	switch {
	case hasEvidence && provided.Verification.Status != "":
		status = normalizeVerificationStatus(provided.Verification.Status)
		ref = firstNonEmpty(provided.Verification.ReportRef, provided.Ref)
	case s.deps.Verifier != nil:
		res, err := s.deps.Verifier.Verify(ctx, VerifyRequest{
			RequestID:   sc.RequestID,
			Env:         match.VerificationEnv,
			IncidentKey: sc.IncidentKey,
			Variables:   sc.Variables,
		})
		if err != nil {
			return nil, err
		}
		status, ref = res.Status, res.Ref
	default:
		out["verification_status"] = "skipped"
		return nil, playbook.Skip("no verification source", out)
	}
	out["verification_status"] = status
	out["verification_ref"] = ref

	if status == verificationSucceeds {
		data, err := json.Marshal(evidence.Verification{Environment: match.VerificationEnv, Status: status, ReportRef: ref})
		if err != nil {
			return nil, playbook.Fail(types.StepCodeInternal, "encode verification evidence: %v", err)
		}
		added, err := s.deps.Store.AddIncidentEvidence(ctx, ledger.IncidentEvidenceRecord{
			IncidentID: incident.IncidentID,
			Kind:       string(evidence.KindVerification),
			Ref:        stepKey(sc.IncidentKey, "post_verification"),
			DataJSON:   data,
			CreatedAt:  s.now(),
		})
		if err != nil {
			return nil, playbook.Transient(types.StepCodeAdapterError, "record verification evidence: %v", err)
		}
		out["evidence_recorded"] = added
	}
	return out, nil
}

type UpdateStatusInput struct {
	WaitStep   string `yaml:"wait_step,omitempty"`
	VerifyStep string `yaml:"verify_step,omitempty"`
}

// updateStatus marks the incident MITIGATED only when the service became
// stable and verification succeeded in a matching environment. Any other
// combination leaves the incident as it is.
func (s *steps) updateStatus(ctx context.Context, sc *playbook.StepContext, in UpdateStatusInput) (map[string]any, error) {
	incident, err := s.incident(ctx, sc)
	if err != nil {
		return nil, err
	}
	waitStep := firstNonEmpty(in.WaitStep, "wait_observe")
	verifyStep := firstNonEmpty(in.VerifyStep, "post_verification")

	stable := outputBool(sc, waitStep, "stable")
	mismatch := outputBool(sc, verifyStep, "env_mismatch")
	verification, _ := sc.Output(verifyStep, "verification_status")
	verificationStatus, _ := verification.(string)

	out := map[string]any{
		"stable":              stable,
		"verification_status": verificationStatus,
		"env_mismatch":        mismatch,
		"previous_status":     incident.Status,
		"incident_status":     incident.Status,
		"changed":             false,
	}
	if !stable || mismatch || verificationStatus != verificationSucceeds {
		out["reason"] = "mitigation not confirmed"
		return out, nil
	}
	if incident.Status == string(types.IncidentMitigated) {
		return out, nil
	}
	return s.once(ctx, sc, "update_status", func() (map[string]any, error) {
		if err := s.deps.Store.UpdateIncidentStatus(ctx, incident.IncidentID, string(types.IncidentMitigated), s.now()); err != nil {
			return nil, playbook.Transient(types.StepCodeAdapterError, "update incident: %v", err)
		}
		out["incident_status"] = string(types.IncidentMitigated)
		out["changed"] = true
		return out, nil
	})
}

func outputBool(sc *playbook.StepContext, stepID, key string) bool {
	v, ok := sc.Output(stepID, key)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func normalizeVerificationStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success", "succeeded", "passed", "pass", "green", "ok":
		return verificationSucceeds
	default:
		return "failed"
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
