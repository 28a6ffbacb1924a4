package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidahmann/afu9/internal/envnorm"
	"github.com/davidahmann/afu9/internal/lawbook"
	"github.com/davidahmann/afu9/internal/ledger"
	"github.com/davidahmann/afu9/internal/telemetry"
	"github.com/davidahmann/afu9/pkg/types"
)

// Evaluator decides whether an automated action may proceed under the
// active lawbook. Every failure path denies.
type Evaluator struct {
	source lawbook.Source
	audit  ledger.AuditStore
	now    func() time.Time
	dedupe time.Duration
	log    *slog.Logger

	tracer    trace.Tracer
	decisions metric.Int64Counter
}

func NewEvaluator(source lawbook.Source, audit ledger.AuditStore, opts Options) *Evaluator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = DefaultDedupeWindow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	meter := telemetry.Meter("github.com/davidahmann/afu9/policy")
	return &Evaluator{
		source:    source,
		audit:     audit,
		now:       opts.Now,
		dedupe:    opts.DedupeWindow,
		log:       opts.Logger,
		tracer:    telemetry.Tracer("github.com/davidahmann/afu9/policy"),
		decisions: telemetry.Counter(meter, "afu9.policy.decisions", "Policy decisions by outcome and code"),
	}
}

// Evaluate runs the checks against ec without writing anything.
func (e *Evaluator) Evaluate(ctx context.Context, ec EvaluationContext) types.PolicyEvaluationResult {
	ctx, span := e.tracer.Start(ctx, "policy.Evaluate")
	defer span.End()

	res, _ := e.evaluate(ctx, ec)
	e.observe(ctx, span, ec, res)
	return res
}

// EvaluateAndRecord evaluates ec, claims the execution slot when allowed and
// appends an audit record whatever the outcome. The error is non-nil only
// when the audit write fails; the returned result is then denied.
func (e *Evaluator) EvaluateAndRecord(ctx context.Context, ec EvaluationContext) (types.PolicyEvaluationResult, error) {
	ctx, span := e.tracer.Start(ctx, "policy.EvaluateAndRecord")
	defer span.End()

	res, basis := e.evaluate(ctx, ec)
	createdAt := ledger.FormatTime(res.EvaluatedAt)

	var held *ledger.ExecutionClaim
	if res.Allowed() {
		res, held = e.claim(ctx, ec, basis, res, createdAt)
	}

	rec, err := ledger.MakePolicyAudit(ledger.MakePolicyAuditInput{
		RequestID:        ec.RequestID,
		ActionType:       ec.ActionType,
		TargetIdentifier: ec.TargetIdentifier,
		DeploymentEnv:    ec.DeploymentEnv,
		Result:           res,
		CreatedAt:        createdAt,
	})
	if err == nil {
		err = e.audit.PutPolicyAudit(ctx, rec)
	}
	if err != nil {
		if res.Allowed() {
			res = deny(res, types.PolicyCodeEvaluationError, "Audit record could not be written.")
		}
		if held != nil {
			if relErr := e.audit.ReleaseExecution(ctx, *held); relErr != nil {
				e.log.Error("policy execution claim release failed", "action_type", ec.ActionType, "error", relErr)
			}
		}
		span.RecordError(err)
		e.observe(ctx, span, ec, res)
		return res, fmt.Errorf("record policy audit: %w", err)
	}

	e.observe(ctx, span, ec, res)
	return res, nil
}

// claim anchors the execution on the newest allowed audit the decision read.
// Decisions made against the same history race for one claim row, so at most
// one of them proceeds regardless of how far apart their clocks are.
func (e *Evaluator) claim(ctx context.Context, ec EvaluationContext, basis string, res types.PolicyEvaluationResult, createdAt string) (types.PolicyEvaluationResult, *ledger.ExecutionClaim) {
	anchor := claimAnchor(basis)

	pending, err := ledger.MakePolicyAudit(ledger.MakePolicyAuditInput{
		RequestID:        ec.RequestID,
		ActionType:       ec.ActionType,
		TargetIdentifier: ec.TargetIdentifier,
		DeploymentEnv:    ec.DeploymentEnv,
		Result:           res,
		CreatedAt:        createdAt,
	})
	if err != nil {
		return deny(res, types.PolicyCodeEvaluationError, "Execution claim could not be prepared."), nil
	}

	claim := ledger.ExecutionClaim{
		ActionType:         ec.ActionType,
		IdempotencyKeyHash: res.IdempotencyKeyHash,
		Slot:               anchor,
		AuditID:            pending.AuditID,
		CreatedAt:          createdAt,
	}
	won, err := e.audit.ClaimExecution(ctx, claim)
	if err != nil {
		e.log.Warn("policy execution claim failed", "action_type", ec.ActionType, "error", err)
		return deny(res, types.PolicyCodeEvaluationError, "Execution claim could not be recorded."), nil
	}
	if !won {
		res = deny(res, types.PolicyCodeDuplicateExecution, "Duplicate execution: an identical action was already allowed against the same history.")
		res.EnforcementData["claim_anchor"] = anchor
		return res, nil
	}
	return res, &claim
}

func claimAnchor(basis string) string {
	if basis == "" {
		return "none"
	}
	return "after:" + basis
}

// evaluate also returns the audit ID of the newest allowed execution it read
// for the target, or "" when there was none.
func (e *Evaluator) evaluate(ctx context.Context, ec EvaluationContext) (res types.PolicyEvaluationResult, basis string) {
	var pol lawbook.ActionPolicy
	res = types.PolicyEvaluationResult{
		Decision:        types.DecisionDenied,
		EnforcementData: map[string]any{},
		EvaluatedAt:     e.now().UTC(),
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("policy evaluation panicked", "action_type", ec.ActionType, "panic", r)
			res = deny(res, types.PolicyCodeEvaluationError, fmt.Sprintf("Policy evaluation failed: %v", r))
		}
	}()

	canonicalEnv, envErr := envnorm.Normalize(ec.DeploymentEnv)
	if envErr != nil {
		canonicalEnv = ""
	}

	loaded, err := e.source.Active(ctx)
	if err != nil {
		e.setKey(&res, lawbook.ActionPolicy{}, ec, canonicalEnv)
		if errors.Is(err, lawbook.ErrNotConfigured) {
			return deny(res, types.PolicyCodeNoActiveLawbook, "No active lawbook."), basis
		}
		e.log.Warn("lawbook lookup failed", "action_type", ec.ActionType, "error", err)
		return deny(res, types.PolicyCodeLawbookUnavailable, "Active lawbook could not be loaded."), basis
	}
	res.LawbookID = loaded.Lawbook.LawbookID
	res.LawbookVersion = loaded.Lawbook.LawbookVersion
	res.LawbookHash = loaded.Hash

	matches := loaded.Lawbook.PoliciesFor(ec.ActionType)
	switch len(matches) {
	case 0:
		e.setKey(&res, lawbook.ActionPolicy{}, ec, canonicalEnv)
		return deny(res, types.PolicyCodeNoPolicy, fmt.Sprintf("No policy defined for action type %q.", ec.ActionType)), basis
	case 1:
		pol = matches[0]
	default:
		e.setKey(&res, lawbook.ActionPolicy{}, ec, canonicalEnv)
		return deny(res, types.PolicyCodeAmbiguousPolicy, fmt.Sprintf("%d policies defined for action type %q.", len(matches), ec.ActionType)), basis
	}

	if !e.setKey(&res, pol, ec, canonicalEnv) {
		return deny(res, types.PolicyCodeEvaluationError, "Idempotency key could not be derived."), basis
	}
	res.RequiresApproval = pol.RequiresApproval

	if reason := rateLimitConfigProblem(pol); reason != "" {
		return deny(res, types.PolicyCodeInvalidConfig, reason), basis
	}

	if !envAllowed(canonicalEnv, pol.AllowedEnvironments) {
		res.EnforcementData["deployment_env"] = ec.DeploymentEnv
		res.EnforcementData["allowed_environments"] = pol.AllowedEnvironments
		return deny(res, types.PolicyCodeEnvNotAllowed, fmt.Sprintf("Environment %q is not allowed for %s.", ec.DeploymentEnv, ec.ActionType)), basis
	}

	if pol.RequiresApproval && !ec.HasApproval {
		return deny(res, types.PolicyCodeApprovalRequired, "Approval required before this action may run."), basis
	}

	last, found, err := e.audit.LastAllowedExecution(ctx, ec.ActionType, ec.TargetIdentifier)
	if err != nil {
		e.log.Warn("execution history lookup failed", "action_type", ec.ActionType, "error", err)
		return deny(res, types.PolicyCodeEvaluationError, "Execution history could not be read."), basis
	}
	var lastAt time.Time
	if found {
		basis = last.AuditID
		if lastAt, err = ledger.ParseTime(last.CreatedAt); err != nil {
			return deny(res, types.PolicyCodeEvaluationError, "Execution history is unreadable."), basis
		}
	}

	if pol.CooldownSeconds > 0 && found {
		cooldown := time.Duration(pol.CooldownSeconds) * time.Second
		if res.EvaluatedAt.Sub(lastAt) < cooldown {
			next := lastAt.Add(cooldown).UTC()
			res.NextAllowedAt = &next
			res.EnforcementData["cooldown_seconds"] = pol.CooldownSeconds
			res.EnforcementData["last_allowed_at"] = last.CreatedAt
			return deny(res, types.PolicyCodeCooldownActive, fmt.Sprintf("Cooldown active: %s may run again at %s.", ec.ActionType, next.Format(time.RFC3339))), basis
		}
	}

	if pol.MaxRunsPerWindow != nil {
		window := time.Duration(*pol.WindowSeconds) * time.Second
		since := ledger.FormatTime(res.EvaluatedAt.Add(-window))
		count, err := e.audit.CountAllowedSince(ctx, ec.ActionType, ec.TargetIdentifier, since)
		if err != nil {
			e.log.Warn("rate limit lookup failed", "action_type", ec.ActionType, "error", err)
			return deny(res, types.PolicyCodeEvaluationError, "Rate limit history could not be read."), basis
		}
		if count >= *pol.MaxRunsPerWindow {
			next := res.EvaluatedAt.Add(window)
			res.NextAllowedAt = &next
			res.EnforcementData["current_run_count"] = count
			res.EnforcementData["max_runs_per_window"] = *pol.MaxRunsPerWindow
			res.EnforcementData["window_seconds"] = *pol.WindowSeconds
			return deny(res, types.PolicyCodeRateLimitExceeded, fmt.Sprintf("Rate limit exceeded: %d of %d runs in the last %ds.", count, *pol.MaxRunsPerWindow, *pol.WindowSeconds)), basis
		}
	}

	if found && last.IdempotencyKeyHash == res.IdempotencyKeyHash && res.EvaluatedAt.Sub(lastAt) < e.dedupe {
		next := lastAt.Add(e.dedupe).UTC()
		res.NextAllowedAt = &next
		res.EnforcementData["last_allowed_at"] = last.CreatedAt
		res.EnforcementData["dedupe_window_seconds"] = int(e.dedupe / time.Second)
		return deny(res, types.PolicyCodeDuplicateExecution, "Duplicate execution: an identical action was already allowed in this window."), basis
	}

	res.Decision = types.DecisionAllowed
	res.Code = types.PolicyCodeAllowed
	res.Reason = "All policy checks passed."
	return res, basis
}

func (e *Evaluator) setKey(res *types.PolicyEvaluationResult, pol lawbook.ActionPolicy, ec EvaluationContext, canonicalEnv string) bool {
	key, hash, err := IdempotencyKey(pol, ec, canonicalEnv)
	if err != nil {
		e.log.Warn("idempotency key derivation failed", "action_type", ec.ActionType, "error", err)
		return false
	}
	res.IdempotencyKey = key
	res.IdempotencyKeyHash = hash
	return true
}

func (e *Evaluator) observe(ctx context.Context, span trace.Span, ec EvaluationContext, res types.PolicyEvaluationResult) {
	attrs := []attribute.KeyValue{
		attribute.String("afu9.action_type", ec.ActionType),
		attribute.String("afu9.decision", string(res.Decision)),
		attribute.String("afu9.code", res.Code),
	}
	span.SetAttributes(attrs...)
	switch res.Code {
	case types.PolicyCodeEvaluationError, types.PolicyCodeLawbookUnavailable:
		span.SetStatus(codes.Error, res.Reason)
	}
	e.decisions.Add(ctx, 1, metric.WithAttributes(attrs...))
	e.log.Info("policy decision",
		"request_id", ec.RequestID,
		"action_type", ec.ActionType,
		"target_identifier", ec.TargetIdentifier,
		"decision", res.Decision,
		"code", res.Code,
	)
}

func deny(res types.PolicyEvaluationResult, code, reason string) types.PolicyEvaluationResult {
	res.Decision = types.DecisionDenied
	res.Code = code
	res.Reason = reason
	if res.EnforcementData == nil {
		res.EnforcementData = map[string]any{}
	}
	return res
}

func rateLimitConfigProblem(p lawbook.ActionPolicy) string {
	switch {
	case p.MaxRunsPerWindow != nil && p.WindowSeconds == nil:
		return fmt.Sprintf("Invalid policy configuration for %s: max_runs_per_window requires window_seconds.", p.ActionType)
	case p.MaxRunsPerWindow != nil && *p.WindowSeconds <= 0:
		return fmt.Sprintf("Invalid policy configuration for %s: window_seconds must be positive.", p.ActionType)
	case p.MaxRunsPerWindow == nil && p.WindowSeconds != nil:
		return fmt.Sprintf("Invalid policy configuration for %s: window_seconds without max_runs_per_window.", p.ActionType)
	case p.MaxRunsPerWindow != nil && *p.MaxRunsPerWindow < 0:
		return fmt.Sprintf("Invalid policy configuration for %s: max_runs_per_window is negative.", p.ActionType)
	case p.CooldownSeconds < 0:
		return fmt.Sprintf("Invalid policy configuration for %s: cooldown_seconds is negative.", p.ActionType)
	}
	return ""
}

// envAllowed compares canonical tokens; an unrecognised deployment env is
// never allowed.
func envAllowed(canonicalEnv string, allowed []string) bool {
	if canonicalEnv == "" {
		return false
	}
	for _, a := range allowed {
		c, err := envnorm.Normalize(strings.TrimSpace(a))
		if err == nil && c == canonicalEnv {
			return true
		}
	}
	return false
}
