// Package lifecycle advances an issue through its delivery states. Each step
// executor checks the current status, performs at most one GitHub call and
// writes only the issue fields it owns. Every invocation, blocked or not,
// leaves exactly one timeline event.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidahmann/afu9/internal/adapters"
	"github.com/davidahmann/afu9/internal/ledger"
	"github.com/davidahmann/afu9/internal/telemetry"
	"github.com/davidahmann/afu9/pkg/types"
)

var (
	ErrRunNotFound = errors.New("lifecycle: run not found")
	ErrRunFinished = errors.New("lifecycle: run already finished")
	ErrNoNextStep  = errors.New("lifecycle: issue has no next step")
)

const (
	EventStepSucceeded = "step_succeeded"
	EventStepBlocked   = "step_blocked"
	EventStepDryRun    = "step_dry_run"
)

// SpecReadyLabel is added to the GitHub issue when S2 publishes the spec.
const SpecReadyLabel = "afu9:spec-ready"

type Options struct {
	// PublishingEnabled gates S2. With publishing off the step blocks with
	// PUBLISHING_DISABLED instead of writing to GitHub.
	PublishingEnabled bool
	Now               func() time.Time
	NewID             func() string
	Logger            *slog.Logger
}

// StepContext carries per-invocation settings into a step executor.
type StepContext struct {
	RunID     string
	RequestID string
	DryRun    bool
}

type Machine struct {
	store      ledger.IssueStore
	gh         adapters.GitHub
	publishing bool
	now        func() time.Time
	newID      func() string
	log        *slog.Logger

	tracer trace.Tracer
	steps  metric.Int64Counter
}

func NewMachine(store ledger.IssueStore, gh adapters.GitHub, opts Options) *Machine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if gh == nil {
		gh = adapters.Unconfigured{}
	}
	meter := telemetry.Meter("github.com/davidahmann/afu9/lifecycle")
	return &Machine{
		store:      store,
		gh:         gh,
		publishing: opts.PublishingEnabled,
		now:        opts.Now,
		newID:      opts.NewID,
		log:        opts.Logger,
		tracer:     telemetry.Tracer("github.com/davidahmann/afu9/lifecycle"),
		steps:      telemetry.Counter(meter, "afu9.lifecycle.steps", "Lifecycle step invocations by outcome"),
	}
}

// outcome is what a step executor decided. The machine turns it into issue
// writes, observation rows, a timeline event and the caller's result.
type outcome struct {
	blocker      types.BlockerCode
	message      string
	issue        ledger.IssueRecord
	fields       []string
	refs         []string
	observations []ledger.DeploymentObservationRecord
	detail       map[string]any
}

func blocked(code types.BlockerCode, format string, args ...any) outcome {
	return outcome{blocker: code, message: fmt.Sprintf(format, args...)}
}

type executor func(ctx context.Context, m *Machine, issue ledger.IssueRecord, dryRun bool) outcome

var executors = map[Step]executor{
	StepPick:          executePick,
	StepSpec:          executeSpec,
	StepPR:            executePR,
	StepChecks:        executeChecks,
	StepMerge:         executeMerge,
	StepDeployObserve: executeDeployObserve,
	StepVerify:        executeVerify,
}

// Execute runs one step against issueID. Blocked outcomes are reported in
// the result, not as errors; the error is non-nil only when the ledger
// could not be read or written.
func (m *Machine) Execute(ctx context.Context, step Step, issueID string, sc StepContext) (types.StepExecutionResult, error) {
	spec, ok := steps[step]
	if !ok {
		return types.StepExecutionResult{}, fmt.Errorf("unknown lifecycle step %q", step)
	}
	ctx, span := m.tracer.Start(ctx, "lifecycle."+spec.name, trace.WithAttributes(
		attribute.String("afu9.issue_id", issueID),
		attribute.String("afu9.step", string(step)),
		attribute.Bool("afu9.dry_run", sc.DryRun),
	))
	defer span.End()

	res := types.StepExecutionResult{
		Step:          string(step),
		FieldsChanged: []string{},
		DryRun:        sc.DryRun,
	}

	issue, found, err := m.store.GetIssue(ctx, issueID)
	if err != nil {
		res = m.block(res, blocked(types.BlockerStoreError, "load issue: %v", err))
		m.finish(ctx, span, issueID, sc, res, nil)
		return res, fmt.Errorf("load issue %s: %w", issueID, err)
	}
	if !found {
		res = m.block(res, blocked(types.BlockerIssueNotFound, "issue %s not found", issueID))
		return res, m.finish(ctx, span, issueID, sc, res, nil)
	}
	before := types.IssueStatus(issue.Status)
	res.StateBefore, res.StateAfter = before, before

	if !Allowed(step, before) {
		res = m.block(res, blocked(types.BlockerInvariantViolation,
			"%s (%s) cannot run while issue is %s", step, spec.name, before))
		return res, m.finish(ctx, span, issueID, sc, res, nil)
	}

	out := executors[step](ctx, m, issue, sc.DryRun)
	if out.blocker != "" {
		res = m.block(res, out)
		return res, m.finish(ctx, span, issueID, sc, res, out.detail)
	}

	res.Success = true
	res.Message = out.message
	res.EvidenceRefs = out.refs
	if sc.DryRun {
		return res, m.finish(ctx, span, issueID, sc, res, out.detail)
	}

	for _, obs := range out.observations {
		if err := m.store.PutDeploymentObservation(ctx, obs); err != nil {
			res = m.block(res, blocked(types.BlockerStoreError, "record deployment %s: %v", obs.DeploymentID, err))
			m.finish(ctx, span, issueID, sc, res, nil)
			return res, fmt.Errorf("record deployment observation: %w", err)
		}
	}

	if len(out.fields) > 0 {
		next := out.issue
		if spec.to != "" {
			next.Status = string(spec.to)
		}
		next.UpdatedAt = ledger.FormatTime(m.now())
		swapped, err := m.store.UpdateIssue(ctx, next, string(before))
		if err != nil {
			res = m.block(res, blocked(types.BlockerStoreError, "update issue: %v", err))
			m.finish(ctx, span, issueID, sc, res, nil)
			return res, fmt.Errorf("update issue %s: %w", issueID, err)
		}
		if !swapped {
			res = m.block(res, blocked(types.BlockerConcurrentModification,
				"issue %s changed while %s was running", issueID, spec.name))
			return res, m.finish(ctx, span, issueID, sc, res, nil)
		}
		res.StateAfter = types.IssueStatus(next.Status)
		res.FieldsChanged = out.fields
	}
	return res, m.finish(ctx, span, issueID, sc, res, out.detail)
}

func (m *Machine) block(res types.StepExecutionResult, out outcome) types.StepExecutionResult {
	res.Success = false
	res.Blocked = true
	res.BlockerCode = out.blocker
	res.BlockerMessage = out.message
	res.Message = out.message
	res.FieldsChanged = []string{}
	res.StateAfter = res.StateBefore
	return res
}

// finish writes the invocation's single timeline event and emits telemetry.
func (m *Machine) finish(ctx context.Context, span trace.Span, issueID string, sc StepContext, res types.StepExecutionResult, detail map[string]any) error {
	eventType := EventStepSucceeded
	switch {
	case res.Blocked:
		eventType = EventStepBlocked
	case sc.DryRun:
		eventType = EventStepDryRun
	}

	body := map[string]any{"result": res}
	for k, v := range detail {
		body[k] = v
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode timeline detail: %w", err)
	}

	attrs := []attribute.KeyValue{
		attribute.String("afu9.step", res.Step),
		attribute.String("afu9.event", eventType),
		attribute.String("afu9.blocker_code", string(res.BlockerCode)),
	}
	span.SetAttributes(attrs...)
	if res.BlockerCode == types.BlockerStoreError {
		span.SetStatus(codes.Error, res.BlockerMessage)
	}
	m.steps.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err := m.store.AppendTimelineEvent(ctx, ledger.TimelineEventRecord{
		EventID:     m.newID(),
		IssueID:     issueID,
		RunID:       sc.RunID,
		Step:        res.Step,
		EventType:   eventType,
		BlockerCode: string(res.BlockerCode),
		Message:     res.Message,
		DryRun:      sc.DryRun,
		DetailJSON:  data,
		CreatedAt:   ledger.FormatTime(m.now()),
	}); err != nil {
		return fmt.Errorf("append timeline event: %w", err)
	}

	m.log.Info("lifecycle step",
		"issue_id", issueID,
		"run_id", sc.RunID,
		"step", res.Step,
		"event", eventType,
		"blocker_code", res.BlockerCode,
		"state_before", res.StateBefore,
		"state_after", res.StateAfter,
	)
	return nil
}

// StartRun creates a CREATED run for issueID.
func (m *Machine) StartRun(ctx context.Context, issueID, runType string) (ledger.RunRecord, error) {
	_, found, err := m.store.GetIssue(ctx, issueID)
	if err != nil {
		return ledger.RunRecord{}, fmt.Errorf("load issue %s: %w", issueID, err)
	}
	if !found {
		return ledger.RunRecord{}, fmt.Errorf("issue %s: %w", issueID, ledger.ErrNotFound)
	}
	now := ledger.FormatTime(m.now())
	rec := ledger.RunRecord{
		RunID:     m.newID(),
		IssueID:   issueID,
		Type:      runType,
		Status:    string(RunCreated),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateRun(ctx, rec); err != nil {
		return ledger.RunRecord{}, fmt.Errorf("create run: %w", err)
	}
	return rec, nil
}

// Advance runs the next step for the run's issue and keeps the run's event
// log: a STARTED row, then SUCCEEDED or FAILED. The run moves to RUNNING on
// its first step, FAILED when a step hits a terminal blocker and DONE once the
// issue is DONE. Waiting blockers such as CHECKS_PENDING keep the run open.
// Dry runs leave the run rows untouched.
func (m *Machine) Advance(ctx context.Context, runID string, dryRun bool) (types.StepExecutionResult, error) {
	run, found, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return types.StepExecutionResult{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	if !found {
		return types.StepExecutionResult{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	switch RunStatus(run.Status) {
	case RunDone, RunFailed:
		return types.StepExecutionResult{}, fmt.Errorf("%w: %s is %s", ErrRunFinished, runID, run.Status)
	}

	issue, found, err := m.store.GetIssue(ctx, run.IssueID)
	if err != nil {
		return types.StepExecutionResult{}, fmt.Errorf("load issue %s: %w", run.IssueID, err)
	}
	if !found {
		return types.StepExecutionResult{}, fmt.Errorf("issue %s: %w", run.IssueID, ledger.ErrNotFound)
	}
	observations, err := m.store.ListDeploymentObservations(ctx, run.IssueID)
	if err != nil {
		return types.StepExecutionResult{}, fmt.Errorf("list deployment observations: %w", err)
	}
	step, ok := NextStep(types.IssueStatus(issue.Status), len(observations) > 0)
	if !ok {
		return types.StepExecutionResult{}, fmt.Errorf("%w: issue %s is %s", ErrNoNextStep, run.IssueID, issue.Status)
	}

	sc := StepContext{RunID: runID, DryRun: dryRun}
	if dryRun {
		return m.Execute(ctx, step, run.IssueID, sc)
	}

	if RunStatus(run.Status) == RunCreated {
		if err := m.store.UpdateRunStatus(ctx, runID, string(RunRunning), ledger.FormatTime(m.now())); err != nil {
			return types.StepExecutionResult{}, fmt.Errorf("start run %s: %w", runID, err)
		}
	}
	if err := m.appendRunStep(ctx, runID, step, RunStepStarted, nil, ""); err != nil {
		return types.StepExecutionResult{}, err
	}

	res, execErr := m.Execute(ctx, step, run.IssueID, sc)
	if res.Blocked {
		if err := m.appendRunStep(ctx, runID, step, RunStepFailed, res.EvidenceRefs, res.BlockerMessage); err != nil {
			return res, errors.Join(execErr, err)
		}
		if !Terminal(res.BlockerCode) {
			return res, execErr
		}
		if err := m.store.UpdateRunStatus(ctx, runID, string(RunFailed), ledger.FormatTime(m.now())); err != nil {
			return res, errors.Join(execErr, fmt.Errorf("fail run %s: %w", runID, err))
		}
		return res, execErr
	}
	if err := m.appendRunStep(ctx, runID, step, RunStepSucceeded, res.EvidenceRefs, ""); err != nil {
		return res, errors.Join(execErr, err)
	}
	if res.StateAfter == types.IssueDone {
		if err := m.store.UpdateRunStatus(ctx, runID, string(RunDone), ledger.FormatTime(m.now())); err != nil {
			return res, errors.Join(execErr, fmt.Errorf("complete run %s: %w", runID, err))
		}
	}
	return res, execErr
}

func (m *Machine) appendRunStep(ctx context.Context, runID string, step Step, status RunStepStatus, refs []string, message string) error {
	rec := ledger.RunStepRecord{
		ID:           m.newID(),
		RunID:        runID,
		StepID:       string(step),
		StepName:     step.Name(),
		Status:       string(status),
		EvidenceRefs: refs,
		CreatedAt:    ledger.FormatTime(m.now()),
	}
	if message != "" {
		rec.ErrorMessage = &message
	}
	if err := m.store.AppendRunStep(ctx, rec); err != nil {
		return fmt.Errorf("append run step %s: %w", step, err)
	}
	return nil
}
