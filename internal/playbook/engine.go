package playbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidahmann/afu9/internal/envnorm"
	"github.com/davidahmann/afu9/internal/evidence"
	"github.com/davidahmann/afu9/internal/ledger"
	"github.com/davidahmann/afu9/internal/telemetry"
	"github.com/davidahmann/afu9/pkg/types"
)

var ErrEnvNotAllowed = errors.New("environment not allowed for playbook")

type RunRequest struct {
	RequestID   string
	Env         string
	IncidentKey string
	Variables   map[string]string
	Evidence    []evidence.Evidence
}

type EngineOptions struct {
	Retry  RetryPolicy
	Now    func() time.Time
	NewID  func() string
	Logger *slog.Logger
}

// Engine runs prepared definitions step by step. Steps run strictly in
// declared order and a failed step never stops the run.
type Engine struct {
	store    ledger.PlaybookStore
	registry *Registry
	retry    RetryPolicy
	now      func() time.Time
	newID    func() string
	log      *slog.Logger

	tracer   trace.Tracer
	steps    metric.Int64Counter
	runs     metric.Int64Counter
	duration metric.Float64Histogram
}

func NewEngine(store ledger.PlaybookStore, reg *Registry, opts EngineOptions) *Engine {
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	meter := telemetry.Meter("github.com/davidahmann/afu9/playbook")
	return &Engine{
		store:    store,
		registry: reg,
		retry:    opts.Retry,
		now:      opts.Now,
		newID:    opts.NewID,
		log:      opts.Logger,
		tracer:   telemetry.Tracer("github.com/davidahmann/afu9/playbook"),
		steps:    telemetry.Counter(meter, "afu9.playbook.steps", "Playbook steps by action and final status"),
		runs:     telemetry.Counter(meter, "afu9.playbook.runs", "Playbook runs by final status"),
		duration: telemetry.Histogram(meter, "afu9.playbook.step.duration", "Playbook step duration"),
	}
}

func (e *Engine) Registry() *Registry { return e.registry }

// Execute runs def for one environment. The error is non-nil only when the
// request is unusable or the ledger cannot record the run; step failures
// are reported in the result.
func (e *Engine) Execute(ctx context.Context, def *Definition, req RunRequest) (types.PlaybookRunResult, error) {
	if def == nil || !def.prepared {
		return types.PlaybookRunResult{}, ErrNotPrepared
	}
	env, err := envnorm.Normalize(req.Env)
	if err != nil {
		return types.PlaybookRunResult{}, err
	}
	if len(def.Environments) > 0 && !containsEnv(def.Environments, env) {
		return types.PlaybookRunResult{}, fmt.Errorf("%w: %s does not run in %s", ErrEnvNotAllowed, def.ID, env)
	}

	ctx, span := e.tracer.Start(ctx, "playbook.Execute", trace.WithAttributes(
		attribute.String("afu9.playbook_id", def.ID),
		attribute.String("afu9.env", env),
	))
	defer span.End()

	startedAt := e.now().UTC()
	run := ledger.PlaybookRunRecord{
		RunID:           e.newID(),
		PlaybookID:      def.ID,
		PlaybookVersion: def.Version,
		Env:             env,
		IncidentKey:     req.IncidentKey,
		Status:          string(types.RunPending),
		CreatedAt:       ledger.FormatTime(startedAt),
	}
	if err := e.store.CreatePlaybookRun(ctx, run); err != nil {
		return types.PlaybookRunResult{}, fmt.Errorf("create playbook run: %w", err)
	}
	run.Status = string(types.RunRunning)
	run.StartedAt = ledger.TimePtr(startedAt)
	if err := e.store.UpdatePlaybookRun(ctx, run); err != nil {
		return types.PlaybookRunResult{}, fmt.Errorf("start playbook run: %w", err)
	}

	sc := &StepContext{
		RunID:       run.RunID,
		PlaybookID:  def.ID,
		RequestID:   req.RequestID,
		Env:         env,
		IncidentKey: req.IncidentKey,
		Variables:   runVariables(def, req, run.RunID, env),
		Evidence:    req.Evidence,
		steps:       map[string]stepView{},
	}

	result := types.PlaybookRunResult{
		RunID:           run.RunID,
		PlaybookID:      def.ID,
		PlaybookVersion: def.Version,
		Env:             env,
		IncidentKey:     req.IncidentKey,
		StartedAt:       startedAt,
		Steps:           make([]types.StepResult, 0, len(def.Steps)),
	}
	for i := range def.Steps {
		step, err := e.runStep(ctx, sc, i, &def.Steps[i])
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return result, err
		}
		result.Steps = append(result.Steps, step)
		sc.steps[step.StepID] = stepView{status: step.Status, output: step.Output}
	}

	result.Status = types.DeriveRunStatus(result.Steps)
	result.CompletedAt = e.now().UTC()
	run.Status = string(result.Status)
	run.CompletedAt = ledger.TimePtr(result.CompletedAt)
	if err := e.store.UpdatePlaybookRun(ctx, run); err != nil {
		return result, fmt.Errorf("complete playbook run: %w", err)
	}

	span.SetAttributes(attribute.String("afu9.run_status", string(result.Status)))
	e.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("afu9.playbook_id", def.ID),
		attribute.String("afu9.run_status", string(result.Status)),
	))
	e.log.Info("playbook run finished",
		"run_id", run.RunID,
		"playbook_id", def.ID,
		"env", env,
		"status", result.Status,
	)
	return result, nil
}

func (e *Engine) runStep(ctx context.Context, sc *StepContext, index int, def *StepDef) (types.StepResult, error) {
	ctx, span := e.tracer.Start(ctx, "playbook.step", trace.WithAttributes(
		attribute.String("afu9.step_id", def.ID),
		attribute.String("afu9.action", def.Action),
	))
	defer span.End()

	created := e.now().UTC()
	rec := ledger.PlaybookStepRecord{
		RunID:     sc.RunID,
		StepID:    def.ID,
		StepIndex: index,
		Title:     def.Title,
		Status:    string(types.StepPending),
		CreatedAt: ledger.FormatTime(created),
	}
	if err := e.store.CreatePlaybookStep(ctx, rec); err != nil {
		return types.StepResult{}, fmt.Errorf("create step %s: %w", def.ID, err)
	}

	res := types.StepResult{RunID: sc.RunID, StepID: def.ID, Title: def.Title}
	sc.StepID = def.ID
	sc.Attempt = 0

	if def.cond != nil {
		ok, err := evalCondition(def.cond, sc)
		switch {
		case err != nil:
			res.Status = types.StepFailed
			res.Error = &types.StepError{Code: types.StepCodeConditionError, Message: err.Error()}
			return e.finishStep(ctx, span, rec, res, def, created)
		case !ok:
			res.Status = types.StepSkipped
			res.Output = map[string]any{"skipped_reason": "condition false"}
			return e.finishStep(ctx, span, rec, res, def, created)
		}
	}

	action, ok := e.registry.Lookup(def.Action)
	if !ok {
		res.Status = types.StepFailed
		res.Error = &types.StepError{Code: types.StepCodeInternal, Message: fmt.Sprintf("unknown action %q", def.Action)}
		return e.finishStep(ctx, span, rec, res, def, created)
	}

	startedAt := e.now().UTC()
	res.StartedAt = &startedAt
	rec.Status = string(types.StepRunning)
	rec.StartedAt = ledger.TimePtr(startedAt)
	if err := e.store.UpdatePlaybookStep(ctx, rec); err != nil {
		return res, fmt.Errorf("start step %s: %w", def.ID, err)
	}

	var (
		output  map[string]any
		lastErr *StepError
		skipped *SkipError
		dbErr   error
	)
	op := func() error {
		sc.Attempt++
		rec.Attempts = sc.Attempt
		if sc.Attempt > 1 {
			if err := e.store.UpdatePlaybookStep(ctx, rec); err != nil {
				dbErr = err
				return backoff.Permanent(err)
			}
		}
		input, err := Substitute(&def.Input, sc.Variables)
		if err != nil {
			lastErr = Fail(types.StepCodeInvalidInput, "%v", err)
			return backoff.Permanent(lastErr)
		}
		out, err := action.Execute(ctx, sc, input)
		if err == nil {
			output = out
			return nil
		}
		if errors.As(err, &skipped) {
			return backoff.Permanent(err)
		}
		lastErr = Classify(err)
		e.log.Warn("playbook step attempt failed",
			"run_id", sc.RunID,
			"step_id", def.ID,
			"attempt", sc.Attempt,
			"code", lastErr.Code,
			"error", lastErr.Message,
		)
		if !lastErr.Retryable {
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}
	err := backoff.Retry(op, backoff.WithContext(e.retry.newBackOff(def.Retries), ctx))
	if dbErr != nil {
		return res, fmt.Errorf("update step %s: %w", def.ID, dbErr)
	}
	res.Attempts = sc.Attempt

	switch {
	case err == nil:
		res.Status = types.StepSuccess
		res.Output = output
	case skipped != nil:
		res.Status = types.StepSkipped
		res.Output = skipped.Output
		if res.Output == nil {
			res.Output = map[string]any{}
		}
		res.Output["skipped_reason"] = skipped.Reason
	default:
		if lastErr == nil {
			lastErr = Classify(err)
		}
		res.Status = types.StepFailed
		res.Output = lastErr.Output
		res.Error = &types.StepError{Code: lastErr.Code, Message: lastErr.Message}
	}
	return e.finishStep(ctx, span, rec, res, def, startedAt)
}

func (e *Engine) finishStep(ctx context.Context, span trace.Span, rec ledger.PlaybookStepRecord, res types.StepResult, def *StepDef, since time.Time) (types.StepResult, error) {
	completed := e.now().UTC()
	res.CompletedAt = &completed

	rec.Status = string(res.Status)
	rec.Attempts = res.Attempts
	rec.CompletedAt = ledger.TimePtr(completed)
	if res.Output != nil {
		data, err := json.Marshal(res.Output)
		if err != nil {
			return res, fmt.Errorf("encode step %s output: %w", def.ID, err)
		}
		rec.OutputJSON = data
	}
	if res.Error != nil {
		rec.ErrorCode = &res.Error.Code
		rec.ErrorMessage = &res.Error.Message
		span.SetStatus(codes.Error, res.Error.Code)
	}
	if err := e.store.UpdatePlaybookStep(ctx, rec); err != nil {
		return res, fmt.Errorf("complete step %s: %w", def.ID, err)
	}

	attrs := metric.WithAttributes(
		attribute.String("afu9.action", def.Action),
		attribute.String("afu9.step_status", string(res.Status)),
	)
	e.steps.Add(ctx, 1, attrs)
	e.duration.Record(ctx, float64(completed.Sub(since).Microseconds())/1000, attrs)
	e.log.Info("playbook step finished",
		"run_id", res.RunID,
		"step_id", res.StepID,
		"status", res.Status,
		"attempts", res.Attempts,
	)
	return res, nil
}

// Run returns a stored run with its steps in order.
func (e *Engine) Run(ctx context.Context, runID string) (types.PlaybookRunResult, bool, error) {
	return LoadRun(ctx, e.store, runID)
}

func LoadRun(ctx context.Context, store ledger.PlaybookStore, runID string) (types.PlaybookRunResult, bool, error) {
	run, ok, err := store.GetPlaybookRun(ctx, runID)
	if err != nil || !ok {
		return types.PlaybookRunResult{}, ok, err
	}
	steps, err := store.ListPlaybookSteps(ctx, runID)
	if err != nil {
		return types.PlaybookRunResult{}, false, err
	}
	out := types.PlaybookRunResult{
		RunID:           run.RunID,
		PlaybookID:      run.PlaybookID,
		PlaybookVersion: run.PlaybookVersion,
		Env:             run.Env,
		IncidentKey:     run.IncidentKey,
		Status:          types.RunStatus(run.Status),
		Steps:           make([]types.StepResult, 0, len(steps)),
	}
	if run.StartedAt != nil {
		out.StartedAt, _ = ledger.ParseTime(*run.StartedAt)
	}
	if run.CompletedAt != nil {
		out.CompletedAt, _ = ledger.ParseTime(*run.CompletedAt)
	}
	for _, rec := range steps {
		step := types.StepResult{
			RunID:     rec.RunID,
			StepID:    rec.StepID,
			Title:     rec.Title,
			Status:    types.StepStatus(rec.Status),
			Attempts:  rec.Attempts,
			StartedAt: parseTimePtr(rec.StartedAt),
		}
		step.CompletedAt = parseTimePtr(rec.CompletedAt)
		if len(rec.OutputJSON) > 0 {
			if err := json.Unmarshal(rec.OutputJSON, &step.Output); err != nil {
				return types.PlaybookRunResult{}, false, fmt.Errorf("decode step %s output: %w", rec.StepID, err)
			}
		}
		if rec.ErrorCode != nil {
			step.Error = &types.StepError{Code: *rec.ErrorCode}
			if rec.ErrorMessage != nil {
				step.Error.Message = *rec.ErrorMessage
			}
		}
		out.Steps = append(out.Steps, step)
	}
	return out, true, nil
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := ledger.ParseTime(*s)
	if err != nil {
		return nil
	}
	return &t
}

func runVariables(def *Definition, req RunRequest, runID, env string) map[string]string {
	vars := map[string]string{
		"ENV":          env,
		"RUN_ID":       runID,
		"INCIDENT_KEY": req.IncidentKey,
		"PLAYBOOK_ID":  def.ID,
	}
	for k, v := range def.Variables {
		vars[k] = v
	}
	for k, v := range req.Variables {
		vars[k] = v
	}
	return vars
}

func containsEnv(allowed []string, env string) bool {
	for _, a := range allowed {
		if ok, err := envnorm.Equal(a, env); err == nil && ok {
			return true
		}
	}
	return false
}
