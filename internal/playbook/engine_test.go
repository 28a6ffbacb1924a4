package playbook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davidahmann/afu9/internal/evidence"
	"github.com/davidahmann/afu9/internal/ledger"
	"github.com/davidahmann/afu9/pkg/types"
)

func newTestEngine(t *testing.T, extra map[string]Action) (*Engine, *ledger.InMemoryStore) {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(ActionHTTPCheck, NewHTTPCheck(nil, 2*time.Second)))
	for name, a := range extra {
		require.NoError(t, reg.Register(name, a))
	}
	var seq int64
	store := ledger.NewInMemoryStore()
	eng := NewEngine(store, reg, EngineOptions{
		Retry:  RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Multiplier: 1.5},
		NewID:  func() string { return fmt.Sprintf("run-%d", atomic.AddInt64(&seq, 1)) },
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return eng, store
}

func prepare(t *testing.T, eng *Engine, doc string) *Definition {
	t.Helper()
	def, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.NoError(t, Prepare(def, eng.Registry()))
	return def
}

func statusServer(t *testing.T, status int, body string) (*httptest.Server, *int64) {
	t.Helper()
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

const healthDoc = `id: health
version: "1"
steps:
  - id: probe
    action: http_check
    retries: 2
    input:
      url: ${BASE_URL}/health
      expected_status: 200
`

func TestHTTPCheckRetriesUntilExhausted(t *testing.T) {
	eng, store := newTestEngine(t, nil)
	srv, hits := statusServer(t, http.StatusServiceUnavailable, "down")
	def := prepare(t, eng, healthDoc)

	res, err := eng.Execute(context.Background(), def, RunRequest{Env: "prod", Variables: map[string]string{"BASE_URL": srv.URL}})
	require.NoError(t, err)

	require.Equal(t, types.RunFailed, res.Status)
	require.Len(t, res.Steps, 1)
	step := res.Steps[0]
	require.Equal(t, types.StepFailed, step.Status)
	require.NotNil(t, step.Error)
	require.Equal(t, types.StepCodeStatusMismatch, step.Error.Code)
	require.Equal(t, 3, step.Attempts)
	require.EqualValues(t, 3, atomic.LoadInt64(hits))
	require.Equal(t, "production", res.Env)

	run, ok, err := store.GetPlaybookRun(context.Background(), res.RunID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, string(types.RunFailed), run.Status)
	require.NotNil(t, run.CompletedAt)
}

func TestHTTPCheckSuccessAndBodyMismatch(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	srv, hits := statusServer(t, http.StatusOK, `{"status":"ok"}`)
	def := prepare(t, eng, `id: body
version: "1"
steps:
  - id: ok
    action: http_check
    input:
      url: ${BASE_URL}/ready
      expected_body_includes: '"ok"'
  - id: mismatch
    action: http_check
    input:
      url: ${BASE_URL}/ready
      expected_body_includes: degraded
`)

	res, err := eng.Execute(context.Background(), def, RunRequest{Env: "staging", Variables: map[string]string{"BASE_URL": srv.URL}})
	require.NoError(t, err)
	require.Equal(t, types.RunFailed, res.Status)
	require.Equal(t, types.StepSuccess, res.Steps[0].Status)
	require.Equal(t, http.StatusOK, res.Steps[0].Output["status"])
	require.Equal(t, types.StepFailed, res.Steps[1].Status)
	require.Equal(t, types.StepCodeBodyMismatch, res.Steps[1].Error.Code)
	require.EqualValues(t, 2, atomic.LoadInt64(hits))
}

func TestUnresolvedVariableFailsWithoutRequest(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	def := prepare(t, eng, healthDoc)

	res, err := eng.Execute(context.Background(), def, RunRequest{Env: "production"})
	require.NoError(t, err)
	require.Equal(t, types.StepFailed, res.Steps[0].Status)
	require.Equal(t, types.StepCodeInvalidInput, res.Steps[0].Error.Code)
	require.Contains(t, res.Steps[0].Error.Message, "BASE_URL")
	require.Equal(t, 1, res.Steps[0].Attempts)
}

func TestSubstitutedScalarsDecodeAsNumbers(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	srv, _ := statusServer(t, http.StatusAccepted, "")
	def := prepare(t, eng, `id: typed
version: "1"
steps:
  - id: probe
    action: http_check
    input:
      url: ${BASE_URL}
      expected_status: ${STATUS}
`)
	res, err := eng.Execute(context.Background(), def, RunRequest{Env: "dev", Variables: map[string]string{"BASE_URL": srv.URL, "STATUS": "202"}})
	require.NoError(t, err)
	require.Equal(t, types.RunSuccess, res.Status)
}

func TestFailedStepDoesNotStopRunAndConditionsSeeIt(t *testing.T) {
	var calls int64
	record := Typed(func(context.Context, *StepContext, struct{}) (map[string]any, error) {
		atomic.AddInt64(&calls, 1)
		return map[string]any{"ok": true}, nil
	}, nil)
	eng, _ := newTestEngine(t, map[string]Action{"record": record})
	srv, _ := statusServer(t, http.StatusInternalServerError, "")

	def := prepare(t, eng, `id: flow
version: "1"
steps:
  - id: probe
    action: http_check
    input:
      url: ${BASE_URL}
  - id: after_success
    action: record
    when: steps.probe.status == "success"
  - id: always
    action: record
  - id: prod_only
    action: record
    when: env == "production" && vars.BASE_URL != ""
`)
	res, err := eng.Execute(context.Background(), def, RunRequest{Env: "stage", Variables: map[string]string{"BASE_URL": srv.URL}})
	require.NoError(t, err)
	require.Len(t, res.Steps, 4)
	require.Equal(t, types.StepFailed, res.Steps[0].Status)
	require.Equal(t, types.StepSkipped, res.Steps[1].Status)
	require.Equal(t, types.StepSuccess, res.Steps[2].Status)
	require.Equal(t, types.StepSkipped, res.Steps[3].Status)
	require.EqualValues(t, 1, atomic.LoadInt64(&calls))
	require.Equal(t, types.RunFailed, res.Status)
}

func TestEvidenceErrorsAreNotRetried(t *testing.T) {
	var attempts int64
	missing := Typed(func(context.Context, *StepContext, struct{}) (map[string]any, error) {
		atomic.AddInt64(&attempts, 1)
		return nil, fmt.Errorf("snapshot: %w", evidence.ErrEvidenceMissing)
	}, nil)
	eng, _ := newTestEngine(t, map[string]Action{"missing": missing})
	def := prepare(t, eng, `id: ev
version: "1"
steps:
  - id: snap
    action: missing
    retries: 3
`)
	res, err := eng.Execute(context.Background(), def, RunRequest{Env: "production"})
	require.NoError(t, err)
	require.Equal(t, types.StepCodeEvidenceMissing, res.Steps[0].Error.Code)
	require.EqualValues(t, 1, atomic.LoadInt64(&attempts))
}

func TestTransientErrorRecoversOnRetry(t *testing.T) {
	var attempts int64
	flaky := Typed(func(_ context.Context, sc *StepContext, _ struct{}) (map[string]any, error) {
		if atomic.AddInt64(&attempts, 1) == 1 {
			return nil, errors.New("connection reset")
		}
		return map[string]any{"attempt": sc.Attempt}, nil
	}, nil)
	eng, _ := newTestEngine(t, map[string]Action{"flaky": flaky})
	def := prepare(t, eng, `id: flaky
version: "1"
steps:
  - id: call
    action: flaky
    retries: 1
`)
	res, err := eng.Execute(context.Background(), def, RunRequest{Env: "production"})
	require.NoError(t, err)
	require.Equal(t, types.RunSuccess, res.Status)
	require.Equal(t, 2, res.Steps[0].Attempts)
	require.Equal(t, 2, res.Steps[0].Output["attempt"])
}

func TestSkipFromAction(t *testing.T) {
	skipper := Typed(func(context.Context, *StepContext, struct{}) (map[string]any, error) {
		return nil, Skip("no target environment", map[string]any{"verified": false})
	}, nil)
	eng, _ := newTestEngine(t, map[string]Action{"skipper": skipper})
	def := prepare(t, eng, `id: skip
version: "1"
steps:
  - id: verify
    action: skipper
`)
	res, err := eng.Execute(context.Background(), def, RunRequest{Env: "production"})
	require.NoError(t, err)
	require.Equal(t, types.RunSuccess, res.Status)
	require.Equal(t, types.StepSkipped, res.Steps[0].Status)
	require.Equal(t, "no target environment", res.Steps[0].Output["skipped_reason"])
}

func TestExecuteRejectsBadRequests(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	def, err := Parse([]byte(healthDoc))
	require.NoError(t, err)
	_, err = eng.Execute(context.Background(), def, RunRequest{Env: "production"})
	require.ErrorIs(t, err, ErrNotPrepared)

	require.NoError(t, Prepare(def, eng.Registry()))
	_, err = eng.Execute(context.Background(), def, RunRequest{Env: "moon"})
	require.Error(t, err)

	scoped := prepare(t, eng, `id: scoped
version: "1"
environments: [production]
steps:
  - id: probe
    action: http_check
    input:
      url: http://127.0.0.1:1/
`)
	_, err = eng.Execute(context.Background(), scoped, RunRequest{Env: "staging"})
	require.ErrorIs(t, err, ErrEnvNotAllowed)
}

func TestLoadRunRoundTrip(t *testing.T) {
	eng, _ := newTestEngine(t, nil)
	srv, _ := statusServer(t, http.StatusServiceUnavailable, "")
	def := prepare(t, eng, healthDoc)
	res, err := eng.Execute(context.Background(), def, RunRequest{Env: "production", IncidentKey: "inc-7", Variables: map[string]string{"BASE_URL": srv.URL}})
	require.NoError(t, err)

	loaded, ok, err := eng.Run(context.Background(), res.RunID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, res.Status, loaded.Status)
	require.Equal(t, "inc-7", loaded.IncidentKey)
	require.Len(t, loaded.Steps, 1)
	require.Equal(t, types.StepCodeStatusMismatch, loaded.Steps[0].Error.Code)
	require.Equal(t, 3, loaded.Steps[0].Attempts)

	_, ok, err = eng.Run(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
}
