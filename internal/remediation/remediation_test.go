package remediation

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davidahmann/afu9/internal/adapters"
	"github.com/davidahmann/afu9/internal/adapters/adapterstest"
	"github.com/davidahmann/afu9/internal/evidence"
	"github.com/davidahmann/afu9/internal/lawbook"
	"github.com/davidahmann/afu9/internal/ledger"
	"github.com/davidahmann/afu9/internal/playbook"
	"github.com/davidahmann/afu9/internal/policy"
	"github.com/davidahmann/afu9/pkg/types"
)

const remediationLawbook = `lawbook_id: remediation-test
lawbook_version: "1"
policies:
  - action_type: ecs.force_new_deployment
    allowed_environments: [production, staging]
    cooldown_seconds: 300
    idempotency_key_template: [targetIdentifier, deploymentEnv, incidentKey]
`

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return nil
}

type countingStore struct {
	*ledger.InMemoryStore
	mu           sync.Mutex
	statusCalls  int
	evidenceAdds int
}

func (s *countingStore) UpdateIncidentStatus(ctx context.Context, id, status, at string) error {
	s.mu.Lock()
	s.statusCalls++
	s.mu.Unlock()
	return s.InMemoryStore.UpdateIncidentStatus(ctx, id, status, at)
}

func (s *countingStore) AddIncidentEvidence(ctx context.Context, rec ledger.IncidentEvidenceRecord) (bool, error) {
	s.mu.Lock()
	s.evidenceAdds++
	s.mu.Unlock()
	return s.InMemoryStore.AddIncidentEvidence(ctx, rec)
}

type fixture struct {
	store   *countingStore
	ecs     *adapterstest.ECS
	clock   *fakeClock
	service *Service
}

func newFixture(t *testing.T, withVerifier bool) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &fakeClock{now: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
	store := &countingStore{InMemoryStore: ledger.NewInMemoryStore()}
	fake := &adapterstest.ECS{State: adapters.ServiceState{Status: "ACTIVE", DesiredCount: 2, RunningCount: 1}}

	loaded, err := lawbook.Parse([]byte(remediationLawbook))
	require.NoError(t, err)
	ev := policy.NewEvaluator(lawbook.StaticSource{Lawbook: &loaded}, store, policy.Options{Now: clock.Now, Logger: logger})

	reg := playbook.NewRegistry()
	require.NoError(t, reg.Register(playbook.ActionHTTPCheck, playbook.NewHTTPCheck(nil, time.Second)))
	engine := playbook.NewEngine(store, reg, playbook.EngineOptions{
		Retry:  playbook.RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1},
		Now:    clock.Now,
		Logger: logger,
	})
	catalog := playbook.NewCatalog(reg)

	deps := Deps{
		ECS:          adapters.NewPolicyGuardedECS(fake, ev),
		Store:        store,
		PollInterval: 15 * time.Second,
		Now:          clock.Now,
		Sleep:        clock.Sleep,
		Logger:       logger,
	}
	if withVerifier {
		deps.Verifier = PlaybookVerifier{Engine: engine, Catalog: catalog}
	}
	require.NoError(t, Register(reg, deps))
	require.NoError(t, LoadBuiltins(catalog))

	return &fixture{
		store:   store,
		ecs:     fake,
		clock:   clock,
		service: &Service{Engine: engine, Catalog: catalog, Store: store, Now: clock.Now},
	}
}

func (f *fixture) putIncident(t *testing.T, key, env string) ledger.IncidentRecord {
	t.Helper()
	now := ledger.FormatTime(f.clock.Now())
	require.NoError(t, f.store.InMemoryStore.PutIncident(context.Background(), ledger.IncidentRecord{
		IncidentID:  "id-" + key,
		IncidentKey: key,
		Status:      string(types.IncidentAcked),
		Environment: env,
		CreatedAt:   now,
		UpdatedAt:   now,
	}))
	rec, ok, err := f.store.GetIncidentByKey(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	return rec
}

func rawEvidence(t *testing.T, kind evidence.Kind, ref string, data any) evidence.Raw {
	t.Helper()
	b, err := json.Marshal(data)
	require.NoError(t, err)
	return evidence.Raw{Kind: string(kind), Ref: ref, Data: b}
}

func ecsEvidence(t *testing.T) evidence.Raw {
	return rawEvidence(t, evidence.KindECS, "ecs-1", evidence.ECS{Cluster: "prod", Service: "api"})
}

func verificationEvidence(t *testing.T, env, status string) evidence.Raw {
	return rawEvidence(t, evidence.KindVerification, "verify-1", evidence.Verification{Environment: env, Status: status, ReportRef: "report-1"})
}

func stepByID(t *testing.T, res types.PlaybookRunResult, id string) types.StepResult {
	t.Helper()
	for _, s := range res.Steps {
		if s.StepID == id {
			return s
		}
	}
	t.Fatalf("step %s not in result", id)
	return types.StepResult{}
}

func incidentStatus(t *testing.T, f *fixture, key string) string {
	t.Helper()
	rec, ok, err := f.store.GetIncidentByKey(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	return rec.Status
}

func TestHealthResetMitigatesWhenEnvironmentsMatch(t *testing.T) {
	f := newFixture(t, false)
	f.putIncident(t, "inc-1", "prod")
	f.ecs.Stability = []adapters.StabilityReport{{Stable: false}, {Stable: true, DesiredCount: 2, RunningCount: 2}}

	res, err := f.service.Run(context.Background(), RunRequest{
		PlaybookID:  PlaybookHealthReset,
		Env:         "production",
		IncidentKey: "inc-1",
		Evidence:    []evidence.Raw{ecsEvidence(t), verificationEvidence(t, "production", "success")},
	})
	require.NoError(t, err)
	require.Equal(t, types.RunSuccess, res.Status)
	require.Len(t, res.Steps, 5)
	for _, step := range res.Steps {
		require.Equal(t, types.StepSuccess, step.Status, step.StepID)
	}

	require.Equal(t, 2, stepByID(t, res, "snapshot_state").Output["desired_count"])
	wait := stepByID(t, res, "wait_observe")
	require.Equal(t, true, wait.Output["stable"])
	require.Equal(t, 2, wait.Output["polls"])

	verify := stepByID(t, res, "post_verification")
	require.Equal(t, false, verify.Output["env_mismatch"])
	require.Equal(t, "production", verify.Output["verification_env"])

	require.Equal(t, string(types.IncidentMitigated), incidentStatus(t, f, "inc-1"))
	require.Equal(t, 1, f.store.statusCalls)
	require.Equal(t, 1, f.store.evidenceAdds)
	require.Equal(t, 1, f.ecs.DeployCalls)
	require.Equal(t, "production", f.ecs.Requests[0].Environment)
}

func TestHealthResetEnvMismatchLeavesIncident(t *testing.T) {
	f := newFixture(t, false)
	f.putIncident(t, "inc-2", "prod")

	res, err := f.service.Run(context.Background(), RunRequest{
		PlaybookID:  PlaybookHealthReset,
		Env:         "production",
		IncidentKey: "inc-2",
		Evidence:    []evidence.Raw{ecsEvidence(t), verificationEvidence(t, "stage", "success")},
	})
	require.NoError(t, err)

	verify := stepByID(t, res, "post_verification")
	require.Equal(t, types.StepSuccess, verify.Status)
	require.Equal(t, true, verify.Output["env_mismatch"])
	require.Equal(t, "staging", verify.Output["verification_env"])

	update := stepByID(t, res, "update_status")
	require.Equal(t, false, update.Output["changed"])
	require.Equal(t, string(types.IncidentAcked), incidentStatus(t, f, "inc-2"))
	require.Zero(t, f.store.statusCalls)
	require.Zero(t, f.store.evidenceAdds)
}

func TestUnknownIncidentEnvironmentIsSatisfied(t *testing.T) {
	f := newFixture(t, false)
	f.putIncident(t, "inc-3", "")

	res, err := f.service.Run(context.Background(), RunRequest{
		PlaybookID:  PlaybookHealthReset,
		Env:         "staging",
		IncidentKey: "inc-3",
		Evidence:    []evidence.Raw{ecsEvidence(t), verificationEvidence(t, "stage", "passed")},
	})
	require.NoError(t, err)
	verify := stepByID(t, res, "post_verification")
	require.Equal(t, true, verify.Output["incident_env_unknown"])
	require.Equal(t, string(types.IncidentMitigated), incidentStatus(t, f, "inc-3"))
}

func TestInvalidVerificationEnvironmentFails(t *testing.T) {
	f := newFixture(t, false)
	f.putIncident(t, "inc-4", "production")

	res, err := f.service.Run(context.Background(), RunRequest{
		PlaybookID:  PlaybookHealthReset,
		Env:         "production",
		IncidentKey: "inc-4",
		Evidence:    []evidence.Raw{ecsEvidence(t), verificationEvidence(t, "moon", "success")},
	})
	require.NoError(t, err)
	require.Equal(t, types.RunFailed, res.Status)
	verify := stepByID(t, res, "post_verification")
	require.Equal(t, types.StepFailed, verify.Status)
	require.Equal(t, types.StepCodeInvalidVerificationEnv, verify.Error.Code)
	require.Equal(t, string(types.IncidentAcked), incidentStatus(t, f, "inc-4"))
}

func TestWaitObserveTimeoutIsNotAFailure(t *testing.T) {
	f := newFixture(t, false)
	f.putIncident(t, "inc-5", "production")
	f.ecs.Stability = []adapters.StabilityReport{{Stable: false, DesiredCount: 2, RunningCount: 1}}

	res, err := f.service.Run(context.Background(), RunRequest{
		PlaybookID:  PlaybookHealthReset,
		Env:         "production",
		IncidentKey: "inc-5",
		Evidence:    []evidence.Raw{ecsEvidence(t), verificationEvidence(t, "production", "success")},
	})
	require.NoError(t, err)
	wait := stepByID(t, res, "wait_observe")
	require.Equal(t, types.StepSuccess, wait.Status)
	require.Equal(t, false, wait.Output["stable"])
	require.Equal(t, 21, wait.Output["polls"])
	require.Equal(t, 300, wait.Output["waited_seconds"])

	require.Equal(t, string(types.IncidentAcked), incidentStatus(t, f, "inc-5"))
	require.Zero(t, f.store.statusCalls)
}

func TestMissingEvidenceFailsWithoutRetry(t *testing.T) {
	f := newFixture(t, false)
	f.putIncident(t, "inc-6", "production")

	res, err := f.service.Run(context.Background(), RunRequest{
		PlaybookID:  PlaybookHealthReset,
		Env:         "production",
		IncidentKey: "inc-6",
	})
	require.NoError(t, err)
	require.Equal(t, types.RunFailed, res.Status)
	snap := stepByID(t, res, "snapshot_state")
	require.Equal(t, types.StepCodeEvidenceMissing, snap.Error.Code)
	require.Equal(t, 1, snap.Attempts)
	require.Equal(t, types.StepSkipped, stepByID(t, res, "apply_reset").Status)
	require.Zero(t, f.ecs.DescribeCalls)
	require.Zero(t, f.ecs.DeployCalls)
}

func TestApplyResetReplaysAndPropagatesDenial(t *testing.T) {
	f := newFixture(t, false)
	f.putIncident(t, "inc-7", "production")
	f.putIncident(t, "inc-8", "production")
	req := RunRequest{
		PlaybookID:  PlaybookHealthReset,
		Env:         "production",
		IncidentKey: "inc-7",
		Evidence:    []evidence.Raw{ecsEvidence(t)},
	}

	_, err := f.service.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 1, f.ecs.DeployCalls)

	replay, err := f.service.Run(context.Background(), req)
	require.NoError(t, err)
	apply := stepByID(t, replay, "apply_reset")
	require.Equal(t, types.StepSuccess, apply.Status)
	require.Equal(t, true, apply.Output["idempotent_replay"])
	require.Equal(t, 1, f.ecs.DeployCalls)

	req.IncidentKey = "inc-8"
	denied, err := f.service.Run(context.Background(), req)
	require.NoError(t, err)
	apply = stepByID(t, denied, "apply_reset")
	require.Equal(t, types.StepFailed, apply.Status)
	require.Equal(t, types.StepCodeLawbookDenied, apply.Error.Code)
	require.Equal(t, types.PolicyCodeCooldownActive, apply.Output["policy_code"])
	require.Equal(t, 1, apply.Attempts)
	require.Equal(t, types.StepSkipped, stepByID(t, denied, "wait_observe").Status)
	require.Equal(t, 1, f.ecs.DeployCalls)

	claim, ok, err := f.store.GetStepIdempotency(context.Background(), "inc-8:apply_reset")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ledger.StepClaimFailed, claim.Status)
}

func TestApplyResetRequiresIncidentKey(t *testing.T) {
	f := newFixture(t, false)
	for _, service := range []string{"api", "worker"} {
		res, err := f.service.Run(context.Background(), RunRequest{
			PlaybookID: PlaybookHealthReset,
			Env:        "production",
			Evidence:   []evidence.Raw{rawEvidence(t, evidence.KindECS, "ecs-"+service, evidence.ECS{Cluster: "prod", Service: service})},
		})
		require.NoError(t, err)
		apply := stepByID(t, res, "apply_reset")
		require.Equal(t, types.StepFailed, apply.Status, service)
		require.Equal(t, types.StepCodeInvalidInput, apply.Error.Code, service)
		require.Nil(t, apply.Output["idempotent_replay"], service)
		require.NoError(t, f.clock.Sleep(context.Background(), time.Hour))
	}
	require.Zero(t, f.ecs.DeployCalls)

	_, ok, err := f.store.GetStepIdempotency(context.Background(), ":apply_reset")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPostVerificationSkipsWithoutTargetEnvironment(t *testing.T) {
	f := newFixture(t, false)
	f.putIncident(t, "inc-9", "production")

	res, err := f.service.Run(context.Background(), RunRequest{
		PlaybookID:  PlaybookHealthReset,
		Env:         "production",
		IncidentKey: "inc-9",
		Evidence:    []evidence.Raw{ecsEvidence(t)},
	})
	require.NoError(t, err)
	require.Equal(t, types.RunSuccess, res.Status)
	require.Equal(t, types.StepSkipped, stepByID(t, res, "post_verification").Status)
	require.Equal(t, string(types.IncidentAcked), incidentStatus(t, f, "inc-9"))
}

func TestPlaybookVerifierRunsPostDeployChecks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	f := newFixture(t, true)
	f.putIncident(t, "inc-10", "prod")

	res, err := f.service.Run(context.Background(), RunRequest{
		PlaybookID:  PlaybookHealthReset,
		Env:         "production",
		IncidentKey: "inc-10",
		Variables:   map[string]string{"VERIFY_ENV": "production", "BASE_URL": srv.URL},
		Evidence:    []evidence.Raw{ecsEvidence(t)},
	})
	require.NoError(t, err)
	verify := stepByID(t, res, "post_verification")
	require.Equal(t, "success", verify.Output["verification_status"])
	require.NotEmpty(t, verify.Output["verification_ref"])
	require.Equal(t, string(types.IncidentMitigated), incidentStatus(t, f, "inc-10"))

	rows, err := f.store.ListIncidentEvidence(context.Background(), "id-inc-10")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, string(evidence.KindVerification), rows[0].Kind)
}

func TestServiceOpenIncidentAndStoredEvidence(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	rec, err := f.service.OpenIncident(ctx, OpenIncidentRequest{
		IncidentKey: "inc-11",
		Environment: "prod",
		Category:    "ecs_unhealthy",
		Evidence:    []evidence.Raw{ecsEvidence(t)},
	})
	require.NoError(t, err)
	require.Equal(t, string(types.IncidentOpen), rec.Status)

	again, err := f.service.OpenIncident(ctx, OpenIncidentRequest{IncidentKey: "inc-11", Evidence: []evidence.Raw{ecsEvidence(t)}})
	require.NoError(t, err)
	require.Equal(t, rec.IncidentID, again.IncidentID)
	rows, err := f.store.ListIncidentEvidence(ctx, rec.IncidentID)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	acked, err := f.service.Acknowledge(ctx, "inc-11")
	require.NoError(t, err)
	require.Equal(t, string(types.IncidentAcked), acked.Status)

	res, err := f.service.Run(ctx, RunRequest{PlaybookID: PlaybookHealthReset, Env: "production", IncidentKey: "inc-11"})
	require.NoError(t, err)
	require.Equal(t, types.StepSuccess, stepByID(t, res, "snapshot_state").Status)

	_, err = f.service.Run(ctx, RunRequest{PlaybookID: "nope", Env: "production"})
	require.ErrorIs(t, err, playbook.ErrUnknownPlaybook)
	_, err = f.service.Acknowledge(ctx, "missing")
	require.ErrorIs(t, err, ErrIncidentNotFound)
}
