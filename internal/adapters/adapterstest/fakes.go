// Package adapterstest provides in-memory ECS and GitHub fakes for tests.
package adapterstest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/davidahmann/afu9/internal/adapters"
)

// ECS is a scripted ECS fake. Stability reports are returned in order; the
// last one repeats once the script runs out.
type ECS struct {
	mu sync.Mutex

	State     adapters.ServiceState
	Stability []adapters.StabilityReport
	DeployErr error
	PollErr   error

	DescribeCalls int
	DeployCalls   int
	PollCalls     int
	Requests      []adapters.ForceNewDeploymentRequest
}

func (f *ECS) DescribeService(_ context.Context, cluster, service string) (adapters.ServiceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DescribeCalls++
	st := f.State
	st.Cluster, st.Service = cluster, service
	return st, nil
}

func (f *ECS) ForceNewDeployment(_ context.Context, req adapters.ForceNewDeploymentRequest) (adapters.DeploymentRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeployCalls++
	f.Requests = append(f.Requests, req)
	if f.DeployErr != nil {
		return adapters.DeploymentRef{}, f.DeployErr
	}
	return adapters.DeploymentRef{
		DeploymentID: fmt.Sprintf("ecs-svc/%d", f.DeployCalls),
		StartedAt:    time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	}, nil
}

func (f *ECS) PollServiceStability(context.Context, string, string) (adapters.StabilityReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PollCalls++
	if f.PollErr != nil {
		return adapters.StabilityReport{}, f.PollErr
	}
	if len(f.Stability) == 0 {
		return adapters.StabilityReport{Stable: true}, nil
	}
	idx := f.PollCalls - 1
	if idx >= len(f.Stability) {
		idx = len(f.Stability) - 1
	}
	return f.Stability[idx], nil
}

var ErrNotFound = errors.New("github: not found")

// GitHub keys every object by repo#number.
type GitHub struct {
	mu sync.Mutex

	Issues      map[string]adapters.Issue
	Pulls       map[string]adapters.PullRequest
	Checks      map[string][]adapters.CheckRun
	Deployments map[string][]adapters.Deployment
	Err         error

	Calls  []string
	Labels map[string][]string
}

func NewGitHub() *GitHub {
	return &GitHub{
		Issues:      map[string]adapters.Issue{},
		Pulls:       map[string]adapters.PullRequest{},
		Checks:      map[string][]adapters.CheckRun{},
		Deployments: map[string][]adapters.Deployment{},
		Labels:      map[string][]string{},
	}
}

func Key(repo string, number int) string { return fmt.Sprintf("%s#%d", repo, number) }

func (f *GitHub) record(call string) error {
	f.Calls = append(f.Calls, call)
	return f.Err
}

func (f *GitHub) GetIssue(_ context.Context, repo string, number int) (adapters.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetIssue"); err != nil {
		return adapters.Issue{}, err
	}
	issue, ok := f.Issues[Key(repo, number)]
	if !ok {
		return adapters.Issue{}, ErrNotFound
	}
	return issue, nil
}

func (f *GitHub) AddLabels(_ context.Context, repo string, number int, labels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AddLabels"); err != nil {
		return err
	}
	k := Key(repo, number)
	f.Labels[k] = append(f.Labels[k], labels...)
	return nil
}

func (f *GitHub) GetPullRequest(_ context.Context, repo string, number int) (adapters.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetPullRequest"); err != nil {
		return adapters.PullRequest{}, err
	}
	pr, ok := f.Pulls[Key(repo, number)]
	if !ok {
		return adapters.PullRequest{}, ErrNotFound
	}
	return pr, nil
}

func (f *GitHub) ListCheckRuns(_ context.Context, repo, ref string) ([]adapters.CheckRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListCheckRuns"); err != nil {
		return nil, err
	}
	return f.Checks[repo+"@"+ref], nil
}

func (f *GitHub) ListDeployments(_ context.Context, repo, sha string) ([]adapters.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListDeployments"); err != nil {
		return nil, err
	}
	return f.Deployments[repo+"@"+sha], nil
}

// CallCount returns how many adapter calls were made.
func (f *GitHub) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}

var (
	_ adapters.ECS    = (*ECS)(nil)
	_ adapters.GitHub = (*GitHub)(nil)
)
