package lifecycle

import (
	"fmt"
	"strings"

	"github.com/davidahmann/afu9/pkg/types"
)

type Step string

const (
	StepPick          Step = "S1"
	StepSpec          Step = "S2"
	StepPR            Step = "S3"
	StepChecks        Step = "S4"
	StepMerge         Step = "S5"
	StepDeployObserve Step = "S6"
	StepVerify        Step = "S7"
)

type RunStatus string

const (
	RunCreated RunStatus = "CREATED"
	RunRunning RunStatus = "RUNNING"
	RunDone    RunStatus = "DONE"
	RunFailed  RunStatus = "FAILED"
)

// terminalBlockers end a delivery run. Any other blocker leaves the run
// RUNNING so a later Advance retries the same step.
var terminalBlockers = map[types.BlockerCode]bool{
	types.BlockerIssueClosed:  true,
	types.BlockerPRClosed:     true,
	types.BlockerChecksFailed: true,
	types.BlockerVerdictRed:   true,
}

func Terminal(code types.BlockerCode) bool {
	return terminalBlockers[code]
}

type RunStepStatus string

const (
	RunStepStarted   RunStepStatus = "STARTED"
	RunStepSucceeded RunStepStatus = "SUCCEEDED"
	RunStepFailed    RunStepStatus = "FAILED"
)

// stepSpec describes which issue states a step may run from and the state
// it moves the issue to. An empty to means the step never changes status.
type stepSpec struct {
	name string
	from []types.IssueStatus
	to   types.IssueStatus
}

var steps = map[Step]stepSpec{
	StepPick:          {name: "pick", from: []types.IssueStatus{types.IssueCreated}, to: types.IssuePicked},
	StepSpec:          {name: "spec", from: []types.IssueStatus{types.IssuePicked}, to: types.IssueSpecReady},
	StepPR:            {name: "pr", from: []types.IssueStatus{types.IssueSpecReady}, to: types.IssueReviewReady},
	StepChecks:        {name: "checks", from: []types.IssueStatus{types.IssueReviewReady}, to: types.IssueMergeReady},
	StepMerge:         {name: "merge", from: []types.IssueStatus{types.IssueMergeReady}, to: types.IssueMerged},
	StepDeployObserve: {name: "deploy_observe", from: []types.IssueStatus{types.IssueMerged, types.IssueDone}},
	StepVerify:        {name: "verify", from: []types.IssueStatus{types.IssueMerged}, to: types.IssueDone},
}

// Steps lists every step in execution order.
func Steps() []Step {
	return []Step{StepPick, StepSpec, StepPR, StepChecks, StepMerge, StepDeployObserve, StepVerify}
}

// Name returns the short step name, e.g. "pick" for S1.
func (s Step) Name() string {
	return steps[s].name
}

// ParseStep accepts either the step code ("S3", "s3") or its name ("pr").
func ParseStep(raw string) (Step, error) {
	token := strings.TrimSpace(raw)
	if code := Step(strings.ToUpper(token)); steps[code].name != "" {
		return code, nil
	}
	for _, s := range Steps() {
		if strings.EqualFold(steps[s].name, token) {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown lifecycle step %q", raw)
}

// Allowed reports whether step may run while the issue is in status.
func Allowed(step Step, status types.IssueStatus) bool {
	spec, ok := steps[step]
	if !ok {
		return false
	}
	for _, from := range spec.from {
		if from == status {
			return true
		}
	}
	return false
}

// NextStep maps the current issue status to the step that moves it forward.
// A merged issue runs deployment observation until observations exist, then
// the verify gate. DONE has no next step.
func NextStep(status types.IssueStatus, observed bool) (Step, bool) {
	switch status {
	case types.IssueCreated:
		return StepPick, true
	case types.IssuePicked:
		return StepSpec, true
	case types.IssueSpecReady:
		return StepPR, true
	case types.IssueReviewReady:
		return StepChecks, true
	case types.IssueMergeReady:
		return StepMerge, true
	case types.IssueMerged:
		if observed {
			return StepVerify, true
		}
		return StepDeployObserve, true
	default:
		return "", false
	}
}
