package playbook

import (
	"github.com/davidahmann/afu9/internal/evidence"
	"github.com/davidahmann/afu9/pkg/types"
)

// StepContext is what an action sees of its run.
type StepContext struct {
	RunID       string
	PlaybookID  string
	StepID      string
	RequestID   string
	Env         string
	IncidentKey string
	Attempt     int
	Variables   map[string]string
	Evidence    []evidence.Evidence

	steps map[string]stepView
}

type stepView struct {
	status types.StepStatus
	output map[string]any
}

// Output returns a value recorded by an earlier step of the same run.
func (sc *StepContext) Output(stepID, key string) (any, bool) {
	view, ok := sc.steps[stepID]
	if !ok || view.output == nil {
		return nil, false
	}
	v, ok := view.output[key]
	return v, ok
}

// StepStatus reports the final status of an earlier step.
func (sc *StepContext) StepStatus(stepID string) (types.StepStatus, bool) {
	view, ok := sc.steps[stepID]
	return view.status, ok
}
