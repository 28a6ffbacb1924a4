package types

import "time"

type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// Step error codes surfaced by playbook actions.
const (
	StepCodeStatusMismatch         = "STATUS_MISMATCH"
	StepCodeBodyMismatch           = "BODY_MISMATCH"
	StepCodeHTTPError              = "HTTP_ERROR"
	StepCodeInvalidInput           = "INVALID_INPUT"
	StepCodeEvidenceMissing        = "EVIDENCE_MISSING"
	StepCodeInvalidEvidence        = "INVALID_EVIDENCE"
	StepCodeLawbookDenied          = "LAWBOOK_DENIED"
	StepCodeAdapterError           = "ADAPTER_ERROR"
	StepCodeInvalidVerificationEnv = "INVALID_VERIFICATION_ENV"
	StepCodeStepInProgress         = "STEP_IN_PROGRESS"
	StepCodeConditionError         = "CONDITION_ERROR"
	StepCodeInternal               = "INTERNAL_ERROR"
)

type StepError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type StepResult struct {
	RunID       string         `json:"run_id"`
	StepID      string         `json:"step_id"`
	Title       string         `json:"title,omitempty"`
	Status      StepStatus     `json:"status"`
	Attempts    int            `json:"attempts"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       *StepError     `json:"error,omitempty"`
}

type PlaybookRunResult struct {
	RunID           string       `json:"run_id"`
	PlaybookID      string       `json:"playbook_id"`
	PlaybookVersion string       `json:"playbook_version"`
	Env             string       `json:"env"`
	IncidentKey     string       `json:"incident_key,omitempty"`
	Status          RunStatus    `json:"status"`
	StartedAt       time.Time    `json:"started_at"`
	CompletedAt     time.Time    `json:"completed_at"`
	Steps           []StepResult `json:"steps"`
}

// DeriveRunStatus computes a run's status from the final outcome of its steps.
func DeriveRunStatus(steps []StepResult) RunStatus {
	for _, step := range steps {
		if step.Status == StepFailed {
			return RunFailed
		}
		if step.Status == StepPending || step.Status == StepRunning {
			return RunRunning
		}
	}
	return RunSuccess
}

type IncidentStatus string

const (
	IncidentOpen      IncidentStatus = "OPEN"
	IncidentAcked     IncidentStatus = "ACKED"
	IncidentMitigated IncidentStatus = "MITIGATED"
	IncidentResolved  IncidentStatus = "RESOLVED"
)
