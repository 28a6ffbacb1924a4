package playbook

import (
	"context"
	"errors"
	"fmt"

	"github.com/davidahmann/afu9/internal/adapters"
	"github.com/davidahmann/afu9/internal/evidence"
	"github.com/davidahmann/afu9/pkg/types"
)

// StepError is a step failure with a stable code. Retryable failures are
// re-run by the engine until the step's retries are spent.
type StepError struct {
	Code      string
	Message   string
	Retryable bool
	Output    map[string]any
	Err       error
}

func (e *StepError) Error() string {
	return e.Code + ": " + e.Message
}

func (e *StepError) Unwrap() error { return e.Err }

// Fail returns a non-retryable StepError.
func Fail(code, format string, args ...any) *StepError {
	return &StepError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Transient returns a retryable StepError.
func Transient(code, format string, args ...any) *StepError {
	return &StepError{Code: code, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// SkipError ends a step as skipped rather than failed.
type SkipError struct {
	Reason string
	Output map[string]any
}

func (e *SkipError) Error() string { return "skipped: " + e.Reason }

func Skip(reason string, output map[string]any) error {
	return &SkipError{Reason: reason, Output: output}
}

// Classify maps an action error onto a StepError. Evidence problems and
// policy denials never retry; unknown errors are treated as transient
// adapter failures.
func Classify(err error) *StepError {
	var se *StepError
	if errors.As(err, &se) {
		return se
	}
	if denied, ok := adapters.AsPolicyDenied(err); ok {
		out := map[string]any{"policy_code": denied.PolicyCode}
		if denied.NextAllowedAt != nil {
			out["next_allowed_at"] = denied.NextAllowedAt.UTC()
		}
		return &StepError{Code: types.StepCodeLawbookDenied, Message: denied.Reason, Output: out, Err: err}
	}
	switch {
	case errors.Is(err, evidence.ErrEvidenceMissing):
		return &StepError{Code: types.StepCodeEvidenceMissing, Message: err.Error(), Err: err}
	case errors.Is(err, evidence.ErrInvalidEvidence):
		return &StepError{Code: types.StepCodeInvalidEvidence, Message: err.Error(), Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &StepError{Code: types.StepCodeAdapterError, Message: err.Error(), Err: err}
	}
	return &StepError{Code: types.StepCodeAdapterError, Message: err.Error(), Retryable: true, Err: err}
}
