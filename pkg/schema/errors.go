package schema

import (
	"fmt"
	"time"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeTransport      = "TRANSPORT_ERROR"
	ErrCodeParse          = "PARSE_ERROR"
	ErrCodeAborted        = "ABORTED"
	ErrCodeTargetMissed   = "TARGET_NOT_ACHIEVED"
	ErrCodeRetryExhausted = "RETRY_EXHAUSTED"
	ErrCodeInvalidUpdate  = "INVALID_WORKFLOW_UPDATE"
	ErrCodeExecution      = "EXECUTION_ERROR"
	ErrCodeInterpolation  = "INTERPOLATION_ERROR"
	ErrCodeStore          = "STORE_ERROR"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeNotFound       = "NOT_FOUND"
)

// PlanlineError is the structured error type for all engine operations.
type PlanlineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *PlanlineError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *PlanlineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new PlanlineError.
func NewError(code, message string) *PlanlineError {
	return &PlanlineError{Code: code, Message: message}
}

// NewErrorf creates a new PlanlineError with a formatted message.
func NewErrorf(code, format string, args ...any) *PlanlineError {
	return &PlanlineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *PlanlineError) WithStep(stepID string) *PlanlineError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *PlanlineError) WithCause(err error) *PlanlineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *PlanlineError) WithDetails(details map[string]any) *PlanlineError {
	e.Details = details
	return e
}

// IsRetryable reports whether the error code allows another attempt of the
// same step. Only a missed feedback target is retried by the engine;
// transport and validation failures are surfaced instead.
func (e *PlanlineError) IsRetryable() bool {
	return e.Code == ErrCodeTargetMissed
}

// StepFailure is the structured failure record surfaced to callers when a
// step halts. It carries enough detail for a UI to render and offer a retry.
type StepFailure struct {
	Message   string         `json:"message"`
	Status    int            `json:"status,omitempty"`
	Data      any            `json:"data,omitempty"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Context   map[string]any `json:"context,omitempty"`
}

// NewStepFailure builds a StepFailure from a PlanlineError.
func NewStepFailure(err *PlanlineError, ctx map[string]any) *StepFailure {
	f := &StepFailure{
		Message:   err.Message,
		Type:      err.Code,
		Timestamp: time.Now().UTC(),
		Context:   ctx,
	}
	if v, ok := err.Details["status"].(int); ok {
		f.Status = v
	}
	if v, ok := err.Details["data"]; ok {
		f.Data = v
	}
	return f
}
