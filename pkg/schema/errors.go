package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeConfiguration       = "CONFIGURATION_ERROR"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeDataResolution      = "DATA_RESOLUTION_ERROR"
	ErrCodeExternalService     = "EXTERNAL_SERVICE_ERROR"
	ErrCodeTimeout             = "TIMEOUT_ERROR"
	ErrCodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeCycleDetected       = "CYCLE_DETECTED"
	ErrCodeStepFailed          = "STEP_FAILED"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeActionUnavailable   = "ACTION_UNAVAILABLE"
	ErrCodeStore               = "STORE_ERROR"
	ErrCodeVault               = "VAULT_ERROR"
)

// Data resolution failure reasons, reported in ChainflowError.Details["reason"].
const (
	ReasonMissingStep   = "missing_step"
	ReasonNullData      = "null_data"
	ReasonUndefinedData = "undefined_data"
	ReasonMissingField  = "missing_field"
	ReasonNotArray      = "not_array"
)

// ChainflowError is the structured error type for all chainflow operations.
type ChainflowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ChainflowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ChainflowError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether a step failing with this error may be retried.
// Only failures of external collaborators are transient; everything else is a
// property of the workflow or its data and would fail identically again.
func (e *ChainflowError) IsRetryable() bool {
	return e.Code == ErrCodeExternalService
}

// NewError creates a new ChainflowError.
func NewError(code, message string) *ChainflowError {
	return &ChainflowError{Code: code, Message: message}
}

// NewErrorf creates a new ChainflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *ChainflowError {
	return &ChainflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *ChainflowError) WithStep(stepID string) *ChainflowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *ChainflowError) WithCause(err error) *ChainflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ChainflowError) WithDetails(details map[string]any) *ChainflowError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first ChainflowError in err's chain, or "".
func CodeOf(err error) string {
	var cfErr *ChainflowError
	if errors.As(err, &cfErr) {
		return cfErr.Code
	}
	return ""
}

// HasCode reports whether err carries the given error code.
func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}
