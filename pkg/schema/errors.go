package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation            = "VALIDATION_ERROR"
	ErrCodeExecution             = "EXECUTION_ERROR"
	ErrCodeTimeout               = "TIMEOUT_ERROR"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeConflict              = "CONFLICT"
	ErrCodeAgentFailed           = "AGENT_FAILED"
	ErrCodeActionFailed          = "ACTION_FAILED"
	ErrCodePublishFailed         = "PUBLISH_FAILED"
	ErrCodeDuplicateSubscription = "DUPLICATE_SUBSCRIPTION"
	ErrCodeCircuitOpen           = "CIRCUIT_OPEN"
	ErrCodeStore                 = "STORE_ERROR"
)

// LeadflowError is the structured error type returned across package boundaries.
type LeadflowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *LeadflowError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *LeadflowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new LeadflowError.
func NewError(code, message string) *LeadflowError {
	return &LeadflowError{Code: code, Message: message}
}

// NewErrorf creates a new LeadflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *LeadflowError {
	return &LeadflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches an underlying cause.
func (e *LeadflowError) WithCause(err error) *LeadflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *LeadflowError) WithDetails(details map[string]any) *LeadflowError {
	e.Details = details
	return e
}

// IsCode reports whether err, or any error it wraps, is a LeadflowError with the given code.
func IsCode(err error, code string) bool {
	var lfErr *LeadflowError
	if errors.As(err, &lfErr) {
		return lfErr.Code == code
	}
	return false
}

// CodeOf returns the code of the first LeadflowError in err's chain, or "" if none.
func CodeOf(err error) string {
	var lfErr *LeadflowError
	if errors.As(err, &lfErr) {
		return lfErr.Code
	}
	return ""
}
