package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExternalService   = "EXTERNAL_SERVICE_ERROR"
	ErrCodeStageTimeout      = "STAGE_TIMEOUT"
	ErrCodeDefect            = "WORKFLOW_DEFECT"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeJournalMismatch   = "JOURNAL_MISMATCH"
)

// GraphexError is the structured error type for all graphex operations.
type GraphexError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Stage   string         `json:"stage,omitempty"`
	Cause   error          `json:"-"`
}

func (e *GraphexError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("[%s] stage %s: %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *GraphexError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error code represents a transient
// condition worth retrying within a stage's retry budget.
func (e *GraphexError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeExternalService, ErrCodeStageTimeout, ErrCodeCircuitOpen, ErrCodeStore:
		return true
	default:
		return false
	}
}

// NewError creates a new GraphexError.
func NewError(code, message string) *GraphexError {
	return &GraphexError{Code: code, Message: message}
}

// NewErrorf creates a new GraphexError with a formatted message.
func NewErrorf(code, format string, args ...any) *GraphexError {
	return &GraphexError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStage attaches a stage name to the error.
func (e *GraphexError) WithStage(stage string) *GraphexError {
	e.Stage = stage
	return e
}

// WithCause attaches an underlying cause.
func (e *GraphexError) WithCause(err error) *GraphexError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *GraphexError) WithDetails(details map[string]any) *GraphexError {
	e.Details = details
	return e
}
