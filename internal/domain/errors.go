package domain

import (
	"errors"
	"fmt"
)

// Common errors returned by repositories and services.
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrValidation        = errors.New("validation failed")
	ErrDependencyCycle   = errors.New("dependency cycle")
	ErrQueueFull         = errors.New("event queue full")
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrMissingUserScope  = errors.New("repository not scoped to a user")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// ErrorCode is the closed set of machine-readable codes carried in tool
// error envelopes.
type ErrorCode string

const (
	CodeUnknownAction          ErrorCode = "UNKNOWN_ACTION"
	CodeMissingField           ErrorCode = "MISSING_FIELD"
	CodeInvalidParameterFormat ErrorCode = "INVALID_PARAMETER_FORMAT"
	CodeValidationError        ErrorCode = "VALIDATION_ERROR"
	CodeNotFound               ErrorCode = "NOT_FOUND"
	CodeConflict               ErrorCode = "CONFLICT"
	CodeDependencyCycle        ErrorCode = "DEPENDENCY_CYCLE"
	CodeEnforcementBlocked     ErrorCode = "ENFORCEMENT_BLOCKED"
	CodeQueueFull              ErrorCode = "QUEUE_FULL"
	CodeInternalError          ErrorCode = "INTERNAL_ERROR"
)

// ToolError is a structured error rendered into tool response envelopes.
// MissingRequired, Hints, and ExampleCommand carry enforcement details
// so a blocked caller can repair the call without guessing.
type ToolError struct {
	Code            ErrorCode `json:"code"`
	Message         string    `json:"message"`
	Field           string    `json:"field,omitempty"`
	Hint            string    `json:"hint,omitempty"`
	Expected        string    `json:"expected,omitempty"`
	MissingRequired []string  `json:"missing_required,omitempty"`
	Hints           []string  `json:"hints,omitempty"`
	ExampleCommand  string    `json:"example_command,omitempty"`
}

func (e *ToolError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %q)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewToolError creates a ToolError with the given code and message.
func NewToolError(code ErrorCode, message string) *ToolError {
	return &ToolError{Code: code, Message: message}
}

// CodeForError maps an internal error to its envelope code.
// Ownership violations surface as NOT_FOUND, never as a forbidden-style
// code, so callers cannot probe other users' ids.
func CodeForError(err error) ErrorCode {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Code
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrDependencyCycle):
		return CodeDependencyCycle
	case errors.Is(err, ErrQueueFull):
		return CodeQueueFull
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidTransition):
		return CodeValidationError
	default:
		return CodeInternalError
	}
}
