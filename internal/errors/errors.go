package errors

import (
	"fmt"
)

// Error is the structured error type for StreamGrep.
// It provides rich context for error handling, logging, and user presentation.
type Error struct {
	// Code is the unique error code (e.g., "ERR_401_EMPTY_PATTERN").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Validation, Engine).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with Error.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new Error with the given code and message.
// Category and severity are derived from the code.
func New(code string, message string, cause error) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Category: categoryFromCode(code),
		Severity: severityFromCode(code),
		Cause:    cause,
	}
}

// Wrap creates an Error from an existing error.
// The error's message becomes the Error message.
func Wrap(code string, err error) *Error {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *Error {
	return New(ErrCodeConfigInvalid, message, cause)
}

// ValidationError creates an invalid-configuration error.
// These fail fast, before any engine invocation, and are fully
// recoverable by the caller supplying corrected input.
func ValidationError(code string, message string) *Error {
	return New(code, message, nil)
}

// EngineError creates an engine-failure error. Results delivered before
// the failure remain valid; the error only terminates the session.
func EngineError(message string, cause error) *Error {
	return New(ErrCodeEngine, message, cause)
}

// IsValidation reports whether err is an invalid-configuration error.
func IsValidation(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Category == CategoryValidation || e.Category == CategoryConfig
	}
	return false
}

// GetCode extracts the error code from an Error.
// Returns empty string if not an Error.
func GetCode(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// GetCategory extracts the category from an Error.
// Returns empty string if not an Error.
func GetCategory(err error) Category {
	if e, ok := err.(*Error); ok {
		return e.Category
	}
	return ""
}
