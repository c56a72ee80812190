// Package toolerrors provides a structured error type for tool invocation
// failures. ToolError preserves a causal chain and supports errors.Is/As
// while remaining trivially JSON-serializable, so a tool failure survives a
// checkpoint/resume round trip without losing diagnostic context.
package toolerrors

import (
	"errors"
	"fmt"
)

// ToolError represents a structured failure returned by a tool invocation.
// It implements the standard error interface and chains to an optional
// Cause, enabling errors.Is/As across retries and checkpoint boundaries.
type ToolError struct {
	// Message is the human-readable summary surfaced to the model and, when
	// applicable, localized for the end user.
	Message string
	// Cause links to the underlying tool error, if any.
	Cause *ToolError
	// Retryable indicates whether the dispatcher's retry policy should be
	// applied to this failure.
	Retryable bool
}

// New constructs a ToolError with the given message.
func New(message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Message: message}
}

// NewRetryable constructs a ToolError marked as retryable.
func NewRetryable(message string) *ToolError {
	e := New(message)
	e.Retryable = true
	return e
}

// NewWithCause constructs a ToolError wrapping an underlying error. The
// cause is converted into a ToolError chain via FromError so the chain
// survives JSON round-trips.
func NewWithCause(message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &ToolError{
		Message: message,
		Cause:   FromError(cause),
	}
}

// FromError converts an arbitrary error into a ToolError chain, preserving
// wrapped errors via errors.Unwrap.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{
		Message: err.Error(),
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// Errorf formats a message according to a format specifier.
func Errorf(format string, args ...any) *ToolError {
	return New(fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying cause to support errors.Is/As.
func (e *ToolError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}
