package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Tool-related errors
	ErrToolNotFound      = errors.New("tool not found")
	ErrToolAlreadyExists = errors.New("tool already registered")
	ErrCircuitOpen       = errors.New("circuit breaker open")

	// Workflow errors
	ErrMaxIterations    = errors.New("max iterations exceeded")
	ErrDeadlineExceeded = errors.New("deadline exceeded")

	// Thread/checkpoint errors
	ErrThreadNotFound     = errors.New("thread not found")
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// Delegation errors
	ErrTraceNotFound = errors.New("delegation trace not found")

	// Provider errors
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrTierNotFound        = errors.New("tier not found")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Server errors
	ErrOverloaded = errors.New("server overloaded")

	// Operation errors
	ErrTimeout          = errors.New("operation timeout")
	ErrContextCanceled  = errors.New("context canceled")
	ErrConnectionFailed = errors.New("connection failed")
	ErrRequestFailed    = errors.New("request failed")
)

// OrchestrationError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type OrchestrationError struct {
	Op      string // Operation that failed (e.g., "checkpoint.Put")
	Kind    string // Error kind (e.g., "tool", "provider", "checkpoint")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *OrchestrationError) Error() string {
	if e.Op != "" && e.Err != nil {
		switch {
		case e.ID != "" && e.Message != "":
			return fmt.Sprintf("%s [%s]: %s: %v", e.Op, e.ID, e.Message, e.Err)
		case e.ID != "":
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		case e.Message != "":
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *OrchestrationError) Unwrap() error {
	return e.Err
}

// NewOrchestrationError creates a new OrchestrationError
func NewOrchestrationError(op, kind string, err error) *OrchestrationError {
	return &OrchestrationError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsRetryable checks if an error is retryable.
// Retryable errors are typically transient network or availability issues.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrRequestFailed)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrToolNotFound) ||
		errors.Is(err, ErrThreadNotFound) ||
		errors.Is(err, ErrCheckpointNotFound) ||
		errors.Is(err, ErrTierNotFound) ||
		errors.Is(err, ErrTraceNotFound)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// IsTerminal reports whether an error ends the turn rather than feeding
// the engine's normal retry loop. Iteration and deadline exhaustion are
// surfaced to the caller; everything else is recovered locally.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrMaxIterations) ||
		errors.Is(err, ErrDeadlineExceeded)
}
