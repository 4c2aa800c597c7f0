// Package services orchestrates workflows and runs on top of the state
// machine, the guardrails and the run store.
package services

import (
	"errors"
	"fmt"

	"github.com/dukex/agentrun/pkg/guardrails"
	"github.com/dukex/agentrun/pkg/statemachine"
	"github.com/dukex/agentrun/pkg/store"
	"github.com/dukex/agentrun/pkg/stream"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest = errors.New("invalid request")
	ErrEmptyPlan      = errors.New("workflow plan must have at least one step")
	ErrDuplicateStep  = errors.New("plan step ids must be unique")

	// Guardrail refusals (422 Unprocessable Entity).
	ErrInputBlocked  = errors.New("input blocked by guardrails")
	ErrOutputInvalid = errors.New("output failed guardrails")

	// Business Logic Conflicts (409 Conflict).
	ErrRunTerminal     = errors.New("run already finished")
	ErrRunNotExecuting = errors.New("run is not executing")
	ErrCallCancelled   = errors.New("capability call cancelled")

	// Capability failures (502 Bad Gateway).
	ErrCapabilityFailed = errors.New("capability failed")

	// Missing collaborator (503 Service Unavailable).
	ErrStreamUnavailable = errors.New("stream tokens are not configured")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrEmptyPlan) ||
		errors.Is(err, ErrDuplicateStep) ||
		errors.Is(err, store.ErrInvalidOrder) ||
		errors.Is(err, guardrails.ErrInvalidStepParams)
}

// IsGuardrailError checks if a guardrail refused the request, HTTP 422.
func IsGuardrailError(err error) bool {
	_, limit := guardrails.AsLimitError(err)

	return limit || errors.Is(err, ErrInputBlocked) || errors.Is(err, ErrOutputInvalid)
}

// IsCapabilityError checks if a worker capability failed during an advance.
func IsCapabilityError(err error) bool {
	return errors.Is(err, ErrCapabilityFailed)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrRunTerminal) ||
		errors.Is(err, ErrRunNotExecuting) ||
		errors.Is(err, ErrCallCancelled) ||
		errors.Is(err, statemachine.ErrInvalidTransition) ||
		errors.Is(err, statemachine.ErrTerminalState) ||
		errors.Is(err, store.ErrStepLocked) ||
		errors.Is(err, store.ErrWorkflowExists) ||
		errors.Is(err, store.ErrRunExists) ||
		errors.Is(err, stream.ErrAlreadySubscribed)
}

// IsNotFoundError checks if the addressed record does not exist, HTTP 404.
func IsNotFoundError(err error) bool {
	return store.IsNotFound(err)
}

// IsUnauthorizedError checks if a stream token was refused, HTTP 401.
func IsUnauthorizedError(err error) bool {
	return errors.Is(err, stream.ErrTokenNotFound) ||
		errors.Is(err, stream.ErrTokenUsed) ||
		errors.Is(err, stream.ErrTokenExpired) ||
		errors.Is(err, stream.ErrTokenMismatch)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
