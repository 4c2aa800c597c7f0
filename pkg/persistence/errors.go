package persistence

import (
	"errors"
	"fmt"
)

var (
	// ErrWorkflowNotFound indicates a workflow was not found by the given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrRunNotFound indicates no snapshot exists for the given run.
	ErrRunNotFound = errors.New("run not found")

	// ErrInvalidID indicates an identifier unsafe to use as a storage key.
	ErrInvalidID = errors.New("invalid identifier")
)

// RecordError wraps a storage failure with the operation and record it concerned.
type RecordError struct {
	Op   string // Operation being performed (e.g., "SaveRun", "WorkflowByID")
	Kind string // "workflow" or "run"
	ID   string
	Err  error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Kind, e.ID, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

func NewWorkflowError(op, workflowID string, err error) *RecordError {
	return &RecordError{Op: op, Kind: "workflow", ID: workflowID, Err: err}
}

func NewRunError(op, runID string, err error) *RecordError {
	return &RecordError{Op: op, Kind: "run", ID: runID, Err: err}
}

// IsWorkflowNotFound checks if an error indicates a workflow was not found.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsRunNotFound checks if an error indicates a run snapshot was not found.
func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}
