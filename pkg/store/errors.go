package store

import (
	"errors"
	"fmt"
)

var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrWorkflowExists   = errors.New("workflow already exists")
	ErrRunNotFound      = errors.New("run not found")
	ErrRunExists        = errors.New("run already exists")
	ErrStepNotFound     = errors.New("plan step not found")
	ErrStepLocked       = errors.New("plan step field is locked")
	ErrInvalidOrder     = errors.New("reorder must list every plan step exactly once")
	ErrArtifactNotFound = errors.New("artifact not found")
)

// StepError carries the step and fields an edit was refused for.
type StepError struct {
	WorkflowID string
	StepID     string
	Fields     []string
	Err        error
}

func (e *StepError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("step %s in workflow %s: %v: %v", e.StepID, e.WorkflowID, e.Err, e.Fields)
	}

	return fmt.Sprintf("step %s in workflow %s: %v", e.StepID, e.WorkflowID, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}

func IsStepLocked(err error) bool {
	return errors.Is(err, ErrStepLocked)
}

// IsNotFound reports any of the not-found errors.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound) || errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrStepNotFound) || errors.Is(err, ErrArtifactNotFound)
}
