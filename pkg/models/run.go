package models

import "time"

// RunStatus is the externally visible status of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether no further status change is expected.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// Run is one execution attempt of a workflow's plan.
type Run struct {
	ID          string    `json:"run_id"`
	WorkflowID  string    `json:"workflow_id"`
	Status      RunStatus `json:"status"`
	StreamToken string    `json:"stream_token,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StatusFor projects an agent state onto the coarser run status.
func StatusFor(rc RunContext) RunStatus {
	switch rc.State {
	case AgentStateExecuting:
		return RunStatusRunning
	case AgentStateCompleted:
		return RunStatusCompleted
	case AgentStateFailed, AgentStateRejected:
		return RunStatusFailed
	case AgentStateStopped:
		return RunStatusCancelled
	case AgentStateProposed:
		if rc.Blocked {
			return RunStatusPaused
		}

		return RunStatusQueued
	default:
		return RunStatusQueued
	}
}
