package models

import "time"

// AgentState is a node of the run state machine.
type AgentState string

const (
	AgentStateCreated    AgentState = "CREATED"
	AgentStateRegistered AgentState = "REGISTERED"
	AgentStateAnalyzed   AgentState = "ANALYZED"
	AgentStateProposed   AgentState = "PROPOSED"
	AgentStateApproved   AgentState = "APPROVED"
	AgentStateRejected   AgentState = "REJECTED"
	AgentStateExecuting  AgentState = "EXECUTING"
	AgentStateCompleted  AgentState = "COMPLETED"
	AgentStateFailed     AgentState = "FAILED"
	AgentStateStopped    AgentState = "STOPPED"
)

// IsTerminal reports whether the state is a sink.
func (s AgentState) IsTerminal() bool {
	switch s {
	case AgentStateCompleted, AgentStateFailed, AgentStateStopped, AgentStateRejected:
		return true
	default:
		return false
	}
}

// Outcome is the result reported by the terminal push event of an executing run.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// DeterminismContext is the reproducibility contract of a run.
type DeterminismContext struct {
	Seed         int64  `json:"seed"`
	PromptHash   string `json:"prompt_hash"`
	ModelVersion string `json:"model_version"`
	Locked       bool   `json:"locked"`
}

// RunError records why a run left the happy path.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RunContext is the state-machine instance for one run. It is the only
// authority for workflow progression.
type RunContext struct {
	ID               string             `json:"id"`
	AgentID          string             `json:"agent_id"`
	WorkflowID       string             `json:"workflow_id"`
	MediaType        MediaType          `json:"media_type"`
	Mode             WorkflowMode       `json:"mode,omitempty"`
	State            AgentState         `json:"state"`
	HumanApproved    bool               `json:"human_approved"`
	AutoApproved     bool               `json:"auto_approved"`
	Blocked          bool               `json:"blocked"`
	InputAccepted    bool               `json:"input_accepted"`
	Determinism      DeterminismContext `json:"determinism"`
	EstimatedCostUSD float64            `json:"estimated_cost_usd"`
	Analysis         map[string]any     `json:"analysis,omitempty"`
	Proposal         *Proposal          `json:"proposal,omitempty"`
	Outcome          Outcome            `json:"outcome,omitempty"`
	Error            *RunError          `json:"error,omitempty"`
	// Violations holds the planning findings that kept a proposal from auto-approval.
	Violations []RunError `json:"violations,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
