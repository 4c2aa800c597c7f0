// Package web provides HTTP request and response types for the run API.
package web

import (
	"github.com/dukex/agentrun/pkg/guardrails"
	"github.com/dukex/agentrun/pkg/models"
	"github.com/dukex/agentrun/pkg/services"
)

// CreateWorkflowRequest represents the request body for creating a new workflow.
type CreateWorkflowRequest struct {
	Goal      string            `json:"goal"       validate:"required,min=3"`
	Mode      string            `json:"mode"       validate:"required,oneof=auto assisted manual"`
	MediaType string            `json:"media_type" validate:"required,oneof=image video"`
	Plan      []PlanStepRequest `json:"plan"       validate:"required,min=1,dive"`
}

// PlanStepRequest is one step of a submitted plan. The ID is generated when omitted.
type PlanStepRequest struct {
	ID           string         `json:"id,omitempty"`
	Title        string         `json:"title"                   validate:"required"`
	Tool         string         `json:"tool"                    validate:"required"`
	Params       map[string]any `json:"params"`
	LockedFields []string       `json:"locked_fields,omitempty"`
}

// PatchStepRequest merges params into a plan step. A null value removes the key.
type PatchStepRequest struct {
	Params map[string]any `json:"params" validate:"required"`
}

// ReorderStepsRequest lists every step ID of the plan in the new order.
type ReorderStepsRequest struct {
	StepIDs []string `json:"step_ids" validate:"required,min=1,dive,required"`
}

// RejectRunRequest carries the reviewer's reason for rejecting a proposal.
type RejectRunRequest struct {
	Reason string `json:"reason" validate:"max=1024"`
}

// SubmitOutputsRequest presents produced assets to the output checkpoint.
type SubmitOutputsRequest struct {
	Outputs []services.OutputRequest `json:"outputs" validate:"required,min=1"`
}

// StreamTokenRequest asks for a push-channel token bound to a run.
type StreamTokenRequest struct {
	RequestID string `json:"request_id" validate:"required"`
}

// InputResponse is the outcome of the input checkpoint.
type InputResponse struct {
	Result  guardrails.Result `json:"result"`
	Context models.RunContext `json:"context"`
}

// ToWorkflow converts the request into a workflow model.
func (r CreateWorkflowRequest) ToWorkflow() *models.Workflow {
	workflow := &models.Workflow{
		Goal:      r.Goal,
		Mode:      models.WorkflowMode(r.Mode),
		MediaType: models.MediaType(r.MediaType),
		Plan:      make([]*models.PlanStep, 0, len(r.Plan)),
	}

	for _, step := range r.Plan {
		workflow.Plan = append(workflow.Plan, &models.PlanStep{
			ID:           step.ID,
			Title:        step.Title,
			Tool:         step.Tool,
			Params:       step.Params,
			LockedFields: step.LockedFields,
		})
	}

	return workflow
}
