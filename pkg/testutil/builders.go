// Package testutil provides test data builders for workflows and runs.
package testutil

import (
	"time"

	"github.com/dukex/agentrun/pkg/models"
	"github.com/dukex/agentrun/pkg/persistence"
	"github.com/google/uuid"
)

// CreateTestStep creates a recolor PlanStep with default values that can be overridden.
func CreateTestStep(overrides ...func(*models.PlanStep)) *models.PlanStep {
	step := &models.PlanStep{
		ID:     uuid.NewString(),
		Title:  "Recolor",
		Tool:   "recolor",
		Params: map[string]any{"color": "#ff0000"},
	}

	for _, override := range overrides {
		override(step)
	}

	return step
}

// WithStepID sets the step ID.
func WithStepID(id string) func(*models.PlanStep) {
	return func(s *models.PlanStep) {
		s.ID = id
	}
}

// WithTool sets the step tool and title.
func WithTool(tool, title string) func(*models.PlanStep) {
	return func(s *models.PlanStep) {
		s.Tool = tool
		s.Title = title
	}
}

// WithParams replaces the step params.
func WithParams(params map[string]any) func(*models.PlanStep) {
	return func(s *models.PlanStep) {
		s.Params = params
	}
}

// WithLockedFields marks params as not editable.
func WithLockedFields(fields ...string) func(*models.PlanStep) {
	return func(s *models.PlanStep) {
		s.LockedFields = fields
	}
}

// CreateTestWorkflow creates an assisted image workflow with one recolor step.
func CreateTestWorkflow(overrides ...func(*models.Workflow)) *models.Workflow {
	now := time.Now().UTC().Truncate(time.Microsecond)
	workflow := &models.Workflow{
		ID:        uuid.NewString(),
		Goal:      "recolor the product shot",
		Mode:      models.WorkflowModeAssisted,
		MediaType: models.MediaTypeImage,
		Plan:      []*models.PlanStep{CreateTestStep()},
		CreatedAt: now,
		UpdatedAt: now,
	}

	for _, override := range overrides {
		override(workflow)
	}

	return workflow
}

// WithWorkflowID sets the workflow ID.
func WithWorkflowID(id string) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.ID = id
	}
}

// WithMode sets the review mode.
func WithMode(mode models.WorkflowMode) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Mode = mode
	}
}

// WithPlan replaces the plan.
func WithPlan(steps ...*models.PlanStep) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Plan = steps
	}
}

// WithCreatedAt sets both timestamps.
func WithCreatedAt(at time.Time) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.CreatedAt = at
		w.UpdatedAt = at
	}
}

// CreateTestSnapshot creates a queued run snapshot for workflowID.
func CreateTestSnapshot(runID, workflowID string) persistence.RunSnapshot {
	now := time.Now().UTC().Truncate(time.Microsecond)

	return persistence.RunSnapshot{
		Run: models.Run{
			ID:         runID,
			WorkflowID: workflowID,
			Status:     models.RunStatusQueued,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		Context: models.RunContext{ID: runID, WorkflowID: workflowID, State: models.AgentStateCreated},
	}
}
