// Package models defines the core domain models for agent-driven media generation runs.
package models

import (
	"slices"
	"sort"
	"time"
)

// WorkflowMode controls how much of a workflow is allowed to run without a human.
type WorkflowMode string

const (
	WorkflowModeAuto     WorkflowMode = "auto"     // HITL policy decides
	WorkflowModeAssisted WorkflowMode = "assisted" // Every proposal is reviewed
	WorkflowModeManual   WorkflowMode = "manual"   // Plan is authored by a human
)

// MediaType is the kind of asset a workflow produces.
type MediaType string

const (
	MediaTypeImage MediaType = "image"
	MediaTypeVideo MediaType = "video"
)

// Workflow is a goal plus the ordered plan used to reach it.
type Workflow struct {
	ID        string       `json:"workflow_id"`
	Goal      string       `json:"goal"       validate:"required,min=3"`
	Mode      WorkflowMode `json:"mode"       validate:"required,oneof=auto assisted manual"`
	MediaType MediaType    `json:"media_type" validate:"required,oneof=image video"`
	Plan      []*PlanStep  `json:"plan"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// PlanStep is a single tool invocation within a workflow plan.
type PlanStep struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"                   validate:"required"`
	Tool         string         `json:"tool"                    validate:"required"`
	Params       map[string]any `json:"params"`
	LockedFields []string       `json:"locked_fields,omitempty"`
	Order        int            `json:"order"`
}

// IsLocked reports whether the given parameter may not be edited.
func (s *PlanStep) IsLocked(field string) bool {
	return slices.Contains(s.LockedFields, field)
}

// StepByID returns the plan step with the given ID.
func (w *Workflow) StepByID(stepID string) (*PlanStep, bool) {
	for _, step := range w.Plan {
		if step.ID == stepID {
			return step, true
		}
	}

	return nil, false
}

// SortPlan orders the plan by each step's Order field.
func (w *Workflow) SortPlan() {
	sort.SliceStable(w.Plan, func(i, j int) bool {
		return w.Plan[i].Order < w.Plan[j].Order
	})
}

// Clone returns a deep copy of the workflow so callers can't mutate stored state.
func (w *Workflow) Clone() *Workflow {
	cp := *w
	cp.Plan = make([]*PlanStep, len(w.Plan))

	for i, step := range w.Plan {
		s := *step
		s.Params = cloneMap(step.Params)
		s.LockedFields = slices.Clone(step.LockedFields)
		cp.Plan[i] = &s
	}

	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}
