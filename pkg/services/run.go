package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/agentrun/pkg/coordinator"
	"github.com/dukex/agentrun/pkg/events"
	"github.com/dukex/agentrun/pkg/guardrails"
	"github.com/dukex/agentrun/pkg/models"
	"github.com/dukex/agentrun/pkg/statemachine"
	"github.com/dukex/agentrun/pkg/stream"
	"github.com/google/uuid"
)

// maxAdvanceSteps bounds one Advance call; the forward route is shorter.
const maxAdvanceSteps = 16

// RunView is a run together with its state-machine context.
type RunView struct {
	Run     models.Run        `json:"run"`
	Context models.RunContext `json:"context"`
	Stream  *stream.Token     `json:"stream,omitempty"`
}

// InputRequest describes an uploaded source asset for the input checkpoint.
type InputRequest struct {
	Format            string  `json:"format"             validate:"required"`
	SizeMB            float64 `json:"size_mb"            validate:"gte=0"`
	ModerationFlagged bool    `json:"moderation_flagged"`
}

// OutputRequest is a produced asset submitted to the output checkpoint.
type OutputRequest struct {
	guardrails.Asset

	StepID string `json:"step_id,omitempty"`
	Kind   string `json:"kind,omitempty"`
	URL    string `json:"url,omitempty"`
}

// OutputResult reports the checkpoint outcome for one submitted asset.
type OutputResult struct {
	ArtifactID  string            `json:"artifact_id"`
	Quarantined bool              `json:"quarantined"`
	Result      guardrails.Result `json:"result"`
}

// StartRun creates a run of the workflow at CREATED and, when tokens are
// configured, issues the first push-channel token for it.
func (o *Orchestrator) StartRun(ctx context.Context, workflowID string) (RunView, error) {
	workflow, err := o.store.Workflow(workflowID)
	if err != nil {
		return RunView{}, err
	}

	run := models.Run{ID: uuid.New().String(), WorkflowID: workflow.ID}
	rc := models.RunContext{
		ID:         run.ID,
		AgentID:    o.agentID,
		WorkflowID: workflow.ID,
		MediaType:  workflow.MediaType,
		Mode:       workflow.Mode,
		State:      models.AgentStateCreated,
	}

	if err := o.store.CreateRun(ctx, run, rc); err != nil {
		return RunView{}, fmt.Errorf("failed to create run: %w", err)
	}

	view, err := o.Run(run.ID)
	if err != nil {
		return RunView{}, err
	}

	o.publish(ctx, view.Context, events.RunCreated{
		BaseEvent: o.base(events.RunCreatedEvent, view.Context),
		Status:    view.Run.Status,
		State:     view.Context.State,
	})

	if o.tokens != nil {
		token, err := o.IssueStreamToken(ctx, run.ID)
		if err != nil {
			return RunView{}, err
		}

		view.Run.StreamToken = token.Value
		view.Stream = &token
	}

	o.logger.InfoContext(ctx, "Run started", "run_id", run.ID, "workflow_id", workflow.ID)

	return view, nil
}

func (o *Orchestrator) Run(runID string) (RunView, error) {
	run, rc, err := o.store.Run(runID)
	if err != nil {
		return RunView{}, err
	}

	return RunView{Run: run, Context: rc}, nil
}

func (o *Orchestrator) RunsByWorkflow(workflowID string) ([]models.Run, error) {
	if _, err := o.store.Workflow(workflowID); err != nil {
		return nil, err
	}

	return o.store.RunsByWorkflow(workflowID), nil
}

func (o *Orchestrator) Logs(runID string) ([]models.LogEntry, error) {
	return o.store.Logs(runID)
}

func (o *Orchestrator) Artifacts(runID string) ([]models.Artifact, error) {
	return o.store.Artifacts(runID)
}

func (o *Orchestrator) QuarantinedArtifacts(runID string) ([]models.Artifact, error) {
	return o.store.QuarantinedArtifacts(runID)
}

// Advance drives the run forward until it settles: a human gate parks it, a
// condition holds it (EXECUTING waits for its push events) or it ends.
func (o *Orchestrator) Advance(ctx context.Context, runID string) (models.RunContext, error) {
	var rc models.RunContext

	for range maxAdvanceSteps {
		var before models.RunContext

		after, err := o.store.Update(ctx, runID, func(current models.RunContext) (models.RunContext, error) {
			before = current
			if current.State.IsTerminal() {
				return current, nil
			}

			return o.machine.Advance(ctx, current)
		})
		if before.ID == "" {
			return after, err
		}

		o.observe(ctx, before, after)
		rc = after

		if err != nil {
			return rc, advanceError(err)
		}

		if after.State == before.State {
			return rc, nil
		}
	}

	return rc, nil
}

func advanceError(err error) error {
	if _, ok := guardrails.AsLimitError(err); ok {
		return err
	}

	if errors.Is(err, coordinator.ErrCancelled) {
		return &ServiceError{
			Op:      "advance",
			Code:    statemachine.CodeCancelled,
			Message: "capability call cancelled",
			Err:     fmt.Errorf("%w: %w", ErrCallCancelled, err),
		}
	}

	return &ServiceError{
		Op:      "advance",
		Code:    statemachine.CodeCapabilityFailed,
		Message: err.Error(),
		Err:     fmt.Errorf("%w: %w", ErrCapabilityFailed, err),
	}
}

// Approve records a human approval on a parked proposal and advances the run.
func (o *Orchestrator) Approve(ctx context.Context, runID string) (models.RunContext, error) {
	if _, err := o.transition(ctx, runID, o.machine.Approve); err != nil {
		return models.RunContext{}, err
	}

	o.logger.InfoContext(ctx, "Proposal approved", "run_id", runID)

	return o.Advance(ctx, runID)
}

// Reject ends a proposed run at REJECTED.
func (o *Orchestrator) Reject(ctx context.Context, runID, reason string) (models.RunContext, error) {
	rc, err := o.transition(ctx, runID, func(rc models.RunContext) (models.RunContext, error) {
		return o.machine.Reject(rc, reason)
	})
	if err != nil {
		return rc, err
	}

	o.logger.InfoContext(ctx, "Proposal rejected", "run_id", runID, "reason", reason)

	return rc, nil
}

// Cancel stops the run, closes its push channel and aborts its in-flight
// capability calls.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) (models.RunContext, error) {
	// An advance holds the run until its capability call returns.
	if o.coord != nil {
		if n := o.coord.CancelByParam("run_id", runID); n > 0 {
			o.logger.InfoContext(ctx, "Cancelled in-flight calls", "run_id", runID, "calls", n)
		}
	}

	rc, err := o.transition(ctx, runID, o.machine.Stop)
	if err != nil {
		return rc, err
	}

	if o.upstream != nil {
		o.upstream.Disconnect(runID)
	}

	o.logger.InfoContext(ctx, "Run cancelled", "run_id", runID)

	return rc, nil
}

// transition applies fn to the run and publishes the resulting change. A
// refused transition leaves the run untouched.
func (o *Orchestrator) transition(ctx context.Context, runID string, fn func(models.RunContext) (models.RunContext, error)) (models.RunContext, error) {
	var before models.RunContext

	after, err := o.store.Update(ctx, runID, func(current models.RunContext) (models.RunContext, error) {
		before = current

		next, err := fn(current)
		if err != nil {
			return current, err
		}

		return next, nil
	})
	if err != nil {
		if errors.Is(err, statemachine.ErrTerminalState) {
			return after, fmt.Errorf("%w: %w", ErrRunTerminal, err)
		}

		return after, err
	}

	o.observe(ctx, before, after)

	return after, nil
}

// SubmitInput runs the input checkpoint for a run waiting at CREATED. A
// passing input is accepted and the run advances; a blocked one is recorded
// on the run and reported with ErrInputBlocked.
func (o *Orchestrator) SubmitInput(ctx context.Context, runID string, input InputRequest) (guardrails.Result, models.RunContext, error) {
	if err := o.validate.Struct(input); err != nil {
		return guardrails.Result{}, models.RunContext{}, NewValidationError("submit_input", "INVALID_REQUEST", err.Error(), ErrInvalidRequest)
	}

	result := o.engine.ValidateInput(input.Format, input.SizeMB, input.ModerationFlagged)

	rc, err := o.store.Update(ctx, runID, func(rc models.RunContext) (models.RunContext, error) {
		if rc.State != models.AgentStateCreated {
			return rc, fmt.Errorf("%w: input is only accepted at %s, run is %s",
				statemachine.ErrInvalidTransition, models.AgentStateCreated, rc.State)
		}

		rc.InputAccepted = result.Valid
		rc.Violations = violations(result.Errors)

		return rc, nil
	})
	if err != nil {
		return result, rc, err
	}

	if !result.Valid {
		o.logger.WarnContext(ctx, "Input blocked", "run_id", runID, "errors", len(result.Errors))

		return result, rc, &ServiceError{Op: "submit_input", Code: string(result.State), Err: ErrInputBlocked}
	}

	rc, err = o.Advance(ctx, runID)

	return result, rc, err
}

// SubmitOutput runs the output checkpoint on each asset and merges the
// results into the run's artifacts. Moderation-flagged assets are kept in
// quarantine rather than dropped.
func (o *Orchestrator) SubmitOutput(ctx context.Context, runID string, outputs []OutputRequest) ([]OutputResult, error) {
	if _, _, err := o.store.Run(runID); err != nil {
		return nil, err
	}

	results := make([]OutputResult, 0, len(outputs))
	artifacts := make([]models.Artifact, 0, len(outputs))

	for _, output := range outputs {
		if output.ID == "" {
			output.ID = uuid.New().String()
		}

		result := o.engine.ValidateOutput(output.Asset)
		quarantined := result.State == guardrails.StateQuarantined

		artifacts = append(artifacts, models.Artifact{
			ID:          output.ID,
			RunID:       runID,
			StepID:      output.StepID,
			Kind:        output.Kind,
			URL:         output.URL,
			Format:      output.Format,
			HasAlpha:    output.HasAlpha,
			Quarantined: quarantined,
			Metadata:    checkpointMetadata(result),
		})
		results = append(results, OutputResult{ArtifactID: output.ID, Quarantined: quarantined, Result: result})
	}

	if err := o.mergeArtifacts(ctx, runID, artifacts); err != nil {
		return nil, err
	}

	return results, nil
}

// ReleaseArtifact clears an artifact's quarantine after review.
func (o *Orchestrator) ReleaseArtifact(ctx context.Context, runID, artifactID string) (models.Artifact, error) {
	artifact, err := o.store.ReleaseArtifact(ctx, runID, artifactID)
	if err != nil {
		return artifact, err
	}

	_, rc, err := o.store.Run(runID)
	if err != nil {
		return artifact, err
	}

	o.publish(ctx, rc, events.RunArtifactsMerged{
		BaseEvent: o.base(events.RunArtifactsMergedEvent, rc),
		Artifacts: []models.Artifact{artifact},
	})

	return artifact, nil
}

func (o *Orchestrator) mergeArtifacts(ctx context.Context, runID string, artifacts []models.Artifact) error {
	if len(artifacts) == 0 {
		return nil
	}

	added, err := o.store.MergeArtifacts(ctx, runID, artifacts...)
	if err != nil {
		return err
	}

	_, rc, err := o.store.Run(runID)
	if err != nil {
		return err
	}

	visible := make([]models.Artifact, 0, len(artifacts))

	for _, artifact := range artifacts {
		if artifact.Quarantined {
			o.logger.WarnContext(ctx, "Artifact quarantined", "run_id", runID, "artifact_id", artifact.ID)

			continue
		}

		visible = append(visible, artifact)
	}

	o.logger.DebugContext(ctx, "Artifacts merged", "run_id", runID, "added", added, "received", len(artifacts))

	if len(visible) > 0 {
		o.publish(ctx, rc, events.RunArtifactsMerged{
			BaseEvent: o.base(events.RunArtifactsMergedEvent, rc),
			Artifacts: visible,
		})
	}

	return nil
}

func checkpointMetadata(result guardrails.Result) map[string]any {
	metadata := map[string]any{"guardrail_state": string(result.State)}

	if len(result.Errors) > 0 {
		codes := make([]string, 0, len(result.Errors))
		for _, v := range result.Errors {
			codes = append(codes, string(v.Code))
		}

		metadata["guardrail_errors"] = codes
	}

	return metadata
}

func violations(found []guardrails.Violation) []models.RunError {
	if len(found) == 0 {
		return nil
	}

	out := make([]models.RunError, 0, len(found))
	for _, v := range found {
		out = append(out, models.RunError{Code: string(v.Code), Message: v.Message})
	}

	return out
}
