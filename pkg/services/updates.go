package services

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/dukex/agentrun/pkg/events"
	"github.com/dukex/agentrun/pkg/guardrails"
	"github.com/dukex/agentrun/pkg/models"
	"github.com/dukex/agentrun/pkg/statemachine"
	"github.com/dukex/agentrun/pkg/stream"
	"github.com/google/uuid"
)

// CodeRunFailed is recorded when the executor reports a failed final status.
const CodeRunFailed = "RUN_FAILED"

// ApplyUpdate folds one push-channel update into the run. Logs and artifacts
// are merged whatever the run's state; state-bearing updates for a run that
// already ended are ignored, so a repeated terminal event is harmless.
func (o *Orchestrator) ApplyUpdate(ctx context.Context, update stream.Update) error {
	runID := update.Run()

	_, rc, err := o.store.Run(runID)
	if err != nil {
		return err
	}

	switch u := update.(type) {
	case stream.ProgressUpdate:
		o.publish(ctx, rc, events.RunProgressed{
			BaseEvent: o.base(events.RunProgressedEvent, rc),
			Percent:   u.Percent,
			Step:      u.Step,
		})

		return nil

	case stream.LogUpdate:
		return o.appendLog(ctx, rc, u.Entry)

	case stream.ArtifactUpdate:
		return o.acceptArtifacts(ctx, runID, u.Artifacts)

	case stream.StatusUpdate:
		return o.finish(ctx, runID, u.Status, nil)

	case stream.ErrorUpdate:
		// An exhausted upstream stream ends the run.
		if u.Error.Code == stream.CodeStreamFailed {
			if err := o.appendLog(ctx, rc, models.LogEntry{Level: models.LogLevelError, Message: u.Error.Message}); err != nil {
				return err
			}
		}

		return o.finish(ctx, runID, models.RunStatusFailed, &u.Error)

	case stream.StateUpdate:
		switch u.State {
		case models.AgentStateCompleted:
			return o.finish(ctx, runID, models.RunStatusCompleted, nil)
		case models.AgentStateFailed:
			return o.finish(ctx, runID, models.RunStatusFailed, nil)
		case models.AgentStateStopped:
			return o.finish(ctx, runID, models.RunStatusCancelled, nil)
		default:
			o.logger.DebugContext(ctx, "Ignoring reported state", "run_id", runID, "state", u.State, "current", rc.State)

			return nil
		}

	case stream.ProposalUpdate:
		return o.repropose(ctx, runID, u.Proposal)

	default:
		return fmt.Errorf("%w: unsupported update %T", ErrInvalidRequest, update)
	}
}

func (o *Orchestrator) appendLog(ctx context.Context, rc models.RunContext, entry models.LogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	if entry.Level == "" {
		entry.Level = models.LogLevelInfo
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	entry.RunID = rc.ID

	if err := o.store.AppendLog(ctx, rc.ID, entry); err != nil {
		return err
	}

	o.publish(ctx, rc, events.RunLogged{
		BaseEvent: o.base(events.RunLoggedEvent, rc),
		Entries:   []models.LogEntry{entry},
	})

	return nil
}

// acceptArtifacts runs pushed artifacts through the output checkpoint. A
// moderation verdict travels in the artifact metadata.
func (o *Orchestrator) acceptArtifacts(ctx context.Context, runID string, artifacts []models.Artifact) error {
	checked := make([]models.Artifact, 0, len(artifacts))

	for _, artifact := range artifacts {
		flagged, _ := artifact.Metadata["moderation_flagged"].(bool)

		result := o.engine.ValidateOutput(guardrails.Asset{
			ID:                artifact.ID,
			Format:            artifact.Format,
			HasAlpha:          artifact.HasAlpha,
			ModerationFlagged: flagged,
		})

		metadata := maps.Clone(artifact.Metadata)
		if metadata == nil {
			metadata = map[string]any{}
		}

		maps.Copy(metadata, checkpointMetadata(result))

		artifact.Metadata = metadata
		artifact.Quarantined = result.State == guardrails.StateQuarantined
		checked = append(checked, artifact)
	}

	return o.mergeArtifacts(ctx, runID, checked)
}

// finish applies a terminal outcome reported by the executor.
func (o *Orchestrator) finish(ctx context.Context, runID string, status models.RunStatus, runErr *models.RunError) error {
	var before models.RunContext

	after, err := o.store.Update(ctx, runID, func(rc models.RunContext) (models.RunContext, error) {
		before = rc
		if rc.State.IsTerminal() {
			return rc, nil
		}

		switch status {
		case models.RunStatusCompleted:
			if rc.State != models.AgentStateExecuting {
				return rc, fmt.Errorf("%w: %s", ErrRunNotExecuting, rc.State)
			}

			rc.Outcome = models.OutcomeSucceeded

			return o.machine.Advance(ctx, rc)

		case models.RunStatusCancelled:
			return o.machine.Stop(rc)

		default:
			rc.Outcome = models.OutcomeFailed
			if runErr == nil {
				runErr = &models.RunError{Code: CodeRunFailed, Message: "executor reported failure"}
			}

			return o.machine.Fail(rc, runErr.Code, runErr.Message)
		}
	})
	if before.ID == "" {
		return err
	}

	o.observe(ctx, before, after)

	return err
}

// repropose replaces the proposal of a run waiting at PROPOSED and sends it
// through the gate again. The new proposal always gets a higher version.
func (o *Orchestrator) repropose(ctx context.Context, runID string, proposal models.Proposal) error {
	var before models.RunContext

	after, err := o.store.Update(ctx, runID, func(rc models.RunContext) (models.RunContext, error) {
		before = rc
		if rc.State != models.AgentStateProposed {
			return rc, fmt.Errorf("%w: proposals are only replaced at %s, run is %s",
				statemachine.ErrInvalidTransition, models.AgentStateProposed, rc.State)
		}

		if rc.Proposal != nil && proposal.Version <= rc.Proposal.Version {
			proposal.Version = rc.Proposal.Version + 1
		}

		rc.Proposal = &proposal
		rc.EstimatedCostUSD = proposal.EstimatedCostUSD
		rc.Determinism = proposal.Determinism
		rc.HumanApproved = false
		rc.AutoApproved = false
		rc.Blocked = false

		return rc, nil
	})
	if err != nil {
		return err
	}

	o.observe(ctx, before, after)

	_, err = o.Advance(ctx, runID)

	return err
}
