package services

import (
	"context"

	"github.com/dukex/agentrun/pkg/eventbus"
	"github.com/dukex/agentrun/pkg/events"
	"github.com/dukex/agentrun/pkg/models"
	"github.com/dukex/agentrun/pkg/stream"
)

func (o *Orchestrator) base(eventType events.EventType, rc models.RunContext) events.BaseEvent {
	return events.NewBaseEvent(eventType, rc.WorkflowID, rc.ID)
}

// publish is best effort: the run store is the authority, events only notify.
func (o *Orchestrator) publish(ctx context.Context, rc models.RunContext, event eventbus.Event) {
	if err := o.bus.Publish(ctx, rc.ID, event); err != nil {
		o.logger.ErrorContext(ctx, "Failed to publish run event",
			"run_id", rc.ID, "event_type", event.GetType(), "error", err)
	}
}

// observe publishes what changed between two committed contexts of a run and
// starts or stops the run's side effects.
func (o *Orchestrator) observe(ctx context.Context, before, after models.RunContext) {
	if after.Proposal != nil && (before.Proposal == nil || before.Proposal.Version != after.Proposal.Version) {
		o.publish(ctx, after, events.RunProposed{
			BaseEvent: o.base(events.RunProposedEvent, after),
			Proposal:  *after.Proposal,
		})
	}

	if before.State == after.State && before.Blocked == after.Blocked {
		return
	}

	if after.State.IsTerminal() && !before.State.IsTerminal() {
		o.publishTerminal(ctx, after)
		o.release(ctx, after.ID)
	}

	o.publish(ctx, after, events.RunStateChanged{
		BaseEvent: o.base(events.RunStateChangedEvent, after),
		From:      before.State,
		To:        after.State,
		Blocked:   after.Blocked,
		Status:    models.StatusFor(after),
	})

	if after.State == models.AgentStateExecuting && before.State != models.AgentStateExecuting {
		o.watch(ctx, after.ID)
	}
}

func (o *Orchestrator) publishTerminal(ctx context.Context, rc models.RunContext) {
	switch rc.State {
	case models.AgentStateCompleted:
		o.publish(ctx, rc, events.RunFinished{
			BaseEvent: o.base(events.RunFinishedEvent, rc),
			Status:    models.RunStatusCompleted,
		})
	case models.AgentStateStopped:
		o.publish(ctx, rc, events.RunFinished{
			BaseEvent: o.base(events.RunFinishedEvent, rc),
			Status:    models.RunStatusCancelled,
		})
	case models.AgentStateFailed, models.AgentStateRejected:
		runErr := models.RunError{Code: string(rc.State), Message: "run " + string(models.StatusFor(rc))}
		if rc.Error != nil {
			runErr = *rc.Error
		}

		o.publish(ctx, rc, events.RunFailed{
			BaseEvent: o.base(events.RunFailedEvent, rc),
			Error:     runErr,
		})
	}
}

// release aborts whatever still works for a finished run. The upstream
// subscription may be the caller, so it is closed without waiting.
func (o *Orchestrator) release(ctx context.Context, runID string) {
	if o.coord != nil {
		if n := o.coord.CancelByParam("run_id", runID); n > 0 {
			o.logger.InfoContext(ctx, "Cancelled in-flight calls", "run_id", runID, "calls", n)
		}
	}

	if o.upstream != nil {
		go o.upstream.Disconnect(runID)
	}
}

func (o *Orchestrator) watch(ctx context.Context, runID string) {
	if o.upstream == nil {
		return
	}

	handler := func(u stream.Update) {
		if err := o.ApplyUpdate(context.WithoutCancel(ctx), u); err != nil {
			o.logger.WarnContext(ctx, "Failed to apply upstream update", "run_id", runID, "error", err)
		}
	}

	if _, err := o.upstream.Subscribe(context.WithoutCancel(ctx), runID, handler); err != nil {
		o.logger.ErrorContext(ctx, "Failed to subscribe to upstream stream", "run_id", runID, "error", err)
	}
}
