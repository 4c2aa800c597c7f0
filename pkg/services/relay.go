package services

import (
	"context"
	"fmt"

	"github.com/dukex/agentrun/pkg/eventbus"
	"github.com/dukex/agentrun/pkg/events"
	"github.com/dukex/agentrun/pkg/stream"
)

// RelayToHub registers bus handlers that forward run events to the push
// channel listeners of this process. Subscribe the bus afterwards.
func RelayToHub(bus eventbus.EventSubscriber, hub *stream.Hub) error {
	for _, eventType := range events.Types() {
		if err := bus.Handle(eventType, func(_ context.Context, event any) error {
			for _, ev := range WireEvents(event) {
				hub.Publish(ev)
			}

			return nil
		}); err != nil {
			return fmt.Errorf("failed to relay %s: %w", eventType, err)
		}
	}

	return nil
}

// WireEvents renders a run event as push-channel events. A state change into
// a terminal state renders as nothing: the final or error event that precedes
// it already closes the channel.
func WireEvents(event any) []stream.Event {
	switch e := event.(type) {
	case *events.RunCreated:
		return []stream.Event{{ID: e.ID, Type: stream.EventStateChange, RunID: e.RunID, State: e.State}}

	case *events.RunStateChanged:
		if e.To.IsTerminal() {
			return nil
		}

		return []stream.Event{{ID: e.ID, Type: stream.EventStateChange, RunID: e.RunID, State: e.To, Status: string(e.Status)}}

	case *events.RunProgressed:
		percent := e.Percent

		return []stream.Event{{ID: e.ID, Type: stream.EventProgress, RunID: e.RunID, Percent: &percent, Step: e.Step}}

	case *events.RunLogged:
		out := make([]stream.Event, 0, len(e.Entries))
		for _, entry := range e.Entries {
			out = append(out, stream.Event{
				ID:      entry.ID,
				Type:    stream.EventLog,
				RunID:   e.RunID,
				Step:    entry.StepID,
				Message: entry.Message,
				Level:   entry.Level,
			})
		}

		return out

	case *events.RunArtifactsMerged:
		return []stream.Event{{
			ID:      e.ID,
			Type:    stream.EventArtifact,
			RunID:   e.RunID,
			Payload: &stream.Payload{Artifacts: e.Artifacts},
		}}

	case *events.RunProposed:
		proposal := e.Proposal

		return []stream.Event{{ID: e.ID, Type: stream.EventProposal, RunID: e.RunID, Proposal: &proposal}}

	case *events.RunFinished:
		return []stream.Event{{ID: e.ID, Type: stream.EventFinal, RunID: e.RunID, Status: string(e.Status)}}

	case *events.RunFailed:
		return []stream.Event{{ID: e.ID, Type: stream.EventError, RunID: e.RunID, Code: e.Error.Code, Message: e.Error.Message}}

	default:
		return nil
	}
}
