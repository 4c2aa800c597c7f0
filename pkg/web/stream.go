package web

import (
	"bufio"
	"time"

	"github.com/dukex/agentrun/pkg/models"
	"github.com/dukex/agentrun/pkg/services"
	"github.com/dukex/agentrun/pkg/stream"
	"github.com/gofiber/fiber/v3"
)

// Stream serves the run's push channel as server-sent events. The token in the
// query string is single use and bound to the request ID, which is the run ID.
// The channel opens with the run's current state and closes after a final or
// error event.
func (h *APIHandlers) Stream(c fiber.Ctx) error {
	runID := c.Params("requestId")

	token := c.Query("token")
	if token == "" {
		return unauthorized(c, "stream token is required")
	}

	if err := h.orchestrator.ConsumeStreamToken(c.Context(), token, runID); err != nil {
		return handleServiceError(c, err)
	}

	if _, err := h.orchestrator.Run(runID); err != nil {
		return handleServiceError(c, err)
	}

	// Subscribe before taking the snapshot, so nothing committed after it is missed.
	listener, unsubscribe := h.hub.Subscribe(runID)

	view, err := h.orchestrator.Run(runID)
	if err != nil {
		unsubscribe()

		return handleServiceError(c, err)
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	snapshot := snapshotEvents(view)
	heartbeat := h.heartbeat

	c.RequestCtx().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer unsubscribe()

		for _, ev := range snapshot {
			if writeEvent(w, ev) != nil {
				return
			}
		}

		if view.Context.State.IsTerminal() {
			return
		}

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()

		for {
			select {
			case ev, ok := <-listener:
				if !ok || writeEvent(w, ev) != nil || closes(ev) {
					return
				}
			case <-ticker.C:
				if stream.WriteHeartbeat(w) != nil || w.Flush() != nil {
					return
				}
			}
		}
	})

	return nil
}

func writeEvent(w *bufio.Writer, ev stream.Event) error {
	if err := stream.WriteFrame(w, ev); err != nil {
		return err
	}

	return w.Flush()
}

func closes(ev stream.Event) bool {
	return ev.Type == stream.EventFinal || ev.Type == stream.EventError
}

// snapshotEvents renders the run's current position. A finished run also gets
// its closing event, since the one that was relayed live is gone.
func snapshotEvents(view services.RunView) []stream.Event {
	rc := view.Context
	out := []stream.Event{{
		Type:   stream.EventStateChange,
		RunID:  rc.ID,
		State:  rc.State,
		Status: string(view.Run.Status),
	}}

	if rc.Proposal != nil && rc.State == models.AgentStateProposed {
		proposal := *rc.Proposal
		out = append(out, stream.Event{Type: stream.EventProposal, RunID: rc.ID, Proposal: &proposal})
	}

	switch rc.State {
	case models.AgentStateCompleted, models.AgentStateStopped:
		out = append(out, stream.Event{Type: stream.EventFinal, RunID: rc.ID, Status: string(view.Run.Status)})
	case models.AgentStateFailed, models.AgentStateRejected:
		ev := stream.Event{Type: stream.EventError, RunID: rc.ID, Code: string(rc.State)}
		if rc.Error != nil {
			ev.Code = rc.Error.Code
			ev.Message = rc.Error.Message
		}

		out = append(out, ev)
	}

	return out
}
