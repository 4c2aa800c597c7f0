// Package stream implements the run push channel: the wire events, the
// token-gated subscription protocol and a reconnecting client.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dukex/agentrun/pkg/models"
	"github.com/google/uuid"
)

// EventType is the wire discriminant.
type EventType string

// Run-level events.
const (
	EventProgress EventType = "progress"
	EventLog      EventType = "log"
	EventArtifact EventType = "artifact"
	EventFinal    EventType = "final"
	EventError    EventType = "error"
)

// Workflow-level events.
const (
	EventStateChange      EventType = "STATE_CHANGE"
	EventWorkflowProgress EventType = "PROGRESS"
	EventWorkflowLog      EventType = "LOG"
	EventWorkflowError    EventType = "ERROR"
	EventProposal         EventType = "PROPOSAL"
)

// CodeStreamFailed is reported when a subscription gives up reconnecting.
const CodeStreamFailed = "STREAM_FAILED"

var ErrMalformedEvent = errors.New("malformed event")

// Event is a push-channel message as it travels on the wire.
type Event struct {
	ID       string            `json:"id,omitempty"`
	Type     EventType         `json:"type"`
	RunID    string            `json:"run_id,omitempty"`
	Percent  *float64          `json:"percent,omitempty"`
	Step     string            `json:"step,omitempty"`
	Message  string            `json:"message,omitempty"`
	Level    models.LogLevel   `json:"level,omitempty"`
	Status   string            `json:"status,omitempty"`
	Code     string            `json:"code,omitempty"`
	State    models.AgentState `json:"state,omitempty"`
	Payload  *Payload          `json:"payload,omitempty"`
	Proposal *models.Proposal  `json:"proposal,omitempty"`
}

type Payload struct {
	Artifacts []models.Artifact `json:"artifacts,omitempty"`
}

// Update is the typed form of an inbound event. The set of implementations is closed.
type Update interface {
	Run() string
	isUpdate()
}

type ProgressUpdate struct {
	RunID   string
	Percent float64
	Step    string
}

type LogUpdate struct {
	RunID string
	Entry models.LogEntry
}

type ArtifactUpdate struct {
	RunID     string
	Artifacts []models.Artifact
}

// StatusUpdate is a terminal status from a final event.
type StatusUpdate struct {
	RunID  string
	Status models.RunStatus
}

// ErrorUpdate is a terminal failure.
type ErrorUpdate struct {
	RunID string
	Error models.RunError
}

type StateUpdate struct {
	RunID string
	State models.AgentState
}

type ProposalUpdate struct {
	RunID    string
	Proposal models.Proposal
}

func (u ProgressUpdate) Run() string { return u.RunID }
func (u LogUpdate) Run() string      { return u.RunID }
func (u ArtifactUpdate) Run() string { return u.RunID }
func (u StatusUpdate) Run() string   { return u.RunID }
func (u ErrorUpdate) Run() string    { return u.RunID }
func (u StateUpdate) Run() string    { return u.RunID }
func (u ProposalUpdate) Run() string { return u.RunID }

func (ProgressUpdate) isUpdate() {}
func (LogUpdate) isUpdate()      {}
func (ArtifactUpdate) isUpdate() {}
func (StatusUpdate) isUpdate()   {}
func (ErrorUpdate) isUpdate()    {}
func (StateUpdate) isUpdate()    {}
func (ProposalUpdate) isUpdate() {}

// Terminal reports whether u ends the subscription.
func Terminal(u Update) bool {
	switch u := u.(type) {
	case StatusUpdate, ErrorUpdate:
		return true
	case StateUpdate:
		return u.State.IsTerminal()
	default:
		return false
	}
}

// Decode parses a raw message into an Update. fallbackRunID fills in a
// missing run_id. Any error wraps ErrMalformedEvent.
//
//nolint:ireturn // Update is a closed union
func Decode(data []byte, fallbackRunID string) (Update, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	if ev.RunID == "" {
		ev.RunID = fallbackRunID
	}

	return ev.Update()
}

// Update converts the wire event into its typed form.
//
//nolint:ireturn // Update is a closed union
func (ev Event) Update() (Update, error) {
	switch ev.Type {
	case EventProgress, EventWorkflowProgress:
		if ev.Percent == nil || *ev.Percent < 0 || *ev.Percent > 100 {
			return nil, malformed(ev, "percent must be within [0,100]")
		}

		return ProgressUpdate{RunID: ev.RunID, Percent: *ev.Percent, Step: ev.Step}, nil

	case EventLog, EventWorkflowLog:
		if ev.Message == "" {
			return nil, malformed(ev, "message is required")
		}

		return LogUpdate{RunID: ev.RunID, Entry: ev.logEntry()}, nil

	case EventArtifact:
		if ev.Payload == nil || len(ev.Payload.Artifacts) == 0 {
			return nil, malformed(ev, "payload.artifacts is required")
		}

		artifacts := make([]models.Artifact, 0, len(ev.Payload.Artifacts))

		for _, artifact := range ev.Payload.Artifacts {
			if artifact.ID == "" {
				return nil, malformed(ev, "artifact id is required")
			}

			if artifact.RunID == "" {
				artifact.RunID = ev.RunID
			}

			artifacts = append(artifacts, artifact)
		}

		return ArtifactUpdate{RunID: ev.RunID, Artifacts: artifacts}, nil

	case EventFinal:
		status, err := finalStatus(ev.Status)
		if err != nil {
			return nil, malformed(ev, err.Error())
		}

		return StatusUpdate{RunID: ev.RunID, Status: status}, nil

	case EventError, EventWorkflowError:
		code := ev.Code
		if code == "" {
			code = "RUN_ERROR"
		}

		message := ev.Message
		if message == "" {
			message = "run failed"
		}

		return ErrorUpdate{RunID: ev.RunID, Error: models.RunError{Code: code, Message: message}}, nil

	case EventStateChange:
		if !validState(ev.State) {
			return nil, malformed(ev, fmt.Sprintf("unknown state %q", ev.State))
		}

		return StateUpdate{RunID: ev.RunID, State: ev.State}, nil

	case EventProposal:
		if ev.Proposal == nil {
			return nil, malformed(ev, "proposal is required")
		}

		return ProposalUpdate{RunID: ev.RunID, Proposal: *ev.Proposal}, nil

	default:
		return nil, malformed(ev, fmt.Sprintf("unknown event type %q", ev.Type))
	}
}

func (ev Event) logEntry() models.LogEntry {
	id := ev.ID
	if id == "" {
		id = uuid.NewString()
	}

	level := ev.Level
	if level == "" {
		level = models.LogLevelInfo
	}

	return models.LogEntry{
		ID:        id,
		RunID:     ev.RunID,
		StepID:    ev.Step,
		Level:     level,
		Message:   ev.Message,
		Timestamp: time.Now().UTC(),
	}
}

func finalStatus(status string) (models.RunStatus, error) {
	switch models.RunStatus(strings.ToLower(status)) {
	case "", models.RunStatusCompleted:
		return models.RunStatusCompleted, nil
	case models.RunStatusFailed:
		return models.RunStatusFailed, nil
	case models.RunStatusCancelled:
		return models.RunStatusCancelled, nil
	default:
		return "", fmt.Errorf("status %q is not terminal", status)
	}
}

func validState(state models.AgentState) bool {
	switch state {
	case models.AgentStateCreated, models.AgentStateRegistered, models.AgentStateAnalyzed,
		models.AgentStateProposed, models.AgentStateApproved, models.AgentStateRejected,
		models.AgentStateExecuting, models.AgentStateCompleted, models.AgentStateFailed,
		models.AgentStateStopped:
		return true
	default:
		return false
	}
}

func malformed(ev Event, reason string) error {
	return fmt.Errorf("%w: %s event: %s", ErrMalformedEvent, ev.Type, reason)
}

// EventFromUpdate renders an update back onto the wire, run-level family.
func EventFromUpdate(u Update) Event {
	ev := Event{ID: uuid.NewString(), RunID: u.Run()}

	switch u := u.(type) {
	case ProgressUpdate:
		percent := u.Percent
		ev.Type, ev.Percent, ev.Step = EventProgress, &percent, u.Step
	case LogUpdate:
		ev.Type, ev.ID, ev.Message, ev.Level, ev.Step = EventLog, u.Entry.ID, u.Entry.Message, u.Entry.Level, u.Entry.StepID
	case ArtifactUpdate:
		ev.Type, ev.Payload = EventArtifact, &Payload{Artifacts: u.Artifacts}
	case StatusUpdate:
		ev.Type, ev.Status = EventFinal, string(u.Status)
	case ErrorUpdate:
		ev.Type, ev.Code, ev.Message = EventError, u.Error.Code, u.Error.Message
	case StateUpdate:
		ev.Type, ev.State = EventStateChange, u.State
	case ProposalUpdate:
		proposal := u.Proposal
		ev.Type, ev.Proposal = EventProposal, &proposal
	}

	return ev
}
