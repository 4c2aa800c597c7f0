// Package events defines the run lifecycle notifications carried on the event bus.
package events

import (
	"time"

	"github.com/dukex/agentrun/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Topic carries every run event.
const Topic = "agentrun.run-events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	RunCreatedEvent         EventType = "run.created"
	RunStateChangedEvent    EventType = "run.state_changed"
	RunProgressedEvent      EventType = "run.progressed"
	RunLoggedEvent          EventType = "run.logged"
	RunArtifactsMergedEvent EventType = "run.artifacts_merged"
	RunProposedEvent        EventType = "run.proposed"
	RunFinishedEvent        EventType = "run.finished"
	RunFailedEvent          EventType = "run.failed"
)

// Types lists every run event type.
func Types() []EventType {
	return []EventType{
		RunCreatedEvent, RunStateChangedEvent, RunProgressedEvent, RunLoggedEvent,
		RunArtifactsMergedEvent, RunProposedEvent, RunFinishedEvent, RunFailedEvent,
	}
}

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflow_id"`
	RunID      string         `json:"run_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Run returns the run the event belongs to.
func (b BaseEvent) Run() string {
	return b.RunID
}

type RunCreated struct {
	BaseEvent

	Status models.RunStatus  `json:"status"`
	State  models.AgentState `json:"state"`
}

func (e RunCreated) GetType() EventType {
	return RunCreatedEvent
}

// RunStateChanged is published after a committed transition or a block.
type RunStateChanged struct {
	BaseEvent

	From    models.AgentState `json:"from"`
	To      models.AgentState `json:"to"`
	Blocked bool              `json:"blocked"`
	Status  models.RunStatus  `json:"status"`
}

func (e RunStateChanged) GetType() EventType {
	return RunStateChangedEvent
}

type RunProgressed struct {
	BaseEvent

	Percent float64 `json:"percent"`
	Step    string  `json:"step,omitempty"`
}

func (e RunProgressed) GetType() EventType {
	return RunProgressedEvent
}

type RunLogged struct {
	BaseEvent

	Entries []models.LogEntry `json:"entries"`
}

func (e RunLogged) GetType() EventType {
	return RunLoggedEvent
}

type RunArtifactsMerged struct {
	BaseEvent

	Artifacts []models.Artifact `json:"artifacts"`
}

func (e RunArtifactsMerged) GetType() EventType {
	return RunArtifactsMergedEvent
}

// RunProposed is published for every new proposal version.
type RunProposed struct {
	BaseEvent

	Proposal models.Proposal `json:"proposal"`
}

func (e RunProposed) GetType() EventType {
	return RunProposedEvent
}

type RunFinished struct {
	BaseEvent

	Status models.RunStatus `json:"status"`
}

func (e RunFinished) GetType() EventType {
	return RunFinishedEvent
}

type RunFailed struct {
	BaseEvent

	Error models.RunError `json:"error"`
}

func (e RunFailed) GetType() EventType {
	return RunFailedEvent
}

// New returns an empty event of the given type, ready to be unmarshalled into.
func New(eventType EventType) (any, bool) {
	switch eventType {
	case RunCreatedEvent:
		return &RunCreated{}, true
	case RunStateChangedEvent:
		return &RunStateChanged{}, true
	case RunProgressedEvent:
		return &RunProgressed{}, true
	case RunLoggedEvent:
		return &RunLogged{}, true
	case RunArtifactsMergedEvent:
		return &RunArtifactsMerged{}, true
	case RunProposedEvent:
		return &RunProposed{}, true
	case RunFinishedEvent:
		return &RunFinished{}, true
	case RunFailedEvent:
		return &RunFailed{}, true
	default:
		return nil, false
	}
}

func NewBaseEvent(eventType EventType, workflowID, runID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
		RunID:      runID,
		Metadata:   make(map[string]any),
	}
}
