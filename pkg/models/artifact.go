package models

import "time"

// LogLevel classifies a run log entry.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogEntry is an append-only line of run output.
type LogEntry struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	StepID    string    `json:"step_id,omitempty"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Artifact is a produced asset. Artifacts are merged by ID, last write wins.
type Artifact struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id"`
	StepID      string         `json:"step_id,omitempty"`
	Kind        string         `json:"kind,omitempty"`
	URL         string         `json:"url,omitempty"`
	Format      string         `json:"format,omitempty"`
	HasAlpha    bool           `json:"has_alpha,omitempty"`
	Quarantined bool           `json:"quarantined,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
