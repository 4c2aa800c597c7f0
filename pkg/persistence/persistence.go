// Package persistence is the boundary to the durable store for workflows and run snapshots.
package persistence

import (
	"context"

	"github.com/dukex/agentrun/pkg/models"
)

// RunSnapshot is everything recorded for one run.
type RunSnapshot struct {
	Run       models.Run        `json:"run"`
	Context   models.RunContext `json:"context"`
	Logs      []models.LogEntry `json:"logs"`
	Artifacts []models.Artifact `json:"artifacts"`
}

type Persistence interface {
	Workflows(ctx context.Context) ([]*models.Workflow, error)
	SaveWorkflow(ctx context.Context, workflow *models.Workflow) error
	WorkflowByID(ctx context.Context, id string) (*models.Workflow, error)

	Runs(ctx context.Context) ([]RunSnapshot, error)
	SaveRun(ctx context.Context, snapshot RunSnapshot) error
	RunByID(ctx context.Context, id string) (RunSnapshot, error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
