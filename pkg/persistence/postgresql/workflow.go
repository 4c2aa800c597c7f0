package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/agentrun/pkg/models"
	"github.com/dukex/agentrun/pkg/persistence"
)

// WorkflowRepository stores workflows with their plan as a JSONB document.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewWorkflowRepository(db *sql.DB, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{db: db, logger: logger}
}

const selectWorkflow = `
	SELECT id, goal, mode, media_type, plan, created_at, updated_at
	FROM workflows
`

// Save inserts the workflow or replaces every column of an existing one.
func (r *WorkflowRepository) Save(ctx context.Context, workflow *models.Workflow) error {
	plan, err := json.Marshal(workflow.Plan)
	if err != nil {
		return persistence.NewWorkflowError("SaveWorkflow", workflow.ID, fmt.Errorf("failed to marshal plan: %w", err))
	}

	query := `
		INSERT INTO workflows (id, goal, mode, media_type, plan, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			goal = EXCLUDED.goal,
			mode = EXCLUDED.mode,
			media_type = EXCLUDED.media_type,
			plan = EXCLUDED.plan,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		workflow.ID,
		workflow.Goal,
		workflow.Mode,
		workflow.MediaType,
		plan,
		workflow.CreatedAt,
		workflow.UpdatedAt,
	)
	if err != nil {
		return persistence.NewWorkflowError("SaveWorkflow", workflow.ID, err)
	}

	return nil
}

func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	workflow, err := scanWorkflow(r.db.QueryRowContext(ctx, selectWorkflow+" WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = persistence.ErrWorkflowNotFound
		}

		return nil, persistence.NewWorkflowError("WorkflowByID", id, err)
	}

	return workflow, nil
}

// GetAll returns every workflow, oldest first.
func (r *WorkflowRepository) GetAll(ctx context.Context) ([]*models.Workflow, error) {
	rows, err := r.db.QueryContext(ctx, selectWorkflow+" ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	workflows := make([]*models.Workflow, 0)

	for rows.Next() {
		workflow, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}

		workflows = append(workflows, workflow)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate workflows: %w", err)
	}

	return workflows, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row scanner) (*models.Workflow, error) {
	var (
		workflow models.Workflow
		plan     []byte
	)

	err := row.Scan(
		&workflow.ID,
		&workflow.Goal,
		&workflow.Mode,
		&workflow.MediaType,
		&plan,
		&workflow.CreatedAt,
		&workflow.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(plan, &workflow.Plan); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan: %w", err)
	}

	return &workflow, nil
}
