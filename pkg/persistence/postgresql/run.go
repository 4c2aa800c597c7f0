package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/agentrun/pkg/persistence"
)

// RunRepository stores one row per run snapshot. The run context, logs and
// artifacts are JSONB columns replaced on every save.
type RunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewRunRepository(db *sql.DB, logger *slog.Logger) *RunRepository {
	return &RunRepository{db: db, logger: logger}
}

const selectRun = `
	SELECT id, workflow_id, status, COALESCE(stream_token, ''), context, logs, artifacts, created_at, updated_at
	FROM runs
`

func (r *RunRepository) Save(ctx context.Context, snapshot persistence.RunSnapshot) error {
	runID := snapshot.Run.ID

	rc, err := json.Marshal(snapshot.Context)
	if err != nil {
		return persistence.NewRunError("SaveRun", runID, fmt.Errorf("failed to marshal context: %w", err))
	}

	logs, err := json.Marshal(nonNil(snapshot.Logs))
	if err != nil {
		return persistence.NewRunError("SaveRun", runID, fmt.Errorf("failed to marshal logs: %w", err))
	}

	artifacts, err := json.Marshal(nonNil(snapshot.Artifacts))
	if err != nil {
		return persistence.NewRunError("SaveRun", runID, fmt.Errorf("failed to marshal artifacts: %w", err))
	}

	query := `
		INSERT INTO runs (id, workflow_id, status, stream_token, context, logs, artifacts, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			stream_token = EXCLUDED.stream_token,
			context = EXCLUDED.context,
			logs = EXCLUDED.logs,
			artifacts = EXCLUDED.artifacts,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		runID,
		snapshot.Run.WorkflowID,
		snapshot.Run.Status,
		snapshot.Run.StreamToken,
		rc,
		logs,
		artifacts,
		snapshot.Run.CreatedAt,
		snapshot.Run.UpdatedAt,
	)
	if err != nil {
		return persistence.NewRunError("SaveRun", runID, err)
	}

	return nil
}

func (r *RunRepository) GetByID(ctx context.Context, id string) (persistence.RunSnapshot, error) {
	snapshot, err := scanRun(r.db.QueryRowContext(ctx, selectRun+" WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = persistence.ErrRunNotFound
		}

		return persistence.RunSnapshot{}, persistence.NewRunError("RunByID", id, err)
	}

	return snapshot, nil
}

// GetAll returns every run snapshot, oldest first.
func (r *RunRepository) GetAll(ctx context.Context) ([]persistence.RunSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, selectRun+" ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	snapshots := make([]persistence.RunSnapshot, 0)

	for rows.Next() {
		snapshot, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		snapshots = append(snapshots, snapshot)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}

	return snapshots, nil
}

func scanRun(row scanner) (persistence.RunSnapshot, error) {
	var (
		snapshot            persistence.RunSnapshot
		rc, logs, artifacts []byte
	)

	err := row.Scan(
		&snapshot.Run.ID,
		&snapshot.Run.WorkflowID,
		&snapshot.Run.Status,
		&snapshot.Run.StreamToken,
		&rc,
		&logs,
		&artifacts,
		&snapshot.Run.CreatedAt,
		&snapshot.Run.UpdatedAt,
	)
	if err != nil {
		return snapshot, err
	}

	if err := json.Unmarshal(rc, &snapshot.Context); err != nil {
		return snapshot, fmt.Errorf("failed to unmarshal context: %w", err)
	}

	if err := json.Unmarshal(logs, &snapshot.Logs); err != nil {
		return snapshot, fmt.Errorf("failed to unmarshal logs: %w", err)
	}

	if err := json.Unmarshal(artifacts, &snapshot.Artifacts); err != nil {
		return snapshot, fmt.Errorf("failed to unmarshal artifacts: %w", err)
	}

	return snapshot, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}

	return items
}
