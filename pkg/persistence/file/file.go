// Package file provides file-based persistence for workflows and run snapshots.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dukex/agentrun/pkg/models"
	"github.com/dukex/agentrun/pkg/persistence"
)

const (
	workflowsDir = "workflows"
	runsDir      = "runs"
)

var _ persistence.Persistence = (*Persistence)(nil)

// Persistence implements persistence.Persistence with one JSON file per record.
type Persistence struct {
	root string
}

// NewPersistence creates a file persistence rooted at root. A file:// prefix is accepted.
func NewPersistence(root string) *Persistence {
	return &Persistence{root: strings.Replace(root, "file://", "", 1)}
}

func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck verifies the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) Workflows(ctx context.Context) ([]*models.Workflow, error) {
	ids, err := fp.list(workflowsDir)
	if err != nil {
		return nil, err
	}

	workflows := make([]*models.Workflow, 0, len(ids))

	for _, id := range ids {
		workflow, err := fp.WorkflowByID(ctx, id)
		if err != nil {
			return nil, err
		}

		workflows = append(workflows, workflow)
	}

	sort.Slice(workflows, func(i, j int) bool {
		return workflows[i].CreatedAt.Before(workflows[j].CreatedAt)
	})

	return workflows, nil
}

func (fp *Persistence) SaveWorkflow(_ context.Context, workflow *models.Workflow) error {
	if err := fp.write(workflowsDir, workflow.ID, workflow); err != nil {
		return persistence.NewWorkflowError("SaveWorkflow", workflow.ID, err)
	}

	return nil
}

func (fp *Persistence) WorkflowByID(_ context.Context, id string) (*models.Workflow, error) {
	var workflow models.Workflow

	if err := fp.read(workflowsDir, id, &workflow); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = persistence.ErrWorkflowNotFound
		}

		return nil, persistence.NewWorkflowError("WorkflowByID", id, err)
	}

	return &workflow, nil
}

func (fp *Persistence) Runs(ctx context.Context) ([]persistence.RunSnapshot, error) {
	ids, err := fp.list(runsDir)
	if err != nil {
		return nil, err
	}

	snapshots := make([]persistence.RunSnapshot, 0, len(ids))

	for _, id := range ids {
		snapshot, err := fp.RunByID(ctx, id)
		if err != nil {
			return nil, err
		}

		snapshots = append(snapshots, snapshot)
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Run.CreatedAt.Before(snapshots[j].Run.CreatedAt)
	})

	return snapshots, nil
}

func (fp *Persistence) SaveRun(_ context.Context, snapshot persistence.RunSnapshot) error {
	if err := fp.write(runsDir, snapshot.Run.ID, snapshot); err != nil {
		return persistence.NewRunError("SaveRun", snapshot.Run.ID, err)
	}

	return nil
}

func (fp *Persistence) RunByID(_ context.Context, id string) (persistence.RunSnapshot, error) {
	var snapshot persistence.RunSnapshot

	if err := fp.read(runsDir, id, &snapshot); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = persistence.ErrRunNotFound
		}

		return snapshot, persistence.NewRunError("RunByID", id, err)
	}

	return snapshot, nil
}

// validateID rejects identifiers that could escape the storage directory.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", persistence.ErrInvalidID)
	}

	if strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", persistence.ErrInvalidID, id)
	}

	return nil
}

func (fp *Persistence) list(dir string) ([]string, error) {
	files, err := fs.Glob(os.DirFS(filepath.Join(fp.root, dir)), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	ids := make([]string, 0, len(files))
	for _, file := range files {
		ids = append(ids, strings.TrimSuffix(file, ".json"))
	}

	return ids, nil
}

func (fp *Persistence) read(dir, id string, v any) error {
	if err := validateID(id); err != nil {
		return err
	}

	body, err := os.ReadFile(filepath.Join(fp.root, dir, id+".json"))
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to unmarshal: %w", err)
	}

	return nil
}

// write replaces the record atomically through a temp file and rename.
func (fp *Persistence) write(dir, id string, v any) error {
	if err := validateID(id); err != nil {
		return err
	}

	target := filepath.Join(fp.root, dir)

	if err := os.MkdirAll(target, 0750); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

	tmp, err := os.CreateTemp(target, id+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return fmt.Errorf("failed to write: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("failed to close temp file: %w", err)
	}

	return os.Rename(tmp.Name(), filepath.Join(target, id+".json"))
}
