package file_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/agentrun/pkg/models"
	"github.com/dukex/agentrun/pkg/persistence"
	"github.com/dukex/agentrun/pkg/persistence/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistence_Workflows(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := file.NewPersistence("file://" + t.TempDir())

	now := time.Now().UTC()
	first := &models.Workflow{ID: "wf-1", Goal: "first", Mode: models.WorkflowModeAuto, MediaType: models.MediaTypeImage, CreatedAt: now}
	second := &models.Workflow{
		ID: "wf-2", Goal: "second", Mode: models.WorkflowModeManual, MediaType: models.MediaTypeVideo, CreatedAt: now.Add(time.Second),
		Plan: []*models.PlanStep{{ID: "s1", Title: "Trim", Tool: "trim", Params: map[string]any{"start": 1.5}, LockedFields: []string{"start"}}},
	}

	require.NoError(t, p.SaveWorkflow(ctx, second))
	require.NoError(t, p.SaveWorkflow(ctx, first))

	workflows, err := p.Workflows(ctx)
	require.NoError(t, err)
	require.Len(t, workflows, 2)
	assert.Equal(t, "wf-1", workflows[0].ID)
	assert.Equal(t, "wf-2", workflows[1].ID)

	loaded, err := p.WorkflowByID(ctx, "wf-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"start"}, loaded.Plan[0].LockedFields)
	assert.Equal(t, 1.5, loaded.Plan[0].Params["start"])

	_, err = p.WorkflowByID(ctx, "missing")
	require.ErrorIs(t, err, persistence.ErrWorkflowNotFound)
}

func TestPersistence_Runs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := t.TempDir()
	p := file.NewPersistence(root)

	snapshot := persistence.RunSnapshot{
		Run:       models.Run{ID: "run-1", WorkflowID: "wf-1", Status: models.RunStatusPaused},
		Context:   models.RunContext{ID: "run-1", State: models.AgentStateProposed, Blocked: true},
		Logs:      []models.LogEntry{{ID: "l1", RunID: "run-1", Message: "planned"}},
		Artifacts: []models.Artifact{{ID: "a1", RunID: "run-1", Quarantined: true}},
	}

	require.NoError(t, p.SaveRun(ctx, snapshot))

	snapshot.Run.Status = models.RunStatusRunning
	require.NoError(t, p.SaveRun(ctx, snapshot))

	loaded, err := p.RunByID(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, loaded.Run.Status)
	assert.True(t, loaded.Artifacts[0].Quarantined)

	runs, err := p.Runs(ctx)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	leftovers, err := filepath.Glob(filepath.Join(root, "runs", "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)

	_, err = p.RunByID(ctx, "run-2")
	require.ErrorIs(t, err, persistence.ErrRunNotFound)
}

func TestPersistence_RejectsUnsafeIDs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := file.NewPersistence(t.TempDir())

	for _, id := range []string{"", "../escape", "a/b", `a\b`} {
		err := p.SaveRun(ctx, persistence.RunSnapshot{Run: models.Run{ID: id}})
		require.ErrorIs(t, err, persistence.ErrInvalidID, id)
	}
}

func TestPersistence_HealthCheck(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, file.NewPersistence(root).HealthCheck(context.Background()))

	missing := filepath.Join(root, "nope")
	require.ErrorIs(t, file.NewPersistence(missing).HealthCheck(context.Background()), os.ErrNotExist)

	workflows, err := file.NewPersistence(missing).Workflows(context.Background())
	require.NoError(t, err)
	assert.Empty(t, workflows)
}
