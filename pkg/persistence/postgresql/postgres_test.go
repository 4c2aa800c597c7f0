package postgresql_test

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/agentrun/pkg/models"
	"github.com/dukex/agentrun/pkg/persistence"
	"github.com/dukex/agentrun/pkg/persistence/postgresql"
	"github.com/dukex/agentrun/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range []string{"runs", "workflows", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	require.NoError(t, db.Close())
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	if testing.Short() {
		t.Skip("postgres container tests are skipped in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("agentrun_test"),
			postgres.WithUsername("agentrun"),
			postgres.WithPassword("agentrun"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)
		require.NoError(t, p.Close(ctx))
		cancel()
	})

	return p, ctx, databaseURL
}

func TestNewPersistence_Migrations(t *testing.T) {
	p, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		require.NoError(t, db.Close())
	}()

	var version int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version))
	assert.Equal(t, 2, version)

	for _, table := range []string{"workflows", "runs"} {
		var exists bool

		err := db.QueryRowContext(ctx,
			"SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)", table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, table)
	}

	require.NoError(t, p.HealthCheck(ctx))
}

func TestPersistence_Workflows(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	now := time.Now().UTC().Truncate(time.Microsecond)
	workflow := testutil.CreateTestWorkflow(
		testutil.WithWorkflowID("wf-1"),
		testutil.WithCreatedAt(now),
		testutil.WithPlan(testutil.CreateTestStep(
			testutil.WithStepID("expand"),
			testutil.WithTool("expand", "Expand"),
			testutil.WithParams(map[string]any{"pixels": 512.0, "direction": "left"}),
			testutil.WithLockedFields("direction"),
		)),
	)

	require.NoError(t, p.SaveWorkflow(ctx, workflow))

	workflow.Goal = "expand the canvas twice"
	workflow.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, p.SaveWorkflow(ctx, workflow))

	loaded, err := p.WorkflowByID(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "expand the canvas twice", loaded.Goal)
	assert.Equal(t, models.WorkflowModeAssisted, loaded.Mode)
	assert.Equal(t, []string{"direction"}, loaded.Plan[0].LockedFields)
	assert.Equal(t, 512.0, loaded.Plan[0].Params["pixels"])
	assert.True(t, now.Equal(loaded.CreatedAt))

	all, err := p.Workflows(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = p.WorkflowByID(ctx, "missing")
	require.ErrorIs(t, err, persistence.ErrWorkflowNotFound)
}

func TestPersistence_Runs(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, p.SaveWorkflow(ctx, testutil.CreateTestWorkflow(testutil.WithWorkflowID("wf-1"))))

	snapshot := testutil.CreateTestSnapshot("run-1", "wf-1")
	snapshot.Run.Status = models.RunStatusPaused
	snapshot.Context.State = models.AgentStateProposed
	snapshot.Context.Blocked = true

	require.NoError(t, p.SaveRun(ctx, snapshot))

	loaded, err := p.RunByID(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, loaded.Run.StreamToken)
	assert.Empty(t, loaded.Logs)

	snapshot.Run.Status = models.RunStatusRunning
	snapshot.Run.StreamToken = "tok-1"
	snapshot.Context.State = models.AgentStateExecuting
	snapshot.Context.Blocked = false
	snapshot.Logs = []models.LogEntry{{ID: "l1", RunID: "run-1", Level: models.LogLevelInfo, Message: "executing", Timestamp: now}}
	snapshot.Artifacts = []models.Artifact{{ID: "a1", RunID: "run-1", Quarantined: true}}
	require.NoError(t, p.SaveRun(ctx, snapshot))

	loaded, err = p.RunByID(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, loaded.Run.Status)
	assert.Equal(t, "tok-1", loaded.Run.StreamToken)
	assert.Equal(t, models.AgentStateExecuting, loaded.Context.State)
	assert.False(t, loaded.Context.Blocked)
	require.Len(t, loaded.Logs, 1)
	assert.Equal(t, "executing", loaded.Logs[0].Message)
	require.Len(t, loaded.Artifacts, 1)
	assert.True(t, loaded.Artifacts[0].Quarantined)

	runs, err := p.Runs(ctx)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	_, err = p.RunByID(ctx, "run-2")
	require.ErrorIs(t, err, persistence.ErrRunNotFound)
}

func TestPersistence_RunRequiresWorkflow(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	err := p.SaveRun(ctx, testutil.CreateTestSnapshot("run-1", "missing"))
	require.Error(t, err)
}
