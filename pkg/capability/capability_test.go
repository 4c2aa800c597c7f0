package capability_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/agentrun/pkg/capability"
	"github.com/dukex/agentrun/pkg/coordinator"
	"github.com/dukex/agentrun/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	registry := capability.NewRegistry(testLogger())
	assert.Equal(t, []capability.Kind{capability.KindAnalyzer, capability.KindExecutor, capability.KindPlanner}, registry.Missing())

	analyzer := capability.Func{K: capability.KindAnalyzer, Fn: func(_ context.Context, rc models.RunContext) (models.RunContext, error) {
		return rc, nil
	}}
	require.NoError(t, registry.Register(analyzer))

	resolved, err := registry.Resolve(capability.KindAnalyzer)
	require.NoError(t, err)
	assert.Equal(t, capability.KindAnalyzer, resolved.Kind())

	_, err = registry.Resolve(capability.KindPlanner)
	require.ErrorIs(t, err, capability.ErrNotRegistered)

	err = registry.Register(capability.Func{K: "renderer"})
	require.ErrorIs(t, err, capability.ErrInvalidKind)
}

func TestHTTPCapability_Invoke(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/analyzer", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)

			return
		}

		var rc models.RunContext
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&rc))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"analysis": map[string]any{"subject": "cat"},
		})
	}))
	t.Cleanup(server.Close)

	coord := coordinator.New(testLogger(), coordinator.Config{})
	t.Cleanup(coord.Close)

	c, err := capability.NewHTTPCapability(capability.KindAnalyzer, server.URL+"/", coord, testLogger())
	require.NoError(t, err)
	c.WithRetry(capability.RetryConfig{Attempts: 2, Delay: time.Millisecond})

	rc := models.RunContext{ID: "run-1", State: models.AgentStateRegistered, HumanApproved: true}

	result, err := c.Invoke(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "run-1", result.ID)
	assert.True(t, result.HumanApproved, "fields absent from the response keep their value")
	assert.Equal(t, "cat", result.Analysis["subject"])

	// Same run and state within the cache TTL reuses the result.
	_, err = c.Invoke(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPCapability_ClientErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad context", http.StatusUnprocessableEntity)
	}))
	t.Cleanup(server.Close)

	coord := coordinator.New(testLogger(), coordinator.Config{})
	t.Cleanup(coord.Close)

	c, err := capability.NewHTTPCapability(capability.KindPlanner, server.URL, coord, testLogger())
	require.NoError(t, err)
	c.WithRetry(capability.RetryConfig{Attempts: 3, Delay: time.Millisecond})

	_, err = c.Invoke(context.Background(), models.RunContext{ID: "run-1", State: models.AgentStateAnalyzed})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad context")
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewHTTPCapability_Invalid(t *testing.T) {
	t.Parallel()

	coord := coordinator.New(testLogger(), coordinator.Config{})
	t.Cleanup(coord.Close)

	_, err := capability.NewHTTPCapability("renderer", "http://localhost", coord, testLogger())
	require.ErrorIs(t, err, capability.ErrInvalidKind)

	_, err = capability.NewHTTPCapability(capability.KindExecutor, "", coord, testLogger())
	require.Error(t, err)
}

func TestLocalCapabilities(t *testing.T) {
	t.Parallel()

	workflow := &models.Workflow{
		ID:        "wf-1",
		Goal:      "make the sky purple",
		Mode:      models.WorkflowModeAuto,
		MediaType: models.MediaTypeImage,
		Plan: []*models.PlanStep{
			{ID: "s2", Title: "Expand", Tool: "expand", Params: map[string]any{"pixels": float64(512)}, Order: 2},
			{ID: "s1", Title: "Recolor", Tool: "recolor", Order: 1},
		},
	}

	lookup := func(_ context.Context, id string) (*models.Workflow, error) {
		if id != workflow.ID {
			return nil, errors.New("not found")
		}

		return workflow, nil
	}

	registry := capability.NewRegistry(testLogger())
	require.NoError(t, capability.RegisterLocal(registry, lookup, capability.DefaultLocalConfig()))
	assert.Empty(t, registry.Missing())

	rc := models.RunContext{ID: "run-1", AgentID: "agent-1", WorkflowID: "wf-1"}

	analyzer, err := registry.Resolve(capability.KindAnalyzer)
	require.NoError(t, err)

	rc, err = analyzer.Invoke(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, 2, rc.Analysis["step_count"])
	assert.Equal(t, models.MediaTypeImage, rc.MediaType)

	planner, err := registry.Resolve(capability.KindPlanner)
	require.NoError(t, err)

	rc, err = planner.Invoke(context.Background(), rc)
	require.NoError(t, err)
	require.NotNil(t, rc.Proposal)
	assert.Equal(t, []string{"recolor", "expand"}, rc.Proposal.Ops())
	assert.Equal(t, 512, rc.Proposal.Steps[1].Pixels)
	assert.InDelta(t, 0.07, rc.EstimatedCostUSD, 1e-9)
	assert.True(t, rc.Determinism.Locked)
	assert.Equal(t, 1, rc.Proposal.Version)

	again, err := planner.Invoke(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Proposal.Version)
	assert.Equal(t, rc.Determinism, again.Determinism, "same run and goal give the same determinism context")

	_, err = planner.Invoke(context.Background(), models.RunContext{ID: "run-2", WorkflowID: "missing"})
	require.Error(t, err)
}
