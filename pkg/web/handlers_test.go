package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukex/agentrun/pkg/capability"
	"github.com/dukex/agentrun/pkg/guardrails"
	"github.com/dukex/agentrun/pkg/hitl"
	"github.com/dukex/agentrun/pkg/models"
	"github.com/dukex/agentrun/pkg/persistence/file"
	"github.com/dukex/agentrun/pkg/services"
	"github.com/dukex/agentrun/pkg/statemachine"
	"github.com/dukex/agentrun/pkg/store"
	"github.com/dukex/agentrun/pkg/stream"
	"github.com/dukex/agentrun/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestApp(t *testing.T) *fiber.App {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.New(logger, store.WithPersistence(file.NewPersistence(t.TempDir())))

	registry := capability.NewRegistry(logger)
	lookup := func(_ context.Context, id string) (*models.Workflow, error) {
		return st.Workflow(id)
	}
	require.NoError(t, capability.RegisterLocal(registry, lookup, capability.DefaultLocalConfig()))

	engine := guardrails.NewEngine(guardrails.DefaultConfig())

	machine, err := statemachine.New(logger, registry, engine, hitl.NewPolicy(hitl.DefaultConfig()), statemachine.WithUsage(st))
	require.NoError(t, err)

	orchestrator := services.NewOrchestrator(logger, st, machine, engine,
		services.WithTokenStore(stream.NewMemoryTokenStore(logger), stream.DefaultTokenTTL))

	handlers := web.NewAPIHandlers(orchestrator, validator.New(validator.WithRequiredStructEnabled()), stream.NewHub(logger))

	app := fiber.New()
	handlers.Register(app)

	return app
}

func doRequest(t *testing.T, app *fiber.App, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader

	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)

		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req)
	require.NoError(t, err)

	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))

	return v
}

type problemBody struct {
	Type   string `json:"type"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
	Errors []struct {
		Code string `json:"code"`
	} `json:"errors"`
}

func createWorkflow(t *testing.T, app *fiber.App, steps ...web.PlanStepRequest) models.Workflow {
	t.Helper()

	status, body := doRequest(t, app, http.MethodPost, "/workflows", web.CreateWorkflowRequest{
		Goal:      "extend the canvas",
		Mode:      "auto",
		MediaType: "image",
		Plan:      steps,
	})
	require.Equal(t, http.StatusCreated, status, string(body))

	return decode[models.Workflow](t, body)
}

func startRun(t *testing.T, app *fiber.App, workflowID string) services.RunView {
	t.Helper()

	status, body := doRequest(t, app, http.MethodPost, "/workflows/"+workflowID+"/runs", nil)
	require.Equal(t, http.StatusCreated, status, string(body))

	return decode[services.RunView](t, body)
}

var expandStep = web.PlanStepRequest{
	ID:           "expand",
	Title:        "Expand left",
	Tool:         "expand",
	Params:       map[string]any{"pixels": 512},
	LockedFields: []string{"direction"},
}

func TestAPIHandlers_CreateWorkflow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		requestBody    any
		expectedStatus int
		expectedError  string
	}{
		{
			name: "successful creation",
			requestBody: web.CreateWorkflowRequest{
				Goal: "recolor the sky", Mode: "auto", MediaType: "image",
				Plan: []web.PlanStepRequest{{Title: "Recolor", Tool: "recolor"}},
			},
			expectedStatus: http.StatusCreated,
		},
		{
			name: "validation error - missing goal",
			requestBody: web.CreateWorkflowRequest{
				Mode: "auto", MediaType: "image",
				Plan: []web.PlanStepRequest{{Title: "Recolor", Tool: "recolor"}},
			},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "Goal",
		},
		{
			name: "validation error - unknown mode",
			requestBody: web.CreateWorkflowRequest{
				Goal: "recolor the sky", Mode: "autopilot", MediaType: "image",
				Plan: []web.PlanStepRequest{{Title: "Recolor", Tool: "recolor"}},
			},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "Mode",
		},
		{
			name:           "validation error - empty plan",
			requestBody:    web.CreateWorkflowRequest{Goal: "recolor the sky", Mode: "auto", MediaType: "image"},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "Plan",
		},
		{
			name: "validation error - params violate the tool schema",
			requestBody: web.CreateWorkflowRequest{
				Goal: "extend the canvas", Mode: "auto", MediaType: "image",
				Plan: []web.PlanStepRequest{{Title: "Expand", Tool: "expand", Params: map[string]any{"pixels": -4}}},
			},
			expectedStatus: http.StatusBadRequest,
			expectedError:  "invalid step parameters",
		},
		{
			name:           "invalid JSON",
			requestBody:    "{not json",
			expectedStatus: http.StatusBadRequest,
			expectedError:  "Invalid JSON format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app := setupTestApp(t)
			status, body := doRequest(t, app, http.MethodPost, "/workflows", tt.requestBody)
			assert.Equal(t, tt.expectedStatus, status, string(body))

			if tt.expectedError != "" {
				assert.Contains(t, decode[problemBody](t, body).Detail, tt.expectedError)

				return
			}

			workflow := decode[models.Workflow](t, body)
			assert.NotEmpty(t, workflow.ID)
			require.Len(t, workflow.Plan, 1)
			assert.NotEmpty(t, workflow.Plan[0].ID)
		})
	}
}

func TestAPIHandlers_GetWorkflow(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)
	workflow := createWorkflow(t, app, expandStep)

	status, body := doRequest(t, app, http.MethodGet, "/workflows/"+workflow.ID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, workflow.ID, decode[models.Workflow](t, body).ID)

	status, body = doRequest(t, app, http.MethodGet, "/workflows/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "workflow_not_found", decode[problemBody](t, body).Type)

	status, body = doRequest(t, app, http.MethodGet, "/workflows", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, decode[map[string]any](t, body)["total_count"])
}

func TestAPIHandlers_PlanEdits(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)
	workflow := createWorkflow(t, app, expandStep, web.PlanStepRequest{ID: "recolor", Title: "Recolor", Tool: "recolor"})
	base := "/workflows/" + workflow.ID

	tests := []struct {
		name           string
		method         string
		path           string
		body           any
		expectedStatus int
		expectedType   string
	}{
		{"patch params", http.MethodPatch, base + "/steps/expand", web.PatchStepRequest{Params: map[string]any{"pixels": 256}}, http.StatusOK, ""},
		{"patch locked field", http.MethodPatch, base + "/steps/expand", web.PatchStepRequest{Params: map[string]any{"direction": "up"}}, http.StatusConflict, "conflict"},
		{"patch invalid params", http.MethodPatch, base + "/steps/expand", web.PatchStepRequest{Params: map[string]any{"pixels": "wide"}}, http.StatusBadRequest, "validation_error"},
		{"patch missing step", http.MethodPatch, base + "/steps/nope", web.PatchStepRequest{Params: map[string]any{"x": 1}}, http.StatusNotFound, "step_not_found"},
		{"reorder", http.MethodPost, base + "/steps/reorder", web.ReorderStepsRequest{StepIDs: []string{"recolor", "expand"}}, http.StatusOK, ""},
		{"reorder partial", http.MethodPost, base + "/steps/reorder", web.ReorderStepsRequest{StepIDs: []string{"recolor"}}, http.StatusBadRequest, "validation_error"},
	}

	for _, tt := range tests {
		status, body := doRequest(t, app, tt.method, tt.path, tt.body)
		assert.Equal(t, tt.expectedStatus, status, "%s: %s", tt.name, body)

		if tt.expectedType != "" {
			assert.Equal(t, tt.expectedType, decode[problemBody](t, body).Type, tt.name)
		}
	}

	status, body := doRequest(t, app, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, status)

	updated := decode[models.Workflow](t, body)
	assert.Equal(t, "recolor", updated.Plan[0].ID)
	assert.EqualValues(t, 256, updated.Plan[1].Params["pixels"])
}

func TestAPIHandlers_RunLifecycle(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)
	workflow := createWorkflow(t, app, expandStep)
	view := startRun(t, app, workflow.ID)
	runPath := "/runs/" + view.Run.ID

	assert.Equal(t, models.AgentStateCreated, view.Context.State)
	require.NotNil(t, view.Stream)
	assert.Equal(t, view.Run.ID, view.Stream.RequestID)

	status, body := doRequest(t, app, http.MethodPost, runPath+"/input", services.InputRequest{Format: "png", SizeMB: 3})
	require.Equal(t, http.StatusOK, status, string(body))

	input := decode[web.InputResponse](t, body)
	assert.True(t, input.Result.Valid)
	assert.Equal(t, models.AgentStateProposed, input.Context.State)
	assert.True(t, input.Context.Blocked)

	status, body = doRequest(t, app, http.MethodPost, runPath+"/approve", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, models.AgentStateExecuting, decode[services.RunView](t, body).Context.State)

	events := []string{
		`{"type":"progress","percent":50,"step":"expand"}`,
		`{"type":"log","message":"outpainting"}`,
		`{"type":"artifact","payload":{"artifacts":[{"id":"a1","format":"png","url":"s3://out/a1.png"}]}}`,
		`{"type":"final","status":"completed"}`,
	}

	for _, event := range events {
		status, body = doRequest(t, app, http.MethodPost, runPath+"/events", event)
		require.Equal(t, http.StatusAccepted, status, string(body))
	}

	status, body = doRequest(t, app, http.MethodGet, runPath, nil)
	require.Equal(t, http.StatusOK, status)

	finished := decode[services.RunView](t, body)
	assert.Equal(t, models.AgentStateCompleted, finished.Context.State)
	assert.Equal(t, models.RunStatusCompleted, finished.Run.Status)

	status, body = doRequest(t, app, http.MethodGet, runPath+"/logs", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[map[string][]models.LogEntry](t, body)["logs"], 1)

	status, body = doRequest(t, app, http.MethodGet, runPath+"/artifacts", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[map[string][]models.Artifact](t, body)["artifacts"], 1)

	status, body = doRequest(t, app, http.MethodGet, "/workflows/"+workflow.ID+"/runs", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, decode[map[string]any](t, body)["total_count"])

	status, body = doRequest(t, app, http.MethodPost, runPath+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "conflict", decode[problemBody](t, body).Type)
}

func TestAPIHandlers_RejectAndConflicts(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)
	view := startRun(t, app, createWorkflow(t, app, expandStep).ID)
	runPath := "/runs/" + view.Run.ID

	status, body := doRequest(t, app, http.MethodPost, runPath+"/approve", nil)
	assert.Equal(t, http.StatusConflict, status, string(body))

	status, body = doRequest(t, app, http.MethodPost, runPath+"/input", services.InputRequest{Format: "png", SizeMB: 1})
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = doRequest(t, app, http.MethodPost, runPath+"/reject", web.RejectRunRequest{Reason: "too wide"})
	require.Equal(t, http.StatusOK, status, string(body))

	rejected := decode[services.RunView](t, body)
	assert.Equal(t, models.AgentStateRejected, rejected.Context.State)
	assert.Equal(t, models.RunStatusFailed, rejected.Run.Status)

	status, _ = doRequest(t, app, http.MethodPost, runPath+"/reject", nil)
	assert.Equal(t, http.StatusConflict, status)

	status, body = doRequest(t, app, http.MethodPost, "/runs/missing/advance", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "run_not_found", decode[problemBody](t, body).Type)
}

func TestAPIHandlers_InputBlocked(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)
	view := startRun(t, app, createWorkflow(t, app, expandStep).ID)

	status, body := doRequest(t, app, http.MethodPost, "/runs/"+view.Run.ID+"/input",
		services.InputRequest{Format: "gif", SizeMB: 1, ModerationFlagged: true})
	require.Equal(t, http.StatusUnprocessableEntity, status, string(body))

	problem := decode[problemBody](t, body)
	assert.Equal(t, "guardrail_violation", problem.Type)
	require.Len(t, problem.Errors, 1)
	assert.Equal(t, string(guardrails.CodeModerationBlocked), problem.Errors[0].Code)
}

func TestAPIHandlers_OutputsAndQuarantine(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)
	view := startRun(t, app, createWorkflow(t, app, expandStep).ID)
	runPath := "/runs/" + view.Run.ID

	status, body := doRequest(t, app, http.MethodPost, runPath+"/outputs", web.SubmitOutputsRequest{
		Outputs: []services.OutputRequest{
			{Asset: guardrails.Asset{ID: "clean", Format: "png"}},
			{Asset: guardrails.Asset{ID: "flagged", Format: "png", ModerationFlagged: true}},
		},
	})
	require.Equal(t, http.StatusOK, status, string(body))

	results := decode[map[string][]services.OutputResult](t, body)["results"]
	require.Len(t, results, 2)
	assert.True(t, results[1].Quarantined)

	status, body = doRequest(t, app, http.MethodGet, runPath+"/artifacts/quarantine", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[map[string][]models.Artifact](t, body)["artifacts"], 1)

	status, _ = doRequest(t, app, http.MethodPost, runPath+"/artifacts/flagged/release", nil)
	require.Equal(t, http.StatusOK, status)

	status, body = doRequest(t, app, http.MethodGet, runPath+"/artifacts", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[map[string][]models.Artifact](t, body)["artifacts"], 2)

	status, _ = doRequest(t, app, http.MethodPost, runPath+"/artifacts/nope/release", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = doRequest(t, app, http.MethodPost, runPath+"/outputs", web.SubmitOutputsRequest{})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPIHandlers_IngestEventRejectsMalformed(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)
	view := startRun(t, app, createWorkflow(t, app, expandStep).ID)

	tests := []struct {
		name  string
		event string
	}{
		{"not json", `{"type":`},
		{"unknown type", `{"type":"telemetry"}`},
		{"percent out of range", `{"type":"progress","percent":140}`},
		{"other run", `{"type":"log","run_id":"someone-else","message":"hi"}`},
	}

	for _, tt := range tests {
		status, body := doRequest(t, app, http.MethodPost, "/runs/"+view.Run.ID+"/events", tt.event)
		assert.Equal(t, http.StatusBadRequest, status, "%s: %s", tt.name, body)
	}
}

func TestAPIHandlers_StreamTokens(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)
	view := startRun(t, app, createWorkflow(t, app, expandStep).ID)

	status, body := doRequest(t, app, http.MethodPost, "/stream/token", web.StreamTokenRequest{RequestID: view.Run.ID})
	require.Equal(t, http.StatusCreated, status, string(body))

	token := decode[stream.Token](t, body)
	assert.NotEmpty(t, token.Value)
	assert.NotEqual(t, view.Stream.Value, token.Value)

	status, _ = doRequest(t, app, http.MethodPost, "/stream/token", web.StreamTokenRequest{RequestID: "missing"})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = doRequest(t, app, http.MethodPost, "/stream/token", web.StreamTokenRequest{})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPIHandlers_Stream(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)
	view := startRun(t, app, createWorkflow(t, app, expandStep).ID)
	streamPath := "/stream/" + view.Run.ID

	status, body := doRequest(t, app, http.MethodGet, streamPath, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid_stream_token", decode[problemBody](t, body).Type)

	status, _ = doRequest(t, app, http.MethodGet, "/stream/other-run?token="+view.Stream.Value, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = doRequest(t, app, http.MethodPost, "/runs/"+view.Run.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, status)

	status, body = doRequest(t, app, http.MethodGet, streamPath+"?token="+view.Stream.Value, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Contains(t, string(body), "event: STATE_CHANGE")
	assert.Contains(t, string(body), "event: final")
	assert.Contains(t, string(body), `"status":"cancelled"`)

	status, _ = doRequest(t, app, http.MethodGet, streamPath+"?token="+view.Stream.Value, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAPIHandlers_HealthCheck(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)

	status, body := doRequest(t, app, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, status)

	health := decode[map[string]any](t, body)
	assert.Equal(t, "healthy", health["status"])
}
