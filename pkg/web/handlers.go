// Package web provides HTTP handlers and REST API endpoints for workflows and runs.
package web

import (
	"errors"
	"net/http"
	"time"

	"github.com/dukex/agentrun/pkg/services"
	"github.com/dukex/agentrun/pkg/stream"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type APIHandlers struct {
	orchestrator *services.Orchestrator
	validator    *validator.Validate
	hub          *stream.Hub
	heartbeat    time.Duration
}

func NewAPIHandlers(
	orchestrator *services.Orchestrator,
	validator *validator.Validate,
	hub *stream.Hub,
) *APIHandlers {
	return &APIHandlers{
		orchestrator: orchestrator,
		validator:    validator,
		hub:          hub,
		heartbeat:    stream.HeartbeatInterval,
	}
}

// WithHeartbeat overrides the keep-alive interval of the push channel.
func (h *APIHandlers) WithHeartbeat(interval time.Duration) *APIHandlers {
	h.heartbeat = interval

	return h
}

// Register mounts every endpoint on router.
func (h *APIHandlers) Register(router fiber.Router) {
	w := router.Group("/workflows")
	w.Get("/", h.GetWorkflows)
	w.Post("/", h.CreateWorkflow)
	w.Get("/:id", h.GetWorkflow)
	w.Patch("/:id/steps/:stepId", h.PatchStep)
	w.Post("/:id/steps/reorder", h.ReorderSteps)
	w.Get("/:id/runs", h.GetWorkflowRuns)
	w.Post("/:id/runs", h.StartRun)

	r := router.Group("/runs")
	r.Get("/:id", h.GetRun)
	r.Post("/:id/advance", h.AdvanceRun)
	r.Post("/:id/approve", h.ApproveRun)
	r.Post("/:id/reject", h.RejectRun)
	r.Post("/:id/cancel", h.CancelRun)
	r.Post("/:id/input", h.SubmitInput)
	r.Post("/:id/outputs", h.SubmitOutputs)
	r.Post("/:id/events", h.IngestEvent)
	r.Get("/:id/logs", h.GetRunLogs)
	r.Get("/:id/artifacts", h.GetRunArtifacts)
	r.Get("/:id/artifacts/quarantine", h.GetQuarantinedArtifacts)
	r.Post("/:id/artifacts/:artifactId/release", h.ReleaseArtifact)

	s := router.Group("/stream")
	s.Post("/token", h.IssueStreamToken)
	s.Get("/:requestId", h.Stream)

	router.Get("/health", h.HealthCheck)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	storeCheck, ok := h.orchestrator.HealthCheck(c.Context())

	status := "unhealthy"
	message := "agentrun API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if ok {
		status = "healthy"
		message = "agentrun API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"store": storeCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	workflows := h.orchestrator.Workflows()

	return c.JSON(fiber.Map{
		"workflows":   workflows,
		"total_count": len(workflows),
	})
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var req CreateWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	created, err := h.orchestrator.CreateWorkflow(c.Context(), req.ToWorkflow())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	workflow, err := h.orchestrator.Workflow(c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) PatchStep(c fiber.Ctx) error {
	var req PatchStepRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	workflow, err := h.orchestrator.PatchStep(c.Context(), c.Params("id"), c.Params("stepId"), req.Params)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) ReorderSteps(c fiber.Ctx) error {
	var req ReorderStepsRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	workflow, err := h.orchestrator.ReorderSteps(c.Context(), c.Params("id"), req.StepIDs)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) GetWorkflowRuns(c fiber.Ctx) error {
	runs, err := h.orchestrator.RunsByWorkflow(c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"runs":        runs,
		"total_count": len(runs),
	})
}

func (h *APIHandlers) StartRun(c fiber.Ctx) error {
	view, err := h.orchestrator.StartRun(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(view)
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	view, err := h.orchestrator.Run(c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(view)
}

func (h *APIHandlers) AdvanceRun(c fiber.Ctx) error {
	if _, err := h.orchestrator.Advance(c.Context(), c.Params("id")); err != nil {
		return handleServiceError(c, err)
	}

	return h.GetRun(c)
}

func (h *APIHandlers) ApproveRun(c fiber.Ctx) error {
	if _, err := h.orchestrator.Approve(c.Context(), c.Params("id")); err != nil {
		return handleServiceError(c, err)
	}

	return h.GetRun(c)
}

func (h *APIHandlers) RejectRun(c fiber.Ctx) error {
	var req RejectRunRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if _, err := h.orchestrator.Reject(c.Context(), c.Params("id"), req.Reason); err != nil {
		return handleServiceError(c, err)
	}

	return h.GetRun(c)
}

func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	if _, err := h.orchestrator.Cancel(c.Context(), c.Params("id")); err != nil {
		return handleServiceError(c, err)
	}

	return h.GetRun(c)
}

func (h *APIHandlers) SubmitInput(c fiber.Ctx) error {
	var req services.InputRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	result, rc, err := h.orchestrator.SubmitInput(c.Context(), c.Params("id"), req)
	if errors.Is(err, services.ErrInputBlocked) {
		return guardrailViolation(c, err.Error(), result.Errors)
	}

	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(InputResponse{Result: result, Context: rc})
}

func (h *APIHandlers) SubmitOutputs(c fiber.Ctx) error {
	var req SubmitOutputsRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	results, err := h.orchestrator.SubmitOutput(c.Context(), c.Params("id"), req.Outputs)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"results": results})
}

// IngestEvent accepts one push-channel event from an executor that posts its
// events instead of serving a stream.
func (h *APIHandlers) IngestEvent(c fiber.Ctx) error {
	update, err := stream.Decode(c.Body(), c.Params("id"))
	if err != nil {
		return badRequest(c, err.Error())
	}

	if update.Run() != c.Params("id") {
		return badRequest(c, "event run_id does not match the path")
	}

	if err := h.orchestrator.ApplyUpdate(c.Context(), update); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) GetRunLogs(c fiber.Ctx) error {
	logs, err := h.orchestrator.Logs(c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"logs": logs})
}

func (h *APIHandlers) GetRunArtifacts(c fiber.Ctx) error {
	artifacts, err := h.orchestrator.Artifacts(c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"artifacts": artifacts})
}

func (h *APIHandlers) GetQuarantinedArtifacts(c fiber.Ctx) error {
	artifacts, err := h.orchestrator.QuarantinedArtifacts(c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"artifacts": artifacts})
}

func (h *APIHandlers) ReleaseArtifact(c fiber.Ctx) error {
	artifact, err := h.orchestrator.ReleaseArtifact(c.Context(), c.Params("id"), c.Params("artifactId"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(artifact)
}

func (h *APIHandlers) IssueStreamToken(c fiber.Ctx) error {
	var req StreamTokenRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	token, err := h.orchestrator.IssueStreamToken(c.Context(), req.RequestID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(token)
}
