package web

import (
	"errors"

	"github.com/dukex/agentrun/pkg/guardrails"
	"github.com/dukex/agentrun/pkg/services"
	"github.com/dukex/agentrun/pkg/store"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func problem(c fiber.Ctx, status int, problemType, detail string) error {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(status).JSON(p)
}

func badRequest(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusBadRequest, "validation_error", detail)
}

func notFound(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusNotFound, "not_found", detail)
}

func conflict(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusConflict, "conflict", detail)
}

func unauthorized(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusUnauthorized, "invalid_stream_token", detail)
}

func internalError(c fiber.Ctx, err error) error {
	p := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(p)
}

// guardrailProblem is a 422 problem document that also lists the violation codes.
type guardrailProblem struct {
	*problems.Problem

	Errors []guardrails.Violation `json:"errors,omitempty"`
}

func guardrailViolation(c fiber.Ctx, detail string, violations []guardrails.Violation) error {
	p := guardrailProblem{
		Problem: problems.NewStatusProblem(fiber.StatusUnprocessableEntity).
			WithInstance(c.Path()).
			WithType("guardrail_violation").
			WithDetail(detail),
		Errors: violations,
	}

	return c.Status(fiber.StatusUnprocessableEntity).JSON(p)
}

// handleServiceError provides typed error handling for service layer errors.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case services.IsValidationError(err):
		return badRequest(c, err.Error())

	case services.IsNotFoundError(err):
		switch {
		case store.IsWorkflowNotFound(err):
			return problem(c, fiber.StatusNotFound, "workflow_not_found", "workflow not found")
		case store.IsRunNotFound(err):
			return problem(c, fiber.StatusNotFound, "run_not_found", "run not found")
		case errors.Is(err, store.ErrStepNotFound):
			return problem(c, fiber.StatusNotFound, "step_not_found", "plan step not found")
		default:
			return notFound(c, err.Error())
		}

	case services.IsUnauthorizedError(err):
		return unauthorized(c, err.Error())

	case services.IsGuardrailError(err):
		var violations []guardrails.Violation
		if limitErr, ok := guardrails.AsLimitError(err); ok {
			violations = []guardrails.Violation{limitErr.Violation}
		}

		return guardrailViolation(c, err.Error(), violations)

	case services.IsConflictError(err):
		return conflict(c, err.Error())

	case services.IsCapabilityError(err):
		return problem(c, fiber.StatusBadGateway, "capability_failed", err.Error())

	case errors.Is(err, services.ErrStreamUnavailable):
		return problem(c, fiber.StatusServiceUnavailable, "stream_unavailable", err.Error())

	default:
		// Log unexpected errors but don't expose details
		return internalError(c, err)
	}
}
