package guardrails

import (
	"fmt"
	"slices"

	"github.com/dukex/agentrun/pkg/models"
)

const expandOp = "expand"

// ValidatePlanning checks every proposed step against the media type's
// allow-list and the per-operation pixel ceilings. It never stops at the
// first problem.
func (e *Engine) ValidatePlanning(proposal models.Proposal, mediaType models.MediaType) Result {
	allowed := e.config.Planning.AllowedOps[mediaType]

	var violations []Violation

	for i, step := range proposal.Steps {
		if !slices.Contains(allowed, step.Op) {
			violations = append(violations, Violation{
				Code:    CodeOpNotAllowed,
				Message: fmt.Sprintf("operation %q is not allowed for %s", step.Op, mediaType),
				Metadata: map[string]any{
					"step_index": i,
					"op":         step.Op,
					"media_type": string(mediaType),
				},
			})
		}

		ceiling, ok := e.config.Planning.PixelCeilings[step.Op]
		if !ok || step.Pixels <= ceiling {
			continue
		}

		code := CodeOpNotAllowed
		if step.Op == expandOp {
			code = CodeExpandTooLarge
		}

		violations = append(violations, Violation{
			Code:    code,
			Message: fmt.Sprintf("%s of %dpx exceeds the %dpx ceiling", step.Op, step.Pixels, ceiling),
			Metadata: map[string]any{
				"step_index": i,
				"op":         step.Op,
				"pixels":     step.Pixels,
				"ceiling":    ceiling,
			},
		})
	}

	if len(violations) > 0 {
		return Result{Valid: false, State: StateBlocked, Errors: violations}
	}

	return passed()
}
