package guardrails

import (
	"fmt"
	"slices"
)

// Asset describes a produced output presented to the output checkpoint.
type Asset struct {
	ID                string `json:"id"`
	Format            string `json:"format"`
	HasAlpha          bool   `json:"has_alpha"`
	ModerationFlagged bool   `json:"moderation_flagged"`
}

// ValidateOutput checks a produced asset. Moderation-flagged assets are
// quarantined (held, not discarded) regardless of any other finding.
func (e *Engine) ValidateOutput(asset Asset) Result {
	if asset.ModerationFlagged {
		return Result{
			Valid: false,
			State: StateQuarantined,
			Errors: []Violation{{
				Code:     CodeQuarantined,
				Message:  "output was flagged by moderation and is held for review",
				Metadata: map[string]any{"asset_id": asset.ID},
			}},
		}
	}

	format := normalizeFormat(asset.Format)
	if slices.Contains(normalizeFormats(e.config.Output.AlphaRequiredFormats), format) && !asset.HasAlpha {
		return Result{
			Valid: false,
			State: StateFlagged,
			Errors: []Violation{{
				Code:     CodeEXRAlphaMissing,
				Message:  fmt.Sprintf("%s output is missing its alpha channel", format),
				Metadata: map[string]any{"asset_id": asset.ID, "format": format},
			}},
		}
	}

	return passed()
}
