package guardrails

import (
	"fmt"
	"slices"
	"strings"
)

// ValidateInput checks an uploaded source asset. A moderation flag wins over
// every other finding and is reported alone.
func (e *Engine) ValidateInput(format string, sizeMB float64, moderationFlagged bool) Result {
	if moderationFlagged {
		return Result{
			Valid: false,
			State: StateBlocked,
			Errors: []Violation{{
				Code:    CodeModerationBlocked,
				Message: "input was flagged by moderation",
			}},
		}
	}

	var violations []Violation

	normalized := normalizeFormat(format)
	if !slices.Contains(normalizeFormats(e.config.Input.AllowedFormats), normalized) {
		violations = append(violations, Violation{
			Code:     CodeUnsupportedFormat,
			Message:  fmt.Sprintf("format %q is not supported", format),
			Metadata: map[string]any{"format": normalized},
		})
	}

	if sizeMB > e.config.Input.MaxSizeMB {
		violations = append(violations, Violation{
			Code:    CodeFileTooLarge,
			Message: fmt.Sprintf("file is %.2fMB, limit is %.2fMB", sizeMB, e.config.Input.MaxSizeMB),
			Metadata: map[string]any{
				"size_mb":     sizeMB,
				"max_size_mb": e.config.Input.MaxSizeMB,
			},
		})
	}

	if len(violations) > 0 {
		return Result{Valid: false, State: StateBlocked, Errors: violations}
	}

	return passed()
}

func normalizeFormat(format string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(format)), ".")
}

func normalizeFormats(formats []string) []string {
	out := make([]string, len(formats))
	for i, f := range formats {
		out[i] = normalizeFormat(f)
	}

	return out
}
