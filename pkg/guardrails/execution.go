package guardrails

import (
	"fmt"

	"github.com/dukex/agentrun/pkg/models"
)

// Usage is the caller's view of current resource consumption at the moment a
// run asks to start executing.
type Usage struct {
	ExecutingRuns    int
	StartsLastMinute int
	// GPUSecondsRemaining is nil when no GPU quota applies.
	GPUSecondsRemaining *float64
}

// EnforceExecutionLimits is the fail-fast checkpoint in front of EXECUTING.
// It returns the first limit hit as a *LimitError.
func (e *Engine) EnforceExecutionLimits(rc models.RunContext, usage Usage) error {
	limits := e.config.Execution

	if !rc.Determinism.Locked {
		return &LimitError{Violation{
			Code:    CodeNonDeterministicRun,
			Message: "determinism context must be locked before execution",
			Metadata: map[string]any{
				"seed":          rc.Determinism.Seed,
				"model_version": rc.Determinism.ModelVersion,
			},
		}}
	}

	if rc.EstimatedCostUSD > limits.MaxCostUSD {
		return &LimitError{Violation{
			Code:    CodeCostLimitExceeded,
			Message: fmt.Sprintf("estimated cost $%.2f exceeds the $%.2f ceiling", rc.EstimatedCostUSD, limits.MaxCostUSD),
			Metadata: map[string]any{
				"estimated_cost_usd": rc.EstimatedCostUSD,
				"max_cost_usd":       limits.MaxCostUSD,
			},
		}}
	}

	if limits.MaxConcurrentRuns > 0 && usage.ExecutingRuns >= limits.MaxConcurrentRuns {
		return &LimitError{Violation{
			Code:     CodeConcurrencyLimit,
			Message:  fmt.Sprintf("%d runs already executing", usage.ExecutingRuns),
			Metadata: map[string]any{"max_concurrent_runs": limits.MaxConcurrentRuns},
		}}
	}

	if limits.MaxStartsPerMinute > 0 && usage.StartsLastMinute >= limits.MaxStartsPerMinute {
		return &LimitError{Violation{
			Code:     CodeRateLimitExceeded,
			Message:  fmt.Sprintf("%d runs started in the last minute", usage.StartsLastMinute),
			Metadata: map[string]any{"max_starts_per_minute": limits.MaxStartsPerMinute},
		}}
	}

	if usage.GPUSecondsRemaining != nil && *usage.GPUSecondsRemaining <= 0 {
		return &LimitError{Violation{
			Code:    CodeGPUQuotaExceeded,
			Message: "GPU quota exhausted",
		}}
	}

	return nil
}
