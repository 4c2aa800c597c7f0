package capability

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"maps"
	"time"

	"github.com/dukex/agentrun/pkg/models"
)

// WorkflowLookup loads the workflow a run belongs to.
type WorkflowLookup func(ctx context.Context, workflowID string) (*models.Workflow, error)

// LocalConfig tunes the built-in capabilities used when no remote worker is configured.
type LocalConfig struct {
	ModelVersion string
	// OpCostUSD is the estimated cost per operation; unknown ops use DefaultOpCostUSD.
	OpCostUSD        map[string]float64
	DefaultOpCostUSD float64
}

// DefaultLocalConfig returns the stock cost table.
func DefaultLocalConfig() LocalConfig {
	return LocalConfig{
		ModelVersion: "local-1",
		OpCostUSD: map[string]float64{
			"recolor":  0.02,
			"upscale":  0.03,
			"expand":   0.05,
			"gen_fill": 0.08,
			"8k":       0.20,
			"exr":      0.04,
			"video":    0.50,
		},
		DefaultOpCostUSD: 0.02,
	}
}

// RegisterLocal binds the built-in analyzer, planner and executor.
func RegisterLocal(r *Registry, lookup WorkflowLookup, config LocalConfig) error {
	for _, c := range []Capability{
		NewLocalAnalyzer(lookup),
		NewLocalPlanner(lookup, config),
		NewLocalExecutor(),
	} {
		if err := r.Register(c); err != nil {
			return err
		}
	}

	return nil
}

// NewLocalAnalyzer summarises the workflow into the run's analysis.
func NewLocalAnalyzer(lookup WorkflowLookup) Capability {
	return Func{K: KindAnalyzer, Fn: func(ctx context.Context, rc models.RunContext) (models.RunContext, error) {
		workflow, err := lookup(ctx, rc.WorkflowID)
		if err != nil {
			return rc, fmt.Errorf("analyzer: %w", err)
		}

		tools := make([]string, 0, len(workflow.Plan))
		for _, step := range workflow.Plan {
			tools = append(tools, step.Tool)
		}

		rc.Analysis = map[string]any{
			"goal":       workflow.Goal,
			"media_type": string(workflow.MediaType),
			"step_count": len(workflow.Plan),
			"tools":      tools,
		}
		rc.MediaType = workflow.MediaType

		return rc, nil
	}}
}

// NewLocalPlanner turns the workflow plan into a proposal with a locked
// determinism context derived from the run and the goal.
func NewLocalPlanner(lookup WorkflowLookup, config LocalConfig) Capability {
	return Func{K: KindPlanner, Fn: func(ctx context.Context, rc models.RunContext) (models.RunContext, error) {
		workflow, err := lookup(ctx, rc.WorkflowID)
		if err != nil {
			return rc, fmt.Errorf("planner: %w", err)
		}

		workflow = workflow.Clone()
		workflow.SortPlan()

		version := 1
		if rc.Proposal != nil {
			version = rc.Proposal.Version + 1
		}

		promptHash := sha256.Sum256([]byte(workflow.Goal))
		seed := fnv.New64a()
		_, _ = seed.Write([]byte(rc.ID))

		proposal := models.Proposal{
			Agent:   rc.AgentID,
			Intent:  workflow.Goal,
			Version: version,
			Determinism: models.DeterminismContext{
				Seed:         int64(seed.Sum64() >> 1),
				PromptHash:   hex.EncodeToString(promptHash[:]),
				ModelVersion: config.ModelVersion,
				Locked:       true,
			},
		}

		for _, step := range workflow.Plan {
			cost, ok := config.OpCostUSD[step.Tool]
			if !ok {
				cost = config.DefaultOpCostUSD
			}

			proposal.EstimatedCostUSD += cost
			proposal.Steps = append(proposal.Steps, models.ProposalStep{
				ID:     step.ID,
				Op:     step.Tool,
				Pixels: intParam(step.Params, "pixels"),
				Params: step.Params,
			})
		}

		rc.Proposal = &proposal
		rc.EstimatedCostUSD = proposal.EstimatedCostUSD
		rc.Determinism = proposal.Determinism

		return rc, nil
	}}
}

// NewLocalExecutor accepts the job; progress and the terminal outcome arrive
// later as push events.
func NewLocalExecutor() Capability {
	return Func{K: KindExecutor, Fn: func(_ context.Context, rc models.RunContext) (models.RunContext, error) {
		rc.Analysis = maps.Clone(rc.Analysis)
		if rc.Analysis == nil {
			rc.Analysis = map[string]any{}
		}

		rc.Analysis["submitted_at"] = time.Now().UTC().Format(time.RFC3339)

		return rc, nil
	}}
}

func intParam(params map[string]any, name string) int {
	switch v := params[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
