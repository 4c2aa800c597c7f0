// Package hitl decides whether a proposal needs explicit human sign-off.
package hitl

import (
	"math"
	"slices"

	"github.com/dukex/agentrun/pkg/models"
)

// Rule combines the two auto-approval conditions.
type Rule string

const (
	// RuleAny auto-approves when the cost is under the ceiling OR there are no risk flags.
	RuleAny Rule = "any"
	// RuleAll requires both conditions.
	RuleAll Rule = "all"
)

const expandOp = "expand"

// Config is the HITL configuration surface.
type Config struct {
	MandatoryOps              []string `json:"mandatory_ops"                 yaml:"mandatory_ops"`
	AutoApproveCostCeilingUSD float64  `json:"auto_approve_cost_ceiling_usd" yaml:"auto_approve_cost_ceiling_usd" validate:"gte=0"`
	AutoApproveRule           Rule     `json:"auto_approve_rule"             yaml:"auto_approve_rule"             validate:"omitempty,oneof=any all"`
	BaseWidth                 int      `json:"base_width"                    yaml:"base_width"                    validate:"gt=0"`
	BaseHeight                int      `json:"base_height"                   yaml:"base_height"                   validate:"gt=0"`
	// DriftFlagPercent is the drift above which a proposal gets the high_drift risk flag. Zero disables it.
	DriftFlagPercent float64 `json:"drift_flag_percent" yaml:"drift_flag_percent" validate:"gte=0,lte=100"`
}

// DefaultConfig returns the stock HITL configuration.
func DefaultConfig() Config {
	return Config{
		MandatoryOps:              []string{"expand", "gen_fill", "video", "8k", "exr"},
		AutoApproveCostCeilingUSD: 0.10,
		AutoApproveRule:           RuleAny,
		BaseWidth:                 1024,
		BaseHeight:                1024,
		DriftFlagPercent:          50,
	}
}

// Decision explains a RequiresApproval verdict.
type Decision struct {
	RequiresApproval bool     `json:"requires_approval"`
	MandatoryOps     []string `json:"mandatory_ops,omitempty"`
	Reason           string   `json:"reason"`
	Drift            float64  `json:"drift"`
}

// Policy evaluates proposals against a Config.
type Policy struct {
	config Config
}

func NewPolicy(config Config) *Policy {
	if config.AutoApproveRule == "" {
		config.AutoApproveRule = RuleAny
	}

	return &Policy{config: config}
}

// Config returns the configuration the policy was built with.
func (p *Policy) Config() Config {
	return p.config
}

// RequiresApproval reports whether a human must approve the proposal.
func (p *Policy) RequiresApproval(proposal models.Proposal) bool {
	return p.Evaluate(proposal).RequiresApproval
}

// Evaluate returns the approval verdict with its reason. A mandatory-approval
// operation always requires approval; cost and risk thresholds can't override it.
func (p *Policy) Evaluate(proposal models.Proposal) Decision {
	decision := Decision{Drift: p.CalculateDrift(proposal)}

	if mandatory := p.mandatoryOps(proposal); len(mandatory) > 0 {
		decision.RequiresApproval = true
		decision.MandatoryOps = mandatory
		decision.Reason = "proposal contains mandatory-approval operations"

		return decision
	}

	underCeiling := proposal.EstimatedCostUSD < p.config.AutoApproveCostCeilingUSD
	noRisk := len(proposal.RiskFlags) == 0

	var autoApprove bool

	switch p.config.AutoApproveRule {
	case RuleAll:
		autoApprove = underCeiling && noRisk
	default:
		autoApprove = underCeiling || noRisk
	}

	switch {
	case autoApprove && underCeiling:
		decision.Reason = "estimated cost is under the auto-approve ceiling"
	case autoApprove:
		decision.Reason = "proposal has no risk flags"
	default:
		decision.RequiresApproval = true
		decision.Reason = "auto-approve thresholds not met"
	}

	return decision
}

// CalculateDrift estimates composition change in percent from expand steps
// only: total expanded area over the base image area, capped at 100.
func (p *Policy) CalculateDrift(proposal models.Proposal) float64 {
	baseArea := float64(p.config.BaseWidth) * float64(p.config.BaseHeight)
	if baseArea <= 0 {
		return 0
	}

	var expanded float64

	for _, step := range proposal.Steps {
		if step.Op != expandOp || step.Pixels <= 0 {
			continue
		}

		expanded += float64(step.Pixels) * float64(step.Pixels)
	}

	return math.Min(expanded/baseArea*100, 100)
}

// ExceedsDriftThreshold reports whether the drift warrants a risk flag.
func (p *Policy) ExceedsDriftThreshold(drift float64) bool {
	return p.config.DriftFlagPercent > 0 && drift > p.config.DriftFlagPercent
}

func (p *Policy) mandatoryOps(proposal models.Proposal) []string {
	var found []string

	for _, step := range proposal.Steps {
		if slices.Contains(p.config.MandatoryOps, step.Op) && !slices.Contains(found, step.Op) {
			found = append(found, step.Op)
		}
	}

	return found
}
