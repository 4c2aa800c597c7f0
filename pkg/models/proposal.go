package models

// ProposalStep is one operation a planner intends to run.
type ProposalStep struct {
	ID     string         `json:"id"`
	Op     string         `json:"op"               validate:"required"`
	Pixels int            `json:"pixels,omitempty" validate:"min=0"`
	Params map[string]any `json:"params,omitempty"`
}

// Proposal is a planner's output awaiting gating before execution. A proposal
// is not edited after it has been evaluated; edits produce a new Version.
type Proposal struct {
	Agent            string             `json:"agent"`
	Intent           string             `json:"intent"`
	Version          int                `json:"version"`
	EstimatedCostUSD float64            `json:"estimated_cost_usd" validate:"min=0"`
	Steps            []ProposalStep     `json:"steps"              validate:"dive"`
	RiskFlags        []string           `json:"risk_flags"`
	Determinism      DeterminismContext `json:"determinism"`
}

// Ops returns the operation of every step in order.
func (p *Proposal) Ops() []string {
	ops := make([]string, 0, len(p.Steps))
	for _, step := range p.Steps {
		ops = append(ops, step.Op)
	}

	return ops
}

// WithRiskFlag returns a new version of the proposal carrying the extra flag.
func (p Proposal) WithRiskFlag(flag string) Proposal {
	for _, f := range p.RiskFlags {
		if f == flag {
			return p
		}
	}

	p.RiskFlags = append(append([]string{}, p.RiskFlags...), flag)
	p.Version++

	return p
}
