package statemachine

import (
	"github.com/dukex/agentrun/pkg/capability"
	"github.com/dukex/agentrun/pkg/models"
)

// Rule is one edge of the routing table.
type Rule struct {
	From          models.AgentState
	To            models.AgentState
	RequiresHuman bool
	Capability    capability.Kind
	// Condition must hold for the edge to fire. A false condition is not an error.
	Condition func(rc models.RunContext) bool
}

func inputAccepted(rc models.RunContext) bool {
	return rc.InputAccepted
}

func executionSucceeded(rc models.RunContext) bool {
	return rc.Outcome == models.OutcomeSucceeded
}

// DefaultRoutes returns the forward routing table. FAILED, STOPPED and
// REJECTED are reached out of band and have no forward edge.
func DefaultRoutes() []Rule {
	return []Rule{
		{From: models.AgentStateCreated, To: models.AgentStateRegistered, Condition: inputAccepted},
		{From: models.AgentStateRegistered, To: models.AgentStateAnalyzed, Capability: capability.KindAnalyzer},
		{From: models.AgentStateAnalyzed, To: models.AgentStateProposed, Capability: capability.KindPlanner},
		{From: models.AgentStateProposed, To: models.AgentStateApproved, RequiresHuman: true},
		{From: models.AgentStateApproved, To: models.AgentStateExecuting, Capability: capability.KindExecutor},
		{From: models.AgentStateExecuting, To: models.AgentStateCompleted, Condition: executionSucceeded},
	}
}
