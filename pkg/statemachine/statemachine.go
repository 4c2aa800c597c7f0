// Package statemachine drives a run context through its lifecycle.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/agentrun/pkg/capability"
	"github.com/dukex/agentrun/pkg/coordinator"
	"github.com/dukex/agentrun/pkg/guardrails"
	"github.com/dukex/agentrun/pkg/hitl"
	"github.com/dukex/agentrun/pkg/models"
	"github.com/dukex/agentrun/pkg/otelhelper"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RiskFlagHighDrift is added to a proposal whose drift exceeds the HITL threshold.
const RiskFlagHighDrift = "high_drift"

// Error codes recorded on a failed or stopped run that are not guardrail codes.
const (
	CodeCapabilityFailed = "CAPABILITY_FAILED"
	CodeCancelled        = "CANCELLED"
)

var (
	ErrTerminalState     = errors.New("run is in a terminal state")
	ErrInvalidTransition = errors.New("transition not allowed")
	ErrDuplicateRoute    = errors.New("duplicate route")
)

// UsageProvider reports current resource usage for the execution checkpoint.
type UsageProvider interface {
	Usage(ctx context.Context) (guardrails.Usage, error)
}

type noUsage struct{}

func (noUsage) Usage(context.Context) (guardrails.Usage, error) {
	return guardrails.Usage{}, nil
}

// Option configures a Machine.
type Option func(*Machine)

// WithUsage sets the provider consulted before entering EXECUTING.
func WithUsage(usage UsageProvider) Option {
	return func(m *Machine) { m.usage = usage }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithRoutes replaces the routing table.
func WithRoutes(routes []Rule) Option {
	return func(m *Machine) { m.routeList = routes }
}

// Machine is stateless with respect to runs: every call takes a context by
// value and returns the next one. Callers serialize calls per run.
type Machine struct {
	logger       *slog.Logger
	capabilities *capability.Registry
	engine       *guardrails.Engine
	policy       *hitl.Policy
	usage        UsageProvider
	now          func() time.Time
	tracer       trace.Tracer
	routeList    []Rule
	routes       map[models.AgentState]Rule
}

func New(logger *slog.Logger, capabilities *capability.Registry, engine *guardrails.Engine, policy *hitl.Policy, opts ...Option) (*Machine, error) {
	m := &Machine{
		logger:       logger.With("module", "statemachine"),
		capabilities: capabilities,
		engine:       engine,
		policy:       policy,
		usage:        noUsage{},
		now:          time.Now,
		tracer:       otelhelper.Tracer("agentrun/statemachine"),
		routeList:    DefaultRoutes(),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.routes = make(map[models.AgentState]Rule, len(m.routeList))
	for _, rule := range m.routeList {
		if _, exists := m.routes[rule.From]; exists {
			return nil, fmt.Errorf("%w from %s", ErrDuplicateRoute, rule.From)
		}

		if rule.Capability != capability.KindNone && !rule.Capability.Valid() {
			return nil, fmt.Errorf("%w: %q", capability.ErrInvalidKind, rule.Capability)
		}

		m.routes[rule.From] = rule
	}

	return m, nil
}

// Route returns the rule leaving state, if any.
func (m *Machine) Route(state models.AgentState) (Rule, bool) {
	rule, ok := m.routes[state]

	return rule, ok
}

// Advance applies the rule leaving rc.State.
//
// Without a rule the context comes back unchanged. A human-gated rule either
// auto-approves through the HITL policy or parks the context with Blocked set.
// A false condition leaves the context unchanged. A failing capability or
// execution checkpoint moves the context to FAILED and returns the error along
// with the failed context. A capability call cancelled through the coordinator
// leaves the context where it was.
func (m *Machine) Advance(ctx context.Context, rc models.RunContext) (models.RunContext, error) {
	rule, ok := m.routes[rc.State]
	if !ok {
		return rc, nil
	}

	ctx, span := otelhelper.StartSpan(ctx, m.tracer, "statemachine.advance",
		attribute.String(otelhelper.RunIDKey, rc.ID),
		attribute.String(otelhelper.WorkflowIDKey, rc.WorkflowID),
		attribute.String(otelhelper.AgentIDKey, rc.AgentID),
		attribute.String(otelhelper.StateFromKey, string(rc.State)),
	)
	defer span.End()

	logger := m.logger.With("run_id", rc.ID, "from", rc.State, "to", rule.To)

	if rule.RequiresHuman && !rc.HumanApproved {
		rc = m.gate(rc)
		if !rc.HumanApproved {
			logger.InfoContext(ctx, "Run parked for human approval")

			return rc, nil
		}

		logger.InfoContext(ctx, "Proposal auto-approved")
	}

	if rule.Condition != nil && !rule.Condition(rc) {
		return rc, nil
	}

	if rule.To == models.AgentStateExecuting {
		if err := m.enforceLimits(ctx, rc); err != nil {
			limitErr, _ := guardrails.AsLimitError(err)
			if limitErr != nil {
				otelhelper.SetGuardrailError(span, string(limitErr.Code), err)
				logger.WarnContext(ctx, "Execution blocked by guardrail", "code", limitErr.Code)

				return m.fail(rc, string(limitErr.Code), limitErr.Message), err
			}

			otelhelper.SetError(span, err)

			return m.fail(rc, CodeCapabilityFailed, err.Error()), err
		}
	}

	if rule.Capability != capability.KindNone {
		span.SetAttributes(attribute.String(otelhelper.CapabilityKey, string(rule.Capability)))

		next, err := m.invoke(ctx, rule.Capability, rc)
		if errors.Is(err, coordinator.ErrCancelled) {
			logger.InfoContext(ctx, "Capability call cancelled", "capability", rule.Capability)

			return rc, err
		}

		if err != nil {
			otelhelper.SetError(span, err)
			logger.ErrorContext(ctx, "Capability failed", "capability", rule.Capability, "error", err)

			return m.fail(rc, CodeCapabilityFailed, err.Error()), err
		}

		rc = next
	}

	from := rc.State
	rc.State = rule.To
	rc.Blocked = false
	rc.UpdatedAt = m.now().UTC()

	otelhelper.SetTransition(span, string(from), string(rule.To))
	logger.InfoContext(ctx, "Run advanced")

	return rc, nil
}

// gate decides whether a proposal may pass the human gate without a human.
func (m *Machine) gate(rc models.RunContext) models.RunContext {
	rc.Violations = nil

	if rc.Proposal == nil || (rc.Mode != "" && rc.Mode != models.WorkflowModeAuto) {
		rc.Blocked = true

		return rc
	}

	proposal := *rc.Proposal
	if m.policy.ExceedsDriftThreshold(m.policy.CalculateDrift(proposal)) {
		proposal = proposal.WithRiskFlag(RiskFlagHighDrift)
		rc.Proposal = &proposal
	}

	planning := m.engine.ValidatePlanning(proposal, rc.MediaType)
	for _, v := range planning.Errors {
		rc.Violations = append(rc.Violations, models.RunError{Code: string(v.Code), Message: v.Message})
	}

	if !planning.Valid || m.policy.RequiresApproval(proposal) {
		rc.Blocked = true

		return rc
	}

	rc.HumanApproved = true
	rc.AutoApproved = true
	rc.Blocked = false

	return rc
}

func (m *Machine) enforceLimits(ctx context.Context, rc models.RunContext) error {
	usage, err := m.usage.Usage(ctx)
	if err != nil {
		return fmt.Errorf("failed to read usage: %w", err)
	}

	return m.engine.EnforceExecutionLimits(rc, usage)
}

func (m *Machine) invoke(ctx context.Context, kind capability.Kind, rc models.RunContext) (models.RunContext, error) {
	c, err := m.capabilities.Resolve(kind)
	if err != nil {
		return rc, err
	}

	next, err := c.Invoke(ctx, rc)
	if err != nil {
		return rc, err
	}

	// Capabilities fold results in; identity and position stay ours.
	next.ID = rc.ID
	next.WorkflowID = rc.WorkflowID
	next.State = rc.State
	next.HumanApproved = rc.HumanApproved
	next.AutoApproved = rc.AutoApproved
	next.CreatedAt = rc.CreatedAt

	return next, nil
}

func (m *Machine) fail(rc models.RunContext, code, message string) models.RunContext {
	rc.State = models.AgentStateFailed
	rc.Blocked = false
	rc.Error = &models.RunError{Code: code, Message: message}
	rc.UpdatedAt = m.now().UTC()

	return rc
}

// Approve records the human signal on a parked proposal. The caller advances
// the context afterwards.
func (m *Machine) Approve(rc models.RunContext) (models.RunContext, error) {
	if rc.State != models.AgentStateProposed {
		return rc, m.invalid(rc.State, models.AgentStateApproved)
	}

	rc.HumanApproved = true
	rc.Blocked = false
	rc.UpdatedAt = m.now().UTC()

	return rc, nil
}

// Reject ends the run at REJECTED. Only a proposal can be rejected.
func (m *Machine) Reject(rc models.RunContext, reason string) (models.RunContext, error) {
	if rc.State != models.AgentStateProposed {
		return rc, m.invalid(rc.State, models.AgentStateRejected)
	}

	rc.State = models.AgentStateRejected
	rc.Blocked = false
	rc.HumanApproved = false

	if reason != "" {
		rc.Error = &models.RunError{Code: "REJECTED", Message: reason}
	}

	rc.UpdatedAt = m.now().UTC()

	return rc, nil
}

// Fail moves a non-terminal run to FAILED.
func (m *Machine) Fail(rc models.RunContext, code, message string) (models.RunContext, error) {
	if rc.State.IsTerminal() {
		return rc, fmt.Errorf("%w: %s", ErrTerminalState, rc.State)
	}

	return m.fail(rc, code, message), nil
}

// Stop moves a non-terminal run to STOPPED.
func (m *Machine) Stop(rc models.RunContext) (models.RunContext, error) {
	if rc.State.IsTerminal() {
		return rc, fmt.Errorf("%w: %s", ErrTerminalState, rc.State)
	}

	rc.State = models.AgentStateStopped
	rc.Blocked = false
	rc.Error = &models.RunError{Code: CodeCancelled, Message: "run cancelled"}
	rc.UpdatedAt = m.now().UTC()

	return rc, nil
}

func (m *Machine) invalid(from, to models.AgentState) error {
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminalState, from)
	}

	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
