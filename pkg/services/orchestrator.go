package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/agentrun/pkg/coordinator"
	"github.com/dukex/agentrun/pkg/eventbus"
	"github.com/dukex/agentrun/pkg/guardrails"
	"github.com/dukex/agentrun/pkg/models"
	"github.com/dukex/agentrun/pkg/statemachine"
	"github.com/dukex/agentrun/pkg/store"
	"github.com/dukex/agentrun/pkg/stream"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// DefaultAgentID names the agent recorded on runs when none is configured.
const DefaultAgentID = "agentrun"

type Option func(*Orchestrator)

// WithEventBus publishes run events on bus.
func WithEventBus(bus eventbus.EventPublisher) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// WithCoordinator lets cancellation abort the run's in-flight capability calls.
func WithCoordinator(coord *coordinator.Coordinator) Option {
	return func(o *Orchestrator) { o.coord = coord }
}

// WithTokenStore enables stream token issuance.
func WithTokenStore(tokens stream.TokenStore, ttl time.Duration) Option {
	return func(o *Orchestrator) {
		o.tokens = tokens
		o.tokenTTL = ttl
	}
}

// WithUpstream subscribes every executing run to the executor's push channel
// and applies what arrives.
func WithUpstream(streams *stream.Manager) Option {
	return func(o *Orchestrator) { o.upstream = streams }
}

func WithAgentID(agentID string) Option {
	return func(o *Orchestrator) { o.agentID = agentID }
}

type Orchestrator struct {
	logger   *slog.Logger
	store    *store.Store
	machine  *statemachine.Machine
	engine   *guardrails.Engine
	validate *validator.Validate
	bus      eventbus.EventPublisher
	coord    *coordinator.Coordinator
	tokens   stream.TokenStore
	tokenTTL time.Duration
	upstream *stream.Manager
	agentID  string
}

func NewOrchestrator(logger *slog.Logger, st *store.Store, machine *statemachine.Machine, engine *guardrails.Engine, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		logger:   logger.With("module", "orchestrator"),
		store:    st,
		machine:  machine,
		engine:   engine,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		bus:      nopPublisher{},
		tokenTTL: stream.DefaultTokenTTL,
		agentID:  DefaultAgentID,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// HealthCheck checks the health of the run store.
func (o *Orchestrator) HealthCheck(ctx context.Context) (string, bool) {
	if o.store == nil {
		return "Run store not initialized", false
	}

	if err := o.store.HealthCheck(ctx); err != nil {
		return "Run store is unhealthy: " + err.Error(), false
	}

	return "Run store is healthy", true
}

// CreateWorkflow validates and stores a new workflow. Step IDs are generated
// when missing and step order follows the position in the plan.
func (o *Orchestrator) CreateWorkflow(ctx context.Context, workflow *models.Workflow) (*models.Workflow, error) {
	if workflow == nil {
		return nil, NewValidationError("create_workflow", "INVALID_REQUEST", "workflow is required", ErrInvalidRequest)
	}

	if err := o.validate.Struct(workflow); err != nil {
		return nil, NewValidationError("create_workflow", "INVALID_REQUEST", err.Error(), ErrInvalidRequest)
	}

	if len(workflow.Plan) == 0 {
		return nil, NewValidationError("create_workflow", "EMPTY_PLAN", "", ErrEmptyPlan)
	}

	seen := make(map[string]bool, len(workflow.Plan))

	for i, step := range workflow.Plan {
		if step == nil {
			return nil, NewValidationError("create_workflow", "INVALID_REQUEST", fmt.Sprintf("plan step %d is empty", i), ErrInvalidRequest)
		}

		if err := o.validate.Struct(step); err != nil {
			return nil, NewValidationError("create_workflow", "INVALID_REQUEST", err.Error(), ErrInvalidRequest)
		}

		if step.ID == "" {
			step.ID = uuid.New().String()
		}

		if seen[step.ID] {
			return nil, NewValidationError("create_workflow", "DUPLICATE_STEP", step.ID, ErrDuplicateStep)
		}

		seen[step.ID] = true
		step.Order = i

		if err := o.engine.ValidateStepParams(step.Tool, step.Params); err != nil {
			return nil, NewValidationError("create_workflow", "INVALID_STEP_PARAMS", err.Error(), err)
		}
	}

	if workflow.ID == "" {
		workflow.ID = uuid.New().String()
	}

	if err := o.store.CreateWorkflow(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}

	o.logger.InfoContext(ctx, "Workflow created", "workflow_id", workflow.ID, "steps", len(workflow.Plan))

	return o.store.Workflow(workflow.ID)
}

func (o *Orchestrator) Workflow(id string) (*models.Workflow, error) {
	return o.store.Workflow(id)
}

func (o *Orchestrator) Workflows() []*models.Workflow {
	return o.store.Workflows()
}

// PatchStep merges patch into a step's params. A locked field or a schema
// violation refuses the whole patch.
func (o *Orchestrator) PatchStep(ctx context.Context, workflowID, stepID string, patch map[string]any) (*models.Workflow, error) {
	workflow, err := o.store.PatchStepParams(ctx, workflowID, stepID, patch, o.engine.ValidateStepParams)
	if err != nil {
		return nil, err
	}

	o.logger.InfoContext(ctx, "Plan step patched", "workflow_id", workflowID, "step_id", stepID)

	return workflow, nil
}

// ReorderSteps reorders the plan. stepIDs must list every step exactly once.
func (o *Orchestrator) ReorderSteps(ctx context.Context, workflowID string, stepIDs []string) (*models.Workflow, error) {
	workflow, err := o.store.ReorderSteps(ctx, workflowID, stepIDs)
	if err != nil {
		return nil, err
	}

	o.logger.InfoContext(ctx, "Plan reordered", "workflow_id", workflowID)

	return workflow, nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, eventbus.Event) error {
	return nil
}
