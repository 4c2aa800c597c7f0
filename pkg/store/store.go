// Package store is the run store: workflows, runs, run contexts, logs and
// artifacts for the lifetime of the application.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/dukex/agentrun/pkg/guardrails"
	"github.com/dukex/agentrun/pkg/models"
	"github.com/dukex/agentrun/pkg/persistence"
)

const startWindow = time.Minute

type runRecord struct {
	// serial orders Update calls for this run. It is never held together with Store.mu
	// while calling out.
	serial sync.Mutex

	run       models.Run
	rc        models.RunContext
	logs      []models.LogEntry
	artifacts []models.Artifact
	index     map[string]int
}

func (r *runRecord) snapshot() persistence.RunSnapshot {
	return persistence.RunSnapshot{
		Run:       r.run,
		Context:   r.rc,
		Logs:      slices.Clone(r.logs),
		Artifacts: slices.Clone(r.artifacts),
	}
}

// Option configures a Store.
type Option func(*Store)

// WithPersistence writes every change through to p.
func WithPersistence(p persistence.Persistence) Option {
	return func(s *Store) { s.persistence = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is safe for concurrent use. Run contexts change only through Update,
// which runs one function at a time per run.
type Store struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	now         func() time.Time

	mu        sync.RWMutex
	workflows map[string]*models.Workflow
	runs      map[string]*runRecord
	starts    []time.Time
}

func New(logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		logger:    logger.With("module", "store"),
		now:       time.Now,
		workflows: make(map[string]*models.Workflow),
		runs:      make(map[string]*runRecord),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Load fills the store from persistence.
func (s *Store) Load(ctx context.Context) error {
	if s.persistence == nil {
		return nil
	}

	workflows, err := s.persistence.Workflows(ctx)
	if err != nil {
		return fmt.Errorf("failed to load workflows: %w", err)
	}

	snapshots, err := s.persistence.Runs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load runs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, workflow := range workflows {
		s.workflows[workflow.ID] = workflow
	}

	for _, snapshot := range snapshots {
		record := &runRecord{
			run:       snapshot.Run,
			rc:        snapshot.Context,
			logs:      snapshot.Logs,
			artifacts: snapshot.Artifacts,
			index:     make(map[string]int, len(snapshot.Artifacts)),
		}

		for i, artifact := range record.artifacts {
			record.index[artifact.ID] = i
		}

		s.runs[snapshot.Run.ID] = record
	}

	s.logger.InfoContext(ctx, "Loaded run store", "workflows", len(workflows), "runs", len(snapshots))

	return nil
}

// HealthCheck reports whether the durable store is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.persistence == nil {
		return nil
	}

	return s.persistence.HealthCheck(ctx)
}

func (s *Store) saveWorkflow(ctx context.Context, workflow *models.Workflow) error {
	if s.persistence == nil {
		return nil
	}

	return s.persistence.SaveWorkflow(ctx, workflow.Clone())
}

func (s *Store) saveRun(ctx context.Context, snapshot persistence.RunSnapshot) error {
	if s.persistence == nil {
		return nil
	}

	return s.persistence.SaveRun(ctx, snapshot)
}

// CreateWorkflow stores a new workflow. The plan is sorted by step order.
func (s *Store) CreateWorkflow(ctx context.Context, workflow *models.Workflow) error {
	workflow = workflow.Clone()
	workflow.SortPlan()

	now := s.now().UTC()
	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now

	s.mu.Lock()
	if _, exists := s.workflows[workflow.ID]; exists {
		s.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrWorkflowExists, workflow.ID)
	}

	s.workflows[workflow.ID] = workflow
	s.mu.Unlock()

	return s.saveWorkflow(ctx, workflow)
}

// Workflow returns a copy of the workflow.
func (s *Store) Workflow(id string) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	workflow, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}

	return workflow.Clone(), nil
}

// Workflows returns copies of every workflow, oldest first.
func (s *Store) Workflows() []*models.Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	workflows := make([]*models.Workflow, 0, len(s.workflows))
	for _, workflow := range s.workflows {
		workflows = append(workflows, workflow.Clone())
	}

	sort.Slice(workflows, func(i, j int) bool {
		return workflows[i].CreatedAt.Before(workflows[j].CreatedAt)
	})

	return workflows
}

// PatchStepParams merges patch into a step's params. Locked fields are
// refused as a whole; nothing is applied when any of them is touched.
// validate, when set, checks the merged params before they are stored.
func (s *Store) PatchStepParams(ctx context.Context, workflowID, stepID string, patch map[string]any, validate func(tool string, params map[string]any) error) (*models.Workflow, error) {
	s.mu.Lock()

	workflow, ok := s.workflows[workflowID]
	if !ok {
		s.mu.Unlock()

		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}

	step, ok := workflow.StepByID(stepID)
	if !ok {
		s.mu.Unlock()

		return nil, &StepError{WorkflowID: workflowID, StepID: stepID, Err: ErrStepNotFound}
	}

	var locked []string

	for field := range patch {
		if step.IsLocked(field) {
			locked = append(locked, field)
		}
	}

	if len(locked) > 0 {
		s.mu.Unlock()
		sort.Strings(locked)

		return nil, &StepError{WorkflowID: workflowID, StepID: stepID, Fields: locked, Err: ErrStepLocked}
	}

	params := make(map[string]any, len(step.Params)+len(patch))
	for k, v := range step.Params {
		params[k] = v
	}

	for k, v := range patch {
		if v == nil {
			delete(params, k)

			continue
		}

		params[k] = v
	}

	if validate != nil {
		if err := validate(step.Tool, params); err != nil {
			s.mu.Unlock()

			return nil, &StepError{WorkflowID: workflowID, StepID: stepID, Err: err}
		}
	}

	step.Params = params
	workflow.UpdatedAt = s.now().UTC()
	result := workflow.Clone()
	s.mu.Unlock()

	return result, s.saveWorkflow(ctx, result)
}

// ReorderSteps sets the plan order to stepIDs, which must be a permutation
// of the current steps.
func (s *Store) ReorderSteps(ctx context.Context, workflowID string, stepIDs []string) (*models.Workflow, error) {
	s.mu.Lock()

	workflow, ok := s.workflows[workflowID]
	if !ok {
		s.mu.Unlock()

		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}

	if len(stepIDs) != len(workflow.Plan) {
		s.mu.Unlock()

		return nil, fmt.Errorf("%w: got %d ids for %d steps", ErrInvalidOrder, len(stepIDs), len(workflow.Plan))
	}

	seen := make(map[string]bool, len(stepIDs))
	for _, id := range stepIDs {
		if _, ok := workflow.StepByID(id); !ok || seen[id] {
			s.mu.Unlock()

			return nil, fmt.Errorf("%w: %q", ErrInvalidOrder, id)
		}

		seen[id] = true
	}

	for order, id := range stepIDs {
		step, _ := workflow.StepByID(id)
		step.Order = order
	}

	workflow.SortPlan()
	workflow.UpdatedAt = s.now().UTC()
	result := workflow.Clone()
	s.mu.Unlock()

	return result, s.saveWorkflow(ctx, result)
}

// CreateRun stores a new run and its context. The workflow must exist.
func (s *Store) CreateRun(ctx context.Context, run models.Run, rc models.RunContext) error {
	now := s.now().UTC()
	run.CreatedAt, run.UpdatedAt = now, now
	rc.CreatedAt, rc.UpdatedAt = now, now
	run.Status = models.StatusFor(rc)

	s.mu.Lock()

	if _, ok := s.workflows[run.WorkflowID]; !ok {
		s.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, run.WorkflowID)
	}

	if _, exists := s.runs[run.ID]; exists {
		s.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrRunExists, run.ID)
	}

	record := &runRecord{run: run, rc: rc, index: make(map[string]int)}
	s.runs[run.ID] = record
	snapshot := record.snapshot()
	s.mu.Unlock()

	return s.saveRun(ctx, snapshot)
}

// Run returns the run and its context.
func (s *Store) Run(id string) (models.Run, models.RunContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.runs[id]
	if !ok {
		return models.Run{}, models.RunContext{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	return record.run, record.rc, nil
}

// RunsByWorkflow returns the workflow's runs, oldest first.
func (s *Store) RunsByWorkflow(workflowID string) []models.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []models.Run

	for _, record := range s.runs {
		if record.run.WorkflowID == workflowID {
			runs = append(runs, record.run)
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})

	return runs
}

// Update runs fn against the run's context and commits whatever it returns,
// also when fn fails. Calls for the same run never overlap; fn may block.
func (s *Store) Update(ctx context.Context, runID string, fn func(models.RunContext) (models.RunContext, error)) (models.RunContext, error) {
	s.mu.RLock()
	record, ok := s.runs[runID]
	s.mu.RUnlock()

	if !ok {
		return models.RunContext{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	record.serial.Lock()
	defer record.serial.Unlock()

	s.mu.RLock()
	current := record.rc
	s.mu.RUnlock()

	next, fnErr := fn(current)
	next.ID = current.ID

	s.mu.Lock()
	now := s.now().UTC()

	if next.State == models.AgentStateExecuting && current.State != models.AgentStateExecuting {
		s.starts = append(s.starts, now)
	}

	record.rc = next
	record.run.Status = models.StatusFor(next)
	record.run.UpdatedAt = now
	snapshot := record.snapshot()
	s.mu.Unlock()

	if err := s.saveRun(ctx, snapshot); err != nil {
		s.logger.ErrorContext(ctx, "Failed to persist run", "run_id", runID, "error", err)

		if fnErr == nil {
			fnErr = err
		}
	}

	return next, fnErr
}

// SetStreamToken records the token most recently issued for the run.
func (s *Store) SetStreamToken(ctx context.Context, runID, token string) error {
	s.mu.Lock()

	record, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	record.run.StreamToken = token
	snapshot := record.snapshot()
	s.mu.Unlock()

	return s.saveRun(ctx, snapshot)
}

// AppendLog appends entries in arrival order.
func (s *Store) AppendLog(ctx context.Context, runID string, entries ...models.LogEntry) error {
	s.mu.Lock()

	record, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	for _, entry := range entries {
		entry.RunID = runID
		record.logs = append(record.logs, entry)
	}

	snapshot := record.snapshot()
	s.mu.Unlock()

	return s.saveRun(ctx, snapshot)
}

// Logs returns the run's log in arrival order.
func (s *Store) Logs(runID string) ([]models.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	return slices.Clone(record.logs), nil
}

// MergeArtifacts merges by artifact ID: an unknown ID is appended, a known
// one is replaced in place by the later payload. A quarantined artifact stays
// quarantined until ReleaseArtifact. It returns how many new artifacts were
// added; the artifact count never decreases.
func (s *Store) MergeArtifacts(ctx context.Context, runID string, artifacts ...models.Artifact) (int, error) {
	s.mu.Lock()

	record, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()

		return 0, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	added := 0
	now := s.now().UTC()

	for _, artifact := range artifacts {
		artifact.RunID = runID
		artifact.UpdatedAt = now

		if i, exists := record.index[artifact.ID]; exists {
			artifact.Quarantined = artifact.Quarantined || record.artifacts[i].Quarantined
			record.artifacts[i] = artifact

			continue
		}

		record.index[artifact.ID] = len(record.artifacts)
		record.artifacts = append(record.artifacts, artifact)
		added++
	}

	snapshot := record.snapshot()
	s.mu.Unlock()

	return added, s.saveRun(ctx, snapshot)
}

// Artifacts returns the run's usable artifacts. Quarantined ones are held back.
func (s *Store) Artifacts(runID string) ([]models.Artifact, error) {
	return s.artifacts(runID, false)
}

// QuarantinedArtifacts returns the artifacts awaiting review.
func (s *Store) QuarantinedArtifacts(runID string) ([]models.Artifact, error) {
	return s.artifacts(runID, true)
}

func (s *Store) artifacts(runID string, quarantined bool) ([]models.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	result := []models.Artifact{}

	for _, artifact := range record.artifacts {
		if artifact.Quarantined == quarantined {
			result = append(result, artifact)
		}
	}

	return result, nil
}

// ReleaseArtifact clears the quarantine flag after review.
func (s *Store) ReleaseArtifact(ctx context.Context, runID, artifactID string) (models.Artifact, error) {
	s.mu.Lock()

	record, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()

		return models.Artifact{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	i, ok := record.index[artifactID]
	if !ok {
		s.mu.Unlock()

		return models.Artifact{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, artifactID)
	}

	record.artifacts[i].Quarantined = false
	record.artifacts[i].UpdatedAt = s.now().UTC()
	artifact := record.artifacts[i]
	snapshot := record.snapshot()
	s.mu.Unlock()

	return artifact, s.saveRun(ctx, snapshot)
}

// Usage reports executing runs and execution starts in the last minute. It
// satisfies the state machine's usage provider.
func (s *Store) Usage(_ context.Context) (guardrails.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().UTC().Add(-startWindow)

	kept := s.starts[:0]
	for _, start := range s.starts {
		if start.After(cutoff) {
			kept = append(kept, start)
		}
	}

	s.starts = kept

	usage := guardrails.Usage{StartsLastMinute: len(kept)}

	for _, record := range s.runs {
		if record.rc.State == models.AgentStateExecuting {
			usage.ExecutingRuns++
		}
	}

	return usage, nil
}
