package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/stepchain/internal/persistence"
	"github.com/petrijr/stepchain/pkg/api"
)

// Config describes how to construct a Registry.
type Config struct {
	// Persistence stores executions and events. Zero value means in-memory.
	Persistence persistence.Persistence
	// Subscribers receive every lifecycle event, after the event log.
	Subscribers []api.Subscriber
	// Logger receives diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// AllowOverwrite lets RegisterWorkflow replace an existing ID.
	AllowOverwrite bool
}

// Registry is the in-process api.Engine: it owns the workflow table and
// the execution rows, and drives executions through the pipeline executor.
// A Registry is created explicitly and must be closed by its owner.
type Registry struct {
	workflows  *workflowTable
	executions persistence.ExecutionStore
	events     persistence.EventStore
	bus        *api.Bus
	logger     *slog.Logger
	locks      *executionLocks
	closed     atomic.Bool
}

var (
	_ api.Engine = (*Registry)(nil)
	_ api.Runner = (*Registry)(nil)
)

// NewRegistry creates a Registry using the given configuration.
func NewRegistry(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := cfg.Persistence
	if p.Executions == nil {
		mem := persistence.NewInMemoryStore()
		p.Executions = mem
		if p.Events == nil {
			p.Events = mem
		}
	}
	if p.Events == nil {
		p.Events = persistence.NoopEventStore{}
	}

	bus := api.NewBus(logger, persistence.NewEventLog(p.Events))
	for _, sub := range cfg.Subscribers {
		bus.Subscribe(sub)
	}

	return &Registry{
		workflows:  newWorkflowTable(cfg.AllowOverwrite),
		executions: p.Executions,
		events:     p.Events,
		bus:        bus,
		logger:     logger,
		locks:      newExecutionLocks(),
	}
}

// Subscribe adds a subscriber at runtime and returns its removal func.
func (r *Registry) Subscribe(sub api.Subscriber) (unsubscribe func()) {
	return r.bus.Subscribe(sub)
}

func (r *Registry) RegisterWorkflow(def api.WorkflowDefinition) error {
	if r.closed.Load() {
		return api.ErrRegistryClosed
	}
	return r.workflows.Register(def)
}

func (r *Registry) DeregisterWorkflow(id string) error {
	return r.workflows.Deregister(id)
}

func (r *Registry) GetWorkflow(id string) (api.WorkflowDefinition, error) {
	return r.workflows.Get(id)
}

func (r *Registry) ListWorkflows() []api.WorkflowDefinition {
	return r.workflows.List()
}

// LookupWorkflow resolves delegate steps that refer to a workflow by ID.
func (r *Registry) LookupWorkflow(id string) (api.WorkflowDefinition, error) {
	return r.workflows.Get(id)
}

// RunDetached runs def as a nested pipeline without publishing events.
// A suspension inside it is returned located at the nested step, so the
// enclosing pipeline suspends and a later resume continues the nested
// pipeline where it stopped.
func (r *Registry) RunDetached(ctx context.Context, def api.WorkflowDefinition, sc *api.StepContext) (any, error) {
	nested := sc
	if sc.Attached() {
		nested = sc.Detach()
	}
	input := nested.Data

	pos := position{validateInput: true}
	if rp, data := nested.Resumed(); rp != nil {
		if rp.Inner == nil {
			pos = resumeFrom(rp.Index+1, nil)
		} else {
			pos = resumeFrom(rp.Index, rp.Inner)
		}
		nested = nested.Resuming(nil, nil).WithData(data)
	}

	o := pipeline{def: def}.run(api.WithRunner(ctx, r), nested, pos)
	switch o.status {
	case api.StatusCompleted:
		return o.result, nil
	case api.StatusSuspended:
		return nil, o.signal.Within(o.index, input)
	default:
		return nil, o.err
	}
}

func (r *Registry) Run(ctx context.Context, workflowID string, input any, opts ...api.RunOption) (*api.Result, error) {
	if r.closed.Load() {
		return nil, api.ErrRegistryClosed
	}

	def, err := r.workflows.Get(workflowID)
	if err != nil {
		return nil, err
	}

	o := api.ApplyRunOptions(opts...)
	id := o.ExecutionID
	if id == "" {
		id = uuid.NewString()
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	exec := &api.Execution{
		ID:           id,
		WorkflowID:   def.ID,
		WorkflowName: def.Name,
		Status:       api.StatusRunning,
		StartAt:      time.Now().UTC(),
		Input:        input,
		UserContext:  o.UserContext,
	}
	if err := r.executions.SaveExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("save execution %s: %w", id, err)
	}

	state := api.NewRunState(o.UserContext)
	r.emit(ctx, exec, state, api.Event{Type: api.EventWorkflowStarted, Input: input})

	return r.drive(ctx, def, exec, state, input, position{validateInput: true})
}

func (r *Registry) ResumeExecution(ctx context.Context, executionID string, resumeData any) (*api.Result, error) {
	if r.closed.Load() {
		return nil, api.ErrRegistryClosed
	}

	unlock := r.locks.Lock(executionID)
	defer unlock()

	exec, err := r.executions.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status != api.StatusSuspended || exec.Suspension == nil {
		return nil, fmt.Errorf("%w: execution %s is %s", api.ErrInvalidResumeState, exec.ID, exec.Status)
	}

	def, err := r.workflows.Get(exec.WorkflowID)
	if err != nil {
		return nil, err
	}

	susp := exec.Suspension
	validated, err := api.ValidateWith(resumeSchema(def, susp), api.StageResume, susp.StepID, resumeData)
	if err != nil {
		return nil, err
	}
	data := api.MergeResumeData(susp.Checkpoint.LastData, validated)

	exec.Status = api.StatusRunning
	exec.Suspension = nil
	exec.EndAt = time.Time{}
	// The lock only covers this process; the store guards the status too.
	err = r.executions.TransitionExecution(ctx, exec, api.StatusSuspended)
	if errors.Is(err, persistence.ErrStatusConflict) {
		return nil, fmt.Errorf("%w: execution %s was resumed elsewhere", api.ErrInvalidResumeState, exec.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("update execution %s: %w", exec.ID, err)
	}

	state := api.NewRunState(exec.UserContext)
	r.emit(ctx, exec, state, api.Event{
		Type:      api.EventWorkflowResumed,
		StepID:    susp.StepID,
		StepIndex: susp.Checkpoint.NextStepIndex,
		Input:     validated,
	})

	return r.drive(ctx, def, exec, state, data, resumeFrom(susp.Checkpoint.NextStepIndex, susp.Checkpoint.Inner))
}

// resumeSchema picks the schema the resume data is checked against: the
// suspending step's own, else the enclosing top-level step's.
func resumeSchema(def api.WorkflowDefinition, susp *api.Suspension) api.Schema {
	if step, ok := api.FindStep(def.Steps, susp.StepID); ok {
		if s := step.Info().ResumeSchema; s != nil {
			return s
		}
	}
	idx := susp.Checkpoint.SuspendedIndex()
	if idx >= 0 && idx < len(def.Steps) {
		return def.Steps[idx].Info().ResumeSchema
	}
	return nil
}

// drive runs the pipeline for an execution the caller holds the lock of,
// then stores and announces the outcome.
func (r *Registry) drive(
	ctx context.Context,
	def api.WorkflowDefinition,
	exec *api.Execution,
	state *api.RunState,
	data any,
	pos position,
) (*api.Result, error) {
	ref := &api.ExecutionRef{ExecutionID: exec.ID, WorkflowID: exec.WorkflowID}
	sc := api.NewStepContext(data, state, ref, r.bus)

	p := pipeline{
		def: def,
		onStep: func(i int) {
			exec.CurrentStep = i
			exec.UserContext = state.Snapshot()
			if err := r.executions.UpdateExecution(ctx, exec); err != nil {
				r.logger.DebugContext(ctx, "failed to record step progress",
					slog.String("execution_id", exec.ID),
					slog.Int("step_index", i),
					slog.Any("error", err),
				)
			}
		},
	}
	o := p.run(api.WithRunner(ctx, r), sc, pos)

	exec.Status = o.status
	exec.EndAt = time.Now().UTC()
	exec.UserContext = state.Snapshot()
	switch o.status {
	case api.StatusCompleted:
		exec.Result = o.result
		exec.CurrentStep = len(def.Steps)
	case api.StatusSuspended:
		exec.Suspension = o.suspension
	case api.StatusErrored:
		exec.Err = o.err
	}

	// The outcome is stored even if the caller's context was cancelled.
	if err := r.executions.UpdateExecution(context.WithoutCancel(ctx), exec); err != nil {
		return nil, fmt.Errorf("update execution %s: %w", exec.ID, err)
	}

	ev := api.Event{StepIndex: exec.CurrentStep}
	switch o.status {
	case api.StatusCompleted:
		ev.Type = api.EventWorkflowCompleted
		ev.Output = o.result
	case api.StatusSuspended:
		ev.Type = api.EventWorkflowSuspended
		ev.StepID = o.suspension.StepID
		ev.SuspendReason = o.suspension.Reason
		ev.SuspendPayload = o.suspension.Checkpoint.Payload
	case api.StatusErrored:
		ev.Type = api.EventWorkflowFailed
		ev.Error = o.err.Error()
	}
	r.emit(ctx, exec, state, ev)

	return api.NewResult(exec, r), nil
}

// emit stamps and publishes a workflow-level event.
func (r *Registry) emit(ctx context.Context, exec *api.Execution, state *api.RunState, ev api.Event) {
	ev.ID = uuid.NewString()
	ev.At = time.Now()
	ev.ExecutionID = exec.ID
	ev.WorkflowID = exec.WorkflowID
	ev.UserContext = state.Snapshot()
	r.bus.Publish(context.WithoutCancel(ctx), ev)
}

func (r *Registry) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	return r.executions.GetExecution(ctx, id)
}

func (r *Registry) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Execution, error) {
	return r.executions.ListExecutions(ctx, filter)
}

func (r *Registry) ListEvents(ctx context.Context, executionID string) ([]api.Event, error) {
	return r.events.ListEvents(ctx, executionID)
}

func (r *Registry) RecoverStuckExecutions(ctx context.Context) (int, error) {
	stuck, err := r.executions.ListExecutions(ctx, api.ExecutionFilter{Status: api.StatusRunning})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, candidate := range stuck {
		ok, err := r.recoverOne(ctx, candidate.ID)
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered++
		}
	}
	if recovered > 0 {
		r.logger.InfoContext(ctx, "recovered interrupted executions", slog.Int("count", recovered))
	}
	return recovered, nil
}

func (r *Registry) recoverOne(ctx context.Context, id string) (bool, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	exec, err := r.executions.GetExecution(ctx, id)
	if errors.Is(err, api.ErrExecutionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if exec.Status != api.StatusRunning {
		return false, nil
	}

	exec.Status = api.StatusErrored
	exec.Err = api.ErrInterrupted
	exec.EndAt = time.Now().UTC()
	err = r.executions.TransitionExecution(ctx, exec, api.StatusRunning)
	if errors.Is(err, persistence.ErrStatusConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("update execution %s: %w", id, err)
	}

	r.emit(ctx, exec, api.NewRunState(exec.UserContext), api.Event{
		Type:      api.EventWorkflowFailed,
		StepIndex: exec.CurrentStep,
		Error:     api.ErrInterrupted.Error(),
	})
	return true, nil
}

// Close stops the registry from accepting runs and flushes subscribers
// that buffer events. It is safe to call more than once.
func (r *Registry) Close(ctx context.Context) error {
	r.closed.Store(true)
	return r.bus.Flush(ctx)
}
