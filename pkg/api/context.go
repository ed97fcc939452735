package api

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunState is the mutable run-state bag shared by all steps of one run.
// It is safe for concurrent use by parallel branches.
type RunState struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewRunState creates a RunState seeded with a copy of initial.
func NewRunState(initial map[string]any) *RunState {
	values := maps.Clone(initial)
	if values == nil {
		values = make(map[string]any)
	}
	return &RunState{values: values}
}

func (s *RunState) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *RunState) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

func (s *RunState) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// Snapshot returns a copy of the current values.
func (s *RunState) Snapshot() map[string]any {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values)
}

// ExecutionRef identifies the execution a step context reports into.
type ExecutionRef struct {
	ExecutionID string
	WorkflowID  string
}

// StepContext is the per-run carrier handed to every step: the current
// data, the run-state bag and, unless the context is detached, a reference
// to the execution whose events it publishes.
type StepContext struct {
	// Data is the current payload. It is replaced, not merged, at every
	// step boundary.
	Data any
	// State is the run-state bag.
	State *RunState

	exec *ExecutionRef
	bus  Publisher

	step          StepInfo
	stepIndex     int
	parentEventID string
	startEventID  string
	gate          *eventGate
	notes         *stepNotes
	resume        *resumeTarget
}

// resumeTarget tells a composite step where to re-enter.
type resumeTarget struct {
	point *ResumePoint
	data  any
}

// stepNotes collects details a composite step adds to its success event.
type stepNotes struct {
	conditionMet *bool
	branch       string
}

// NewStepContext creates a root step context. A nil exec produces a
// detached context that publishes no events.
func NewStepContext(data any, state *RunState, exec *ExecutionRef, bus Publisher) *StepContext {
	if state == nil {
		state = NewRunState(nil)
	}
	return &StepContext{
		Data:      data,
		State:     state,
		exec:      exec,
		bus:       bus,
		stepIndex: -1,
	}
}

// Execution returns the execution this context reports into, or nil when
// detached.
func (sc *StepContext) Execution() *ExecutionRef {
	return sc.exec
}

// Attached reports whether events are published from this context.
func (sc *StepContext) Attached() bool {
	return sc.exec != nil && sc.bus != nil
}

// Step describes the step currently executing.
func (sc *StepContext) Step() StepInfo {
	return sc.step
}

// StepIndex is the index of the top-level step being executed, or -1
// outside the pipeline.
func (sc *StepContext) StepIndex() int {
	return sc.stepIndex
}

// Detach returns a copy of sc that publishes no events. Everything else,
// including the run state, is shared.
func (sc *StepContext) Detach() *StepContext {
	c := sc.clone()
	c.exec = nil
	return c
}

// WithData returns a copy of sc carrying data.
func (sc *StepContext) WithData(data any) *StepContext {
	c := sc.clone()
	c.Data = data
	return c
}

// ForStep returns a copy of sc positioned at top-level step index with
// data as input. Used by the pipeline executor.
func (sc *StepContext) ForStep(index int, data any) *StepContext {
	c := sc.clone()
	c.Data = data
	c.stepIndex = index
	c.parentEventID = ""
	c.resume = nil
	return c
}

// Resuming returns a copy of sc that re-enters a composite step at point.
// data is handed to the step that originally suspended. A nil point
// yields a fresh context.
func (sc *StepContext) Resuming(point *ResumePoint, data any) *StepContext {
	c := sc.clone()
	c.resume = nil
	if point != nil {
		c.resume = &resumeTarget{point: point, data: data}
	}
	return c
}

// Resumed returns the point a composite step re-enters at together with
// the resume data. The point is nil for a fresh execution.
func (sc *StepContext) Resumed() (*ResumePoint, any) {
	if sc.resume == nil {
		return nil, nil
	}
	return sc.resume.point, sc.resume.data
}

// Suspend builds the signal that pauses the pipeline. The step must return
// the result as its error. If the step declares a suspend schema and the
// payload is rejected, the validation error is returned instead and the
// step fails normally.
func (sc *StepContext) Suspend(reason string, payload any) error {
	p, err := validate(sc.step.SuspendSchema, StageSuspend, sc.step.ID, payload)
	if err != nil {
		return err
	}
	return &SuspendSignal{
		Reason:  reason,
		StepID:  sc.step.ID,
		Payload: p,
		Data:    sc.Data,
	}
}

func (sc *StepContext) clone() *StepContext {
	c := *sc
	c.notes = nil
	return &c
}

// enter derives the context a step executes in.
func (sc *StepContext) enter(info StepInfo) *StepContext {
	c := sc.clone()
	c.step = info
	c.notes = &stepNotes{}
	return c
}

// branch derives the context for a parallel branch.
func (sc *StepContext) branch(data any, gate *eventGate) *StepContext {
	c := sc.clone()
	c.Data = data
	c.parentEventID = sc.startEventID
	c.resume = nil
	if gate != nil {
		c.gate = gate
	}
	return c
}

func (sc *StepContext) noteCondition(met bool) {
	if sc.notes != nil {
		sc.notes.conditionMet = &met
	}
}

func (sc *StepContext) noteBranch(name string) {
	if sc.notes != nil {
		sc.notes.branch = name
	}
}

// emit stamps and publishes ev if the context is attached, returning the
// event ID.
func (sc *StepContext) emit(ctx context.Context, ev Event) string {
	if !sc.Attached() {
		return ""
	}
	ev.ID = uuid.NewString()
	ev.At = time.Now()
	ev.ExecutionID = sc.exec.ExecutionID
	ev.WorkflowID = sc.exec.WorkflowID
	ev.ParentEventID = sc.parentEventID
	ev.StepID = sc.step.ID
	ev.StepName = sc.step.Name
	ev.StepType = sc.step.Type
	ev.StepIndex = sc.stepIndex
	ev.UserContext = sc.State.Snapshot()

	// Publishing must not be cut short by a cancelled step context.
	pubCtx := context.WithoutCancel(ctx)
	sc.gate.do(func() {
		sc.bus.Publish(pubCtx, ev)
	})
	return ev.ID
}

// eventGate suppresses events from race branches that lost.
type eventGate struct {
	parent *eventGate

	mu     sync.RWMutex
	closed bool
}

func newEventGate(parent *eventGate) *eventGate {
	return &eventGate{parent: parent}
}

func (g *eventGate) do(fn func()) {
	if g == nil {
		fn()
		return
	}
	g.parent.do(func() {
		g.mu.RLock()
		defer g.mu.RUnlock()
		if !g.closed {
			fn()
		}
	})
}

func (g *eventGate) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
}

// Runner executes workflow definitions on behalf of delegate steps.
type Runner interface {
	LookupWorkflow(id string) (WorkflowDefinition, error)
	RunDetached(ctx context.Context, def WorkflowDefinition, sc *StepContext) (any, error)
}

type runnerKey struct{}

// WithRunner attaches r to ctx.
func WithRunner(ctx context.Context, r Runner) context.Context {
	return context.WithValue(ctx, runnerKey{}, r)
}

// RunnerFromContext returns the Runner attached to ctx, if any.
func RunnerFromContext(ctx context.Context) (Runner, bool) {
	r, ok := ctx.Value(runnerKey{}).(Runner)
	return r, ok
}
