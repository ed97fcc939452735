package api

import (
	"context"
	"fmt"
	"maps"
	"time"
)

// Status represents the lifecycle state of an execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusErrored   Status = "errored"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusErrored
}

// WorkflowDefinition describes a workflow as an ordered sequence of steps.
// Definitions are immutable once registered.
type WorkflowDefinition struct {
	ID          string
	Name        string
	Description string
	Steps       []Step

	// InputSchema validates the input given to Run. Optional.
	InputSchema Schema
	// ResultSchema validates the data produced by the last step. Optional.
	ResultSchema Schema
}

// Checkpoint is recorded when a step suspends the pipeline.
type Checkpoint struct {
	// NextStepIndex is the index of the step to run on resume.
	NextStepIndex int
	// LastData is the data the suspending step was working on.
	LastData any
	// Payload is whatever the step passed to Suspend.
	Payload any
	// Inner is set when the suspension came from inside the composite step
	// at NextStepIndex; that step is re-entered instead of skipped.
	Inner *ResumePoint
}

// SuspendedIndex is the index of the top-level step that suspended or
// that contains the suspending step.
func (c Checkpoint) SuspendedIndex() int {
	if c.Inner != nil {
		return c.NextStepIndex
	}
	return c.NextStepIndex - 1
}

// Suspension holds everything needed to resume a suspended execution.
type Suspension struct {
	Reason      string
	StepID      string
	SuspendedAt time.Time
	Checkpoint  Checkpoint
}

// Execution is one run (or resumed run) of a WorkflowDefinition.
type Execution struct {
	ID           string
	WorkflowID   string
	WorkflowName string
	Status       Status

	StartAt time.Time
	EndAt   time.Time

	// Input is the data originally given to Run.
	Input any
	// Result is set iff Status is StatusCompleted.
	Result any
	// Err is set iff Status is StatusErrored.
	Err error
	// Suspension is set iff Status is StatusSuspended.
	Suspension *Suspension

	// UserContext is the run-state bag as of the last transition.
	UserContext map[string]any

	// CurrentStep is the index of the step being (or last) executed.
	// After completion it equals len(Steps).
	CurrentStep int
}

// Clone returns a copy of e that shares no maps or pointers with it.
// Data values (Input, Result, checkpoint data) are shared.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	if e.Suspension != nil {
		s := *e.Suspension
		s.Checkpoint.Inner = s.Checkpoint.Inner.Clone()
		c.Suspension = &s
	}
	if e.UserContext != nil {
		c.UserContext = maps.Clone(e.UserContext)
	}
	return &c
}

// ExecutionFilter selects executions from a store. Zero values mean
// "no filter" for that field.
type ExecutionFilter struct {
	WorkflowID string
	Status     Status
}

// Resumer re-enters a suspended execution.
type Resumer interface {
	ResumeExecution(ctx context.Context, executionID string, resumeData any) (*Result, error)
}

// Result is returned by Run and by ResumeExecution.
type Result struct {
	ExecutionID string
	WorkflowID  string
	StartAt     time.Time
	EndAt       time.Time
	Status      Status

	// Result is present iff Status is StatusCompleted.
	Result any
	// Suspension is present iff Status is StatusSuspended.
	Suspension *Suspension
	// Error is present iff Status is StatusErrored.
	Error error

	resumer Resumer
}

// NewResult builds a Result from an execution snapshot. resumer is used by
// Result.Resume and may be nil.
func NewResult(exec *Execution, resumer Resumer) *Result {
	r := &Result{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		StartAt:     exec.StartAt,
		EndAt:       exec.EndAt,
		Status:      exec.Status,
		resumer:     resumer,
	}
	switch exec.Status {
	case StatusCompleted:
		r.Result = exec.Result
	case StatusErrored:
		r.Error = exec.Err
	case StatusSuspended:
		if exec.Suspension != nil {
			s := *exec.Suspension
			r.Suspension = &s
		}
	}
	return r
}

// Resume continues a suspended execution with resumeData. It is always
// callable, but fails with ErrInvalidResumeState unless the execution is
// suspended.
func (r *Result) Resume(ctx context.Context, resumeData any) (*Result, error) {
	if r.Status != StatusSuspended || r.resumer == nil {
		return nil, fmt.Errorf("%w: execution %s is %s", ErrInvalidResumeState, r.ExecutionID, r.Status)
	}
	return r.resumer.ResumeExecution(ctx, r.ExecutionID, resumeData)
}

// RunOptions carries per-run settings.
type RunOptions struct {
	// ExecutionID overrides the generated execution ID.
	ExecutionID string
	// UserContext seeds the run-state bag.
	UserContext map[string]any
}

// RunOption configures a single Run call.
type RunOption func(*RunOptions)

// WithExecutionID makes Run use id instead of a generated execution ID.
func WithExecutionID(id string) RunOption {
	return func(o *RunOptions) {
		o.ExecutionID = id
	}
}

// WithUserContext seeds the run-state bag with a copy of values.
func WithUserContext(values map[string]any) RunOption {
	return func(o *RunOptions) {
		o.UserContext = maps.Clone(values)
	}
}

// ApplyRunOptions folds opts into a RunOptions value.
func ApplyRunOptions(opts ...RunOption) RunOptions {
	var o RunOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
