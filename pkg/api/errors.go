package api

import (
	"errors"
	"fmt"
)

var (
	// ErrWorkflowNotFound is returned when a workflow ID is not registered.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrWorkflowExists is returned when registering a duplicate workflow ID
	// while overwriting is disabled.
	ErrWorkflowExists = errors.New("workflow already registered")

	// ErrExecutionNotFound is returned when an execution ID is unknown.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrInvalidResumeState is returned when resuming an execution that is
	// not suspended, including one that was already resumed.
	ErrInvalidResumeState = errors.New("execution is not suspended")

	// ErrRegistryClosed is returned once the engine has been closed.
	ErrRegistryClosed = errors.New("registry closed")

	// ErrInterrupted marks executions found running at startup.
	ErrInterrupted = errors.New("execution interrupted before completion")

	// ErrInvalidWorkflow is returned for malformed definitions.
	ErrInvalidWorkflow = errors.New("invalid workflow definition")
)

// ValidationStage names the point at which a schema was applied.
type ValidationStage string

const (
	StageWorkflowInput  ValidationStage = "workflow-input"
	StageWorkflowResult ValidationStage = "workflow-result"
	StageStepInput      ValidationStage = "step-input"
	StageStepOutput     ValidationStage = "step-output"
	StageSuspend        ValidationStage = "suspend"
	StageResume         ValidationStage = "resume"
)

// ValidationError wraps a schema rejection.
type ValidationError struct {
	Stage  ValidationStage
	StepID string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.StepID == "" {
		return fmt.Sprintf("validation failed (%s): %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("validation failed (%s) in step %q: %v", e.Stage, e.StepID, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// StepExecutionError wraps an error returned by step logic.
type StepExecutionError struct {
	StepID    string
	StepName  string
	StepIndex int
	Err       error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %q (index %d) failed: %v", e.StepID, e.StepIndex, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// EventPublishError reports a subscriber failure. The bus logs and drops it.
type EventPublishError struct {
	Subscriber string
	EventType  EventType
	Err        error
}

func (e *EventPublishError) Error() string {
	return fmt.Sprintf("publish %s to %s: %v", e.EventType, e.Subscriber, e.Err)
}

func (e *EventPublishError) Unwrap() error { return e.Err }
