package api

import "time"

// EventType identifies a lifecycle event.
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow.started"
	EventWorkflowResumed   EventType = "workflow.resumed"
	EventWorkflowSuspended EventType = "workflow.suspended"
	EventWorkflowCompleted EventType = "workflow.completed"
	EventWorkflowFailed    EventType = "workflow.failed"

	EventStepStarted   EventType = "step.started"
	EventStepCompleted EventType = "step.completed"
	EventStepFailed    EventType = "step.failed"
	EventStepSuspended EventType = "step.suspended"
)

// Phase is the coarse lifecycle phase of an event.
type Phase string

const (
	PhaseStart   Phase = "start"
	PhaseSuccess Phase = "success"
	PhaseError   Phase = "error"
	PhaseSuspend Phase = "suspend"
)

// Phase maps the event type onto its phase.
func (t EventType) Phase() Phase {
	switch t {
	case EventWorkflowStarted, EventWorkflowResumed, EventStepStarted:
		return PhaseStart
	case EventWorkflowCompleted, EventStepCompleted:
		return PhaseSuccess
	case EventWorkflowFailed, EventStepFailed:
		return PhaseError
	default:
		return PhaseSuspend
	}
}

// IsStep reports whether t is a step-level event.
func (t EventType) IsStep() bool {
	switch t {
	case EventStepStarted, EventStepCompleted, EventStepFailed, EventStepSuspended:
		return true
	}
	return false
}

// Event is an immutable, append-only lifecycle record.
type Event struct {
	ID   string
	Type EventType
	At   time.Time

	ExecutionID string
	WorkflowID  string

	// ParentStartEventID links a completion event to its start event.
	ParentStartEventID string
	// ParentEventID is the start event of the enclosing composite step,
	// if any (parallel branches).
	ParentEventID string

	StepID    string
	StepName  string
	StepType  StepType
	StepIndex int

	// Input is set on start events.
	Input any
	// Output is set on success events.
	Output any

	// ConditionMet is set on success events of conditional steps.
	ConditionMet *bool
	// Skipped is true when a conditional step passed its input through.
	Skipped bool
	// Condition describes the predicate of a conditional step.
	Condition *ConditionDescriptor
	// BranchTaken names the winning branch of a race step.
	BranchTaken string

	// Error is the failure message on error events.
	Error string

	// SuspendReason and SuspendPayload are set on suspend events.
	SuspendReason  string
	SuspendPayload any

	// UserContext is a snapshot of the run-state bag.
	UserContext map[string]any
}
