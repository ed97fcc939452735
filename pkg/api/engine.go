package api

import (
	"context"
)

// Engine is the high-level engine API: a registry of workflow definitions
// and of the executions started from them.
type Engine interface {
	Resumer

	// RegisterWorkflow registers a definition by ID.
	RegisterWorkflow(def WorkflowDefinition) error

	// DeregisterWorkflow removes a definition. Existing executions are kept,
	// but suspended ones can no longer be resumed.
	DeregisterWorkflow(id string) error

	// GetWorkflow looks up a registered definition.
	GetWorkflow(id string) (WorkflowDefinition, error)

	// ListWorkflows returns all registered definitions ordered by ID.
	ListWorkflows() []WorkflowDefinition

	// Run starts a new execution and drives it until it completes, errors
	// or suspends. Step failures are reported in the returned Result; the
	// error return is reserved for usage errors and store failures.
	Run(ctx context.Context, workflowID string, input any, opts ...RunOption) (*Result, error)

	// GetExecution looks up an execution by ID.
	GetExecution(ctx context.Context, id string) (*Execution, error)

	// ListExecutions returns executions matching filter.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// ListEvents returns the recorded event history of an execution.
	ListEvents(ctx context.Context, executionID string) ([]Event, error)

	// RecoverStuckExecutions marks executions still flagged as running (for
	// example after a process crash) as errored with ErrInterrupted. It is
	// meant to be called at startup before any run is accepted.
	RecoverStuckExecutions(ctx context.Context) (int, error)

	// Close tears the engine down. Further calls to Run and
	// ResumeExecution fail with ErrRegistryClosed.
	Close(ctx context.Context) error
}
