package persistence

import (
	"context"
	"errors"

	"github.com/petrijr/stepchain/pkg/api"
)

var (
	// ErrExecutionNotFound is returned when an execution row is not found.
	ErrExecutionNotFound = api.ErrExecutionNotFound

	// ErrExecutionExists is returned by SaveExecution for a duplicate ID.
	ErrExecutionExists = errors.New("execution already exists")

	// ErrStatusConflict is returned by TransitionExecution when the stored
	// status is no longer the expected one.
	ErrStatusConflict = errors.New("execution status changed concurrently")
)

// ExecutionStore handles storage of execution rows.
type ExecutionStore interface {
	// SaveExecution inserts a new row.
	SaveExecution(ctx context.Context, exec *api.Execution) error
	// UpdateExecution overwrites an existing row.
	UpdateExecution(ctx context.Context, exec *api.Execution) error
	// TransitionExecution overwrites an existing row only while its stored
	// status is still from.
	TransitionExecution(ctx context.Context, exec *api.Execution, from api.Status) error
	GetExecution(ctx context.Context, id string) (*api.Execution, error)
	ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Execution, error)
}

// EventStore is an append-only history store for lifecycle events.
type EventStore interface {
	AppendEvent(ctx context.Context, ev api.Event) error
	// ListEvents returns the events of an execution in append order.
	ListEvents(ctx context.Context, executionID string) ([]api.Event, error)
}
