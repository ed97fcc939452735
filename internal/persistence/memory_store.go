package persistence

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/petrijr/stepchain/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe implementation of
// ExecutionStore and EventStore backed by maps. Rows are copied on the way
// in and out so callers never share them with the store.
type InMemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*api.Execution
	order      []string
	events     map[string][]api.Event
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		executions: make(map[string]*api.Execution),
		events:     make(map[string][]api.Event),
	}
}

// Ensure InMemoryStore implements the interfaces.
var (
	_ ExecutionStore = (*InMemoryStore)(nil)
	_ EventStore     = (*InMemoryStore)(nil)
)

func (s *InMemoryStore) SaveExecution(_ context.Context, exec *api.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[exec.ID]; ok {
		return ErrExecutionExists
	}
	s.executions[exec.ID] = exec.Clone()
	s.order = append(s.order, exec.ID)
	return nil
}

func (s *InMemoryStore) UpdateExecution(_ context.Context, exec *api.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[exec.ID]; !ok {
		return ErrExecutionNotFound
	}
	s.executions[exec.ID] = exec.Clone()
	return nil
}

func (s *InMemoryStore) TransitionExecution(_ context.Context, exec *api.Execution, from api.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.executions[exec.ID]
	if !ok {
		return ErrExecutionNotFound
	}
	if cur.Status != from {
		return ErrStatusConflict
	}
	s.executions[exec.ID] = exec.Clone()
	return nil
}

func (s *InMemoryStore) GetExecution(_ context.Context, id string) (*api.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return exec.Clone(), nil
}

func (s *InMemoryStore) ListExecutions(_ context.Context, filter api.ExecutionFilter) ([]*api.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Execution
	for _, id := range s.order {
		exec := s.executions[id]
		if !matches(exec, filter) {
			continue
		}
		result = append(result, exec.Clone())
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].StartAt.Before(result[j].StartAt)
	})
	return result, nil
}

func (s *InMemoryStore) AppendEvent(_ context.Context, ev api.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[ev.ExecutionID] = append(s.events[ev.ExecutionID], ev)
	return nil
}

func (s *InMemoryStore) ListEvents(_ context.Context, executionID string) ([]api.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.events[executionID]), nil
}

func matches(exec *api.Execution, filter api.ExecutionFilter) bool {
	if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
		return false
	}
	if filter.Status != "" && exec.Status != filter.Status {
		return false
	}
	return true
}
