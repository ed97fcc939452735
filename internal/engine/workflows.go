package engine

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/petrijr/stepchain/pkg/api"
)

// workflowTable holds the registered definitions by ID.
type workflowTable struct {
	mu             sync.RWMutex
	byID           map[string]api.WorkflowDefinition
	allowOverwrite bool
}

func newWorkflowTable(allowOverwrite bool) *workflowTable {
	return &workflowTable{
		byID:           make(map[string]api.WorkflowDefinition),
		allowOverwrite: allowOverwrite,
	}
}

func (t *workflowTable) Register(def api.WorkflowDefinition) error {
	if err := checkDefinition(def); err != nil {
		return err
	}
	if def.Name == "" {
		def.Name = def.ID
	}
	def.Steps = slices.Clone(def.Steps)

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.byID[def.ID]; exists && !t.allowOverwrite {
		return fmt.Errorf("%w: %q", api.ErrWorkflowExists, def.ID)
	}
	t.byID[def.ID] = def
	return nil
}

func (t *workflowTable) Deregister(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byID[id]; !ok {
		return fmt.Errorf("%w: %q", api.ErrWorkflowNotFound, id)
	}
	delete(t.byID, id)
	return nil
}

func (t *workflowTable) Get(id string) (api.WorkflowDefinition, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	def, ok := t.byID[id]
	if !ok {
		return api.WorkflowDefinition{}, fmt.Errorf("%w: %q", api.ErrWorkflowNotFound, id)
	}
	return def, nil
}

func (t *workflowTable) List() []api.WorkflowDefinition {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := slices.Collect(maps.Values(t.byID))
	slices.SortFunc(out, func(a, b api.WorkflowDefinition) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func checkDefinition(def api.WorkflowDefinition) error {
	if def.ID == "" {
		return fmt.Errorf("%w: workflow id is required", api.ErrInvalidWorkflow)
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("%w: workflow %q must have at least one step", api.ErrInvalidWorkflow, def.ID)
	}
	seen := make(map[string]struct{}, len(def.Steps))
	for i, step := range def.Steps {
		if step == nil {
			return fmt.Errorf("%w: workflow %q step %d is nil", api.ErrInvalidWorkflow, def.ID, i)
		}
		id := step.Info().ID
		if id == "" {
			return fmt.Errorf("%w: workflow %q step %d has no id", api.ErrInvalidWorkflow, def.ID, i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: workflow %q has duplicate step id %q", api.ErrInvalidWorkflow, def.ID, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
