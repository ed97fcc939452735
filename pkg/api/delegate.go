package api

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoRunner is returned by a delegate step executed outside an engine.
var ErrNoRunner = errors.New("no workflow runner in context")

type delegateStep struct {
	info       StepInfo
	workflowID string
	def        *WorkflowDefinition
}

// Delegate returns a step that runs another workflow definition as a
// single step. The data is its input and its result becomes this step's
// output. The nested pipeline runs detached: only the delegate step's own
// events are published.
func Delegate(id string, def WorkflowDefinition, opts ...StepOption) Step {
	d := def
	return &delegateStep{info: newInfo(id, StepTypeDelegate, opts), def: &d}
}

// DelegateByID is like Delegate but resolves the workflow from the engine's
// registry at execution time.
func DelegateByID(id, workflowID string, opts ...StepOption) Step {
	return &delegateStep{info: newInfo(id, StepTypeDelegate, opts), workflowID: workflowID}
}

func (s *delegateStep) Info() StepInfo { return s.info }

func (s *delegateStep) Children() []Step {
	if s.def == nil {
		return nil
	}
	return s.def.Steps
}

func (s *delegateStep) Execute(ctx context.Context, sc *StepContext) (any, error) {
	runner, ok := RunnerFromContext(ctx)
	if !ok {
		return nil, ErrNoRunner
	}

	var def WorkflowDefinition
	if s.def != nil {
		def = *s.def
	} else {
		var err error
		def, err = runner.LookupWorkflow(s.workflowID)
		if err != nil {
			return nil, fmt.Errorf("resolve workflow %q: %w", s.workflowID, err)
		}
	}

	return runner.RunDetached(ctx, def, sc.Detach())
}
