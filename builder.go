package stepchain

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/petrijr/stepchain/pkg/api"
)

// Chain provides a fluent API for defining workflows:
//
//	chain := stepchain.New("publish").
//	    AndThen("draft", writeDraft).
//	    AndSuspendUnless("review", "needs approval", isApproved, nil).
//	    AndThen("publish", publish)
//
//	res, err := chain.Run(ctx, registry, input)
//
// Step IDs must be unique within a chain; registration rejects duplicates.
type Chain struct {
	def api.WorkflowDefinition
}

// New creates a new chain for the workflow with the given ID.
func New(id string) *Chain {
	if id == "" {
		panic("stepchain: workflow id must not be empty")
	}
	return &Chain{
		def: api.WorkflowDefinition{
			ID:    id,
			Steps: make([]api.Step, 0),
		},
	}
}

// ID returns the workflow ID.
func (c *Chain) ID() string {
	return c.def.ID
}

// Named sets the human-readable workflow name.
func (c *Chain) Named(name string) *Chain {
	c.def.Name = name
	return c
}

// Describe sets the workflow description.
func (c *Chain) Describe(desc string) *Chain {
	c.def.Description = desc
	return c
}

// WithInputSchema validates the input given to Run.
func (c *Chain) WithInputSchema(s Schema) *Chain {
	c.def.InputSchema = s
	return c
}

// WithResultSchema validates the data produced by the last step.
func (c *Chain) WithResultSchema(s Schema) *Chain {
	c.def.ResultSchema = s
	return c
}

// Add appends an already constructed step.
func (c *Chain) Add(step Step) *Chain {
	if step == nil {
		panic(fmt.Sprintf("stepchain: nil step added to workflow %q", c.def.ID))
	}
	c.def.Steps = append(c.def.Steps, step)
	return c
}

// AndThen appends a sequential step.
func (c *Chain) AndThen(id string, fn StepFunc, opts ...StepOption) *Chain {
	return c.Add(api.Then(id, fn, opts...))
}

// AndThenWithRetry appends a sequential step retried per rb.
func (c *Chain) AndThenWithRetry(id string, fn StepFunc, rb RetryBuilder, opts ...StepOption) *Chain {
	return c.Add(rb.Wrap(api.Then(id, fn, opts...)))
}

// AndWhen appends a conditional step.
func (c *Chain) AndWhen(id string, cond Condition, inner Step, opts ...StepOption) *Chain {
	return c.Add(api.When(id, cond, inner, opts...))
}

// AndAll appends a step running branches concurrently; its output is a
// []any of the branch outputs in branch order.
func (c *Chain) AndAll(id string, branches ...Step) *Chain {
	return c.Add(api.All(id, branches))
}

// AndRace appends a step resolving with the first branch to finish.
func (c *Chain) AndRace(id string, branches ...Step) *Chain {
	return c.Add(api.Race(id, branches))
}

// AndAgent appends an agent invocation.
func (c *Chain) AndAgent(id string, prompt PromptFunc, agent Agent, opts ...StepOption) *Chain {
	return c.Add(api.AgentStep(id, prompt, agent, opts...))
}

// AndWorkflow appends a step running sub as a nested workflow.
func (c *Chain) AndWorkflow(id string, sub *Chain, opts ...StepOption) *Chain {
	return c.Add(api.Delegate(id, sub.Definition(), opts...))
}

// AndWorkflowID appends a step running the registered workflow
// workflowID, resolved when the step executes.
func (c *Chain) AndWorkflowID(id, workflowID string, opts ...StepOption) *Chain {
	return c.Add(api.DelegateByID(id, workflowID, opts...))
}

// AndTap appends a side-effect step that passes the data through.
func (c *Chain) AndTap(id string, fn func(ctx context.Context, sc *StepContext) error, opts ...StepOption) *Chain {
	return c.Add(api.Tap(id, fn, opts...))
}

// AndSleep appends a step waiting for d.
func (c *Chain) AndSleep(id string, d time.Duration, opts ...StepOption) *Chain {
	return c.Add(api.Sleep(id, d, opts...))
}

// AndSuspendUnless appends a step that suspends until ready reports the
// data as ready.
func (c *Chain) AndSuspendUnless(id, reason string, ready func(data any) bool, payloadFn func(data any) any, opts ...StepOption) *Chain {
	return c.Add(api.SuspendUnless(id, reason, ready, payloadFn, opts...))
}

// Definition returns the underlying WorkflowDefinition. The step slice is
// a copy, so later changes to the chain do not affect it.
func (c *Chain) Definition() WorkflowDefinition {
	def := c.def
	def.Steps = slices.Clone(c.def.Steps)
	return def
}

// Register registers the built workflow with the given engine.
func (c *Chain) Register(eng Engine) error {
	return eng.RegisterWorkflow(c.Definition())
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (c *Chain) MustRegister(eng Engine) {
	if err := c.Register(eng); err != nil {
		panic(err)
	}
}

// Run registers the chain with eng unless a workflow with its ID already
// is, then starts an execution.
func (c *Chain) Run(ctx context.Context, eng Engine, input any, opts ...RunOption) (*Result, error) {
	if _, err := eng.GetWorkflow(c.def.ID); err != nil {
		if !errors.Is(err, api.ErrWorkflowNotFound) {
			return nil, err
		}
		if err := c.Register(eng); err != nil && !errors.Is(err, api.ErrWorkflowExists) {
			return nil, err
		}
	}
	return eng.Run(ctx, c.def.ID, input, opts...)
}
