package stepchain

import (
	"context"
	"time"

	"github.com/petrijr/stepchain/pkg/api"
)

// Then returns a sequential step running fn on the current data.
func Then(id string, fn StepFunc, opts ...StepOption) Step {
	return api.Then(id, fn, opts...)
}

// TypedThen wraps a strongly-typed function into a sequential step.
// Example:
//
//	stepchain.TypedThen("greet", func(ctx context.Context, p Person) (string, error) { ... })
func TypedThen[I, O any](id string, fn func(context.Context, I) (O, error), opts ...StepOption) Step {
	return api.TypedThen(id, fn, opts...)
}

// When runs inner only if cond holds; otherwise the data passes through.
func When(id string, cond Condition, inner Step, opts ...StepOption) Step {
	return api.When(id, cond, inner, opts...)
}

// All runs branches concurrently and returns their outputs as a []any.
func All(id string, branches ...Step) Step {
	return api.All(id, branches)
}

// Race runs branches concurrently and resolves with the first to finish.
func Race(id string, branches ...Step) Step {
	return api.Race(id, branches)
}

// Delegate runs def as a single step.
func Delegate(id string, def WorkflowDefinition, opts ...StepOption) Step {
	return api.Delegate(id, def, opts...)
}

// DelegateByID runs the registered workflow workflowID as a single step.
func DelegateByID(id, workflowID string, opts ...StepOption) Step {
	return api.DelegateByID(id, workflowID, opts...)
}

// AgentStep invokes agent with the prompt rendered from the current data.
func AgentStep(id string, prompt PromptFunc, agent Agent, opts ...StepOption) Step {
	return api.AgentStep(id, prompt, agent, opts...)
}

// Tap runs fn for its side effects and passes the data through.
func Tap(id string, fn func(ctx context.Context, sc *StepContext) error, opts ...StepOption) Step {
	return api.Tap(id, fn, opts...)
}

// Sleep waits for d before passing the data through.
func Sleep(id string, d time.Duration, opts ...StepOption) Step {
	return api.Sleep(id, d, opts...)
}

// SuspendUnless suspends with reason unless ready reports the data ready.
func SuspendUnless(id, reason string, ready func(data any) bool, payloadFn func(data any) any, opts ...StepOption) Step {
	return api.SuspendUnless(id, reason, ready, payloadFn, opts...)
}

// NewCondition builds a named predicate over the data.
func NewCondition(name string, fn func(data any) bool) Condition {
	return api.NewCondition(name, fn)
}

// TypedCondition builds a named predicate over data of type T.
func TypedCondition[T any](name string, fn func(T) bool) Condition {
	return api.TypedCondition(name, fn)
}

// JSONPathEquals holds when the gjson path in the data equals want.
func JSONPathEquals(path string, want any) Condition {
	return api.JSONPathEquals(path, want)
}

// JSONPathExists holds when the gjson path is present in the data.
func JSONPathExists(path string) Condition {
	return api.JSONPathExists(path)
}

// TypeSchema accepts a T, or anything that converts to one through JSON.
func TypeSchema[T any]() Schema {
	return api.TypeSchema[T]()
}

// RequiredFields rejects data missing any of the gjson paths.
func RequiredFields(paths ...string) Schema {
	return api.RequiredFields(paths...)
}

// StaticPrompt returns a PromptFunc that always yields prompt.
func StaticPrompt(prompt string) PromptFunc {
	return api.StaticPrompt(prompt)
}

// Step options.

func WithName(name string) StepOption        { return api.WithName(name) }
func WithDescription(desc string) StepOption { return api.WithDescription(desc) }
func WithInputSchema(s Schema) StepOption    { return api.WithInputSchema(s) }
func WithOutputSchema(s Schema) StepOption   { return api.WithOutputSchema(s) }
func WithSuspendSchema(s Schema) StepOption  { return api.WithSuspendSchema(s) }
func WithResumeSchema(s Schema) StepOption   { return api.WithResumeSchema(s) }
