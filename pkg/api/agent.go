package api

import (
	"context"
	"fmt"
)

// Agent is the external agent collaborator. Implementations may call
// sc.Suspend and return the signal like any other step.
type Agent interface {
	Invoke(ctx context.Context, prompt string, sc *StepContext) (any, error)
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, prompt string, sc *StepContext) (any, error)

func (f AgentFunc) Invoke(ctx context.Context, prompt string, sc *StepContext) (any, error) {
	return f(ctx, prompt, sc)
}

// PromptFunc renders the prompt for an agent step from the current data.
type PromptFunc func(data any) (string, error)

// StaticPrompt returns a PromptFunc that always yields prompt.
func StaticPrompt(prompt string) PromptFunc {
	return func(any) (string, error) { return prompt, nil }
}

type agentStep struct {
	info   StepInfo
	prompt PromptFunc
	agent  Agent
}

// AgentStep returns a step that invokes agent with the prompt rendered
// from the current data. The agent's output becomes the step output; use
// WithOutputSchema to constrain it.
func AgentStep(id string, prompt PromptFunc, agent Agent, opts ...StepOption) Step {
	if agent == nil {
		panic(fmt.Sprintf("stepchain: agent step %q has nil agent", id))
	}
	if prompt == nil {
		panic(fmt.Sprintf("stepchain: agent step %q has nil prompt", id))
	}
	return &agentStep{info: newInfo(id, StepTypeAgent, opts), prompt: prompt, agent: agent}
}

func (s *agentStep) Info() StepInfo { return s.info }

func (s *agentStep) Execute(ctx context.Context, sc *StepContext) (any, error) {
	p, err := s.prompt(sc.Data)
	if err != nil {
		return nil, fmt.Errorf("render prompt: %w", err)
	}
	return s.agent.Invoke(ctx, p, sc)
}
