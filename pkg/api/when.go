package api

import (
	"context"
	"fmt"
)

type whenStep struct {
	info  StepInfo
	cond  Condition
	inner Step
}

// When returns a conditional step. If cond holds, inner runs on the same
// data and its output is returned; otherwise the data passes through
// unchanged. The inner step runs detached, so only the conditional step's
// own events are published; its success event reports ConditionMet.
func When(id string, cond Condition, inner Step, opts ...StepOption) Step {
	if cond.Fn == nil {
		panic(fmt.Sprintf("stepchain: conditional step %q has nil condition", id))
	}
	if inner == nil {
		panic(fmt.Sprintf("stepchain: conditional step %q has nil inner step", id))
	}
	info := newInfo(id, StepTypeConditional, opts)
	desc := cond.Descriptor
	info.Condition = &desc
	return &whenStep{info: info, cond: cond, inner: inner}
}

func (s *whenStep) Info() StepInfo { return s.info }

func (s *whenStep) Children() []Step { return []Step{s.inner} }

func (s *whenStep) Execute(ctx context.Context, sc *StepContext) (any, error) {
	if rp, data := sc.Resumed(); rp != nil {
		// The condition held when the inner step suspended.
		sc.noteCondition(true)
		if rp.Inner == nil {
			return data, nil
		}
		return s.runInner(ctx, sc.Detach().Resuming(rp.Inner, data).WithData(rp.Inner.Input), sc.Data)
	}

	met, err := s.cond.Fn(ctx, sc)
	if err != nil {
		return nil, fmt.Errorf("evaluate condition %q: %w", s.cond.Descriptor.Name, err)
	}
	sc.noteCondition(met)
	if !met {
		return sc.Data, nil
	}
	return s.runInner(ctx, sc.Detach().Resuming(nil, nil), sc.Data)
}

func (s *whenStep) runInner(ctx context.Context, inner *StepContext, input any) (any, error) {
	out, err := RunStep(ctx, inner, s.inner)
	if sig, ok := AsSuspend(err); ok {
		return nil, sig.Within(0, input)
	}
	return out, err
}
