package api

import (
	"context"
	"fmt"
	"time"
)

// Composite is implemented by steps that wrap other steps.
type Composite interface {
	Children() []Step
}

// FindStep searches steps, depth first, for the step with the given ID.
func FindStep(steps []Step, id string) (Step, bool) {
	for _, s := range steps {
		if s.Info().ID == id {
			return s, true
		}
		if c, ok := s.(Composite); ok {
			if found, ok := FindStep(c.Children(), id); ok {
				return found, true
			}
		}
	}
	return nil, false
}

type funcStep struct {
	info StepInfo
	fn   StepFunc
}

// Then returns a sequential step: fn runs on the current data and its
// output becomes the next step's input.
func Then(id string, fn StepFunc, opts ...StepOption) Step {
	if fn == nil {
		panic(fmt.Sprintf("stepchain: step %q has nil function", id))
	}
	return &funcStep{info: newInfo(id, StepTypeFunc, opts), fn: fn}
}

func (s *funcStep) Info() StepInfo { return s.info }

func (s *funcStep) Execute(ctx context.Context, sc *StepContext) (any, error) {
	return s.fn(ctx, sc)
}

// TypedThen wraps a strongly-typed function into a sequential step.
// Data that is not an I fails the step.
//
//	api.TypedThen("greet", func(ctx context.Context, in Person) (Person, error) { ... })
func TypedThen[I, O any](id string, fn func(context.Context, I) (O, error), opts ...StepOption) Step {
	return Then(id, func(ctx context.Context, sc *StepContext) (any, error) {
		in, ok := sc.Data.(I)
		if !ok {
			var zero I
			return nil, fmt.Errorf("expected input of type %T, got %T", zero, sc.Data)
		}
		return fn(ctx, in)
	}, opts...)
}

// Tap runs fn for its side effects and passes the data through unchanged.
// An error from fn fails the step.
func Tap(id string, fn func(ctx context.Context, sc *StepContext) error, opts ...StepOption) Step {
	info := newInfo(id, StepTypeTap, opts)
	return &funcStep{info: info, fn: func(ctx context.Context, sc *StepContext) (any, error) {
		if err := fn(ctx, sc); err != nil {
			return nil, err
		}
		return sc.Data, nil
	}}
}

// Sleep waits for d before passing the data through unchanged.
//
// It is context-aware: if the context is cancelled during the sleep, the
// step fails with ctx.Err().
func Sleep(id string, d time.Duration, opts ...StepOption) Step {
	info := newInfo(id, StepTypeSleep, opts)
	return &funcStep{info: info, fn: func(ctx context.Context, sc *StepContext) (any, error) {
		if d <= 0 {
			return sc.Data, nil
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
			return sc.Data, nil
		}
	}}
}

// SuspendUnless returns a step that suspends the pipeline with reason and
// the payload built by payloadFn, unless ready reports the data as ready,
// in which case the data passes through. On resume the pipeline continues
// with the step after this one.
func SuspendUnless(id, reason string, ready func(data any) bool, payloadFn func(data any) any, opts ...StepOption) Step {
	return Then(id, func(ctx context.Context, sc *StepContext) (any, error) {
		if ready != nil && ready(sc.Data) {
			return sc.Data, nil
		}
		var payload any
		if payloadFn != nil {
			payload = payloadFn(sc.Data)
		}
		return nil, sc.Suspend(reason, payload)
	}, opts...)
}
