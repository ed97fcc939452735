package api

import (
	"context"
)

// StepType names a step variant.
type StepType string

const (
	StepTypeFunc         StepType = "func"
	StepTypeConditional  StepType = "conditional-when"
	StepTypeParallelAll  StepType = "parallel-all"
	StepTypeParallelRace StepType = "parallel-race"
	StepTypeDelegate     StepType = "workflow"
	StepTypeAgent        StepType = "agent"
	StepTypeTap          StepType = "tap"
	StepTypeSleep        StepType = "sleep"
)

// StepInfo is the static description of a step.
type StepInfo struct {
	ID          string
	Name        string
	Description string
	Type        StepType

	InputSchema   Schema
	OutputSchema  Schema
	SuspendSchema Schema
	ResumeSchema  Schema

	// Condition is set for conditional steps.
	Condition *ConditionDescriptor
}

// Step is a single unit of pipeline work.
type Step interface {
	Info() StepInfo
	Execute(ctx context.Context, sc *StepContext) (any, error)
}

// StepFunc is the user logic behind a sequential step.
type StepFunc func(ctx context.Context, sc *StepContext) (any, error)

// StepOption customizes the StepInfo of a step at declaration time.
type StepOption func(*StepInfo)

// WithName sets the human-readable step name (defaults to the ID).
func WithName(name string) StepOption {
	return func(i *StepInfo) { i.Name = name }
}

// WithDescription sets the step description.
func WithDescription(desc string) StepOption {
	return func(i *StepInfo) { i.Description = desc }
}

// WithInputSchema validates the step input before Execute.
func WithInputSchema(s Schema) StepOption {
	return func(i *StepInfo) { i.InputSchema = s }
}

// WithOutputSchema validates the step output after Execute.
func WithOutputSchema(s Schema) StepOption {
	return func(i *StepInfo) { i.OutputSchema = s }
}

// WithSuspendSchema validates payloads passed to StepContext.Suspend.
func WithSuspendSchema(s Schema) StepOption {
	return func(i *StepInfo) { i.SuspendSchema = s }
}

// WithResumeSchema validates data given when resuming after this step
// suspended.
func WithResumeSchema(s Schema) StepOption {
	return func(i *StepInfo) { i.ResumeSchema = s }
}

func newInfo(id string, typ StepType, opts []StepOption) StepInfo {
	info := StepInfo{ID: id, Type: typ}
	for _, opt := range opts {
		if opt != nil {
			opt(&info)
		}
	}
	if info.Name == "" {
		info.Name = info.ID
	}
	return info
}

// RunStep executes step within sc: it validates the input, publishes the
// start event, runs the step, validates the output and publishes exactly
// one completion event. A step that exits through a suspension signal
// produces a suspend event and never an error event. Detached contexts
// publish nothing.
func RunStep(ctx context.Context, sc *StepContext, step Step) (any, error) {
	info := step.Info()
	run := sc.enter(info)

	run.startEventID = run.emit(ctx, Event{
		Type:      EventStepStarted,
		Input:     run.Data,
		Condition: info.Condition,
	})

	out, err := runValidated(ctx, run, step, info)
	if err != nil {
		if sig, ok := AsSuspend(err); ok {
			run.emit(ctx, Event{
				Type:               EventStepSuspended,
				ParentStartEventID: run.startEventID,
				SuspendReason:      sig.Reason,
				SuspendPayload:     sig.Payload,
			})
			return nil, err
		}
		run.emit(ctx, Event{
			Type:               EventStepFailed,
			ParentStartEventID: run.startEventID,
			Condition:          info.Condition,
			Error:              err.Error(),
		})
		return nil, err
	}

	ev := Event{
		Type:               EventStepCompleted,
		ParentStartEventID: run.startEventID,
		Output:             out,
		Condition:          info.Condition,
		BranchTaken:        run.notes.branch,
	}
	if met := run.notes.conditionMet; met != nil {
		ev.ConditionMet = met
		ev.Skipped = !*met
	}
	run.emit(ctx, ev)
	return out, nil
}

func runValidated(ctx context.Context, run *StepContext, step Step, info StepInfo) (any, error) {
	in, err := validate(info.InputSchema, StageStepInput, info.ID, run.Data)
	if err != nil {
		return nil, err
	}
	run.Data = in

	out, err := step.Execute(ctx, run)
	if err != nil {
		return nil, err
	}
	return validate(info.OutputSchema, StageStepOutput, info.ID, out)
}
