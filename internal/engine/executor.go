package engine

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/stepchain/pkg/api"
)

// outcome is what a pipeline run reports back to its caller.
type outcome struct {
	status api.Status
	// result is the last step's output when completed.
	result any
	// err is set when errored.
	err error
	// index, signal and suspension are set when suspended.
	index      int
	signal     *api.SuspendSignal
	suspension *api.Suspension
}

// position says where a pipeline run starts.
type position struct {
	start int
	// inner re-enters the composite step at start instead of running it
	// fresh. The run's data is then handed to the step that suspended.
	inner *api.ResumePoint
	// validateInput applies the definition's input schema.
	validateInput bool
}

// resumeFrom returns the position a suspended pipeline continues at.
func resumeFrom(next int, inner *api.ResumePoint) position {
	return position{start: next, inner: inner}
}

// pipeline runs the steps of one definition against a step context.
type pipeline struct {
	def api.WorkflowDefinition
	// onStep is called before each top-level step starts. Optional.
	onStep func(index int)
}

// run executes def.Steps from pos. The input schema is only applied to a
// fresh run; a resumed run continues with data that was validated when it
// suspended.
func (p pipeline) run(ctx context.Context, sc *api.StepContext, pos position) outcome {
	data := sc.Data

	if pos.validateInput {
		in, err := api.ValidateWith(p.def.InputSchema, api.StageWorkflowInput, "", data)
		if err != nil {
			return outcome{status: api.StatusErrored, err: err}
		}
		data = in
	}

	for i := pos.start; i < len(p.def.Steps); i++ {
		if err := ctx.Err(); err != nil {
			return outcome{status: api.StatusErrored, err: err}
		}

		step := p.def.Steps[i]
		if p.onStep != nil {
			p.onStep(i)
		}

		in := sc.ForStep(i, data)
		if i == pos.start && pos.inner != nil {
			in = sc.ForStep(i, pos.inner.Input).Resuming(pos.inner, data)
		}

		out, err := api.RunStep(ctx, in, step)
		if err != nil {
			if sig, ok := api.AsSuspend(err); ok {
				return suspended(i, sig)
			}
			return outcome{status: api.StatusErrored, err: wrapStepError(err, step.Info(), i)}
		}
		data = out
	}

	result, err := api.ValidateWith(p.def.ResultSchema, api.StageWorkflowResult, "", data)
	if err != nil {
		return outcome{status: api.StatusErrored, err: err}
	}
	return outcome{status: api.StatusCompleted, result: result}
}

func suspended(index int, sig *api.SuspendSignal) outcome {
	cp := api.Checkpoint{
		NextStepIndex: index + 1,
		LastData:      sig.Data,
		Payload:       sig.Payload,
		Inner:         sig.Point,
	}
	if sig.Point != nil {
		cp.NextStepIndex = index
	}
	return outcome{
		status: api.StatusSuspended,
		index:  index,
		signal: sig,
		suspension: &api.Suspension{
			Reason:      sig.Reason,
			StepID:      sig.StepID,
			SuspendedAt: time.Now().UTC(),
			Checkpoint:  cp,
		},
	}
}

// wrapStepError attaches the failing step to err. Schema rejections are
// surfaced as they are.
func wrapStepError(err error, info api.StepInfo, index int) error {
	var ve *api.ValidationError
	if errors.As(err, &ve) {
		return err
	}
	var se *api.StepExecutionError
	if errors.As(err, &se) && se.StepID == info.ID {
		return err
	}
	return &api.StepExecutionError{
		StepID:    info.ID,
		StepName:  info.Name,
		StepIndex: index,
		Err:       err,
	}
}
