package api

import (
	"errors"
	"maps"
)

// SuspendSignal is the control-flow value a step returns to pause the
// pipeline. It travels through the error return so that it unwinds nested
// and detached executions, but it is not a failure: the pipeline executor
// intercepts it and marks the execution suspended.
//
// Steps obtain one from StepContext.Suspend and must return it unchanged
// (wrapping with %w is fine).
type SuspendSignal struct {
	Reason  string
	StepID  string
	Payload any

	// Data is the step context data at the point of suspension.
	Data any

	// Point locates the suspension inside the composite step returning the
	// signal. It is nil while the signal comes straight from a leaf step.
	Point *ResumePoint
}

func (s *SuspendSignal) Error() string {
	if s.Reason == "" {
		return "workflow suspended"
	}
	return "workflow suspended: " + s.Reason
}

// Within returns a copy of s located at child index of a composite step
// that was entered with input.
func (s *SuspendSignal) Within(index int, input any) *SuspendSignal {
	c := *s
	c.Point = &ResumePoint{Index: index, Input: input, Inner: s.Point}
	return &c
}

// ResumePoint records where inside a composite step (a delegated workflow,
// a parallel or conditional step) a suspension happened, so that resuming
// re-enters the composite and finishes its remaining work.
type ResumePoint struct {
	// Index is the child that suspended: a step position for a delegated
	// workflow, a branch for parallel steps, 0 for a conditional step.
	Index int
	// Input is the data the composite step was entered with.
	Input any
	// Done holds the outputs of parallel branches that had finished.
	Done map[int]any
	// Inner is set when the child at Index is itself a composite that
	// suspended part way. When nil the child completes with the resume data.
	Inner *ResumePoint
}

// Clone copies the chain of points. Data values are shared.
func (p *ResumePoint) Clone() *ResumePoint {
	if p == nil {
		return nil
	}
	c := *p
	c.Done = maps.Clone(p.Done)
	c.Inner = p.Inner.Clone()
	return &c
}

// AsSuspend reports whether err carries a suspension signal.
func AsSuspend(err error) (*SuspendSignal, bool) {
	var sig *SuspendSignal
	if errors.As(err, &sig) {
		return sig, true
	}
	return nil, false
}

// IsSuspend reports whether err carries a suspension signal.
func IsSuspend(err error) bool {
	_, ok := AsSuspend(err)
	return ok
}

// MergeResumeData computes the data a resumed pipeline continues with.
// Maps are merged with resumeData winning; any other non-nil resumeData
// replaces lastData.
func MergeResumeData(lastData, resumeData any) any {
	if resumeData == nil {
		return lastData
	}
	last, ok1 := lastData.(map[string]any)
	next, ok2 := resumeData.(map[string]any)
	if !ok1 || !ok2 {
		return resumeData
	}
	merged := make(map[string]any, len(last)+len(next))
	for k, v := range last {
		merged[k] = v
	}
	for k, v := range next {
		merged[k] = v
	}
	return merged
}
