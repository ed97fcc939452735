package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNoBranches is returned by a race step without branches.
var ErrNoBranches = errors.New("race step has no branches")

type allStep struct {
	info     StepInfo
	branches []Step
}

// All returns a step that runs branches concurrently, each on its own copy
// of the data. It succeeds with a []any of the branch outputs, in branch
// order, only if every branch succeeds. The first failure cancels the
// other branches and fails the step.
//
// A suspending branch does not cancel its siblings: the step waits for
// them and suspends with their outputs recorded, so a resume only finishes
// the suspended branch. Further suspended branches start over on resume.
func All(id string, branches []Step, opts ...StepOption) Step {
	return &allStep{info: newInfo(id, StepTypeParallelAll, opts), branches: branches}
}

func (s *allStep) Info() StepInfo { return s.info }

func (s *allStep) Children() []Step { return s.branches }

func (s *allStep) Execute(ctx context.Context, sc *StepContext) (any, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rp, resumeData := sc.Resumed()

	results := make([]any, len(s.branches))
	errs := make([]error, len(s.branches))

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for i, branch := range s.branches {
		bsc := sc.branch(CloneData(sc.Data), nil)
		if rp != nil {
			if out, ok := rp.Done[i]; ok {
				results[i] = out
				continue
			}
			if i == rp.Index {
				if rp.Inner == nil {
					results[i] = resumeData
					continue
				}
				bsc = sc.branch(rp.Inner.Input, nil).Resuming(rp.Inner, resumeData)
			}
		}
		wg.Go(func() {
			out, err := RunStep(ctx, bsc, branch)
			if err != nil {
				errs[i] = err
				if !IsSuspend(err) {
					once.Do(func() {
						firstErr = err
						cancel()
					})
				}
				return
			}
			results[i] = out
		})
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	for i, err := range errs {
		sig, ok := AsSuspend(err)
		if !ok {
			continue
		}
		done := make(map[int]any)
		for j, out := range results {
			if errs[j] == nil {
				done[j] = out
			}
		}
		sig = sig.Within(i, sc.Data)
		sig.Point.Done = done
		return nil, sig
	}
	return results, nil
}

type raceStep struct {
	info     StepInfo
	branches []Step
}

// Race returns a step that runs branches concurrently and resolves with the
// first one to finish, success or failure. The remaining branches are
// cancelled and any events they would still publish are dropped.
func Race(id string, branches []Step, opts ...StepOption) Step {
	return &raceStep{info: newInfo(id, StepTypeParallelRace, opts), branches: branches}
}

func (s *raceStep) Info() StepInfo { return s.info }

func (s *raceStep) Children() []Step { return s.branches }

type raceOutcome struct {
	index int
	out   any
	err   error
}

func (s *raceStep) Execute(ctx context.Context, sc *StepContext) (any, error) {
	if len(s.branches) == 0 {
		return nil, ErrNoBranches
	}
	if rp, data := sc.Resumed(); rp != nil {
		return s.resume(ctx, sc, rp, data)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	gate := newEventGate(sc.gate)
	done := make(chan raceOutcome, len(s.branches))
	for i, branch := range s.branches {
		bsc := sc.branch(CloneData(sc.Data), gate)
		go func() {
			out, err := RunStep(ctx, bsc, branch)
			done <- raceOutcome{index: i, out: out, err: err}
		}()
	}

	first := <-done
	gate.close()

	winner := s.branches[first.index].Info()
	sc.noteBranch(winner.Name)
	if first.err != nil {
		if sig, ok := AsSuspend(first.err); ok {
			return nil, sig.Within(first.index, sc.Data)
		}
		return nil, fmt.Errorf("branch %q: %w", winner.ID, first.err)
	}
	return first.out, nil
}

// resume finishes the branch that won the race by suspending.
func (s *raceStep) resume(ctx context.Context, sc *StepContext, rp *ResumePoint, data any) (any, error) {
	if rp.Index < 0 || rp.Index >= len(s.branches) {
		return nil, fmt.Errorf("resume race %q: no branch %d", s.info.ID, rp.Index)
	}
	branch := s.branches[rp.Index]
	sc.noteBranch(branch.Info().Name)
	if rp.Inner == nil {
		return data, nil
	}

	out, err := RunStep(ctx, sc.branch(rp.Inner.Input, nil).Resuming(rp.Inner, data), branch)
	if err != nil {
		if sig, ok := AsSuspend(err); ok {
			return nil, sig.Within(rp.Index, sc.Data)
		}
		return nil, fmt.Errorf("branch %q: %w", branch.Info().ID, err)
	}
	return out, nil
}
