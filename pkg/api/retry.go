package api

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy controls how a step is retried when it returns an error.
// MaxAttempts includes the first attempt. For example:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// InitialBackoff is the delay before the first retry; it grows by
// BackoffMultiplier (default 2.0) after every failed attempt and is capped
// by MaxBackoff when that is positive. A non-nil RetryIf limits retries to
// the errors it accepts; any other error fails the step at once.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	RetryIf           func(error) bool
}

type retryStep struct {
	inner  Step
	policy RetryPolicy
}

// WithRetry wraps step so that failed attempts are retried according to
// policy. Suspension signals and validation errors are never retried. The
// wrapper is transparent: it reports the inner step's StepInfo.
func WithRetry(policy RetryPolicy, step Step) Step {
	return &retryStep{inner: step, policy: policy}
}

func (s *retryStep) Info() StepInfo { return s.inner.Info() }

func (s *retryStep) Children() []Step { return []Step{s.inner} }

func (s *retryStep) Execute(ctx context.Context, sc *StepContext) (any, error) {
	maxAttempts := s.policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	backoff := s.policy.InitialBackoff
	multiplier := s.policy.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		out, err := s.inner.Execute(ctx, sc)
		if err == nil {
			return out, nil
		}
		if !s.retryable(err) {
			return nil, err
		}
		lastErr = err

		if attempt == maxAttempts || backoff <= 0 {
			continue
		}

		delay := backoff
		if s.policy.MaxBackoff > 0 && delay > s.policy.MaxBackoff {
			delay = s.policy.MaxBackoff
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}

		next := time.Duration(float64(backoff) * multiplier)
		if s.policy.MaxBackoff > 0 && next > s.policy.MaxBackoff {
			next = s.policy.MaxBackoff
		}
		backoff = next
	}
	return nil, lastErr
}

func (s *retryStep) retryable(err error) bool {
	if IsSuspend(err) {
		return false
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return false
	}
	return s.policy.RetryIf == nil || s.policy.RetryIf(err)
}
