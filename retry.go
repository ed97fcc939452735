package stepchain

import (
	"errors"
	"slices"
	"time"

	"github.com/petrijr/stepchain/pkg/api"
)

// RetryBuilder assembles the retry behaviour of a single step: how many
// attempts it gets, how long it waits between them and which errors are
// worth another attempt. Builders are values; every method returns a copy.
//
//	step := Retry(4).
//		Backoff(50*time.Millisecond, time.Second).
//		On(ErrUnavailable).
//		Wrap(Then("call-api", callAPI))
type RetryBuilder struct {
	policy RetryPolicy
	on     []error
	except []error
	accept func(error) bool
}

// Retry starts a builder allowing attempts tries in total. Values below one
// mean a single try. Without a backoff the attempts run back to back.
func Retry(attempts int) RetryBuilder {
	return RetryBuilder{policy: RetryPolicy{MaxAttempts: max(attempts, 1)}}
}

// Backoff waits initial before the first retry and doubles the wait after
// each failure. A positive limit caps the wait.
func (r RetryBuilder) Backoff(initial, limit time.Duration) RetryBuilder {
	r.policy.InitialBackoff = initial
	r.policy.MaxBackoff = limit
	if r.policy.BackoffMultiplier <= 1 {
		r.policy.BackoffMultiplier = 2
	}
	return r
}

// Growth replaces the factor the wait is multiplied by after each failure.
func (r RetryBuilder) Growth(factor float64) RetryBuilder {
	r.policy.BackoffMultiplier = factor
	return r
}

// Every waits the same delay before each retry.
func (r RetryBuilder) Every(delay time.Duration) RetryBuilder {
	r.policy.InitialBackoff = delay
	r.policy.MaxBackoff = 0
	r.policy.BackoffMultiplier = 1
	return r
}

// On restricts retries to errors matching one of targets (errors.Is).
// Repeated calls widen the set.
func (r RetryBuilder) On(targets ...error) RetryBuilder {
	r.on = slices.Concat(r.on, targets)
	return r
}

// Except never retries errors matching one of targets, even when On
// accepts them.
func (r RetryBuilder) Except(targets ...error) RetryBuilder {
	r.except = slices.Concat(r.except, targets)
	return r
}

// If adds a predicate an error must satisfy to be retried.
func (r RetryBuilder) If(fn func(error) bool) RetryBuilder {
	r.accept = fn
	return r
}

// Policy returns the assembled policy.
func (r RetryBuilder) Policy() RetryPolicy {
	p := r.policy
	if len(r.on) > 0 || len(r.except) > 0 || r.accept != nil {
		p.RetryIf = r.shouldRetry
	}
	return p
}

// Wrap returns step retried according to the builder. The wrapped step
// keeps the inner step's ID and emits a single pair of step events.
func (r RetryBuilder) Wrap(step Step) Step {
	return api.WithRetry(r.Policy(), step)
}

func (r RetryBuilder) shouldRetry(err error) bool {
	if matchesAny(err, r.except) {
		return false
	}
	if len(r.on) > 0 && !matchesAny(err, r.on) {
		return false
	}
	return r.accept == nil || r.accept(err)
}

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
