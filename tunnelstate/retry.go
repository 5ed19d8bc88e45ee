package tunnelstate

import (
	"time"

	"github.com/cenkalti/backoff"
)

// RetryPolicy bounds automatic retries inside Connecting. MaxAttempts counts
// attempts including the first; zero means unlimited. NewBackOff builds the
// delay curve applied before each retry; returning backoff.Stop from it also
// ends retrying.
type RetryPolicy struct {
	MaxAttempts uint32
	NewBackOff  func() backoff.BackOff
}

const (
	DefaultRetryInitialInterval = 500 * time.Millisecond
	DefaultRetryMaxInterval     = 30 * time.Second
)

// DefaultRetryPolicy retries forever with exponential backoff capped at
// DefaultRetryMaxInterval.
func DefaultRetryPolicy() RetryPolicy {
	return ExponentialRetryPolicy(0, DefaultRetryInitialInterval, DefaultRetryMaxInterval)
}

func ExponentialRetryPolicy(maxAttempts uint32, initial, max time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial
			b.MaxInterval = max
			b.MaxElapsedTime = 0
			b.Reset()
			return b
		},
	}
}

// retryState tracks the backoff curve across consecutive Connecting attempts.
type retryState struct {
	policy RetryPolicy
	curve  backoff.BackOff
}

func newRetryState(policy RetryPolicy) *retryState {
	if policy.NewBackOff == nil {
		policy.NewBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	}
	return &retryState{policy: policy, curve: policy.NewBackOff()}
}

func (r *retryState) reset() {
	r.curve.Reset()
}

// next returns the attempt number and delay for the retry after attempt, or
// false when the policy says to stop.
func (r *retryState) next(attempt uint32) (uint32, time.Duration, bool) {
	next := attempt + 1
	if next == 0 {
		return 0, 0, false
	}
	if r.policy.MaxAttempts > 0 && next >= r.policy.MaxAttempts {
		return 0, 0, false
	}
	delay := r.curve.NextBackOff()
	if delay == backoff.Stop {
		return 0, 0, false
	}
	return next, delay, true
}
