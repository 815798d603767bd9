package db

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/odyssey-erp/pharmacore/internal/shared"
)

// RetryPolicy configures caller-side retries of transient failures.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// OnRetry is invoked before each sleep; attempt starts at 1.
	OnRetry func(attempt int, err error)
}

// DefaultRetryPolicy is used when a zero policy is supplied.
var DefaultRetryPolicy = RetryPolicy{Attempts: 5, BaseDelay: 20 * time.Millisecond, MaxDelay: time.Second}

// Retry runs fn until it succeeds, fails permanently, or the attempt budget is
// spent. Exhaustion returns shared.ErrTemporarilyUnavailable wrapping the last cause.
func Retry(ctx context.Context, policy RetryPolicy, fn func(context.Context) error) error {
	if policy.Attempts <= 0 {
		policy.Attempts = DefaultRetryPolicy.Attempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if policy.MaxDelay < policy.BaseDelay {
		policy.MaxDelay = policy.BaseDelay
	}

	var last error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		last = fn(ctx)
		if last == nil || !errors.Is(last, shared.ErrTransient) {
			return last
		}
		if attempt == policy.Attempts {
			break
		}
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, last)
		}
		timer := time.NewTimer(backoff(policy, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", shared.ErrTemporarilyUnavailable, ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", shared.ErrTemporarilyUnavailable, policy.Attempts, last)
}

// backoff doubles the base delay per attempt, caps it, and applies full jitter in [d/2, d].
func backoff(policy RetryPolicy, attempt int) time.Duration {
	d := policy.BaseDelay << (attempt - 1)
	if d <= 0 || d > policy.MaxDelay {
		d = policy.MaxDelay
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(half)+1))
}
