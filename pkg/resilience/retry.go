package resilience

import (
	"context"
	"time"
)

// RetryPolicy defines retry behavior for transient failures.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
}

// Do runs fn until it succeeds, retries run out, or ctx is done.
func (r RetryPolicy) Do(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i <= r.MaxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if i == r.MaxRetries {
			return err
		}
		timer := time.NewTimer(r.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
