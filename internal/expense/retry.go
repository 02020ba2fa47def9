package expense

import (
	"context"
	"time"
)

// retryPolicy retries transient failures with exponential backoff
type retryPolicy struct {
	attempts int
	backoff  time.Duration
}

// do calls fn until it succeeds, fails with an error retryable rejects, or attempts run out.
// The last error is returned. A cancelled ctx stops the wait between tries.
func (p retryPolicy) do(ctx context.Context, retryable func(error) bool, fn func(ctx context.Context) error) error {
	attempts := p.attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.backoff

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || !retryable(err) || attempt >= attempts {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		delay *= 2
	}
}
