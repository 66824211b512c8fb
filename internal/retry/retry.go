// Package retry implements bounded retries with exponential backoff, used
// for webhook delivery and history writes.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// maxDelay caps the backoff so long retry chains stay responsive to
// shutdown deadlines.
const maxDelay = 10 * time.Second

// PermanentError marks a failure that must not be retried, like a 4xx
// from a webhook subscriber.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do gives up immediately.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// backoff returns the sleep before retry n (0-based): base*2^n with 25%
// jitter, capped at maxDelay.
func backoff(base time.Duration, n int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base << n
	if d <= 0 || d > maxDelay {
		d = maxDelay
	}
	jitter := d / 4
	if jitter == 0 {
		return d
	}
	return d - jitter + rand.N(2*jitter+1)
}

// Do calls fn up to maxAttempts times, sleeping between attempts with
// exponential backoff and jitter. It returns nil on the first success, the
// unwrapped cause as soon as fn reports a permanent failure, or the last
// error once attempts run out. Cancelling ctx cuts the sleep short.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var last error
	for attempt := 0; ; attempt++ {
		last = fn()
		if last == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(last, &pe) {
			return pe.Err
		}
		if attempt == maxAttempts-1 {
			return last
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(baseDelay, attempt)):
		}
	}
}
