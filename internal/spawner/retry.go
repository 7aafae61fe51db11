package spawner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// RetryPolicy bounds spawn retries. The caller's context bounds total time.
type RetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// MaxAttempts counts the first call. Values below 1 mean a single attempt.
	MaxAttempts int
}

// DefaultRetryPolicy makes a single attempt. Raising MaxAttempts enables
// backoff between attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		MaxAttempts:  1,
	}
}

// permanentError marks a failure that retrying cannot fix, such as a 4xx
// from the control plane.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentError{err: err} }

// withRetry calls fn until it succeeds, returns a permanent error, runs out
// of attempts or ctx is done. Delays grow exponentially with jitter.
func withRetry(ctx context.Context, p RetryPolicy, sessionID string, fn func(context.Context) error) error {
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultRetryPolicy().InitialDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}

	delay := p.InitialDelay
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("Sandbox spawn succeeded after retry", "sessionId", sessionID, "attempt", attempt)
			}
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt >= p.MaxAttempts {
			if attempt > 1 {
				return fmt.Errorf("%w (after %d attempts)", err, attempt)
			}
			return err
		}

		sleep := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
		slog.Warn("Sandbox spawn failed, retrying",
			"sessionId", sessionID,
			"attempt", attempt,
			"delay", sleep.Round(time.Millisecond),
			"error", err,
		)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("spawn sandbox: %w (last error: %v)", ctx.Err(), err)
		case <-timer.C:
		}

		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}
