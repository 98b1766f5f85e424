package backend

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// DefaultBackoff bounds retries of transient substrate failures.
var DefaultBackoff = wait.Backoff{
	Duration: 500 * time.Millisecond,
	Factor:   2.0,
	Jitter:   0.1,
	Steps:    5,
	Cap:      10 * time.Second,
}

// Retry runs fn until it succeeds, returns a non-transient error, or the
// backoff budget is spent. Only TransientError is retried; validation and
// auth failures surface on the first attempt.
func Retry(ctx context.Context, backoff wait.Backoff, fn func(ctx context.Context) error) error {
	var lastErr error
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		lastErr = fn(ctx)
		if lastErr == nil {
			return true, nil
		}
		if IsTransient(lastErr) {
			return false, nil
		}
		return false, lastErr
	})
	if err != nil {
		// On exhausted backoff report the substrate error, not the
		// generic wait timeout.
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}
