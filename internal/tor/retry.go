package tor

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Retry defaults for launching, attaching to and validating Tor.
const (
	DefaultRetryAttempts = 3
	DefaultRetryWindow   = 2 * time.Minute
	DefaultRetryDelay    = time.Second
)

// RetryPolicy bounds an operation by both an attempt count and a wall-clock
// window. Every attempt runs under a context that expires when the window
// does, regardless of how many attempts remain.
//
// Design decision: We bound retries by both count and time because:
//  1. A hanging attempt must not consume the remaining attempts' budget silently
//  2. A fast failing attempt must not spin through the window
//  3. Callers get one predictable upper bound on setup time
type RetryPolicy struct {
	// Attempts is the maximum number of attempts. Zero means DefaultRetryAttempts.
	Attempts int

	// Window is the total time budget for all attempts, delays included.
	// Zero means DefaultRetryWindow.
	Window time.Duration

	// Delay is the pause between attempts. It is cut short when the
	// window or the caller's context ends.
	Delay time.Duration

	// AttemptTimeout optionally bounds each individual attempt further.
	// Zero leaves attempts bounded by the window only.
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy returns 3 attempts within 2 minutes, one second apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: DefaultRetryAttempts,
		Window:   DefaultRetryWindow,
		Delay:    DefaultRetryDelay,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetryAttempts
	}
	if p.Window <= 0 {
		p.Window = DefaultRetryWindow
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	return p
}

// run calls fn until it succeeds, attempts run out or the window closes.
// The returned error wraps the last attempt's error.
func (p RetryPolicy) run(ctx context.Context, logger *slog.Logger, op string, fn func(context.Context) error) error {
	p = p.normalized()

	windowCtx, cancel := context.WithTimeout(ctx, p.Window)
	defer cancel()

	var lastErr error
	attempt := 0
	for attempt < p.Attempts {
		attempt++

		attemptCtx, attemptCancel := windowCtx, context.CancelFunc(func() {})
		if p.AttemptTimeout > 0 {
			attemptCtx, attemptCancel = context.WithTimeout(windowCtx, p.AttemptTimeout)
		}
		lastErr = fn(attemptCtx)
		attemptCancel()
		if lastErr == nil {
			return nil
		}

		logger.Warn("tor attempt failed",
			"op", op,
			"attempt", attempt,
			"maxAttempts", p.Attempts,
			"error", lastErr,
		)

		if attempt == p.Attempts {
			break
		}
		if err := sleepCtx(windowCtx, p.Delay); err != nil {
			break
		}
	}
	return fmt.Errorf("%s failed after %d attempt(s) within %s: %w", op, attempt, p.Window, lastErr)
}

// sleepCtx waits for d or until ctx ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
