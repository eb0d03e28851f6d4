package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/projecteru2/core/log"
)

// Schedule produces the backoff delay before retry attempt n (1-based: the
// delay before the 2nd attempt, 3rd attempt, ...).
type Schedule func(attempt int) time.Duration

// FixedSchedule returns a Schedule with a constant delay, used by GetVM's
// 3x300ms policy (§4.1, the spec's Open Question resolution).
func FixedSchedule(delay time.Duration) Schedule {
	return func(int) time.Duration { return delay }
}

// ExponentialSchedule doubles base on every attempt, capped at max. Used by
// Delete/Clone's truncated exponential backoff (§4.1).
func ExponentialSchedule(base, maxDelay time.Duration) Schedule {
	return func(attempt int) time.Duration {
		d := base << uint(attempt-1) //nolint:gosec // attempt is small and bounded by maxAttempts
		if d > maxDelay || d <= 0 {
			return maxDelay
		}
		return d
	}
}

// retry runs op up to maxAttempts times, retrying only errors for which
// retryable returns true, sleeping per schedule between attempts, and
// logging a warning before each retry. This is the single retry primitive
// §9's "Retry composition" note calls for, shared by every retrying call
// site in this package (clone, delete, get-vm).
func retry(ctx context.Context, op func() error, name string, maxAttempts int, schedule Schedule, retryable func(error) bool) error {
	logger := log.WithFunc(name)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) || attempt == maxAttempts {
			return lastErr
		}
		delay := schedule(attempt)
		logger.Warnf(ctx, "attempt %d/%d failed, retrying in %s: %v", attempt, maxAttempts, delay, lastErr)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", name, ctx.Err())
		case <-time.After(delay):
		}
	}
	return lastErr
}

// retryableAPIError matches §4.1: only APIError is worth retrying; a
// TransportError or any other error is surfaced immediately by callers that
// don't opt into retry, and is treated as non-retryable for GetVM/Delete's
// API-error-only retry policy. GetVM additionally retries JSON decode
// failures, which callers pass in as a plain error — decodeError wraps those
// so retryableAPIError recognizes them too.
func retryableAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return true
	}
	var decodeErr *decodeError
	return errors.As(err, &decodeErr)
}

// decodeError marks a JSON-decode failure as retryable for GetVM (§4.1:
// backends occasionally stream incomplete bodies).
type decodeError struct {
	Op  string
	Err error
}

func (e *decodeError) Error() string { return fmt.Sprintf("%s: decode response: %v", e.Op, e.Err) }
func (e *decodeError) Unwrap() error { return e.Err }

// waitFor polls check at interval until it reports done, returns an error,
// or timeout elapses. Generalized from the teacher's utils.WaitFor, shared by
// the macOS and Linux WaitForIP implementations (§4.1). The template engine's
// existence poll uses its own backoff loop.
func waitFor(ctx context.Context, timeout, interval time.Duration, check func() (done bool, err error)) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout after %s", timeout)
		}
		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
