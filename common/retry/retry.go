// Package retry provides exponential-backoff helpers for transient errors and
// for polling long-running upstream operations.
//
// Usage:
//
//	err := retry.Do(ctx, retry.Config{MaxAttempts: 3, InitialDelay: 500*time.Millisecond}, func() error {
//	    return client.Call()
//	})
//
//	err := retry.Poll(ctx, retry.Config{InitialDelay: 500*time.Millisecond, MaxDelay: 5*time.Second}, func() (bool, error) {
//	    run, err := client.GetRun(ctx, id)
//	    return run.Done(), err
//	})
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Config controls the retry behaviour.
type Config struct {
	// MaxAttempts is the total number of attempts (including the first).
	// Zero or negative values are treated as 1 (no retries) by Do and as
	// "until the context ends" by Poll.
	MaxAttempts int
	// InitialDelay is the wait before the second attempt.
	// Subsequent delays are doubled up to MaxDelay.
	InitialDelay time.Duration
	// MaxDelay caps the per-attempt wait.
	MaxDelay time.Duration
	// ShouldRetry is an optional predicate that lets callers classify errors
	// as retryable.  When nil, all non-nil errors are retried.
	ShouldRetry func(err error) bool
}

// DefaultConfig provides sensible defaults for short-lived network calls.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
}

// ErrPollExhausted is returned by Poll when MaxAttempts checks completed
// without the condition becoming true.
var ErrPollExhausted = errors.New("retry: poll attempts exhausted")

// backoff yields the doubling delay sequence for one retry loop.
type backoff struct {
	next time.Duration
	max  time.Duration
}

func newBackoff(cfg Config) *backoff {
	b := &backoff{next: cfg.InitialDelay, max: cfg.MaxDelay}
	if b.next <= 0 {
		b.next = DefaultConfig.InitialDelay
	}
	if b.max <= 0 {
		b.max = DefaultConfig.MaxDelay
	}
	return b
}

// wait sleeps for the current delay and doubles it.  It returns ctx.Err()
// when the context ends first.
func (b *backoff) wait(ctx context.Context) error {
	t := time.NewTimer(b.next)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return nil
}

// Do calls fn up to cfg.MaxAttempts times, backing off exponentially between
// attempts.  It stops early when ctx is cancelled or fn returns nil.
// The error from the last attempt is returned.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(err error) bool { return true }
	}

	b := newBackoff(cfg)
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !shouldRetry(lastErr) {
			return lastErr
		}

		if attempt < cfg.MaxAttempts {
			slog.Debug("retry: attempt failed, retrying",
				"attempt", attempt, "max", cfg.MaxAttempts,
				"err", lastErr, "delay", b.next)

			if err := b.wait(ctx); err != nil {
				return errors.Join(lastErr, err)
			}
		}
	}

	return lastErr
}

// Poll calls check until it reports done, returns an error, or ctx ends,
// waiting with exponential backoff between checks.  With MaxAttempts > 0 the
// number of checks is also bounded and ErrPollExhausted is returned when the
// bound is hit.  Callers are expected to put a deadline on ctx.
func Poll(ctx context.Context, cfg Config, check func() (bool, error)) error {
	b := newBackoff(cfg)
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return ErrPollExhausted
		}
		if err := b.wait(ctx); err != nil {
			return err
		}
	}
}
