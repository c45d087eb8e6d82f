// Package retry provides bounded retry with exponential backoff and a
// circuit breaker for operations against the sandbox runtime.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// ErrTimeout is returned when an overall retry deadline elapses before
// any attempt succeeds.
var ErrTimeout = errors.New("retry: deadline exceeded")

// Options controls the retry loop. Zero values fall back to defaults.
type Options struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Defaults to 3.
	MaxAttempts int

	// InitialDelay is the delay before the second attempt. Defaults to 1s.
	InitialDelay time.Duration

	// BackoffMultiplier scales the delay after each failure. Defaults to 2.
	BackoffMultiplier float64

	// MaxDelay caps the computed delay. Defaults to 30s.
	MaxDelay time.Duration

	// Jitter randomizes each delay to a fraction in [0.5, 1.0) of its
	// computed value, avoiding thundering-herd retries. Defaults to true
	// via DefaultOptions; set to false for deterministic tests.
	Jitter bool

	// Timeout bounds the whole loop including delays. Zero means no bound.
	Timeout time.Duration

	// Retryable decides whether an error is worth another attempt.
	// A nil Retryable treats every error as retryable.
	Retryable func(error) bool
}

// DefaultOptions returns the options used for runtime boot and spawn.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2,
		MaxDelay:          30 * time.Second,
		Jitter:            true,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = time.Second
	}
	if o.BackoffMultiplier <= 1 {
		o.BackoffMultiplier = 2
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	return o
}

// Do runs op until it succeeds, the attempt budget is spent, the error is
// classified non-retryable, or ctx/Timeout expires. The returned error is
// the last attempt's error, wrapped with the attempt count; timeouts
// surface as ErrTimeout with the last error attached when there was one.
func Do(ctx context.Context, op func(ctx context.Context) error, opts Options) error {
	opts = opts.withDefaults()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return timeoutError(err, lastErr)
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if opts.Retryable != nil && !opts.Retryable(lastErr) {
			return lastErr
		}
		if attempt == opts.MaxAttempts {
			break
		}

		delay := backoffDelay(opts, attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return timeoutError(ctx.Err(), lastErr)
		}
	}

	return fmt.Errorf("after %d attempts: %w", opts.MaxAttempts, lastErr)
}

// backoffDelay computes the delay after the given 1-based failed attempt:
// initial * multiplier^(attempt-1), capped at MaxDelay, then jittered.
func backoffDelay(opts Options, attempt int) time.Duration {
	delay := opts.InitialDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * opts.BackoffMultiplier)
		if delay >= opts.MaxDelay {
			delay = opts.MaxDelay
			break
		}
	}
	if delay > opts.MaxDelay {
		delay = opts.MaxDelay
	}
	if opts.Jitter {
		// Uniform in [0.5, 1.0) of the computed delay
		delay = time.Duration(float64(delay) * (0.5 + 0.5*rand.Float64()))
	}
	return delay
}

func timeoutError(ctxErr, lastErr error) error {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		if lastErr != nil {
			return fmt.Errorf("%w (last error: %v)", ErrTimeout, lastErr)
		}
		return ErrTimeout
	}
	return ctxErr
}
