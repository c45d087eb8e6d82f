package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func fastOptions(maxAttempts int) Options {
	return Options{
		MaxAttempts:       maxAttempts,
		InitialDelay:      time.Millisecond,
		BackoffMultiplier: 2,
		MaxDelay:          5 * time.Millisecond,
		Jitter:            false,
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	}, fastOptions(3))

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	}, fastOptions(3))

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errBoom
	}, fastOptions(3))

	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	opts := fastOptions(5)
	opts.Retryable = func(err error) bool {
		return !errors.Is(err, permanent)
	}

	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return permanent
	}, opts)

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, func(ctx context.Context) error {
		return errBoom
	}, fastOptions(3))

	// First attempt never runs on an already-canceled context
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDo_TimeoutSurfacesErrTimeout(t *testing.T) {
	opts := Options{
		MaxAttempts:  10,
		InitialDelay: 50 * time.Millisecond,
		Timeout:      20 * time.Millisecond,
		Jitter:       false,
	}

	err := Do(context.Background(), func(ctx context.Context) error {
		return errBoom
	}, opts)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), "boom")
}

func TestBackoffDelay_ExponentialWithCap(t *testing.T) {
	opts := Options{
		InitialDelay:      100 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxDelay:          300 * time.Millisecond,
		Jitter:            false,
	}.withDefaults()

	assert.Equal(t, 100*time.Millisecond, backoffDelay(opts, 1))
	assert.Equal(t, 200*time.Millisecond, backoffDelay(opts, 2))
	assert.Equal(t, 300*time.Millisecond, backoffDelay(opts, 3)) // capped
	assert.Equal(t, 300*time.Millisecond, backoffDelay(opts, 4)) // still capped
}

func TestBackoffDelay_JitterRange(t *testing.T) {
	opts := Options{
		InitialDelay:      100 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxDelay:          time.Second,
		Jitter:            true,
	}.withDefaults()

	for n := 0; n < 50; n++ {
		d := backoffDelay(opts, 1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.Less(t, d, 100*time.Millisecond)
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewCircuitBreaker(3, time.Minute, 1)

	for n := 0; n < 2; n++ {
		b.RecordFailure()
	}
	assert.True(t, b.Allow(), "breaker should stay closed below threshold")
	assert.Equal(t, "closed", b.State())

	b.RecordFailure()
	assert.False(t, b.Allow(), "breaker should open at threshold")
	assert.Equal(t, "open", b.State())
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewCircuitBreaker(3, time.Minute, 1)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	assert.True(t, b.Allow(), "non-consecutive failures should not trip the breaker")
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	b := NewCircuitBreaker(1, time.Minute, 1)
	current := time.Now()
	b.now = func() time.Time { return current }

	b.RecordFailure()
	assert.False(t, b.Allow())

	current = current.Add(61 * time.Second)
	assert.True(t, b.Allow(), "probe should be allowed after reset timeout")
	assert.Equal(t, "half-open", b.State())

	b.RecordSuccess()
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewCircuitBreaker(1, time.Minute, 1)
	current := time.Now()
	b.now = func() time.Time { return current }

	b.RecordFailure()
	current = current.Add(61 * time.Second)
	require.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, "open", b.State())
	assert.False(t, b.Allow())

	// The reopen resets the clock: another full timeout must elapse
	current = current.Add(30 * time.Second)
	assert.False(t, b.Allow())
	current = current.Add(31 * time.Second)
	assert.True(t, b.Allow())
}

func TestBreaker_SuccessThreshold(t *testing.T) {
	b := NewCircuitBreaker(1, time.Minute, 2)
	current := time.Now()
	b.now = func() time.Time { return current }

	b.RecordFailure()
	current = current.Add(61 * time.Second)
	require.True(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, "half-open", b.State(), "one success below threshold keeps half-open")
	b.RecordSuccess()
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_DefaultSuccessThreshold(t *testing.T) {
	b := NewCircuitBreaker(1, time.Minute, 0)
	current := time.Now()
	b.now = func() time.Time { return current }

	b.RecordFailure()
	current = current.Add(61 * time.Second)
	require.True(t, b.Allow())

	b.RecordSuccess()
	b.RecordSuccess()
	assert.Equal(t, "half-open", b.State(), "two probe successes are not enough by default")
	b.RecordSuccess()
	assert.Equal(t, "closed", b.State())
}

func TestDoWithBreaker(t *testing.T) {
	b := NewCircuitBreaker(2, time.Minute, 1)

	// The breaker gates each attempt: two failures open it mid-loop and
	// the third attempt is rejected before running the op
	attempts := 0
	err := DoWithBreaker(context.Background(), b, func(ctx context.Context) error {
		attempts++
		return errBoom
	}, fastOptions(3))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, "open", b.State())

	// While open, new calls are rejected without running the op
	calls := 0
	err = DoWithBreaker(context.Background(), b, func(ctx context.Context) error {
		calls++
		return nil
	}, fastOptions(2))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 0, calls)
}

func TestDoWithBreaker_ExhaustionBelowThreshold(t *testing.T) {
	b := NewCircuitBreaker(3, time.Minute, 1)

	err := DoWithBreaker(context.Background(), b, func(ctx context.Context) error {
		return errBoom
	}, fastOptions(2))
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, "closed", b.State(), "two failed attempts stay under a threshold of three")

	// A later success clears the accumulated failures
	err = DoWithBreaker(context.Background(), b, func(ctx context.Context) error {
		return nil
	}, fastOptions(1))
	require.NoError(t, err)
	assert.True(t, b.Allow())
}
