package retry

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker is open and the reset
// timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("retry: circuit open")

// breakerState is the current mode of a CircuitBreaker.
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker trips after consecutive failures and rejects calls until
// a reset timeout elapses, at which point a single probe call is allowed
// through (half-open). Enough probe successes close it again.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	resetTimeout     time.Duration
	successThreshold int

	state     breakerState
	failures  int
	successes int
	openedAt  time.Time
	now       func() time.Time // swappable for tests
}

// NewCircuitBreaker builds a breaker. Non-positive arguments fall back to
// 3 failures, 60s reset, and 3 probe successes.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration, successThreshold int) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	if resetTimeout <= 0 {
		resetTimeout = 60 * time.Second
	}
	if successThreshold <= 0 {
		successThreshold = 3
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		successThreshold: successThreshold,
		now:              time.Now,
	}
}

// Allow reports whether a call may proceed, transitioning open → half-open
// when the reset timeout has elapsed.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.now().Sub(b.openedAt) >= b.resetTimeout {
			b.state = stateHalfOpen
			b.successes = 0
			return true
		}
		return false
	default: // half-open: let the probe through
		return true
	}
}

// RecordSuccess notes a successful call.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = stateClosed
			b.failures = 0
			b.successes = 0
		}
	case stateClosed:
		b.failures = 0
	}
}

// RecordFailure notes a failed call, tripping the breaker when the
// consecutive-failure threshold is reached. A half-open failure reopens
// immediately.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateHalfOpen:
		b.state = stateOpen
		b.openedAt = b.now()
	case stateClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.state = stateOpen
			b.openedAt = b.now()
		}
	}
}

// State returns the breaker's current mode as a string: "closed", "open",
// or "half-open". Intended for health reporting.
func (b *CircuitBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}

// DoWithBreaker runs the retry loop with the breaker gating each attempt:
// an attempt is rejected with ErrCircuitOpen when the breaker disallows
// it, and every attempt's outcome is recorded. A breaker that trips
// mid-loop aborts the remaining attempts.
func DoWithBreaker(ctx context.Context, b *CircuitBreaker, op func(ctx context.Context) error, opts Options) error {
	retryable := opts.Retryable
	opts.Retryable = func(err error) bool {
		if errors.Is(err, ErrCircuitOpen) {
			return false
		}
		return retryable == nil || retryable(err)
	}
	return Do(ctx, func(ctx context.Context) error {
		if !b.Allow() {
			return ErrCircuitOpen
		}
		if err := op(ctx); err != nil {
			b.RecordFailure()
			return err
		}
		b.RecordSuccess()
		return nil
	}, opts)
}
