// Package resilience provides the circuit breaker and token bucket primitives
// composed by the object-store and OCR layers. The two are kept orthogonal:
// callers chain breaker.Allow -> bucket.Acquire -> call -> Record*.
package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/docpipe/internal/domain"
	"github.com/fairyhunter13/docpipe/internal/observability"
)

// BreakerState represents the state of a circuit breaker.
type BreakerState int

const (
	// StateClosed means requests are allowed.
	StateClosed BreakerState = iota
	// StateOpen means requests are blocked until the recovery timeout elapses.
	StateOpen
	// StateHalfOpen means a limited number of probe requests are allowed.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerCounts exposes breaker metrics for health reporting.
type BreakerCounts struct {
	Successes int64
	Failures  int64
	Opens     int64
}

// Breaker is a three-state circuit breaker. All transitions happen under a
// single mutex.
type Breaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	successThreshold int

	mu           sync.Mutex
	state        BreakerState
	failures     int
	successes    int
	lastFailure  time.Time
	openedAt     time.Time
	counts       BreakerCounts
	now          func() time.Time
}

// NewBreaker creates a breaker that opens after failureThreshold consecutive
// failures, probes again after recoveryTimeout, and closes after
// successThreshold successes in half-open.
func NewBreaker(name string, failureThreshold int, recoveryTimeout time.Duration, successThreshold int) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 2
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		successThreshold: successThreshold,
		state:            StateClosed,
		now:              time.Now,
	}
}

// Allow reports whether a call may proceed. In the open state it transitions
// to half-open once the recovery timeout has elapsed; before that it fails
// with the circuit-open sentinel.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.recoveryTimeout {
			b.setState(StateHalfOpen)
			b.successes = 0
			return nil
		}
		return fmt.Errorf("%w: breaker %s", domain.ErrCircuitOpen, b.name)
	}
	return nil
}

// RecordSuccess notes a successful call. In half-open it counts toward the
// success threshold; reaching it closes the breaker and resets failures.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts.Successes++
	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.setState(StateClosed)
			b.failures = 0
			b.successes = 0
		}
	case StateClosed:
		b.failures = 0
	}
}

// RecordFailure notes a failed call. Half-open failures re-open immediately;
// closed failures open once the failure threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts.Failures++
	b.failures++
	b.lastFailure = b.now()
	switch b.state {
	case StateHalfOpen:
		b.open()
	case StateClosed:
		if b.failures >= b.failureThreshold {
			b.open()
		}
	}
}

// Call is a convenience wrapper chaining Allow, fn, and the matching record.
func (b *Breaker) Call(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Counts returns a copy of the running totals.
func (b *Breaker) Counts() BreakerCounts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// open must be called with the mutex held.
func (b *Breaker) open() {
	b.openedAt = b.now()
	b.counts.Opens++
	observability.CircuitBreakerOpensTotal.WithLabelValues(b.name).Inc()
	b.setState(StateOpen)
}

// setState must be called with the mutex held.
func (b *Breaker) setState(s BreakerState) {
	b.state = s
	observability.CircuitBreakerState.WithLabelValues(b.name).Set(float64(s))
}

// WithClock overrides the time source. For tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}
