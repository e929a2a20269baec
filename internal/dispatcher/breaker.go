package dispatcher

import (
	"sync"
	"time"
)

// CircuitBreaker implements spec §4.3's per-endpoint breaker as a
// standalone state machine, deliberately separate from the retry loop
// in dispatcher.go (design note §9: "circuit breaker + retry in the
// same function" gets split apart).
type CircuitBreaker struct {
	mu          sync.Mutex
	threshold   int
	resetWindow time.Duration
	failures    int
	open        bool
	lastFailure time.Time
	now         func() time.Time
}

// NewCircuitBreaker constructs a breaker that opens after threshold
// consecutive failures and allows a probe once resetWindow has elapsed
// since the last failure. now defaults to time.Now.
func NewCircuitBreaker(threshold int, resetWindow time.Duration, now func() time.Time) *CircuitBreaker {
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{threshold: threshold, resetWindow: resetWindow, now: now}
}

// Allow reports whether a request may proceed. If the breaker is open
// but the reset window has elapsed since the last failure, it closes the
// breaker and lets the request through as a probe. The consecutive-failure
// count is kept, so a failed probe reopens the breaker at once via
// OnFailure; a successful one resets it via OnSuccess.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	if b.now().Sub(b.lastFailure) >= b.resetWindow {
		b.open = false
		return true
	}
	return false
}

// OnSuccess resets the failure count and closes the breaker.
func (b *CircuitBreaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.open = false
}

// OnFailure increments the consecutive-failure count, opening the
// breaker once it reaches threshold.
func (b *CircuitBreaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()
	if b.failures >= b.threshold {
		b.open = true
	}
}

// IsOpen reports the breaker's current state without the reset-window
// probe semantics of Allow, used for status reporting.
func (b *CircuitBreaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}
