package scanner

import (
	"sync"
	"time"
)

// CircuitBreaker gates the scanning loop under sustained failure. Errors
// accumulate via Trip; once the threshold is reached the breaker stays
// tripped for the cooldown window. The counter never decays partially: it
// only returns to zero through Reset (explicit or automatic after cooldown).
type CircuitBreaker struct {
	mu          sync.Mutex
	errorCount  int
	threshold   int
	coolDown    time.Duration
	lastTripped time.Time
	autoReset   bool

	now func() time.Time
}

// NewCircuitBreaker creates a breaker that trips after threshold errors and
// holds for coolDown. With autoReset the breaker clears itself once the
// cooldown elapses; otherwise it stays tripped until Reset is called.
func NewCircuitBreaker(threshold int, coolDown time.Duration, autoReset bool) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		coolDown:  coolDown,
		autoReset: autoReset,
		now:       time.Now,
	}
}

// Trip records one error, stamping the trip time when the threshold is
// reached.
func (cb *CircuitBreaker) Trip() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.errorCount++
	if cb.errorCount >= cb.threshold && cb.lastTripped.IsZero() {
		cb.lastTripped = cb.now()
	}
}

// IsTripped reports whether processing should be blocked. When the cooldown
// has elapsed and auto-reset is enabled, the breaker clears itself and
// reports false.
func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.errorCount < cb.threshold {
		return false
	}
	if cb.lastTripped.IsZero() {
		return false
	}
	if cb.now().Sub(cb.lastTripped) < cb.coolDown {
		return true
	}
	if cb.autoReset {
		cb.errorCount = 0
		cb.lastTripped = time.Time{}
		return false
	}
	return true
}

// Reset zeroes the error counter and clears the trip timestamp.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.errorCount = 0
	cb.lastTripped = time.Time{}
}

// ErrorCount returns the accumulated error count.
func (cb *CircuitBreaker) ErrorCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.errorCount
}

// CoolDown returns the configured cooldown window.
func (cb *CircuitBreaker) CoolDown() time.Duration {
	return cb.coolDown
}
