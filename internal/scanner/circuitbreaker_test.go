package scanner

import (
	"testing"
	"time"
)

// fixedClock is an adjustable time source for breaker tests.
type fixedClock struct {
	t time.Time
}

func (c *fixedClock) Now() time.Time          { return c.t }
func (c *fixedClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, coolDown time.Duration, autoReset bool) (*CircuitBreaker, *fixedClock) {
	clock := &fixedClock{t: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(threshold, coolDown, autoReset)
	cb.now = clock.Now
	return cb, clock
}

func TestCircuitBreaker_BelowThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute, true)

	cb.Trip()
	cb.Trip()
	if cb.IsTripped() {
		t.Error("breaker tripped below threshold")
	}
	if cb.ErrorCount() != 2 {
		t.Errorf("error count = %d, want 2", cb.ErrorCount())
	}
}

func TestCircuitBreaker_TripsAtThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute, true)

	for i := 0; i < 3; i++ {
		cb.Trip()
	}
	if !cb.IsTripped() {
		t.Error("breaker should trip at threshold")
	}
}

func TestCircuitBreaker_AutoResetAfterCooldown(t *testing.T) {
	cb, clock := newTestBreaker(2, time.Minute, true)

	cb.Trip()
	cb.Trip()
	if !cb.IsTripped() {
		t.Fatal("breaker should be tripped")
	}

	clock.Advance(59 * time.Second)
	if !cb.IsTripped() {
		t.Error("breaker cleared before cooldown elapsed")
	}

	clock.Advance(2 * time.Second)
	if cb.IsTripped() {
		t.Error("breaker should auto-reset after cooldown")
	}
	if cb.ErrorCount() != 0 {
		t.Errorf("error count = %d after auto-reset, want 0", cb.ErrorCount())
	}
}

func TestCircuitBreaker_ManualResetOnly(t *testing.T) {
	cb, clock := newTestBreaker(2, time.Minute, false)

	cb.Trip()
	cb.Trip()
	clock.Advance(time.Hour)
	if !cb.IsTripped() {
		t.Error("breaker without auto-reset must stay tripped past cooldown")
	}

	cb.Reset()
	if cb.IsTripped() {
		t.Error("breaker should clear after Reset")
	}
	if cb.ErrorCount() != 0 {
		t.Errorf("error count = %d after Reset, want 0", cb.ErrorCount())
	}
}

func TestCircuitBreaker_TripTimeStampsOnce(t *testing.T) {
	cb, clock := newTestBreaker(2, time.Minute, true)

	cb.Trip()
	cb.Trip()
	clock.Advance(30 * time.Second)
	// Extra errors while tripped do not push the trip time forward.
	cb.Trip()
	clock.Advance(31 * time.Second)
	if cb.IsTripped() {
		t.Error("cooldown must run from the first trip, not the latest error")
	}
}
