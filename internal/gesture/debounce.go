package gesture

import (
	"sync"
	"time"
)

// DefaultCooldown is the minimum time between two emitted gestures.
const DefaultCooldown = 1500 * time.Millisecond

// Debouncer decides which classified gestures become events.
//
// A gesture is emitted only if it is not None, more than the cooldown has
// passed since the previous emission, and it differs from the previously
// emitted gesture. Only an emission changes the debouncer's state.
type Debouncer struct {
	cooldown time.Duration
	now      func() time.Time

	mu       sync.Mutex
	last     Gesture
	lastEmit time.Time
}

// NewDebouncer creates a Debouncer with the given cooldown.
// A non-positive cooldown falls back to DefaultCooldown.
func NewDebouncer(cooldown time.Duration) *Debouncer {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Debouncer{
		cooldown: cooldown,
		now:      time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (d *Debouncer) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// Observe records one classification and reports whether it should be emitted.
func (d *Debouncer) Observe(g Gesture) bool {
	if g == None {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if !d.lastEmit.IsZero() && now.Sub(d.lastEmit) <= d.cooldown {
		return false
	}
	if g == d.last {
		return false
	}

	d.last = g
	d.lastEmit = now
	return true
}

// Last returns the last emitted gesture and when it was emitted.
func (d *Debouncer) Last() (Gesture, time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last, d.lastEmit
}
