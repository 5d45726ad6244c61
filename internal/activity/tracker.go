package activity

import (
	"math/rand"
	"sync"
	"time"

	"github.com/deziikuoo/Lillyalbaab-Social/internal/models"
)

const (
	highThreshold   = 5
	mediumThreshold = 2

	// Base intervals, in units. Medium polls faster than High.
	lowBase    = 45
	mediumBase = 10
	highBase   = 15

	jitterSpan  = 2
	minInterval = 1
)

// Tracker counts new items seen in the current cycle and turns that volume
// into the delay before the next poll.
//
// The very first RecordNewItems call after construction is ignored: on cold
// start everything on the page looks new.
type Tracker struct {
	mu     sync.Mutex
	recent int
	warm   bool
	unit   time.Duration
	jitter func(n int) int
}

// NewTracker creates a tracker whose intervals are counted in unit
// (time.Minute in production).
func NewTracker(unit time.Duration) *Tracker {
	if unit <= 0 {
		unit = time.Minute
	}
	return &Tracker{
		unit:   unit,
		jitter: rand.Intn,
	}
}

// WithJitterSource replaces the random source. fn(n) must return a value in [0, n).
func (t *Tracker) WithJitterSource(fn func(n int) int) *Tracker {
	t.mu.Lock()
	t.jitter = fn
	t.mu.Unlock()
	return t
}

func (t *Tracker) RecordNewItems(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.warm {
		t.warm = true
		return
	}
	if n > 0 {
		t.recent += n
	}
}

func (t *Tracker) Level() models.ActivityLevel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.level()
}

func (t *Tracker) level() models.ActivityLevel {
	switch {
	case t.recent >= highThreshold:
		return models.ActivityHigh
	case t.recent >= mediumThreshold:
		return models.ActivityMedium
	default:
		return models.ActivityLow
	}
}

// NextInterval returns the base interval for the current level with
// ±2 units of integer jitter, never less than one unit.
func (t *Tracker) NextInterval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	var base int
	switch t.level() {
	case models.ActivityHigh:
		base = highBase
	case models.ActivityMedium:
		base = mediumBase
	default:
		base = lowBase
	}

	units := base + t.jitter(2*jitterSpan+1) - jitterSpan
	if units < minInterval {
		units = minInterval
	}
	return time.Duration(units) * t.unit
}

func (t *Tracker) ResetCycle() {
	t.mu.Lock()
	t.recent = 0
	t.mu.Unlock()
}

func (t *Tracker) Warm() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.warm
}

func (t *Tracker) Recent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recent
}

// Bounds returns the inclusive interval range for level
func Bounds(level models.ActivityLevel, unit time.Duration) (lo, hi time.Duration) {
	base := lowBase
	switch level {
	case models.ActivityHigh:
		base = highBase
	case models.ActivityMedium:
		base = mediumBase
	}
	low := base - jitterSpan
	if low < minInterval {
		low = minInterval
	}
	return time.Duration(low) * unit, time.Duration(base+jitterSpan) * unit
}
