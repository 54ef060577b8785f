package clock

import (
	"sync"
	"time"
)

// DeltaClock replays a recorded sequence of deltas. Each Advance moves a
// SoftClock forward by the next delta, so playback is paced against a
// private ControllableClock (scaled by SetSpeed) or runs AFAP with
// SetNoSleep. Lateness accrued during replay is forgiven like any other
// soft clock lateness.
type DeltaClock struct {
	mu sync.RWMutex

	start  MonoTime
	deltas []time.Duration
	index  int

	noSleep bool
	pace    *ControllableClock
	soft    *SoftClock
}

// NewDeltaClock creates a replay clock paced in real time at speed 1.0.
func NewDeltaClock(opts ...SoftOption) *DeltaClock {
	pace := NewControllableClock(nil)
	return &DeltaClock{
		pace: pace,
		soft: NewSoftClock(pace, 0, opts...),
	}
}

// Load initializes the clock with a start time and a sequence of deltas.
func (d *DeltaClock) Load(start MonoTime, deltas []time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.start = start
	d.deltas = make([]time.Duration, len(deltas))
	copy(d.deltas, deltas)
	d.index = 0
	d.soft.Reset(start)
}

// Soft exposes the underlying soft clock, e.g. to drive a TimingScheduler.
func (d *DeltaClock) Soft() *SoftClock {
	return d.soft
}

// TimeNanos returns the current replay time.
func (d *DeltaClock) TimeNanos() MonoTime {
	return d.soft.TimeNanos()
}

// TimeSeconds returns the current replay time in seconds.
func (d *DeltaClock) TimeSeconds() float64 {
	return d.soft.TimeSeconds()
}

// TimeSpeed returns the playback speed (+Inf when not sleeping).
func (d *DeltaClock) TimeSpeed() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.noSleep {
		return d.soft.TimeSpeed()
	}
	return d.pace.TimeSpeed()
}

// Advance moves to the next delta, blocking according to the playback
// speed unless sleeping is disabled. It returns false when exhausted.
func (d *DeltaClock) Advance() bool {
	d.mu.Lock()
	if d.index >= len(d.deltas) {
		d.mu.Unlock()
		return false
	}
	delta := d.deltas[d.index]
	d.index++
	target := d.soft.TimeNanos() + FromDuration(delta)
	d.mu.Unlock()

	// Block outside the lock
	d.soft.SetTime(target)
	return true
}

// AdvanceAll advances through all remaining deltas.
func (d *DeltaClock) AdvanceAll() {
	for d.Advance() {
	}
}

// SetSpeed sets the playback speed multiplier. Negative values reset to 1.0.
func (d *DeltaClock) SetSpeed(mult float64) {
	if mult < 0 {
		mult = 1.0
	}
	if err := d.pace.SetSpeed(mult); err != nil {
		_ = d.pace.SetSpeed(1.0)
	}
	// Re-anchor so the new pace applies from the current position
	d.mu.RLock()
	noSleep := d.noSleep
	d.mu.RUnlock()
	if !noSleep {
		d.soft.SetHardClock(d.pace)
	}
}

// SetNoSleep switches AFAP playback on or off.
func (d *DeltaClock) SetNoSleep(noSleep bool) {
	d.mu.Lock()
	d.noSleep = noSleep
	d.mu.Unlock()

	if noSleep {
		d.soft.SetHardClock(nil)
	} else {
		d.soft.SetHardClock(d.pace)
	}
}

// Reset rewinds to the start time.
func (d *DeltaClock) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.index = 0
	d.soft.Reset(d.start)
}

// HasNext reports whether deltas remain.
func (d *DeltaClock) HasNext() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.index < len(d.deltas)
}

// CurrentIndex returns the current position in the delta sequence.
func (d *DeltaClock) CurrentIndex() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.index
}

// RemainingDeltas returns the number of deltas left.
func (d *DeltaClock) RemainingDeltas() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.deltas) - d.index
}
