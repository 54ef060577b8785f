package clock

import (
	"math"
	"sync"
	"time"
)

// ControllableClock is a settable, speed-scalable clock enslaved to a master:
//
//	now = refVirtual + (masterNow - refMaster) * speed
//
// Speed 0 freezes time, negative speed runs it backward. Every modification
// re-anchors the reference pair so that time stays continuous.
type ControllableClock struct {
	mu sync.RWMutex

	master     Clock
	refMaster  MonoTime // Master time at the last anchor
	refVirtual MonoTime // Own time at the last anchor
	speed      float64

	listeners listenerSet
}

// NewControllableClock creates a clock enslaved to master, starting at
// master's current time with speed 1.0. A nil master means a new SystemClock.
func NewControllableClock(master Clock) *ControllableClock {
	if master == nil {
		master = NewSystemClock()
	}
	now := master.TimeNanos()
	return &ControllableClock{
		master:     master,
		refMaster:  now,
		refVirtual: now,
		speed:      1.0,
	}
}

// TimeNanos returns the current time in this clock's frame.
func (c *ControllableClock) TimeNanos() MonoTime {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nowLocked(c.master.TimeNanos())
}

func (c *ControllableClock) nowLocked(masterNow MonoTime) MonoTime {
	elapsed := ScaleDurationBySpeed(ToDuration(masterNow-c.refMaster), c.speed)
	return addSaturating(c.refVirtual, FromDuration(elapsed))
}

// TimeSeconds returns the current time in seconds.
func (c *ControllableClock) TimeSeconds() float64 {
	return Seconds(c.TimeNanos())
}

// TimeSpeed returns the speed relative to the master.
func (c *ControllableClock) TimeSpeed() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.speed
}

// Master returns the clock this one is enslaved to.
func (c *ControllableClock) Master() Clock {
	return c.master
}

// MasterNanos maps own time to master time by inverting the speed scaling.
func (c *ControllableClock) MasterNanos(own MonoTime) MonoTime {
	c.mu.RLock()
	defer c.mu.RUnlock()
	delta := UnscaleDurationBySpeed(ToDuration(own-c.refVirtual), c.speed)
	return addSaturating(c.refMaster, FromDuration(delta))
}

// SetSpeed changes the speed, keeping the current time continuous.
// Returns ErrInvalidSpeed for NaN.
func (c *ControllableClock) SetSpeed(speed float64) error {
	if math.IsNaN(speed) {
		return ErrInvalidSpeed
	}

	c.mu.Lock()
	masterNow := c.master.TimeNanos()
	c.refVirtual = c.nowLocked(masterNow)
	c.refMaster = masterNow
	c.speed = speed
	c.mu.Unlock()

	c.listeners.notify(c)
	return nil
}

// SetTimeNanos jumps the clock to t without changing its speed.
func (c *ControllableClock) SetTimeNanos(t MonoTime) {
	c.mu.Lock()
	c.refMaster = c.master.TimeNanos()
	c.refVirtual = t
	c.mu.Unlock()

	c.listeners.notify(c)
}

// Advance moves the clock forward by d (backward for negative d).
func (c *ControllableClock) Advance(d time.Duration) {
	c.mu.Lock()
	masterNow := c.master.TimeNanos()
	c.refVirtual = addSaturating(c.nowLocked(masterNow), FromDuration(d))
	c.refMaster = masterNow
	c.mu.Unlock()

	c.listeners.notify(c)
}

// Pause freezes the clock. Equivalent to SetSpeed(0).
func (c *ControllableClock) Pause() {
	_ = c.SetSpeed(0)
}

// AddListener registers l for modification notifications.
func (c *ControllableClock) AddListener(l Listener) {
	c.listeners.add(l)
}

// RemoveListener unregisters l.
func (c *ControllableClock) RemoveListener(l Listener) {
	c.listeners.remove(l)
}

func addSaturating(a, b MonoTime) MonoTime {
	sum := a + b
	// Overflow iff both operands share a sign that the sum does not
	if (a >= 0) == (b >= 0) && (sum >= 0) != (a >= 0) {
		if a >= 0 {
			return math.MaxInt64
		}
		return math.MinInt64
	}
	return sum
}
