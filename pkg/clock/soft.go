package clock

import (
	"math"
	"sync"
	"time"
)

const (
	// AnnulledLatenessDivisor is the share of an excessive lateness that is
	// forgiven: lateness/AnnulledLatenessDivisor is credited to future waits.
	AnnulledLatenessDivisor = 2

	// DefaultLatenessThreshold is the lateness tolerated before forgiveness starts.
	DefaultLatenessThreshold = 200 * time.Millisecond

	// maxWaitSlice bounds a single sleep in SetTime so speed changes on the
	// hard clock are picked up while waiting.
	maxWaitSlice = 50 * time.Millisecond
)

// LatenessHook is invoked (outside the clock's lock) whenever a lateness
// above the threshold is partially forgiven. credit is the accumulated
// annulled lateness after the event.
type LatenessHook func(lateness, credit time.Duration)

// SoftClock is a virtual clock advanced explicitly with SetTime and
// throttled against a hard reference clock.
//
// With no hard clock the soft clock runs as fast as possible (AFAP):
// SetTime never blocks. With a hard clock, SetTime blocks until the hard
// clock (mapped into the soft frame) reaches the target. When the target is
// already behind by more than the lateness threshold, half of the lateness
// is forgiven: it is credited against later waits instead of being chased.
//
// Lateness is measured against the credited frame: a target that trails the
// reachable time by less than the credit already forgiven adds nothing, so
// catching up after one stall of L accumulates at most about L.
//
// Between SetTime calls the driver may Follow the hard clock: the soft time
// then tracks the reachable time until Hold pins it. Idle time is never
// booked as lateness.
//
// SetTime is meant to be driven by a single goroutine (the timing
// goroutine). Reads are safe from any goroutine.
type SoftClock struct {
	mu sync.RWMutex

	virtual   MonoTime
	hard      Clock
	offset    MonoTime // soft frame = hard frame + offset
	threshold time.Duration
	annulled  time.Duration
	following bool

	onForgiven LatenessHook
	sleep      func(time.Duration)

	listeners listenerSet
}

// SoftOption configures a SoftClock.
type SoftOption func(*SoftClock)

// WithLatenessThreshold sets the initial lateness threshold.
func WithLatenessThreshold(d time.Duration) SoftOption {
	return func(c *SoftClock) {
		c.threshold = d
	}
}

// WithLatenessHook sets the hook called when lateness is forgiven.
func WithLatenessHook(hook LatenessHook) SoftOption {
	return func(c *SoftClock) {
		c.onForgiven = hook
	}
}

// NewSoftClock creates a soft clock at start, throttled against hard.
// A nil hard clock selects AFAP mode.
func NewSoftClock(hard Clock, start MonoTime, opts ...SoftOption) *SoftClock {
	c := &SoftClock{
		virtual:   start,
		threshold: DefaultLatenessThreshold,
		sleep:     time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.anchorLocked(hard)
	return c
}

func (c *SoftClock) anchorLocked(hard Clock) {
	c.virtual = c.currentLocked()
	c.hard = hard
	c.annulled = 0
	if hard != nil {
		c.offset = c.virtual - hard.TimeNanos()
	}
}

// TimeNanos returns the last time set, or the reachable time while
// following the hard clock.
func (c *SoftClock) TimeNanos() MonoTime {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentLocked()
}

func (c *SoftClock) currentLocked() MonoTime {
	if c.following && c.hard != nil {
		return max(c.virtual, c.reachableLocked())
	}
	return c.virtual
}

// Follow lets the soft time track the reachable time until the next Hold,
// SetTime or Reset. It never moves the soft time backward and books no
// lateness. No effect in AFAP mode.
func (c *SoftClock) Follow() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.following = true
}

// Hold pins the soft time where Follow has carried it.
func (c *SoftClock) Hold() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holdLocked()
}

func (c *SoftClock) holdLocked() {
	c.virtual = c.currentLocked()
	c.following = false
}

// IsFollowing reports whether the soft time tracks the hard clock.
func (c *SoftClock) IsFollowing() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.following && c.hard != nil
}

// TimeSeconds returns the last time set, in seconds.
func (c *SoftClock) TimeSeconds() float64 {
	return Seconds(c.TimeNanos())
}

// TimeSpeed is 1.0 against a hard clock and +Inf in AFAP mode.
func (c *SoftClock) TimeSpeed() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.hard == nil {
		return math.Inf(1)
	}
	return 1.0
}

// Master returns the hard clock, or nil in AFAP mode.
func (c *SoftClock) Master() Clock {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hard
}

// MasterNanos maps a soft time to the hard time at which it is reached,
// taking the forgiven lateness credit into account.
func (c *SoftClock) MasterNanos(own MonoTime) MonoTime {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return own - c.offset - FromDuration(c.annulled)
}

// IsAFAP reports whether the clock runs without a hard reference.
func (c *SoftClock) IsAFAP() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hard == nil
}

// ReachableNanos returns the hard clock's current time mapped into the soft
// frame. In AFAP mode it is the current soft time.
func (c *SoftClock) ReachableNanos() MonoTime {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.hard == nil {
		return c.virtual
	}
	return c.reachableLocked()
}

func (c *SoftClock) reachableLocked() MonoTime {
	return addSaturating(c.hard.TimeNanos(), c.offset)
}

// SetTime advances the soft clock to target, blocking while the hard clock
// has not caught up. See the type documentation for lateness handling.
func (c *SoftClock) SetTime(target MonoTime) {
	for {
		pause, done := c.trySetTime(target)
		if done {
			return
		}
		c.sleep(min(pause, maxWaitSlice))
	}
}

// TrySetTime sets target if SetTime(target) would not block and reports
// whether it did. Lateness is accounted as in SetTime.
func (c *SoftClock) TrySetTime(target MonoTime) bool {
	_, done := c.trySetTime(target)
	return done
}

// trySetTime returns the real pause still needed when target is not yet
// reachable.
func (c *SoftClock) trySetTime(target MonoTime) (time.Duration, bool) {
	c.mu.Lock()
	c.holdLocked()
	if c.hard == nil {
		c.virtual = target
		c.mu.Unlock()
		return 0, true
	}

	reachable := c.reachableLocked()
	if target <= reachable {
		c.virtual = target
		lateness := ToDuration(reachable-target) - c.annulled
		forgiven := lateness > c.threshold
		if forgiven {
			c.annulled += lateness / AnnulledLatenessDivisor
		}
		credit, hook := c.annulled, c.onForgiven
		c.mu.Unlock()

		if forgiven && hook != nil {
			hook(lateness, credit)
		}
		return 0, true
	}

	wait := ToDuration(target-reachable) - c.annulled
	pause, throttled := c.realWaitLocked(wait)
	if wait <= 0 || !throttled {
		c.virtual = target
		c.mu.Unlock()
		return 0, true
	}
	c.mu.Unlock()
	return pause, false
}

// WaitNanos returns how far, in the soft frame, SetTime(target) would have
// to wait right now after applying the forgiven credit. Zero in AFAP mode.
func (c *SoftClock) WaitNanos(target MonoTime) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.waitLocked(target)
}

func (c *SoftClock) waitLocked(target MonoTime) time.Duration {
	if c.hard == nil {
		return 0
	}
	wait := ToDuration(target-c.reachableLocked()) - c.annulled
	if wait < 0 {
		return 0
	}
	return wait
}

// RealWait converts WaitNanos(target) to real time through the hard chain's
// absolute speed. A frozen or reversed hard clock yields math.MaxInt64.
func (c *SoftClock) RealWait(target MonoTime) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	wait := c.waitLocked(target)
	if wait == 0 {
		return 0
	}
	pause, throttled := c.realWaitLocked(wait)
	if !throttled {
		return 0
	}
	return pause
}

// realWaitLocked returns the real duration matching a soft-frame wait.
// throttled is false when the hard chain runs infinitely fast.
func (c *SoftClock) realWaitLocked(wait time.Duration) (pause time.Duration, throttled bool) {
	speed := AbsoluteSpeed(c.hard)
	switch {
	case math.IsInf(speed, 1):
		return 0, false
	case math.IsNaN(speed) || speed <= 0:
		return math.MaxInt64, true
	}
	return UnscaleDurationBySpeed(wait, speed), true
}

// LatenessThreshold returns the current lateness threshold.
func (c *SoftClock) LatenessThreshold() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.threshold
}

// SetLatenessThreshold changes the threshold and clears the forgiven credit.
func (c *SoftClock) SetLatenessThreshold(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threshold = d
	c.annulled = 0
}

// AnnulledLateness returns the accumulated forgiven lateness credit.
func (c *SoftClock) AnnulledLateness() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.annulled
}

// SetHardClock switches the reference clock (nil selects AFAP) and
// re-anchors the current soft time onto it.
func (c *SoftClock) SetHardClock(hard Clock) {
	c.mu.Lock()
	c.anchorLocked(hard)
	c.mu.Unlock()

	c.listeners.notify(c)
}

// Reset jumps to t, re-anchoring onto the hard clock and clearing the credit.
func (c *SoftClock) Reset(t MonoTime) {
	c.mu.Lock()
	c.following = false
	c.virtual = t
	c.anchorLocked(c.hard)
	c.mu.Unlock()

	c.listeners.notify(c)
}

// AddListener registers l for re-anchoring notifications.
// Plain SetTime advances are not notified.
func (c *SoftClock) AddListener(l Listener) {
	c.listeners.add(l)
}

// RemoveListener unregisters l.
func (c *SoftClock) RemoveListener(l Listener) {
	c.listeners.remove(l)
}
