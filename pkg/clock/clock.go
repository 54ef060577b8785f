package clock

import (
	"errors"
	"time"
)

// MonoTime represents a timestamp in nanoseconds in a clock's own frame.
// Using int64 provides ~292 years of range with nanosecond precision.
type MonoTime int64

// Common errors returned by clocks
var (
	ErrInvalidSpeed = errors.New("clock: speed must not be NaN")
	ErrNilClock     = errors.New("clock: nil clock")
)

// Clock is the read-only time capability shared by every consumer.
// Implementations must be safe for concurrent reads.
type Clock interface {
	// TimeNanos returns the current time in this clock's frame
	TimeNanos() MonoTime

	// TimeSeconds returns the current time in seconds
	TimeSeconds() float64

	// TimeSpeed returns the speed relative to the clock's master
	// (1.0 for a root clock)
	TimeSpeed() float64
}

// EnslavedClock is a clock whose time is a deterministic function of a
// master clock's time. The mapping is expected to be monotonic
// non-decreasing; this is not enforced.
type EnslavedClock interface {
	Clock

	// Master returns the clock this one derives from, or nil when detached
	Master() Clock

	// MasterNanos maps a time in this clock's frame to the master's frame
	MasterNanos(own MonoTime) MonoTime
}

// Listener is notified synchronously, on the mutating goroutine, whenever a
// ListenableClock is modified (time set, speed changed, re-anchored).
type Listener interface {
	ClockModified(c Clock)
}

// ListenableClock is a clock that reports modifications to listeners.
// Adding a listener twice is a no-op.
type ListenableClock interface {
	Clock
	AddListener(l Listener)
	RemoveListener(l Listener)
}

// ToDuration converts a MonoTime (nanoseconds) to a time.Duration.
func ToDuration(ns MonoTime) time.Duration {
	return time.Duration(ns)
}

// FromDuration converts a time.Duration to MonoTime (nanoseconds).
func FromDuration(d time.Duration) MonoTime {
	return MonoTime(d.Nanoseconds())
}

// Seconds converts a MonoTime to floating point seconds.
func Seconds(ns MonoTime) float64 {
	return float64(ns) / float64(time.Second)
}

// Since returns the duration elapsed on c since t.
func Since(c Clock, t MonoTime) time.Duration {
	return ToDuration(c.TimeNanos() - t)
}

// SystemClock uses the system's monotonic clock.
type SystemClock struct {
	epoch time.Time // Cached at creation to provide stable monotonic base
}

// NewSystemClock creates a new SystemClock anchored at the current time.
func NewSystemClock() *SystemClock {
	return &SystemClock{
		epoch: time.Now(),
	}
}

// TimeNanos returns the current monotonic time in nanoseconds since epoch.
func (s *SystemClock) TimeNanos() MonoTime {
	// time.Since leverages the monotonic reading of epoch
	return FromDuration(time.Since(s.epoch))
}

// TimeSeconds returns the current monotonic time in seconds since epoch.
func (s *SystemClock) TimeSeconds() float64 {
	return Seconds(s.TimeNanos())
}

// TimeSpeed is always 1.0 for the system clock.
func (s *SystemClock) TimeSpeed() float64 {
	return 1.0
}
