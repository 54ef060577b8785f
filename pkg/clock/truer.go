package clock

import (
	"sync"
)

// Truer maps a source frame (e.g. a device or remote clock) onto a master
// frame with an affine transformation: master = a*source + b.
type Truer interface {
	// Observe records a pair of simultaneous (source, master) timestamps
	Observe(source MonoTime, master MonoTime)

	// True maps a source timestamp to the master frame
	True(source MonoTime) MonoTime

	// Snapshot returns the current (a, b) coefficients
	Snapshot() (a float64, b float64)
}

// AffineTruer implements Truer using a rolling least-squares affine fit.
// The fit minimizes Σ(master - (a*source + b))² over recent observations.
type AffineTruer struct {
	mu sync.RWMutex

	a float64
	b float64

	// Circular observation window
	window     []observation
	windowSize int
	index      int
	count      int

	// Running sums for the normal equations
	sumSrc    float64
	sumDst    float64
	sumSrcSq  float64
	sumSrcDst float64

	maxDrift float64 // |a-1| bound
}

type observation struct {
	source MonoTime
	master MonoTime
}

// DefaultMaxDrift bounds the fitted rate to 1 ± 1000 ppm.
const DefaultMaxDrift = 0.001

// NewAffineTruer creates a Truer fitting over the last windowSize
// observations. Larger windows are more stable but adapt slower to drift.
func NewAffineTruer(windowSize int) *AffineTruer {
	if windowSize < 2 {
		windowSize = 10
	}
	return &AffineTruer{
		a:          1.0,
		window:     make([]observation, windowSize),
		windowSize: windowSize,
		maxDrift:   DefaultMaxDrift,
	}
}

// SetMaxDrift changes the bound on |a-1|. A non-positive value disables clamping.
func (t *AffineTruer) SetMaxDrift(maxDrift float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxDrift = maxDrift
}

// Observe adds a (source, master) pair and refits.
func (t *AffineTruer) Observe(source MonoTime, master MonoTime) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count == t.windowSize {
		old := t.window[t.index]
		oldSrc, oldDst := float64(old.source), float64(old.master)
		t.sumSrc -= oldSrc
		t.sumDst -= oldDst
		t.sumSrcSq -= oldSrc * oldSrc
		t.sumSrcDst -= oldSrc * oldDst
	} else {
		t.count++
	}

	t.window[t.index] = observation{source: source, master: master}
	t.index = (t.index + 1) % t.windowSize

	src, dst := float64(source), float64(master)
	t.sumSrc += src
	t.sumDst += dst
	t.sumSrcSq += src * src
	t.sumSrcDst += src * dst

	t.refitLocked()
}

// refitLocked solves
//
//	[sumSrcSq  sumSrc] [a]   [sumSrcDst]
//	[sumSrc    count ] [b] = [sumDst   ]
func (t *AffineTruer) refitLocked() {
	if t.count < 2 {
		return
	}

	n := float64(t.count)
	det := t.sumSrcSq*n - t.sumSrc*t.sumSrc
	if det < 1e-10 {
		// All sources identical; keep the current fit
		return
	}

	t.a = (t.sumSrcDst*n - t.sumSrc*t.sumDst) / det
	t.b = (t.sumSrcSq*t.sumDst - t.sumSrc*t.sumSrcDst) / det

	if t.maxDrift > 0 {
		if t.a < 1-t.maxDrift {
			t.a = 1 - t.maxDrift
		}
		if t.a > 1+t.maxDrift {
			t.a = 1 + t.maxDrift
		}
	}
}

// True maps a source timestamp to the master frame.
func (t *AffineTruer) True(source MonoTime) MonoTime {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return MonoTime(fromFloat(t.a*float64(source) + t.b))
}

// Snapshot returns the current coefficients (a, b).
func (t *AffineTruer) Snapshot() (a float64, b float64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.a, t.b
}

// IdentityTruer performs no transformation.
type IdentityTruer struct{}

// NewIdentityTruer creates a no-op Truer.
func NewIdentityTruer() *IdentityTruer {
	return &IdentityTruer{}
}

// Observe does nothing.
func (t *IdentityTruer) Observe(source MonoTime, master MonoTime) {}

// True returns the source timestamp unchanged.
func (t *IdentityTruer) True(source MonoTime) MonoTime {
	return source
}

// Snapshot returns the identity transform (1, 0).
func (t *IdentityTruer) Snapshot() (a float64, b float64) {
	return 1.0, 0.0
}

// TrackingClock follows an external source frame (a device clock, a remote
// peer) as an enslaved clock of master, using a Truer fed with paired
// readings. Its own time is the source time that corresponds to master's now.
type TrackingClock struct {
	master Clock
	truer  Truer
}

// NewTrackingClock creates a clock that maps onto master through truer.
func NewTrackingClock(master Clock, truer Truer) (*TrackingClock, error) {
	if master == nil {
		return nil, ErrNilClock
	}
	if truer == nil {
		truer = NewIdentityTruer()
	}
	return &TrackingClock{master: master, truer: truer}, nil
}

// Observe records that the source frame read source at master's current time.
func (c *TrackingClock) Observe(source MonoTime) {
	c.truer.Observe(source, c.master.TimeNanos())
}

// TimeNanos inverts the fit at master's current time.
func (c *TrackingClock) TimeNanos() MonoTime {
	a, b := c.truer.Snapshot()
	if a == 0 {
		return 0
	}
	return MonoTime(fromFloat((float64(c.master.TimeNanos()) - b) / a))
}

// TimeSeconds returns the tracked time in seconds.
func (c *TrackingClock) TimeSeconds() float64 {
	return Seconds(c.TimeNanos())
}

// TimeSpeed is the rate of the source frame relative to master (1/a).
func (c *TrackingClock) TimeSpeed() float64 {
	a, _ := c.truer.Snapshot()
	return TimeSpeedRatio(1, a)
}

// Master returns the clock this one tracks against.
func (c *TrackingClock) Master() Clock {
	return c.master
}

// MasterNanos maps a source-frame time into master's frame.
func (c *TrackingClock) MasterNanos(own MonoTime) MonoTime {
	return c.truer.True(own)
}
