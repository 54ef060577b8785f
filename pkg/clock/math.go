package clock

import (
	"math"
	"math/bits"
	"time"
)

// maxChainDepth bounds chain walks so a mis-wired (cyclic) chain cannot spin forever.
const maxChainDepth = 1024

// TimeSpeedProduct multiplies two speeds.
//
// It behaves like ordinary multiplication except that NaN dominates, and
// zero times infinity is a signed zero (sign-of-product rule) instead of NaN.
func TimeSpeedProduct(a, b float64) float64 {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.NaN()
	}
	if (a == 0 && math.IsInf(b, 0)) || (b == 0 && math.IsInf(a, 0)) {
		return signedZero(math.Signbit(a) != math.Signbit(b))
	}
	return a * b
}

// TimeSpeedRatio divides speed a by speed b.
//
// NaN dominates. Zero over zero is +1 when both zeros share a sign and -1
// otherwise. Everything else follows ordinary division: a non-zero value
// over zero is a signed infinity, zero over infinity a signed zero.
func TimeSpeedRatio(a, b float64) float64 {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.NaN()
	}
	if a == 0 && b == 0 {
		if math.Signbit(a) == math.Signbit(b) {
			return 1.0
		}
		return -1.0
	}
	return a / b
}

func signedZero(negative bool) float64 {
	if negative {
		return math.Copysign(0, -1)
	}
	return 0
}

// Chain returns c followed by its masters up to the root. Walking stops at a
// clock that is not enslaved or whose master is nil.
func Chain(c Clock) []Clock {
	var chain []Clock
	for c != nil && len(chain) < maxChainDepth {
		chain = append(chain, c)
		enslaved, ok := c.(EnslavedClock)
		if !ok {
			break
		}
		c = enslaved.Master()
	}
	return chain
}

// AbsoluteSpeed is the product of every enslaved level's own speed from c
// up to its root. A clock that is not enslaved has absolute speed 1.0.
func AbsoluteSpeed(c Clock) float64 {
	speed := 1.0
	for _, node := range Chain(c) {
		if _, ok := node.(EnslavedClock); ok {
			speed = TimeSpeedProduct(speed, node.TimeSpeed())
		}
	}
	return speed
}

// ResolveRootNanos expresses own, a time in c's frame, in the frame of the
// root of c's chain.
func ResolveRootNanos(c EnslavedClock, own MonoTime) MonoTime {
	t := own
	for _, node := range Chain(c) {
		enslaved, ok := node.(EnslavedClock)
		if !ok || enslaved.Master() == nil {
			break
		}
		t = enslaved.MasterNanos(t)
	}
	return t
}

// AddListenerToChain registers l on c and every listenable master above it.
func AddListenerToChain(c Clock, l Listener) {
	for _, node := range Chain(c) {
		if lc, ok := node.(ListenableClock); ok {
			lc.AddListener(l)
		}
	}
}

// RemoveListenerFromChain unregisters l from c and every listenable master above it.
func RemoveListenerFromChain(c Clock, l Listener) {
	for _, node := range Chain(c) {
		if lc, ok := node.(ListenableClock); ok {
			lc.RemoveListener(l)
		}
	}
}

// ScaleDurationBySpeed returns d*speed, saturating at the int64 bounds.
//
// A NaN speed yields zero, as does a zero duration (even at infinite speed).
// Integral speeds are computed exactly.
func ScaleDurationBySpeed(d time.Duration, speed float64) time.Duration {
	if math.IsNaN(speed) || d == 0 || speed == 0 {
		return 0
	}
	if math.IsInf(speed, 0) {
		return saturate((d < 0) != (speed < 0))
	}
	if s, ok := integralSpeed(speed); ok {
		return mulSaturating(int64(d), s)
	}
	return fromFloat(float64(d) * speed)
}

// UnscaleDurationBySpeed returns d/speed, saturating at the int64 bounds.
//
// A NaN speed yields zero, as does a zero duration. Dividing by a zero speed
// saturates to the bound matching the sign of the quotient; dividing by an
// infinite speed yields zero.
func UnscaleDurationBySpeed(d time.Duration, speed float64) time.Duration {
	if math.IsNaN(speed) || d == 0 || math.IsInf(speed, 0) {
		return 0
	}
	if speed == 0 {
		return saturate((d < 0) != math.Signbit(speed))
	}
	if s, ok := integralSpeed(speed); ok {
		if s == -1 && d == math.MinInt64 {
			return math.MaxInt64
		}
		return d / time.Duration(s)
	}
	return fromFloat(float64(d) / speed)
}

func saturate(negative bool) time.Duration {
	if negative {
		return math.MinInt64
	}
	return math.MaxInt64
}

func integralSpeed(speed float64) (int64, bool) {
	if speed != math.Trunc(speed) || speed >= 1<<63 || speed < -(1<<63) {
		return 0, false
	}
	return int64(speed), true
}

func absUint(x int64) uint64 {
	if x < 0 {
		return uint64(-(x + 1)) + 1
	}
	return uint64(x)
}

func mulSaturating(a, b int64) time.Duration {
	negative := (a < 0) != (b < 0)
	hi, lo := bits.Mul64(absUint(a), absUint(b))
	if negative {
		if hi != 0 || lo > 1<<63 {
			return math.MinInt64
		}
		// lo == 1<<63 wraps to MinInt64, which is the right answer
		return time.Duration(-int64(lo))
	}
	if hi != 0 || lo > math.MaxInt64 {
		return math.MaxInt64
	}
	return time.Duration(lo)
}

func fromFloat(f float64) time.Duration {
	if math.IsNaN(f) {
		return 0
	}
	// float64(MaxInt64) rounds up to 2^63, which does not fit
	if f >= math.MaxInt64 {
		return math.MaxInt64
	}
	if f <= math.MinInt64 {
		return math.MinInt64
	}
	return time.Duration(f)
}
