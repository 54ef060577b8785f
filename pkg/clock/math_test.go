package clock

import (
	"math"
	"testing"
	"time"
)

var (
	negZero = math.Copysign(0, -1)
	posInf  = math.Inf(1)
	negInf  = math.Inf(-1)
	nan     = math.NaN()
)

// sameFloat compares floats including NaN and the sign of zero.
func sameFloat(a, b float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	return a == b && math.Signbit(a) == math.Signbit(b)
}

func TestTimeSpeedProduct(t *testing.T) {
	tests := []struct {
		name string
		a, b float64
		want float64
	}{
		{"finite", 2, 3, 6},
		{"negative", -2, 3, -6},
		{"nan left", nan, 0, nan},
		{"nan right", posInf, nan, nan},
		{"zero times inf", 0, posInf, 0},
		{"inf times zero", posInf, 0, 0},
		{"zero times neg inf", 0, negInf, negZero},
		{"neg zero times inf", negZero, posInf, negZero},
		{"neg zero times neg inf", negZero, negInf, 0},
		{"inf times finite", posInf, -2, negInf},
		{"zero times zero", negZero, negZero, 0},
		{"zero times finite", negZero, 5, negZero},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TimeSpeedProduct(tt.a, tt.b); !sameFloat(got, tt.want) {
				t.Errorf("TimeSpeedProduct(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestTimeSpeedProduct_NaNIffOperandNaN(t *testing.T) {
	values := []float64{0, negZero, 1, -1, 0.5, 1e308, -1e-308, posInf, negInf}
	for _, a := range values {
		for _, b := range values {
			if math.IsNaN(TimeSpeedProduct(a, b)) {
				t.Errorf("TimeSpeedProduct(%v, %v) is NaN without NaN operand", a, b)
			}
		}
	}
}

func TestTimeSpeedRatio(t *testing.T) {
	tests := []struct {
		name string
		a, b float64
		want float64
	}{
		{"finite", 6, 3, 2},
		{"zero over zero", 0, 0, 1},
		{"zero over neg zero", 0, negZero, -1},
		{"neg zero over neg zero", negZero, negZero, 1},
		{"positive over zero", 3, 0, posInf},
		{"positive over neg zero", 3, negZero, negInf},
		{"negative over zero", -3, 0, negInf},
		{"zero over inf", 0, posInf, 0},
		{"zero over neg inf", 0, negInf, negZero},
		{"inf over finite", posInf, -2, negInf},
		{"finite over inf", -2, posInf, negZero},
		{"nan", nan, 0, nan},
		{"nan divisor", 0, nan, nan},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TimeSpeedRatio(tt.a, tt.b); !sameFloat(got, tt.want) {
				t.Errorf("TimeSpeedRatio(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

// affineClock is an enslaved clock with an arbitrary linear mapping
// master = own*mul + add and a fixed own speed.
type affineClock struct {
	master   Clock
	speed    float64
	mul, add int64
}

func (c *affineClock) TimeNanos() MonoTime { return 0 }
func (c *affineClock) TimeSeconds() float64 { return 0 }
func (c *affineClock) TimeSpeed() float64 { return c.speed }
func (c *affineClock) Master() Clock { return c.master }
func (c *affineClock) MasterNanos(own MonoTime) MonoTime {
	return own*MonoTime(c.mul) + MonoTime(c.add)
}

func TestAbsoluteSpeed_Chain(t *testing.T) {
	root := NewSystemClock()
	l1 := &affineClock{master: root, speed: 2}
	l2 := &affineClock{master: l1, speed: 3}
	l3 := &affineClock{master: l2, speed: 5}

	if got := AbsoluteSpeed(l3); got != 30.0 {
		t.Errorf("AbsoluteSpeed = %v, want 30", got)
	}
	if got := AbsoluteSpeed(root); got != 1.0 {
		t.Errorf("AbsoluteSpeed(root) = %v, want 1", got)
	}
	if got := len(Chain(l3)); got != 4 {
		t.Errorf("Chain length = %d, want 4", got)
	}
}

func TestAbsoluteSpeed_ZeroTimesInfinite(t *testing.T) {
	l1 := &affineClock{master: NewSystemClock(), speed: posInf}
	l2 := &affineClock{master: l1, speed: 0}
	if got := AbsoluteSpeed(l2); !sameFloat(got, 0) {
		t.Errorf("AbsoluteSpeed = %v, want +0", got)
	}
}

func TestResolveRootNanos(t *testing.T) {
	root := NewSystemClock()
	level2 := &affineClock{master: root, speed: 1, mul: 2, add: 3}
	level1 := &affineClock{master: level2, speed: 1, mul: 3, add: 4}

	want := MonoTime((13*3+4)*2 + 3)
	if got := ResolveRootNanos(level1, 13); got != want {
		t.Errorf("ResolveRootNanos = %d, want %d", got, want)
	}
}

func TestResolveRootNanos_DetachedMaster(t *testing.T) {
	soft := NewSoftClock(nil, 0)
	if got := ResolveRootNanos(soft, 42); got != 42 {
		t.Errorf("Detached clock should map to itself, got %d", got)
	}
}

func TestResolveRootNanos_LongChain(t *testing.T) {
	var c Clock = NewSystemClock()
	for i := 0; i < 500; i++ {
		c = &affineClock{master: c, speed: 1, mul: 1, add: 1}
	}
	if got := ResolveRootNanos(c.(EnslavedClock), 0); got != 500 {
		t.Errorf("ResolveRootNanos over 500 levels = %d, want 500", got)
	}
}

func TestListenerChain(t *testing.T) {
	root := NewControllableClock(NewSystemClock())
	middle := &affineClock{master: root, speed: 1, mul: 1}
	top := NewControllableClock(middle)
	l := &countingListener{}

	AddListenerToChain(top, l)
	AddListenerToChain(top, l)

	if top.listeners.len() != 1 || root.listeners.len() != 1 {
		t.Fatalf("Expected exactly one registration per listenable node, got top=%d root=%d",
			top.listeners.len(), root.listeners.len())
	}

	_ = root.SetSpeed(2)
	top.SetTimeNanos(0)
	if l.calls != 2 {
		t.Errorf("Listener calls = %d, want 2", l.calls)
	}

	RemoveListenerFromChain(top, l)
	RemoveListenerFromChain(top, l)
	if top.listeners.len() != 0 || root.listeners.len() != 0 {
		t.Error("Listener should be removed from every node")
	}
}

func TestScaleDurationBySpeed(t *testing.T) {
	tests := []struct {
		name  string
		d     time.Duration
		speed float64
		want  time.Duration
	}{
		{"identity", time.Second, 1, time.Second},
		{"double", time.Second, 2, 2 * time.Second},
		{"half", time.Second, 0.5, 500 * time.Millisecond},
		{"negative speed", time.Second, -3, -3 * time.Second},
		{"nan speed", time.Second, nan, 0},
		{"zero speed", time.Second, 0, 0},
		{"zero duration inf speed", 0, posInf, 0},
		{"inf speed", time.Second, posInf, math.MaxInt64},
		{"neg inf speed", time.Second, negInf, math.MinInt64},
		{"negative duration inf speed", -time.Second, posInf, math.MinInt64},
		{"integer overflow", math.MaxInt64 / 2, 3, math.MaxInt64},
		{"integer underflow", math.MinInt64 / 2, 3, math.MinInt64},
		{"exact min", math.MinInt64 / 2, 2, math.MinInt64},
		{"float overflow", math.MaxInt64 / 2, 2.5, math.MaxInt64},
		{"float underflow", math.MaxInt64 / 2, -2.5, math.MinInt64},
		{"exact large", 1<<62 + 1, 1, 1<<62 + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ScaleDurationBySpeed(tt.d, tt.speed); got != tt.want {
				t.Errorf("ScaleDurationBySpeed(%d, %v) = %d, want %d", tt.d, tt.speed, got, tt.want)
			}
		})
	}
}

func TestUnscaleDurationBySpeed(t *testing.T) {
	tests := []struct {
		name  string
		d     time.Duration
		speed float64
		want  time.Duration
	}{
		{"identity", time.Second, 1, time.Second},
		{"double", 2 * time.Second, 2, time.Second},
		{"half", time.Second, 0.5, 2 * time.Second},
		{"nan speed", time.Second, nan, 0},
		{"zero duration zero speed", 0, 0, 0},
		{"zero speed", time.Second, 0, math.MaxInt64},
		{"neg zero speed", time.Second, negZero, math.MinInt64},
		{"inf speed", time.Second, posInf, 0},
		{"min over minus one", math.MinInt64, -1, math.MaxInt64},
		{"float overflow", math.MaxInt64 / 2, 0.25, math.MaxInt64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UnscaleDurationBySpeed(tt.d, tt.speed); got != tt.want {
				t.Errorf("UnscaleDurationBySpeed(%d, %v) = %d, want %d", tt.d, tt.speed, got, tt.want)
			}
		})
	}
}
