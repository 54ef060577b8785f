package clock

import (
	"math"
	"testing"
	"time"
)

func TestAffineTruer_Identity(t *testing.T) {
	truer := NewAffineTruer(10)

	for i := int64(0); i < 10; i++ {
		ts := MonoTime(i * int64(time.Millisecond))
		truer.Observe(ts, ts)
	}

	a, b := truer.Snapshot()
	if math.Abs(a-1.0) > 0.01 {
		t.Errorf("Expected a≈1.0, got %.6f", a)
	}
	if math.Abs(b) > 1000 {
		t.Errorf("Expected b≈0, got %.6f", b)
	}

	src := MonoTime(5 * time.Millisecond)
	if diff := math.Abs(float64(truer.True(src) - src)); diff > 1000 {
		t.Errorf("Identity mapping off by %.0fns", diff)
	}
}

func TestAffineTruer_ConstantOffset(t *testing.T) {
	truer := NewAffineTruer(10)
	offset := FromDuration(100 * time.Millisecond)

	for i := int64(0); i < 10; i++ {
		src := MonoTime(i * int64(time.Millisecond))
		truer.Observe(src, src-offset)
	}

	a, b := truer.Snapshot()
	if math.Abs(a-1.0) > 0.01 {
		t.Errorf("Expected a≈1.0, got %.6f", a)
	}
	if math.Abs(b+float64(offset)) > 1e6 {
		t.Errorf("Expected b≈%d, got %.0f", -offset, b)
	}

	src := FromDuration(50 * time.Millisecond)
	if diff := math.Abs(float64(truer.True(src) - (src - offset))); diff > 1e6 {
		t.Errorf("Offset correction off by %.0fns", diff)
	}
}

func TestAffineTruer_RollingWindow(t *testing.T) {
	const size = 5
	truer := NewAffineTruer(size)

	for i := 0; i < size; i++ {
		ts := MonoTime(i * int(time.Millisecond))
		truer.Observe(ts, ts)
	}
	_, before := truer.Snapshot()

	offset := FromDuration(10 * time.Millisecond)
	for i := size; i < size*2; i++ {
		src := MonoTime(i * int(time.Millisecond))
		truer.Observe(src, src-offset)
	}
	_, after := truer.Snapshot()

	if after >= before {
		t.Errorf("Fit did not follow the new offset: b %.0f -> %.0f", before, after)
	}
}

func TestAffineTruer_ClampDrift(t *testing.T) {
	truer := NewAffineTruer(10)

	for i := int64(0); i < 10; i++ {
		src := MonoTime(i * int64(10*time.Millisecond))
		truer.Observe(src, MonoTime(float64(src)*1.10))
	}

	a, _ := truer.Snapshot()
	if a > 1+DefaultMaxDrift+1e-12 {
		t.Errorf("Drift not clamped: a=%.6f", a)
	}

	truer.SetMaxDrift(0)
	truer.Observe(MonoTime(100*time.Millisecond), MonoTime(110*time.Millisecond))
	a, _ = truer.Snapshot()
	if math.Abs(a-1.10) > 0.001 {
		t.Errorf("Unclamped fit: a=%.6f, want 1.10", a)
	}
}

func TestAffineTruer_DegenerateWindow(t *testing.T) {
	truer := NewAffineTruer(1) // coerced to the default size

	truer.Observe(1000, 5000)
	truer.Observe(1000, 6000)

	a, b := truer.Snapshot()
	if a != 1.0 || b != 0 {
		t.Errorf("Identical sources must keep the previous fit, got a=%v b=%v", a, b)
	}
}

func TestIdentityTruer(t *testing.T) {
	truer := NewIdentityTruer()
	truer.Observe(1, 999)

	if truer.True(12345) != 12345 {
		t.Error("IdentityTruer should not transform")
	}
	if a, b := truer.Snapshot(); a != 1.0 || b != 0 {
		t.Errorf("Snapshot = (%v, %v), want (1, 0)", a, b)
	}
}

func TestTrackingClock(t *testing.T) {
	master := &manualClock{}
	clk, err := NewTrackingClock(master, NewAffineTruer(10))
	if err != nil {
		t.Fatalf("NewTrackingClock: %v", err)
	}

	// The source frame reads 1s more than master
	for i := 0; i < 10; i++ {
		master.now = FromDuration(time.Duration(i) * time.Millisecond)
		clk.Observe(master.now + FromDuration(time.Second))
	}

	master.now = FromDuration(500 * time.Millisecond)
	want := FromDuration(1500 * time.Millisecond)
	if diff := math.Abs(float64(clk.TimeNanos() - want)); diff > 1000 {
		t.Errorf("TimeNanos = %v, want %v", ToDuration(clk.TimeNanos()), ToDuration(want))
	}

	if got := clk.MasterNanos(want); math.Abs(float64(got-master.now)) > 1000 {
		t.Errorf("MasterNanos = %v, want %v", ToDuration(got), ToDuration(master.now))
	}

	if math.Abs(clk.TimeSpeed()-1.0) > 0.01 {
		t.Errorf("TimeSpeed = %v, want ~1", clk.TimeSpeed())
	}
	if clk.Master() != Clock(master) {
		t.Error("Master mismatch")
	}
}

func TestTrackingClock_Defaults(t *testing.T) {
	if _, err := NewTrackingClock(nil, nil); err != ErrNilClock {
		t.Errorf("nil master: err = %v, want ErrNilClock", err)
	}

	master := &manualClock{now: 777}
	clk, err := NewTrackingClock(master, nil)
	if err != nil {
		t.Fatal(err)
	}
	if clk.TimeNanos() != 777 || clk.TimeSpeed() != 1.0 {
		t.Errorf("Identity tracking: time=%d speed=%v", clk.TimeNanos(), clk.TimeSpeed())
	}
}

// fixedTruer reports constant coefficients.
type fixedTruer struct{ a, b float64 }

func (f fixedTruer) Observe(MonoTime, MonoTime) {}
func (f fixedTruer) True(source MonoTime) MonoTime {
	return MonoTime(fromFloat(f.a*float64(source) + f.b))
}
func (f fixedTruer) Snapshot() (float64, float64) { return f.a, f.b }

func TestAffineTruer_Saturates(t *testing.T) {
	truer := NewAffineTruer(2)
	truer.SetMaxDrift(0)
	truer.Observe(0, 0)
	truer.Observe(1000, FromDuration(time.Second)) // a = 1e6

	if got := truer.True(math.MaxInt64 / 1000); got != math.MaxInt64 {
		t.Errorf("True(huge) = %d, want MaxInt64", got)
	}
	if got := truer.True(math.MinInt64 / 1000); got != math.MinInt64 {
		t.Errorf("True(-huge) = %d, want MinInt64", got)
	}
}

func TestTrackingClock_Saturates(t *testing.T) {
	master := &manualClock{now: FromDuration(time.Hour)}
	clk, err := NewTrackingClock(master, fixedTruer{a: 1e-12})
	if err != nil {
		t.Fatal(err)
	}
	if got := clk.TimeNanos(); got != math.MaxInt64 {
		t.Errorf("TimeNanos = %d, want MaxInt64", got)
	}

	master.now = -FromDuration(time.Hour)
	if got := clk.TimeNanos(); got != math.MinInt64 {
		t.Errorf("TimeNanos = %d, want MinInt64", got)
	}

	clk, _ = NewTrackingClock(master, fixedTruer{a: 1, b: math.NaN()})
	if got := clk.TimeNanos(); got != 0 {
		t.Errorf("NaN fit TimeNanos = %d, want 0", got)
	}
}
