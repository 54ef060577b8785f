package engine

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/BYTE-6D65/tempo/pkg/clock"
	"github.com/BYTE-6D65/tempo/pkg/event"
	"github.com/BYTE-6D65/tempo/pkg/lifecycle"
	"github.com/BYTE-6D65/tempo/pkg/sched"
	"github.com/BYTE-6D65/tempo/pkg/telemetry"
	"github.com/BYTE-6D65/tempo/pkg/worker"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HealthInterval = 0
	return cfg
}

func startEngine(t *testing.T, cfg Config, opts ...EngineOption) *Engine {
	t.Helper()
	eng, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		eng.Shutdown(ctx)
	})
	return eng
}

// waitForCode returns the first event with code, or fails after a second.
func waitForCode(t *testing.T, sub *event.ErrorSubscription, code string, match func(event.ErrorEvent) bool) event.ErrorEvent {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case evt := <-sub.Events():
			if evt.Code == code && (match == nil || match(evt)) {
				return evt
			}
		case <-deadline:
			t.Fatalf("No %s event", code)
			return event.ErrorEvent{}
		}
	}
}

func TestNew(t *testing.T) {
	eng, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, ok := eng.Clock().(*clock.ControllableClock); !ok {
		t.Errorf("Default clock = %T, want *ControllableClock", eng.Clock())
	}
	if eng.SoftClock() != nil {
		t.Error("Default engine should have no soft clock")
	}
	if eng.SetAFAP(true) {
		t.Error("SetAFAP without soft clock should report false")
	}
	if eng.ErrorBus() == nil || eng.Metrics() == nil || eng.Gatherer() == nil {
		t.Error("Default engine should own a bus and metrics")
	}
	if eng.Timing() == nil || eng.Worker() == nil || eng.Worker().Timing() != eng.Timing() {
		t.Error("Schedulers not wired")
	}
	if eng.State() != lifecycle.Idle {
		t.Errorf("State = %s, want idle", eng.State())
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Speed = math.NaN()
	if _, err := New(cfg); !errors.Is(err, clock.ErrInvalidSpeed) {
		t.Errorf("NaN speed: err = %v", err)
	}

	cfg = testConfig()
	cfg.ErrorBusBufferSize = 0
	if _, err := New(cfg); err == nil {
		t.Error("Zero bus buffer should be rejected")
	}
}

func TestNew_ClockModes(t *testing.T) {
	tests := []struct {
		name    string
		virtual bool
		afap    bool
	}{
		{"virtual", true, false},
		{"afap", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Virtual, cfg.AFAP = tt.virtual, tt.afap
			eng, err := New(cfg)
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			soft := eng.SoftClock()
			if soft == nil || eng.Clock() != clock.Clock(soft) {
				t.Fatal("Schedulers should run against the soft clock")
			}
			if soft.IsAFAP() != tt.afap {
				t.Errorf("IsAFAP = %v, want %v", soft.IsAFAP(), tt.afap)
			}

			eng.SetAFAP(!tt.afap)
			if soft.IsAFAP() == tt.afap {
				t.Error("SetAFAP did not switch the hard clock")
			}
		})
	}
}

func TestEngine_WithClock(t *testing.T) {
	custom := clock.NewControllableClock(nil)
	eng, err := New(testConfig(), WithClock(custom))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if eng.Clock() != clock.Clock(custom) || eng.Timing().Clock() != clock.Clock(custom) {
		t.Error("WithClock not applied")
	}
}

func TestEngine_RunsWorkerTasks(t *testing.T) {
	for _, funnel := range []bool{false, true} {
		cfg := testConfig()
		cfg.FunnelASAP = funnel
		eng := startEngine(t, cfg)
		ws := eng.Worker()

		onWorker := make(chan bool, 2)
		ws.Execute(sched.TaskFunc(func(*sched.ExecContext) {
			onWorker <- ws.IsWorkerThread()
		}))

		target := eng.Clock().TimeNanos() + clock.FromDuration(20*time.Millisecond)
		ws.ExecuteAtNs(sched.TaskFunc(func(ec *sched.ExecContext) {
			onWorker <- ws.IsWorkerThread() && ec.ActualNanos() >= target
		}), target)

		for i := 0; i < 2; i++ {
			select {
			case ok := <-onWorker:
				if !ok {
					t.Errorf("funnel=%v: task %d ran off the worker thread or early", funnel, i)
				}
			case <-time.After(time.Second):
				t.Fatalf("funnel=%v: task %d did not run", funnel, i)
			}
		}

		// Ran is recorded once the task body returns
		time.Sleep(20 * time.Millisecond)
		if got := testutil.ToFloat64(eng.Metrics().TasksRun.WithLabelValues("worker")); got != 2 {
			t.Errorf("funnel=%v: worker tasks run = %v, want 2", funnel, got)
		}
	}
}

func TestEngine_ShutdownCancelsPending(t *testing.T) {
	eng, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := eng.Start(); !errors.Is(err, sched.ErrAlreadyStarted) {
		t.Errorf("Second Start: %v", err)
	}

	var runs, cancels atomic.Int32
	task := sched.NewTask(func(*sched.ExecContext) { runs.Add(1) }, func() { cancels.Add(1) })
	eng.Worker().ExecuteAtNs(task, eng.Clock().TimeNanos()+clock.FromDuration(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if runs.Load() != 0 || cancels.Load() != 1 {
		t.Errorf("runs=%d cancels=%d, want 0 and 1", runs.Load(), cancels.Load())
	}
	if eng.State() != lifecycle.Stopped {
		t.Errorf("State = %s, want stopped", eng.State())
	}

	// Submissions after shutdown are cancelled, never dropped
	eng.Worker().Execute(task)
	if cancels.Load() != 2 {
		t.Errorf("Post-shutdown submit: cancels=%d, want 2", cancels.Load())
	}

	if err := eng.Shutdown(ctx); err != nil {
		t.Errorf("Second Shutdown: %v", err)
	}
	if err := eng.Start(); !errors.Is(err, ErrEngineStopped) {
		t.Errorf("Start after Shutdown: %v", err)
	}
}

func TestEngine_ShutdownWithoutStart(t *testing.T) {
	eng, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var cancels atomic.Int32
	eng.Timing().ExecuteAtNs(sched.NewTask(nil, func() { cancels.Add(1) }), eng.Clock().TimeNanos())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if cancels.Load() != 1 {
		t.Errorf("cancels = %d, want 1", cancels.Load())
	}
}

func TestEngine_ExternalBindingAndBus(t *testing.T) {
	bus := event.NewErrorBus(16)
	defer bus.Close()
	loop := worker.NewLoop()
	if err := loop.Start(); err != nil {
		t.Fatal(err)
	}
	defer loop.Shutdown(context.Background())
	metrics := telemetry.InitMetrics(prometheus.NewRegistry())

	eng, err := New(testConfig(), WithBinding(loop), WithErrorBus(bus), WithMetrics(metrics))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if eng.Gatherer() != nil {
		t.Error("Gatherer should be nil with caller-supplied metrics")
	}
	if err := eng.Start(); err != nil {
		t.Fatal(err)
	}

	done := make(chan bool, 1)
	eng.Worker().Execute(sched.TaskFunc(func(*sched.ExecContext) { done <- loop.IsWorkerThread() }))
	select {
	case ok := <-done:
		if !ok {
			t.Error("Task should run on the supplied loop")
		}
	case <-time.After(time.Second):
		t.Fatal("Task did not run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if _, err := bus.Subscribe(ctx); err != nil {
		t.Errorf("Engine closed a bus it does not own: %v", err)
	}
	if loop.State() != lifecycle.Running {
		t.Errorf("Engine stopped a loop it does not own: %s", loop.State())
	}
}

func TestEngine_ExceptionHandler(t *testing.T) {
	threads := make(chan sched.Thread, 1)
	eng := startEngine(t, testConfig(), WithExceptionHandler(func(thread sched.Thread, err error) {
		threads <- thread
	}))

	eng.Worker().Execute(sched.TaskFunc(func(*sched.ExecContext) { panic("boom") }))
	select {
	case th := <-threads:
		if th != sched.WorkerThread {
			t.Errorf("Thread = %s, want worker", th)
		}
	case <-time.After(time.Second):
		t.Fatal("Handler not called")
	}
}

func TestEngine_LatenessForgiven(t *testing.T) {
	cfg := testConfig()
	cfg.Virtual = true
	cfg.LatenessThreshold = 10 * time.Millisecond
	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sub, err := eng.ErrorBus().Subscribe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Start(); err != nil {
		t.Fatal(err)
	}
	defer eng.Shutdown(context.Background())

	// Block the timing goroutine so the next task is well past due
	eng.Timing().Execute(sched.TaskFunc(func(ec *sched.ExecContext) {
		eng.Timing().ExecuteAtNs(sched.TaskFunc(func(*sched.ExecContext) {}), ec.TheoreticalNanos()+clock.FromDuration(time.Millisecond))
		time.Sleep(100 * time.Millisecond)
	}))

	evt := waitForCode(t, sub, event.CodeLatenessForgiven, nil)
	if evt.Signal != event.SignalLate {
		t.Errorf("Signal = %s, want LATE", evt.Signal)
	}
	if eng.SoftClock().AnnulledLateness() <= 0 {
		t.Error("Soft clock should hold a lateness credit")
	}
	if got := testutil.ToFloat64(eng.Metrics().LatenessForgiven.WithLabelValues("soft")); got < 1 {
		t.Errorf("lateness forgiven = %v, want >= 1", got)
	}
}

func TestEngine_Heartbeat(t *testing.T) {
	cfg := testConfig()
	cfg.HealthInterval = 10 * time.Millisecond
	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sub, err := eng.ErrorBus().Subscribe(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.Start(); err != nil {
		t.Fatal(err)
	}

	evt := waitForCode(t, sub, event.CodeHealthCheck, func(e event.ErrorEvent) bool {
		_, ok := e.Context["timing_queue"]
		return ok
	})
	if _, ok := evt.Context["worker_queue"]; !ok {
		t.Errorf("Health event missing worker_queue: %v", evt.Context)
	}
	if evt.Context["clock_speed"] != 1.0 {
		t.Errorf("clock_speed = %v, want 1", evt.Context["clock_speed"])
	}
	if snaps := eng.FlightRecorder().Snapshots(); len(snaps) == 0 || snaps[0].ClockMode != "hard" {
		t.Errorf("Flight recorder snapshots = %+v", snaps)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
