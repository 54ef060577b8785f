package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/BYTE-6D65/tempo/pkg/clock"
	"github.com/BYTE-6D65/tempo/pkg/event"
	"github.com/BYTE-6D65/tempo/pkg/lifecycle"
	"github.com/BYTE-6D65/tempo/pkg/sched"
	"github.com/BYTE-6D65/tempo/pkg/telemetry"
	"github.com/BYTE-6D65/tempo/pkg/worker"
)

// ErrEngineStopped is returned by Start after Shutdown.
var ErrEngineStopped = errors.New("engine: stopped")

// Engine wires together the clocks, the timing scheduler and the worker
// bridge, with their error bus and metrics.
type Engine struct {
	cfg Config

	hard  *clock.ControllableClock
	soft  *clock.SoftClock // nil unless Virtual or AFAP
	clock clock.Clock      // the clock the schedulers run against

	timing  *sched.TimingScheduler
	worker  *sched.WorkerScheduler
	binding sched.Binding
	loop    *worker.Loop // nil with an external binding

	errorBus *event.ErrorBus
	ownsBus  bool
	metrics  *telemetry.Metrics
	registry *prometheus.Registry // nil unless the engine created the metrics

	state     *lifecycle.Machine
	heartbeat *heartbeat
	recorder  *FlightRecorder
}

// EngineOption configures an Engine instance.
type EngineOption func(*settings)

type settings struct {
	binding  sched.Binding
	clock    clock.Clock
	errorBus *event.ErrorBus
	metrics  *telemetry.Metrics
	handler  sched.ExceptionHandler
}

// WithBinding sets the worker-thread binding. Without it the engine runs
// its own worker.Loop.
func WithBinding(b sched.Binding) EngineOption {
	return func(s *settings) {
		s.binding = b
	}
}

// WithClock sets the clock the schedulers run against, bypassing the
// configured hard and soft clocks.
func WithClock(clk clock.Clock) EngineOption {
	return func(s *settings) {
		s.clock = clk
	}
}

// WithErrorBus sets the error bus. The engine does not close a bus it did
// not create.
func WithErrorBus(bus *event.ErrorBus) EngineOption {
	return func(s *settings) {
		s.errorBus = bus
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *telemetry.Metrics) EngineOption {
	return func(s *settings) {
		s.metrics = m
	}
}

// WithExceptionHandler sets the handler for task panics. The default logs.
func WithExceptionHandler(h sched.ExceptionHandler) EngineOption {
	return func(s *settings) {
		s.handler = h
	}
}

// New creates an Engine from cfg. Nothing runs until Start.
//
// Default wiring:
//   - Hard clock: ControllableClock over the system clock at cfg.Speed
//   - Soft clock: over the hard clock if cfg.Virtual, free running if cfg.AFAP
//   - ErrorBus: cfg.ErrorBusBufferSize per subscriber
//   - Metrics: a private prometheus registry if cfg.MetricsEnabled
//   - Binding: worker.Loop bounded by cfg.WorkerQueueMax
//   - Heartbeat: HEALTH_CHECK events and flight recorder snapshots every
//     cfg.HealthInterval
func New(cfg Config, opts ...EngineOption) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var s settings
	for _, opt := range opts {
		opt(&s)
	}

	e := &Engine{
		cfg:      cfg,
		errorBus: s.errorBus,
		metrics:  s.metrics,
		state:    lifecycle.New(),
		recorder: NewFlightRecorder(cfg.FlightRecorderSize),
	}

	if e.errorBus == nil {
		e.errorBus = event.NewErrorBus(cfg.ErrorBusBufferSize)
		e.ownsBus = true
	}
	if e.metrics == nil && cfg.MetricsEnabled {
		e.registry = prometheus.NewRegistry()
		e.metrics = telemetry.InitMetrics(e.registry)
	}

	e.hard = clock.NewControllableClock(nil)
	if err := e.hard.SetSpeed(cfg.Speed); err != nil {
		return nil, err
	}

	switch {
	case s.clock != nil:
		e.clock = s.clock
	case cfg.AFAP || cfg.Virtual:
		var hard clock.Clock
		if !cfg.AFAP {
			hard = e.hard
		}
		e.soft = clock.NewSoftClock(hard, e.hard.TimeNanos(),
			clock.WithLatenessThreshold(cfg.LatenessThreshold),
			clock.WithLatenessHook(e.onLatenessForgiven))
		e.clock = e.soft
	default:
		e.clock = e.hard
	}

	handler := s.handler
	if handler == nil {
		handler = logException
	}

	timing, err := sched.NewTimingScheduler(e.clock, handler,
		sched.WithName("timing"),
		sched.WithErrorBus(e.errorBus),
		sched.WithMetrics(e.metrics))
	if err != nil {
		return nil, fmt.Errorf("timing scheduler: %w", err)
	}
	e.timing = timing

	e.binding = s.binding
	if e.binding == nil {
		e.loop = worker.NewLoop(
			worker.WithQueueLimit(cfg.WorkerQueueMax),
			worker.WithPanicHandler(e.onLoopPanic))
		e.binding = e.loop
	}

	ws, err := sched.NewWorkerScheduler(e.binding, timing, handler,
		sched.WithName("worker"),
		sched.WithErrorBus(e.errorBus),
		sched.WithMetrics(e.metrics),
		sched.WithFunnel(cfg.FunnelASAP))
	if err != nil {
		return nil, fmt.Errorf("worker scheduler: %w", err)
	}
	e.worker = ws

	if cfg.HealthInterval > 0 {
		e.heartbeat = newHeartbeat(e, cfg.HealthInterval)
	}

	return e, nil
}

func logException(thread sched.Thread, err error) {
	log.Printf("tempo: task failed on %s thread: %v", thread, err)
}

func (e *Engine) onLatenessForgiven(lateness, credit time.Duration) {
	e.metrics.Forgiven("soft", credit)
	e.errorBus.Publish(event.NewErrorEvent(
		event.WarningSeverity,
		event.CodeLatenessForgiven,
		"engine:soft-clock",
		fmt.Sprintf("Forgave half of %s lateness", lateness),
	).WithSignal(event.SignalLate).
		WithContext("lateness", lateness.String()).
		WithContext("credit", credit.String()))
}

func (e *Engine) onLoopPanic(value any, stack []byte) {
	e.errorBus.Publish(event.NewErrorEvent(
		event.CriticalSeverity,
		event.CodeTaskPanic,
		"engine:worker-loop",
		fmt.Sprintf("worker callback panicked: %v", value),
	).WithContext("stack", string(stack)))
}

// Start starts the worker loop (if owned), the timing scheduler and the
// heartbeat.
func (e *Engine) Start() error {
	if _, err := e.state.Trigger(context.Background(), lifecycle.Start); err != nil {
		if e.state.Is(lifecycle.Running) {
			return sched.ErrAlreadyStarted
		}
		return ErrEngineStopped
	}

	if e.loop != nil {
		if err := e.loop.Start(); err != nil {
			return fmt.Errorf("worker loop: %w", err)
		}
	}
	if err := e.timing.Start(); err != nil {
		return fmt.Errorf("timing scheduler: %w", err)
	}
	if e.heartbeat != nil {
		e.heartbeat.start()
	}
	return nil
}

// Shutdown stops the engine: queued timed tasks are cancelled, callbacks
// already posted to the owned worker loop still run, and an owned error
// bus is closed last.
func (e *Engine) Shutdown(ctx context.Context) error {
	to, err := e.state.Trigger(ctx, lifecycle.Stop)
	if err != nil {
		// Already shutting down
		select {
		case <-e.state.Done():
			return nil
		case <-ctx.Done():
			return fmt.Errorf("shutdown cancelled: %w", ctx.Err())
		}
	}

	var errs []error
	if e.heartbeat != nil {
		e.heartbeat.stop()
	}
	if err := e.timing.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("timing scheduler shutdown: %w", err))
	}
	if e.loop != nil {
		if err := e.loop.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("worker loop shutdown: %w", err))
		}
	}
	if e.ownsBus {
		if err := e.errorBus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error bus shutdown: %w", err))
		}
	}

	if to == lifecycle.Stopping {
		_, _ = e.state.Trigger(ctx, lifecycle.Drained)
	}
	return errors.Join(errs...)
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Clock returns the clock the schedulers run against.
func (e *Engine) Clock() clock.Clock {
	return e.clock
}

// HardClock returns the speed-controllable hard clock.
func (e *Engine) HardClock() *clock.ControllableClock {
	return e.hard
}

// SoftClock returns the soft clock, or nil when the engine runs on the
// hard clock.
func (e *Engine) SoftClock() *clock.SoftClock {
	return e.soft
}

// SetSpeed changes the hard clock speed.
func (e *Engine) SetSpeed(speed float64) error {
	return e.hard.SetSpeed(speed)
}

// SetAFAP detaches the soft clock from the hard clock (afap) or reattaches
// it. It reports false when the engine has no soft clock.
func (e *Engine) SetAFAP(afap bool) bool {
	if e.soft == nil {
		return false
	}
	if afap {
		e.soft.SetHardClock(nil)
	} else {
		e.soft.SetHardClock(e.hard)
	}
	return true
}

// Timing returns the timing scheduler.
func (e *Engine) Timing() *sched.TimingScheduler {
	return e.timing
}

// Worker returns the worker-thread scheduler.
func (e *Engine) Worker() *sched.WorkerScheduler {
	return e.worker
}

// ErrorBus returns the error bus.
func (e *Engine) ErrorBus() *event.ErrorBus {
	return e.errorBus
}

// Metrics returns the metrics recorder, nil when metrics are disabled.
func (e *Engine) Metrics() *telemetry.Metrics {
	return e.metrics
}

// Gatherer returns the engine's private metrics registry, nil when the
// metrics were supplied by the caller or disabled.
func (e *Engine) Gatherer() prometheus.Gatherer {
	if e.registry == nil {
		return nil
	}
	return e.registry
}

// FlightRecorder returns the recorder fed by the heartbeat.
func (e *Engine) FlightRecorder() *FlightRecorder {
	return e.recorder
}

// State returns the engine's lifecycle state.
func (e *Engine) State() lifecycle.State {
	return e.state.Current()
}
