package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/BYTE-6D65/tempo/pkg/clock"
	"github.com/BYTE-6D65/tempo/pkg/event"
)

// heartbeat periodically reports scheduler health on the error bus.
//
// It ticks in real time on its own goroutine, independent of the
// scheduling clock. The bus is one-way; nothing subscribes back into the
// engine.
type heartbeat struct {
	engine   *Engine
	interval time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
}

func newHeartbeat(e *Engine, interval time.Duration) *heartbeat {
	ctx, cancel := context.WithCancel(context.Background())
	return &heartbeat{
		engine:   e,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (h *heartbeat) start() {
	if !h.started.CompareAndSwap(false, true) {
		return
	}
	h.engine.errorBus.Publish(event.NewErrorEvent(
		event.InfoSeverity,
		event.CodeHealthCheck,
		"engine:heartbeat",
		"Heartbeat started",
	).WithContext("interval", h.interval.String()))

	go h.run()
}

func (h *heartbeat) run() {
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.beat()
		}
	}
}

// beat records a snapshot and publishes it as a HEALTH_CHECK event.
func (h *heartbeat) beat() {
	e := h.engine
	snap := e.CaptureSnapshot()
	e.recorder.Record(snap)
	e.metrics.SetQueueDepth("timing", snap.TimingQueue)

	evt := event.NewErrorEvent(
		event.DebugSeverity,
		event.CodeHealthCheck,
		"engine:heartbeat",
		"Scheduler health",
	).WithContext("timing_queue", snap.TimingQueue).
		WithContext("clock_mode", snap.ClockMode).
		WithContext("clock_time", clock.ToDuration(snap.ClockTime).String()).
		WithContext("clock_speed", snap.ClockSpeed).
		WithContext("goroutines", snap.NumGoroutine)

	if snap.WorkerQueue >= 0 {
		e.metrics.SetQueueDepth("worker", snap.WorkerQueue)
		evt = evt.WithContext("worker_queue", snap.WorkerQueue)
	}
	if e.soft != nil {
		evt = evt.WithContext("annulled_lateness", snap.Annulled.String())
	}

	e.errorBus.Publish(evt)
}

// stop ends the heartbeat and waits for its goroutine. Safe before start.
func (h *heartbeat) stop() {
	h.cancel()
	if h.started.Load() {
		<-h.done
	}
}
