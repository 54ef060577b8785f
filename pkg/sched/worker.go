package sched

import (
	"errors"

	"github.com/google/uuid"

	"github.com/BYTE-6D65/tempo/pkg/clock"
	"github.com/BYTE-6D65/tempo/pkg/telemetry"
)

var (
	// ErrNotWorkerThread is the panic value of CheckIsWorkerThread.
	ErrNotWorkerThread = errors.New("sched: not on the worker thread")

	// ErrOnWorkerThread is the panic value of CheckIsNotWorkerThread.
	ErrOnWorkerThread = errors.New("sched: on the worker thread")
)

// Binding connects a WorkerScheduler to the platform's worker thread.
type Binding interface {
	// Post arranges for fn to run later on the worker thread. It must not
	// block. It may fail (or panic) when the platform refuses the callback.
	Post(fn func()) error

	// IsWorkerThread reports whether the caller is the worker thread.
	IsWorkerThread() bool
}

// WorkerScheduler runs tasks on a Binding's worker thread, at a given time,
// exactly once. Anything that has to wait goes through a TimingScheduler;
// the worker thread never blocks on scheduling.
type WorkerScheduler struct {
	binding Binding
	timing  *TimingScheduler
	obs     *observer
}

// NewWorkerScheduler bridges binding and timing. handler receives panics
// from task bodies running on the worker thread.
func NewWorkerScheduler(binding Binding, timing *TimingScheduler, handler ExceptionHandler, opts ...Option) (*WorkerScheduler, error) {
	if binding == nil {
		return nil, ErrNilBinding
	}
	if timing == nil {
		return nil, ErrNilScheduler
	}
	if handler == nil {
		return nil, ErrNilHandler
	}

	return &WorkerScheduler{
		binding: binding,
		timing:  timing,
		obs:     newObserver("worker", buildOptions("worker", opts), handler),
	}, nil
}

// Clock returns the timing scheduler's clock.
func (w *WorkerScheduler) Clock() clock.Clock {
	return w.timing.Clock()
}

// Timing returns the underlying timing scheduler.
func (w *WorkerScheduler) Timing() *TimingScheduler {
	return w.timing
}

// Execute runs task on the worker thread as soon as possible. Tasks
// submitted from one goroutine run in submission order.
func (w *WorkerScheduler) Execute(task Task) {
	if task == nil {
		return
	}
	w.obs.metrics.Submitted(w.obs.name, telemetry.KindASAP)

	if w.obs.funnel {
		w.timing.Execute(&relay{w: w, task: task})
		return
	}
	w.post(task, w.Clock().TimeNanos(), w.currentThread())
}

// ExecuteAtNs runs task on the worker thread once the clock reaches t.
func (w *WorkerScheduler) ExecuteAtNs(task Task, t clock.MonoTime) {
	if task == nil {
		return
	}
	w.obs.metrics.Submitted(w.obs.name, telemetry.KindTimed)
	w.timing.ExecuteAtNs(&relay{w: w, task: task}, t)
}

// relay is the timing-side half of a worker task: when due it posts the
// task body to the worker thread.
type relay struct {
	w    *WorkerScheduler
	task Task
}

func (r *relay) Run(ec *ExecContext) {
	r.w.post(r.task, ec.TheoreticalNanos(), TimingThread)
}

func (r *relay) OnCancel() {
	r.w.obs.cancelled(r.w.taskID(), telemetry.ReasonStopped, nil)
	Cancel(r.task, r.w.currentThread(), r.w.obs.report)
}

// post hands task to the binding; a refusal cancels it on the spot.
func (w *WorkerScheduler) post(task Task, theoretical clock.MonoTime, thread Thread) {
	body := func() { w.runOnWorker(task, theoretical) }

	outcome, err := Handoff(task, func() error { return w.binding.Post(body) }, thread, w.obs.report)
	if outcome == Rejected {
		w.obs.cancelled(w.taskID(), telemetry.ReasonRejected, err)
	}
}

func (w *WorkerScheduler) runOnWorker(task Task, theoretical clock.MonoTime) {
	ec := newExecContext(theoretical, w.Clock().TimeNanos())
	timer := telemetry.NewTimer()
	Invoke(task, ec, WorkerThread, w.obs.report)
	w.obs.metrics.Ran(w.obs.name, ec.Lateness(), timer.Elapsed())

	if next, ok := ec.NextTheoreticalNanos(); ok {
		w.obs.metrics.Submitted(w.obs.name, telemetry.KindTimed)
		w.timing.ExecuteAtNs(&relay{w: w, task: task}, next)
	}
}

func (w *WorkerScheduler) taskID() string {
	if w.obs.bus == nil {
		return ""
	}
	return uuid.NewString()
}

func (w *WorkerScheduler) currentThread() Thread {
	switch {
	case w.binding.IsWorkerThread():
		return WorkerThread
	case w.timing.IsTimingThread():
		return TimingThread
	default:
		return CallerThread
	}
}

// IsWorkerThread reports whether the caller is the worker thread.
func (w *WorkerScheduler) IsWorkerThread() bool {
	return w.binding.IsWorkerThread()
}

// CheckIsWorkerThread panics with ErrNotWorkerThread off the worker thread.
func (w *WorkerScheduler) CheckIsWorkerThread() {
	if !w.binding.IsWorkerThread() {
		panic(ErrNotWorkerThread)
	}
}

// CheckIsNotWorkerThread panics with ErrOnWorkerThread on the worker thread.
func (w *WorkerScheduler) CheckIsNotWorkerThread() {
	if w.binding.IsWorkerThread() {
		panic(ErrOnWorkerThread)
	}
}
