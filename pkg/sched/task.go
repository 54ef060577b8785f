package sched

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/BYTE-6D65/tempo/pkg/clock"
)

// Thread identifies the execution role on which a task callback ran.
type Thread int

const (
	// TimingThread is the timing scheduler's goroutine
	TimingThread Thread = iota
	// WorkerThread is the goroutine behind a worker Binding
	WorkerThread
	// CallerThread is any other goroutine, e.g. one submitting after stop
	CallerThread
)

func (t Thread) String() string {
	switch t {
	case TimingThread:
		return "timing"
	case WorkerThread:
		return "worker"
	case CallerThread:
		return "caller"
	default:
		return fmt.Sprintf("thread(%d)", int(t))
	}
}

// ExceptionHandler receives every panic recovered from Run or OnCancel,
// wrapped in a *PanicError. It is called on the goroutine that panicked.
type ExceptionHandler func(thread Thread, err error)

// PanicError wraps a value recovered from a task callback.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("sched: task panicked: %v", e.Value)
}

// Unwrap returns the panic value if it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Task is a unit of work. Exactly one of Run or OnCancel is called for each
// submission.
type Task interface {
	Run(ec *ExecContext)
	OnCancel()
}

// TaskFunc adapts a function to Task with a no-op OnCancel.
type TaskFunc func(ec *ExecContext)

// Run calls f(ec).
func (f TaskFunc) Run(ec *ExecContext) { f(ec) }

// OnCancel does nothing.
func (f TaskFunc) OnCancel() {}

type funcTask struct {
	run    func(ec *ExecContext)
	cancel func()
}

func (t *funcTask) Run(ec *ExecContext) {
	if t.run != nil {
		t.run(ec)
	}
}

func (t *funcTask) OnCancel() {
	if t.cancel != nil {
		t.cancel()
	}
}

// NewTask builds a Task from a run and a cancel function; either may be nil.
func NewTask(run func(ec *ExecContext), cancel func()) Task {
	return &funcTask{run: run, cancel: cancel}
}

// ExecContext describes one execution of a task. A task may request another
// execution by setting a next theoretical time during Run.
type ExecContext struct {
	theoretical clock.MonoTime
	actual      clock.MonoTime

	next    clock.MonoTime
	hasNext bool
}

func newExecContext(theoretical, actual clock.MonoTime) *ExecContext {
	return &ExecContext{theoretical: theoretical, actual: actual}
}

// TheoreticalNanos is the time the task was due.
func (ec *ExecContext) TheoreticalNanos() clock.MonoTime {
	return ec.theoretical
}

// ActualNanos is the scheduler clock's time when the task started.
func (ec *ExecContext) ActualNanos() clock.MonoTime {
	return ec.actual
}

// Lateness is ActualNanos - TheoreticalNanos.
func (ec *ExecContext) Lateness() time.Duration {
	return clock.ToDuration(ec.actual - ec.theoretical)
}

// SetNextTheoreticalNanos asks for the task to run again at t.
func (ec *ExecContext) SetNextTheoreticalNanos(t clock.MonoTime) {
	ec.next = t
	ec.hasNext = true
}

// RepeatAfter asks for the task to run again d after its theoretical time,
// so periodic tasks do not accumulate drift.
func (ec *ExecContext) RepeatAfter(d time.Duration) {
	ec.SetNextTheoreticalNanos(ec.theoretical + clock.FromDuration(d))
}

// ClearNext withdraws a repetition request.
func (ec *ExecContext) ClearNext() {
	ec.hasNext = false
}

// NextTheoreticalNanos returns the requested next time, if any.
func (ec *ExecContext) NextTheoreticalNanos() (clock.MonoTime, bool) {
	return ec.next, ec.hasNext
}

// Outcome reports what happened to a task in one of the helpers below.
type Outcome int

const (
	// Ran: Run was invoked, or the worker binding accepted the task
	Ran Outcome = iota
	// Cancelled: OnCancel was invoked
	Cancelled
	// Rejected: the worker binding refused the task and OnCancel was invoked
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Ran:
		return "ran"
	case Cancelled:
		return "cancelled"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Invoke runs task on the current goroutine. A panic is recovered and
// handed to handler; the outcome is Ran either way.
func Invoke(task Task, ec *ExecContext, thread Thread, handler ExceptionHandler) Outcome {
	guard(thread, handler, func() { task.Run(ec) })
	return Ran
}

// Cancel calls task.OnCancel on the current goroutine, recovering panics.
func Cancel(task Task, thread Thread, handler ExceptionHandler) Outcome {
	guard(thread, handler, task.OnCancel)
	return Cancelled
}

// Handoff calls submit, which must pass the task on (e.g. to a worker
// binding). If submit fails or panics the task is cancelled in place and
// the cause is returned alongside Rejected.
func Handoff(task Task, submit func() error, thread Thread, handler ExceptionHandler) (Outcome, error) {
	if err := trySubmit(submit); err != nil {
		Cancel(task, thread, handler)
		return Rejected, err
	}
	return Ran, nil
}

func trySubmit(submit func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return submit()
}

func guard(thread Thread, handler ExceptionHandler, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			handler(thread, &PanicError{Value: r, Stack: debug.Stack()})
		}
	}()
	fn()
}
