package worker

import (
	"context"
	"errors"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/BYTE-6D65/tempo/pkg/lifecycle"
)

var (
	// ErrLoopAlreadyRunning is returned when Run is called twice.
	ErrLoopAlreadyRunning = errors.New("worker: loop is already running")

	// ErrLoopNotRunning is returned by Post before Run or Start.
	ErrLoopNotRunning = errors.New("worker: loop is not running")

	// ErrLoopTerminated is returned by Post once shutdown has begun.
	ErrLoopTerminated = errors.New("worker: loop has been terminated")

	// ErrLoopOverloaded is returned by Post when the queue limit is reached.
	ErrLoopOverloaded = errors.New("worker: loop is overloaded")
)

// PanicHandler receives a value recovered from a posted callback.
type PanicHandler func(value any, stack []byte)

// Loop is a worker thread: one goroutine running posted callbacks in FIFO
// order. It satisfies the binding required by sched.WorkerScheduler.
type Loop struct {
	mu    sync.Mutex
	queue []func()
	limit int

	wake    chan struct{}
	stop    chan struct{}
	stopped sync.Once

	state   *lifecycle.Machine
	gid     atomic.Uint64
	onPanic PanicHandler
}

// Option configures a Loop.
type Option func(*Loop)

// WithQueueLimit bounds the number of pending callbacks. Zero means unbounded.
func WithQueueLimit(n int) Option {
	return func(l *Loop) {
		l.limit = n
	}
}

// WithPanicHandler sets the handler for panicking callbacks. The default
// logs the panic; the loop survives either way.
func WithPanicHandler(h PanicHandler) Option {
	return func(l *Loop) {
		l.onPanic = h
	}
}

// NewLoop creates a loop. It accepts callbacks once running.
func NewLoop(opts ...Option) *Loop {
	l := &Loop{
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		state: lifecycle.New(),
		onPanic: func(v any, stack []byte) {
			log.Printf("ERROR: worker: callback panicked: %v\n%s", v, stack)
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start runs the loop on a new goroutine and returns once it is accepting
// work on that goroutine.
func (l *Loop) Start() error {
	ready := make(chan error, 1)
	go func() {
		_ = l.run(context.Background(), ready)
	}()
	return <-ready
}

// Run makes the calling goroutine the worker thread until ctx is cancelled
// or Shutdown is called. Pending callbacks are drained before it returns.
func (l *Loop) Run(ctx context.Context) error {
	return l.run(ctx, nil)
}

func (l *Loop) run(ctx context.Context, ready chan<- error) error {
	if _, err := l.state.Trigger(ctx, lifecycle.Start); err != nil {
		if l.state.Is(lifecycle.Running) {
			err = ErrLoopAlreadyRunning
		} else {
			err = ErrLoopTerminated
		}
		if ready != nil {
			ready <- err
		}
		return err
	}

	l.gid.Store(GoroutineID())
	if ready != nil {
		ready <- nil
	}

	for {
		for l.runBatch() {
		}

		select {
		case <-l.wake:
		case <-l.stop:
			l.drain(ctx)
			return nil
		case <-ctx.Done():
			l.beginStop(ctx)
			l.drain(ctx)
			return ctx.Err()
		}
	}
}

// drain runs whatever was accepted before the stop transition.
func (l *Loop) drain(ctx context.Context) {
	for l.runBatch() {
	}
	l.gid.Store(0)
	l.state.Trigger(ctx, lifecycle.Drained)
}

// runBatch runs the callbacks queued so far and reports whether there were any.
func (l *Loop) runBatch() bool {
	l.mu.Lock()
	batch := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, fn := range batch {
		l.safeExecute(fn)
	}
	return len(batch) > 0
}

func (l *Loop) safeExecute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if l.onPanic != nil {
				l.onPanic(r, debug.Stack())
			}
		}
	}()
	fn()
}

// Post queues fn to run on the worker goroutine. It never blocks.
func (l *Loop) Post(fn func()) error {
	if fn == nil {
		return nil
	}

	// State check and enqueue are atomic with beginStop
	l.mu.Lock()
	switch l.state.Current() {
	case lifecycle.Idle:
		l.mu.Unlock()
		return ErrLoopNotRunning
	case lifecycle.Stopping, lifecycle.Stopped:
		l.mu.Unlock()
		return ErrLoopTerminated
	}
	if l.limit > 0 && len(l.queue) >= l.limit {
		l.mu.Unlock()
		return ErrLoopOverloaded
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// IsWorkerThread reports whether the caller is the loop goroutine.
func (l *Loop) IsWorkerThread() bool {
	id := l.gid.Load()
	return id != 0 && id == GoroutineID()
}

// Len returns the number of pending callbacks.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// State returns the loop's lifecycle state.
func (l *Loop) State() lifecycle.State {
	return l.state.Current()
}

func (l *Loop) beginStop(ctx context.Context) {
	l.mu.Lock()
	l.state.Trigger(ctx, lifecycle.Stop)
	l.mu.Unlock()
	l.stopped.Do(func() { close(l.stop) })
}

// Shutdown stops accepting callbacks and waits until the pending ones have
// run or ctx is done. Calling it from the worker goroutine does not wait.
func (l *Loop) Shutdown(ctx context.Context) error {
	l.beginStop(ctx)
	if l.IsWorkerThread() {
		return nil
	}

	select {
	case <-l.state.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
