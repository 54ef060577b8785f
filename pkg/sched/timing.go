package sched

import (
	"container/heap"
	"context"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/BYTE-6D65/tempo/pkg/clock"
	"github.com/BYTE-6D65/tempo/pkg/event"
	"github.com/BYTE-6D65/tempo/pkg/lifecycle"
	"github.com/BYTE-6D65/tempo/pkg/telemetry"
	"github.com/BYTE-6D65/tempo/pkg/worker"
)

// maxSleepSlice bounds one wait of the timing goroutine so clocks that
// cannot notify (e.g. a TrackingClock refitting its Truer) are re-read.
const maxSleepSlice = 100 * time.Millisecond

type entry struct {
	task   Task
	target clock.MonoTime
	seq    uint64
	asap   bool
	id     string
	index  int
}

// taskQueue is a min-heap ordered by (target, seq).
type taskQueue []*entry

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].target != q[j].target {
		return q[i].target < q[j].target
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// TimingScheduler owns one goroutine (locked to an OS thread) that runs
// tasks in time order once its clock reaches their target.
//
// With a *clock.SoftClock the goroutine is the soft clock's driver: it waits
// for RealWait and then sets the target, so lateness forgiveness applies.
// While it waits the soft clock follows its hard clock, so Clock().TimeNanos()
// stays current and idle time is never booked as lateness.
// With any other clock it sleeps for the real time the clock chain needs to
// reach the target. Clock modifications anywhere in the chain wake the wait.
type TimingScheduler struct {
	clk  clock.Clock
	soft *clock.SoftClock
	obs  *observer

	mu       sync.Mutex
	queue    taskQueue
	seq      uint64
	lastASAP clock.MonoTime
	state    *lifecycle.Machine

	wake     chan struct{}
	modified chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	gid       atomic.Uint64
	listener  *chainListener
	listening []clock.ListenableClock
}

// chainListener forwards clock modifications to the timing goroutine.
type chainListener struct {
	modified chan<- struct{}
}

func (l *chainListener) ClockModified(clock.Clock) {
	select {
	case l.modified <- struct{}{}:
	default:
	}
}

// NewTimingScheduler creates a stopped scheduler over clk. Tasks may be
// queued before Start.
func NewTimingScheduler(clk clock.Clock, handler ExceptionHandler, opts ...Option) (*TimingScheduler, error) {
	if clk == nil {
		return nil, clock.ErrNilClock
	}
	if handler == nil {
		return nil, ErrNilHandler
	}

	o := buildOptions("timing", opts)
	s := &TimingScheduler{
		clk:      clk,
		obs:      newObserver("timing", o, handler),
		state:    lifecycle.New(),
		lastASAP: math.MinInt64,
		wake:     make(chan struct{}, 1),
		modified: make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	s.soft, _ = clk.(*clock.SoftClock)
	s.listener = &chainListener{modified: s.modified}
	s.state.OnTransition(s.publishTransition)
	return s, nil
}

func (s *TimingScheduler) publishTransition(ctx context.Context, from, to lifecycle.State, ev lifecycle.Event) {
	switch to {
	case lifecycle.Running:
		s.obs.bus.Publish(event.NewErrorEvent(event.InfoSeverity, event.CodeSchedulerStart, s.obs.component, "timing scheduler started"))
	case lifecycle.Stopped:
		s.obs.bus.Publish(event.NewErrorEvent(event.InfoSeverity, event.CodeSchedulerStop, s.obs.component, "timing scheduler stopped").
			WithSignal(event.SignalStopped).
			WithContext("from", string(from)))
	}
}

// Clock returns the scheduler's clock.
func (s *TimingScheduler) Clock() clock.Clock {
	return s.clk
}

// Start launches the timing goroutine. It returns once the goroutine runs.
func (s *TimingScheduler) Start() error {
	s.mu.Lock()
	_, err := s.state.Trigger(context.Background(), lifecycle.Start)
	s.mu.Unlock()
	if err != nil {
		if s.state.Is(lifecycle.Running) {
			return ErrAlreadyStarted
		}
		return ErrSchedulerStopped
	}

	ready := make(chan struct{})
	go s.loop(ready)
	<-ready
	return nil
}

// State returns the scheduler's lifecycle state.
func (s *TimingScheduler) State() lifecycle.State {
	return s.state.Current()
}

// IsTimingThread reports whether the caller is the timing goroutine.
func (s *TimingScheduler) IsTimingThread() bool {
	id := s.gid.Load()
	return id != 0 && id == worker.GoroutineID()
}

// Len returns the number of queued tasks.
func (s *TimingScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Execute queues task to run as soon as possible. ASAP tasks run in
// submission order.
func (s *TimingScheduler) Execute(task Task) {
	if task == nil {
		return
	}
	s.obs.metrics.Submitted(s.obs.name, telemetry.KindASAP)
	s.enqueue(task, s.clk.TimeNanos(), true)
}

// ExecuteAtNs queues task to run once the clock reaches t. Tasks with equal
// targets run in submission order.
func (s *TimingScheduler) ExecuteAtNs(task Task, t clock.MonoTime) {
	if task == nil {
		return
	}
	s.obs.metrics.Submitted(s.obs.name, telemetry.KindTimed)
	s.enqueue(task, t, false)
}

func (s *TimingScheduler) enqueue(task Task, target clock.MonoTime, asap bool) {
	var id string
	if s.obs.bus != nil {
		id = uuid.NewString()
	}

	s.mu.Lock()
	if s.state.Is(lifecycle.Stopping, lifecycle.Stopped) {
		s.mu.Unlock()
		s.obs.cancelled(id, telemetry.ReasonStopped, ErrSchedulerStopped)
		Cancel(task, s.currentThread(), s.obs.report)
		return
	}

	if asap {
		// Keeps ASAP entries FIFO even when the clock runs backward
		target = max(target, s.lastASAP)
		s.lastASAP = target
	}

	e := &entry{task: task, target: target, seq: s.seq, asap: asap, id: id}
	s.seq++
	heap.Push(&s.queue, e)
	head := s.queue[0] == e
	depth := len(s.queue)
	s.mu.Unlock()

	s.obs.metrics.SetQueueDepth(s.obs.name, depth)
	if head {
		signal(s.wake)
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *TimingScheduler) currentThread() Thread {
	if s.IsTimingThread() {
		return TimingThread
	}
	return CallerThread
}

func (s *TimingScheduler) loop(ready chan<- struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s.gid.Store(worker.GoroutineID())
	s.rewire()
	close(ready)

	for {
		e, ok := s.next()
		if !ok {
			break
		}
		s.run(e)
	}

	s.unwire()
	s.drain(TimingThread)
	s.gid.Store(0)
	s.state.Trigger(context.Background(), lifecycle.Drained)
}

// rewire (re)registers the chain listener on every listenable clock of the
// current chain, which may change when a soft clock switches hard clocks.
func (s *TimingScheduler) rewire() {
	s.unwire()
	for _, node := range clock.Chain(s.clk) {
		if lc, ok := node.(clock.ListenableClock); ok {
			lc.AddListener(s.listener)
			s.listening = append(s.listening, lc)
		}
	}
}

func (s *TimingScheduler) unwire() {
	for _, lc := range s.listening {
		lc.RemoveListener(s.listener)
	}
	s.listening = s.listening[:0]
}

// next blocks until the head task is due and pops it. It returns false once
// the scheduler is stopping.
func (s *TimingScheduler) next() (*entry, bool) {
	for {
		s.mu.Lock()
		if !s.state.Is(lifecycle.Running) {
			s.mu.Unlock()
			return nil, false
		}

		wait := maxSleepSlice
		if len(s.queue) > 0 {
			head := s.queue[0]
			if head.asap {
				wait = 0
			} else {
				wait = s.realWait(head.target)
			}
			if wait <= 0 {
				heap.Pop(&s.queue)
				depth := len(s.queue)
				s.mu.Unlock()
				s.obs.metrics.SetQueueDepth(s.obs.name, depth)
				return head, true
			}
		}
		if s.soft != nil {
			// Idle time is not lateness
			s.soft.Follow()
		}
		s.mu.Unlock()

		s.sleep(wait)
	}
}

// realWait returns how long to sleep before target is due; <= 0 means due.
func (s *TimingScheduler) realWait(target clock.MonoTime) time.Duration {
	if s.soft != nil {
		return s.soft.RealWait(target)
	}

	now := s.clk.TimeNanos()
	if target <= now {
		return 0
	}
	speed := clock.AbsoluteSpeed(s.clk)
	switch {
	case math.IsInf(speed, 1):
		return 0
	case math.IsNaN(speed) || speed <= 0:
		// Frozen or reversed: only a clock modification can help
		return math.MaxInt64
	}
	// Never round a pending wait down to zero: tasks must not run early
	return max(clock.UnscaleDurationBySpeed(clock.ToDuration(target-now), speed), time.Nanosecond)
}

func (s *TimingScheduler) sleep(d time.Duration) {
	timer := time.NewTimer(min(d, maxSleepSlice))
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-s.wake:
	case <-s.modified:
		s.rewire()
	case <-s.stop:
	}
}

func (s *TimingScheduler) run(e *entry) {
	if s.soft != nil {
		// Lateness accounting; the soft clock never moves backward here.
		// A hard clock attached since the pop makes the entry wait again.
		if !s.soft.TrySetTime(max(e.target, s.soft.TimeNanos())) {
			s.requeue(e)
			return
		}
	}

	ec := newExecContext(e.target, s.clk.TimeNanos())
	timer := telemetry.NewTimer()
	Invoke(e.task, ec, TimingThread, s.obs.report)
	s.obs.metrics.Ran(s.obs.name, ec.Lateness(), timer.Elapsed())

	if next, ok := ec.NextTheoreticalNanos(); ok {
		s.obs.metrics.Submitted(s.obs.name, telemetry.KindTimed)
		s.enqueue(e.task, next, false)
	}
}

func (s *TimingScheduler) requeue(e *entry) {
	s.mu.Lock()
	heap.Push(&s.queue, e)
	depth := len(s.queue)
	s.mu.Unlock()
	s.obs.metrics.SetQueueDepth(s.obs.name, depth)
}

// drain cancels every queued task. Called once the state forbids enqueues.
func (s *TimingScheduler) drain(thread Thread) {
	s.mu.Lock()
	pending := make([]*entry, 0, len(s.queue))
	for len(s.queue) > 0 {
		pending = append(pending, heap.Pop(&s.queue).(*entry))
	}
	s.mu.Unlock()
	s.obs.metrics.SetQueueDepth(s.obs.name, 0)

	for _, e := range pending {
		s.obs.cancelled(e.id, telemetry.ReasonStopped, nil)
		Cancel(e.task, thread, s.obs.report)
	}
}

// Stop stops the scheduler without waiting. Queued tasks receive OnCancel
// on the timing goroutine (or on the caller if the scheduler never
// started); tasks submitted from now on are cancelled on submission.
func (s *TimingScheduler) Stop() {
	s.mu.Lock()
	to, err := s.state.Trigger(context.Background(), lifecycle.Stop)
	s.mu.Unlock()
	if err != nil {
		return
	}

	if to == lifecycle.Stopped {
		// Never started: nobody else will drain
		s.drain(s.currentThread())
		return
	}
	s.stopOnce.Do(func() { close(s.stop) })
}

// Shutdown stops the scheduler and waits until every queued task was
// cancelled or ctx is done. From the timing goroutine it does not wait.
func (s *TimingScheduler) Shutdown(ctx context.Context) error {
	s.Stop()
	if s.IsTimingThread() {
		return nil
	}

	select {
	case <-s.state.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
