package sched

import (
	"errors"
	"fmt"

	"github.com/BYTE-6D65/tempo/pkg/event"
	"github.com/BYTE-6D65/tempo/pkg/telemetry"
)

var (
	// ErrNilHandler is returned when a scheduler is built without an ExceptionHandler.
	ErrNilHandler = errors.New("sched: nil exception handler")

	// ErrNilBinding is returned when a WorkerScheduler is built without a Binding.
	ErrNilBinding = errors.New("sched: nil worker binding")

	// ErrNilScheduler is returned when a WorkerScheduler is built without a TimingScheduler.
	ErrNilScheduler = errors.New("sched: nil timing scheduler")

	// ErrSchedulerStopped is returned by Start once the scheduler was stopped.
	ErrSchedulerStopped = errors.New("sched: scheduler stopped")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("sched: scheduler already started")
)

// Option configures a TimingScheduler or WorkerScheduler.
type Option func(*options)

type options struct {
	name    string
	bus     *event.ErrorBus
	metrics *telemetry.Metrics
	funnel  bool
}

// WithName sets the scheduler label used in metrics and events.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithErrorBus publishes lifecycle, cancellation and panic events to bus.
func WithErrorBus(bus *event.ErrorBus) Option {
	return func(o *options) {
		o.bus = bus
	}
}

// WithMetrics records scheduler metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithFunnel routes WorkerScheduler.Execute through the timing goroutine
// instead of posting to the binding from the caller. Ignored by
// TimingScheduler.
func WithFunnel(funnel bool) Option {
	return func(o *options) {
		o.funnel = funnel
	}
}

func buildOptions(defaultName string, opts []Option) options {
	o := options{name: defaultName}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// observer fans scheduler incidents out to the handler, the error bus and
// metrics.
type observer struct {
	options
	component string
	handler   ExceptionHandler
}

func newObserver(kind string, o options, handler ExceptionHandler) *observer {
	return &observer{
		options:   o,
		component: fmt.Sprintf("sched:%s:%s", kind, o.name),
		handler:   handler,
	}
}

// report is the ExceptionHandler passed to Invoke/Cancel/Handoff.
func (o *observer) report(thread Thread, err error) {
	o.metrics.Panicked(o.name, thread.String())
	o.bus.Publish(event.NewErrorEvent(event.Error, event.CodeTaskPanic, o.component, err.Error()).
		WithContext("thread", thread.String()))
	o.callHandler(thread, err)
}

func (o *observer) callHandler(thread Thread, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.bus.Publish(event.NewErrorEvent(event.CriticalSeverity, event.CodeTaskPanic, o.component,
				fmt.Sprintf("exception handler panicked: %v", r)).
				WithContext("thread", thread.String()))
		}
	}()
	o.handler(thread, err)
}

func (o *observer) cancelled(taskID, reason string, cause error) {
	o.metrics.Cancelled(o.name, reason)
	if o.bus == nil {
		return
	}

	code, signal := event.CodeTaskCancelled, event.SignalCancelled
	if reason == telemetry.ReasonRejected {
		code, signal = event.CodeSubmitRejected, event.SignalRejected
	}
	msg := "task cancelled: " + reason
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	o.bus.Publish(event.NewErrorEvent(event.WarningSeverity, code, o.component, msg).
		WithSignal(signal).
		WithContext("task_id", taskID))
}
