package event

import (
	"fmt"
	"time"

	"github.com/go-json-experiment/json"
)

// ErrorEvent represents a scheduler error, warning, or lifecycle signal.
// These events flow through a dedicated error bus, separate from task
// execution, so observing scheduler health never slows it down.
type ErrorEvent struct {
	// Severity indicates log level and urgency
	Severity ErrorSeverity

	// Signal indicates control intent (separate from severity for routing)
	Signal ControlSignal

	// Code is a terse, stable identifier (e.g., "TASK_PANIC")
	Code string

	// Message is human-readable description
	Message string

	// Component identifies the source (e.g., "sched:timing", "clock:soft")
	Component string

	// Timestamp when the error occurred
	Timestamp time.Time

	// Context provides additional structured data
	Context map[string]any

	// Recoverable indicates if the system can continue operating
	Recoverable bool
}

// ErrorSeverity represents the severity level of an error event.
// Maps to standard log levels for easy integration with logging systems.
type ErrorSeverity int

const (
	DebugSeverity    ErrorSeverity = iota // Verbose debugging info
	InfoSeverity                          // Informational (e.g., "scheduler started")
	WarningSeverity                       // Warning but not critical
	Error                                 // Error but recoverable
	CriticalSeverity                      // Critical, may cause crash
)

func (s ErrorSeverity) String() string {
	switch s {
	case DebugSeverity:
		return "DEBUG"
	case InfoSeverity:
		return "INFO"
	case WarningSeverity:
		return "WARNING"
	case Error:
		return "ERROR"
	case CriticalSeverity:
		return "CRITICAL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// MarshalText encodes the severity by name.
func (s ErrorSeverity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ControlSignal represents a routing intent separate from severity.
type ControlSignal int

const (
	SignalNone      ControlSignal = iota // No control signal
	SignalLate                           // Task ran or clock advanced behind schedule
	SignalCancelled                      // Task cancelled instead of run
	SignalRejected                       // Worker binding refused a submission
	SignalStopped                        // Scheduler stopped
)

func (s ControlSignal) String() string {
	switch s {
	case SignalNone:
		return "NONE"
	case SignalLate:
		return "LATE"
	case SignalCancelled:
		return "CANCELLED"
	case SignalRejected:
		return "REJECTED"
	case SignalStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// MarshalText encodes the signal by name.
func (s ControlSignal) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Error Code Constants
//
// These are terse, refactor-stable codes for common conditions.
// They survive code changes better than string messages.
const (
	// Tasks
	CodeTaskPanic      = "TASK_PANIC"      // Run or OnCancel panicked
	CodeTaskCancelled  = "TASK_CANCELLED"  // Task cancelled (shutdown or rejection)
	CodeSubmitRejected = "SUBMIT_REJECTED" // Worker binding refused a callback

	// Clocks
	CodeLatenessForgiven = "LATENESS_FORGIVEN" // Soft clock forgave part of a lateness

	// Lifecycle
	CodeSchedulerStart = "SCHEDULER_START" // Scheduler goroutine started
	CodeSchedulerStop  = "SCHEDULER_STOP"  // Scheduler stopped

	// System Health
	CodeHealthCheck = "HEALTH_CHECK" // Periodic health check
)

// NewErrorEvent creates an error event with timestamp set to now.
func NewErrorEvent(severity ErrorSeverity, code, component, message string) ErrorEvent {
	return ErrorEvent{
		Severity:    severity,
		Signal:      SignalNone,
		Code:        code,
		Component:   component,
		Message:     message,
		Timestamp:   time.Now(),
		Context:     make(map[string]any),
		Recoverable: true,
	}
}

// WithSignal adds a control signal to the error event.
func (e ErrorEvent) WithSignal(signal ControlSignal) ErrorEvent {
	e.Signal = signal
	return e
}

// WithContext adds a context key-value pair. The map is copied, so events
// derived from a shared template do not alias each other.
func (e ErrorEvent) WithContext(key string, value any) ErrorEvent {
	ctx := make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		ctx[k] = v
	}
	ctx[key] = value
	e.Context = ctx
	return e
}

// WithRecoverable sets whether this error is recoverable.
func (e ErrorEvent) WithRecoverable(recoverable bool) ErrorEvent {
	e.Recoverable = recoverable
	return e
}

// String returns a formatted string representation of the error event.
func (e ErrorEvent) String() string {
	return fmt.Sprintf("[%s] %s: %s - %s (component=%s, recoverable=%t)",
		e.Severity, e.Code, e.Message, e.Signal, e.Component, e.Recoverable)
}

type errorEventJSON struct {
	Severity    ErrorSeverity  `json:"severity"`
	Signal      ControlSignal  `json:"signal"`
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Component   string         `json:"component"`
	Timestamp   time.Time      `json:"timestamp"`
	Context     map[string]any `json:"context,omitempty"`
	Recoverable bool           `json:"recoverable"`
}

// MarshalJSON encodes the event with named severity and signal and sorted
// context keys.
func (e ErrorEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(errorEventJSON(e), json.Deterministic(true))
}
