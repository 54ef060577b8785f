package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for tempo schedulers and clocks.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Scheduler Metrics
	TasksSubmitted *prometheus.CounterVec
	TasksRun       *prometheus.CounterVec
	TasksCancelled *prometheus.CounterVec
	TaskPanics     *prometheus.CounterVec
	TaskLateness   *prometheus.HistogramVec
	RunDuration    *prometheus.HistogramVec
	QueueDepth     *prometheus.GaugeVec

	// Clock Metrics
	LatenessForgiven *prometheus.CounterVec
	AnnulledLateness *prometheus.GaugeVec
}

// Label values for Metrics.
const (
	KindASAP  = "asap"
	KindTimed = "timed"

	ReasonStopped  = "stopped"
	ReasonRejected = "rejected"
)

// Buckets: 1µs, 10µs, 100µs, 1ms, 5ms, 10ms, 50ms, 100ms, 500ms, 1s
var latencyBuckets = []float64{
	0.000001,
	0.00001,
	0.0001,
	0.001,
	0.005,
	0.01,
	0.05,
	0.1,
	0.5,
	1,
}

// InitMetrics registers the metrics on registry. A nil registry means
// prometheus.DefaultRegisterer; registering twice on the same registry panics.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		TasksSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempo_tasks_submitted_total",
				Help: "Total number of tasks submitted to a scheduler",
			},
			[]string{"scheduler", "kind"},
		),

		TasksRun: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempo_tasks_run_total",
				Help: "Total number of task executions",
			},
			[]string{"scheduler"},
		),

		TasksCancelled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempo_tasks_cancelled_total",
				Help: "Total number of tasks cancelled instead of run",
			},
			[]string{"scheduler", "reason"},
		),

		TaskPanics: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempo_task_panics_total",
				Help: "Total number of panics recovered from task bodies",
			},
			[]string{"scheduler", "thread"},
		),

		TaskLateness: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tempo_task_lateness_seconds",
				Help:    "Delay between a task's theoretical and actual start, in clock time",
				Buckets: latencyBuckets,
			},
			[]string{"scheduler"},
		),

		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tempo_task_run_duration_seconds",
				Help:    "Wall time spent inside task bodies",
				Buckets: latencyBuckets,
			},
			[]string{"scheduler"},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tempo_scheduler_queue_depth",
				Help: "Tasks waiting in a scheduler queue",
			},
			[]string{"scheduler"},
		),

		LatenessForgiven: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempo_lateness_forgiven_total",
				Help: "Number of soft clock lateness events partially forgiven",
			},
			[]string{"clock"},
		),

		AnnulledLateness: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tempo_annulled_lateness_seconds",
				Help: "Current forgiven lateness credit of a soft clock",
			},
			[]string{"clock"},
		),
	}
}

// Submitted counts a submission of the given kind.
func (m *Metrics) Submitted(scheduler, kind string) {
	if m == nil {
		return
	}
	m.TasksSubmitted.WithLabelValues(scheduler, kind).Inc()
}

// Ran records one execution with its lateness and run time.
func (m *Metrics) Ran(scheduler string, lateness, took time.Duration) {
	if m == nil {
		return
	}
	m.TasksRun.WithLabelValues(scheduler).Inc()
	if lateness < 0 {
		lateness = 0
	}
	m.TaskLateness.WithLabelValues(scheduler).Observe(lateness.Seconds())
	m.RunDuration.WithLabelValues(scheduler).Observe(took.Seconds())
}

// Cancelled counts a cancellation.
func (m *Metrics) Cancelled(scheduler, reason string) {
	if m == nil {
		return
	}
	m.TasksCancelled.WithLabelValues(scheduler, reason).Inc()
}

// Panicked counts a recovered panic on thread.
func (m *Metrics) Panicked(scheduler, thread string) {
	if m == nil {
		return
	}
	m.TaskPanics.WithLabelValues(scheduler, thread).Inc()
}

// SetQueueDepth publishes the current queue length.
func (m *Metrics) SetQueueDepth(scheduler string, n int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(scheduler).Set(float64(n))
}

// Forgiven records a soft clock lateness event and the resulting credit.
func (m *Metrics) Forgiven(clock string, credit time.Duration) {
	if m == nil {
		return
	}
	m.LatenessForgiven.WithLabelValues(clock).Inc()
	m.AnnulledLateness.WithLabelValues(clock).Set(credit.Seconds())
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Observe records the elapsed time in seconds to the given histogram.
func (t *Timer) Observe(histogram prometheus.Observer) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Elapsed returns the time elapsed since the timer started.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}
