package engine

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/BYTE-6D65/tempo/pkg/clock"
)

// Config holds all tunable parameters for the engine.
// Values can be set via:
//  1. Code (programmatic configuration)
//  2. Environment variables (TEMPO_*)
//
// Precedence: Code > Env Vars > Defaults
type Config struct {
	// Clocks
	Speed             float64       `env:"TEMPO_SPEED" default:"1.0"`                // Hard clock speed relative to real time
	Virtual           bool          `env:"TEMPO_VIRTUAL" default:"false"`            // Schedule against a soft clock over the hard clock
	AFAP              bool          `env:"TEMPO_AFAP" default:"false"`               // Soft clock with no hard clock: never sleep
	LatenessThreshold time.Duration `env:"TEMPO_LATENESS_THRESHOLD" default:"200ms"` // Soft clock lateness before forgiveness

	// Schedulers
	FunnelASAP     bool `env:"TEMPO_FUNNEL_ASAP" default:"false"`     // Route worker ASAP tasks through the timing goroutine
	WorkerQueueMax int  `env:"TEMPO_WORKER_QUEUE_MAX" default:"4096"` // Pending worker callbacks, 0 = unbounded

	// Observability
	ErrorBusBufferSize int           `env:"TEMPO_ERROR_BUS_BUFFER" default:"32"`      // Error event buffer per sub
	MetricsEnabled     bool          `env:"TEMPO_METRICS" default:"true"`             // Record prometheus metrics
	HealthInterval     time.Duration `env:"TEMPO_HEALTH_INTERVAL" default:"5s"`       // Heartbeat period, 0 = off
	FlightRecorderSize int           `env:"TEMPO_FLIGHT_RECORDER_SIZE" default:"100"` // Heartbeat snapshots kept
}

// DefaultConfig returns the default configuration: a real-time hard clock,
// direct worker posting and metrics on a private registry.
func DefaultConfig() Config {
	return Config{
		// Clocks
		Speed:             1.0,
		Virtual:           false,
		AFAP:              false,
		LatenessThreshold: clock.DefaultLatenessThreshold,

		// Schedulers
		FunnelASAP:     false,
		WorkerQueueMax: 4096,

		// Observability
		ErrorBusBufferSize: 32,
		MetricsEnabled:     true,
		HealthInterval:     5 * time.Second,
		FlightRecorderSize: 100,
	}
}

// LoadFromEnv loads configuration from environment variables.
// Returns a Config with defaults, overridden by any TEMPO_* env vars found.
func LoadFromEnv() (Config, error) {
	cfg := DefaultConfig()

	// Clocks
	if v := os.Getenv("TEMPO_SPEED"); v != "" {
		if speed, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Speed = speed
		}
	}
	if v := os.Getenv("TEMPO_VIRTUAL"); v != "" {
		cfg.Virtual = parseBool(v)
	}
	if v := os.Getenv("TEMPO_AFAP"); v != "" {
		cfg.AFAP = parseBool(v)
	}
	if v := os.Getenv("TEMPO_LATENESS_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LatenessThreshold = d
		}
	}

	// Schedulers
	if v := os.Getenv("TEMPO_FUNNEL_ASAP"); v != "" {
		cfg.FunnelASAP = parseBool(v)
	}
	if v := os.Getenv("TEMPO_WORKER_QUEUE_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.WorkerQueueMax = n
		}
	}

	// Observability
	if v := os.Getenv("TEMPO_ERROR_BUS_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ErrorBusBufferSize = n
		}
	}
	if v := os.Getenv("TEMPO_METRICS"); v != "" {
		cfg.MetricsEnabled = parseBool(v)
	}
	if v := os.Getenv("TEMPO_HEALTH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HealthInterval = d
		}
	}
	if v := os.Getenv("TEMPO_FLIGHT_RECORDER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.FlightRecorderSize = n
		}
	}

	return cfg, cfg.Validate()
}

func parseBool(v string) bool {
	return v == "true" || v == "1"
}

// Validate checks that configuration values are sensible.
func (c *Config) Validate() error {
	if math.IsNaN(c.Speed) {
		return fmt.Errorf("speed must be a number: %w", clock.ErrInvalidSpeed)
	}

	if c.LatenessThreshold < 0 {
		return fmt.Errorf("lateness threshold must be >= 0, got %s", c.LatenessThreshold)
	}

	if c.WorkerQueueMax < 0 {
		return fmt.Errorf("worker queue max must be >= 0, got %d", c.WorkerQueueMax)
	}

	if c.ErrorBusBufferSize <= 0 {
		return fmt.Errorf("error bus buffer must be > 0, got %d", c.ErrorBusBufferSize)
	}

	if c.HealthInterval < 0 {
		return fmt.Errorf("health interval must be >= 0, got %s", c.HealthInterval)
	}

	if c.FlightRecorderSize <= 0 {
		return fmt.Errorf("flight recorder size must be > 0, got %d", c.FlightRecorderSize)
	}

	return nil
}

// String returns a human-readable summary of the configuration.
func (c *Config) String() string {
	return fmt.Sprintf(`Tempo Configuration:
  Clock:
    Mode:      %s
    Speed:     %gx
    Lateness:  %s

  Schedulers:
    Funnel ASAP:  %t
    Worker Queue: %s

  Observability:
    Error Bus Buffer: %d
    Metrics:          %t
    Health Interval:  %s
    Flight Recorder:  %d snapshots
`,
		c.ClockMode(),
		c.Speed,
		c.LatenessThreshold,
		c.FunnelASAP,
		formatQueueLimit(c.WorkerQueueMax),
		c.ErrorBusBufferSize,
		c.MetricsEnabled,
		formatInterval(c.HealthInterval),
		c.FlightRecorderSize,
	)
}

// ClockMode names the clock the schedulers run against: "afap", "virtual"
// or "hard".
func (c *Config) ClockMode() string {
	switch {
	case c.AFAP:
		return "afap"
	case c.Virtual:
		return "virtual"
	default:
		return "hard"
	}
}

func formatQueueLimit(n int) string {
	if n == 0 {
		return "unbounded"
	}
	return strconv.Itoa(n)
}

func formatInterval(d time.Duration) string {
	if d == 0 {
		return "off"
	}
	return d.String()
}
