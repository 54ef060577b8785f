package main

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/BYTE-6D65/tempo/pkg/engine"
)

func runDemo(args []string) error {
	cfg, err := engine.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	// The demo always has a soft clock so AFAP can be toggled
	cfg.Virtual = true

	var (
		period time.Duration
		dump   string
	)
	flagSet := pflag.NewFlagSet("tempo demo", pflag.ContinueOnError)
	flagSet.Float64Var(&cfg.Speed, "speed", cfg.Speed, "hard clock speed")
	flagSet.BoolVar(&cfg.AFAP, "afap", cfg.AFAP, "start the soft clock in AFAP mode")
	flagSet.BoolVar(&cfg.FunnelASAP, "funnel", cfg.FunnelASAP, "route ASAP worker tasks through the timing goroutine")
	flagSet.DurationVar(&cfg.LatenessThreshold, "lateness-threshold", cfg.LatenessThreshold, "soft clock lateness threshold")
	flagSet.DurationVar(&period, "tick", 250*time.Millisecond, "tick period in clock time")
	flagSet.DurationVar(&cfg.HealthInterval, "health", cfg.HealthInterval, "heartbeat period, 0 disables")
	flagSet.StringVar(&dump, "dump", "", "write the flight recorder to this file on exit")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if period <= 0 {
		return fmt.Errorf("tick period must be > 0, got %s", period)
	}

	var program *tea.Program
	binding := newTeaBinding(func(msg tea.Msg) { program.Send(msg) })

	eng, err := engine.New(cfg, engine.WithBinding(binding))
	if err != nil {
		return err
	}
	sub, err := eng.ErrorBus().Subscribe(context.Background())
	if err != nil {
		return err
	}

	m := newModel(eng, binding, sub)
	program = tea.NewProgram(m, tea.WithAltScreen())

	if err := eng.Start(); err != nil {
		return err
	}
	eng.Worker().Execute(&tickTask{state: m.state, ws: eng.Worker(), period: period})

	// Program.Run runs the event loop on this goroutine
	binding.bind()
	_, runErr := program.Run()
	binding.close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil && runErr == nil {
		runErr = err
	}

	if dump != "" {
		if err := dumpFlightRecorder(eng, dump); err != nil && runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func dumpFlightRecorder(eng *engine.Engine, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("flight recorder dump: %w", err)
	}
	defer f.Close()
	return eng.FlightRecorder().Dump(f)
}
