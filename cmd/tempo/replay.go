package main

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/spf13/pflag"

	"github.com/BYTE-6D65/tempo/pkg/clock"
)

// replayRecord is one line of replay output.
type replayRecord struct {
	Index      int     `json:"index"`
	Delta      string  `json:"delta"`
	ClockNanos int64   `json:"clock_ns"`
	WallNanos  int64   `json:"wall_ns"`
	Forgiven   string  `json:"forgiven,omitempty"`
	Annulled   string  `json:"annulled"`
	Rate       float64 `json:"rate,omitzero"`
}

type replayOptions struct {
	deltas    []time.Duration
	speed     float64
	noSleep   bool
	asJSON    bool
	threshold time.Duration
	fit       int // tracking window, 0 disables the rate column
}

func runReplay(args []string, stdout io.Writer) error {
	var (
		opts      replayOptions
		deltaList string
		file      string
	)

	flagSet := pflag.NewFlagSet("tempo replay", pflag.ContinueOnError)
	flagSet.StringVar(&deltaList, "deltas", "", "comma-separated deltas, e.g. 10ms,250ms,1s")
	flagSet.StringVarP(&file, "file", "f", "", "file with one delta per line (- for stdin)")
	flagSet.Float64Var(&opts.speed, "speed", 1.0, "playback speed")
	flagSet.BoolVar(&opts.noSleep, "no-sleep", false, "replay as fast as possible")
	flagSet.BoolVar(&opts.asJSON, "json", false, "print JSON lines")
	flagSet.DurationVar(&opts.threshold, "lateness-threshold", clock.DefaultLatenessThreshold, "soft clock lateness threshold")
	flagSet.IntVar(&opts.fit, "fit", 0, "report the measured playback rate over this many records")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	var err error
	switch {
	case deltaList != "" && file != "":
		return fmt.Errorf("--deltas and --file are mutually exclusive")
	case deltaList != "":
		opts.deltas, err = parseDeltas(strings.NewReader(strings.ReplaceAll(deltaList, ",", "\n")))
	case file == "-":
		opts.deltas, err = parseDeltas(os.Stdin)
	case file != "":
		var f *os.File
		if f, err = os.Open(file); err != nil {
			return err
		}
		defer f.Close()
		opts.deltas, err = parseDeltas(f)
	default:
		return fmt.Errorf("nothing to replay: use --deltas or --file")
	}
	if err != nil {
		return err
	}

	if opts.fit < 0 {
		return fmt.Errorf("--fit must be >= 0, got %d", opts.fit)
	}
	return replay(stdout, opts)
}

// parseDeltas reads one duration per line. Blank lines and lines starting
// with # are skipped.
func parseDeltas(r io.Reader) ([]time.Duration, error) {
	var deltas []time.Duration
	scanner := bufio.NewScanner(r)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		d, err := time.ParseDuration(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("line %d: negative delta %s", line, d)
		}
		deltas = append(deltas, d)
	}
	return deltas, scanner.Err()
}

// replay advances a DeltaClock through opts.deltas, writing one record per
// step.
func replay(w io.Writer, opts replayOptions) error {
	var forgiven time.Duration
	dc := clock.NewDeltaClock(
		clock.WithLatenessThreshold(opts.threshold),
		clock.WithLatenessHook(func(lateness, credit time.Duration) {
			forgiven = lateness
		}))
	dc.Load(0, opts.deltas)
	dc.SetNoSleep(opts.noSleep)
	if opts.speed != 1.0 {
		dc.SetSpeed(opts.speed)
	}

	// Tracks the replayed frame against wall time; its speed is the
	// playback rate actually achieved
	var tracker *clock.TrackingClock
	if opts.fit > 0 {
		truer := clock.NewAffineTruer(max(opts.fit, 2))
		truer.SetMaxDrift(0)
		tracker, _ = clock.NewTrackingClock(clock.NewSystemClock(), truer)
	}

	start := time.Now()
	for i, delta := range opts.deltas {
		forgiven = 0
		dc.Advance()

		rec := replayRecord{
			Index:      i,
			Delta:      delta.String(),
			ClockNanos: int64(dc.TimeNanos()),
			WallNanos:  time.Since(start).Nanoseconds(),
			Annulled:   dc.Soft().AnnulledLateness().String(),
		}
		if forgiven > 0 {
			rec.Forgiven = forgiven.String()
		}
		if tracker != nil {
			tracker.Observe(dc.TimeNanos())
			if rate := tracker.TimeSpeed(); i > 0 && !math.IsInf(rate, 0) && !math.IsNaN(rate) {
				rec.Rate = rate
			}
		}

		if err := writeRecord(w, rec, opts.asJSON); err != nil {
			return err
		}
	}
	return nil
}

func writeRecord(w io.Writer, rec replayRecord, asJSON bool) error {
	if asJSON {
		data, err := json.Marshal(rec, json.Deterministic(true))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}

	line := fmt.Sprintf("#%-4d +%-10s clock=%-12s wall=%-12s annulled=%s",
		rec.Index, rec.Delta,
		clock.ToDuration(clock.MonoTime(rec.ClockNanos)),
		time.Duration(rec.WallNanos).Round(time.Microsecond),
		rec.Annulled)
	if rec.Forgiven != "" {
		line += " forgiven=" + rec.Forgiven
	}
	if rec.Rate != 0 {
		line += fmt.Sprintf(" rate=%.2fx", rec.Rate)
	}
	_, err := fmt.Fprintln(w, line)
	return err
}
