package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/spf13/pflag"
)

const version = "0.1.0"

func main() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	// If no arguments or "demo", launch interactive TUI
	if len(os.Args) < 2 || os.Args[1] == "demo" {
		var args []string
		if len(os.Args) > 2 {
			args = os.Args[2:]
		}
		exitOnError("demo", runDemo(args))
		return
	}

	cmd := os.Args[1]

	switch cmd {
	case "replay":
		exitOnError("replay", runReplay(os.Args[2:], os.Stdout))
	case "version":
		fmt.Printf("tempo v%s\n", version)
		fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	case "help", "-h", "--help":
		usage()
	default:
		log.Fatalf("ERROR: unknown command %q (try 'tempo help')", cmd)
	}
}

func exitOnError(cmd string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, pflag.ErrHelp):
		// pflag already printed the flag usage
	default:
		log.Fatalf("%s error: %v", cmd, err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Tempo - Virtual Time and Worker-Thread Scheduling Demo

Usage:
  tempo [demo] [flags]
      Launch the interactive scheduler demo

  tempo replay (--deltas LIST | --file PATH) [flags]
      Replay recorded time deltas through a soft clock

  tempo version
      Show version and platform information

  tempo help
      Show this help message

Demo flags:
  --speed FLOAT               hard clock speed (default 1)
  --afap                      start the soft clock in AFAP mode
  --funnel                    route ASAP worker tasks through the timing goroutine
  --lateness-threshold DUR    soft clock lateness threshold (default 200ms)
  --tick DUR                  tick period in clock time (default 250ms)
  --health DUR                heartbeat period, 0 disables (default 5s)
  --dump PATH                 write the flight recorder to PATH on exit

Replay flags:
  --deltas LIST               comma-separated deltas, e.g. 10ms,250ms,1s
  -f, --file PATH             one delta per line, - for stdin
  --speed FLOAT               playback speed (default 1)
  --no-sleep                  replay as fast as possible
  --json                      print JSON lines
  --fit N                     report the measured playback rate over N records
  --lateness-threshold DUR    soft clock lateness threshold (default 200ms)

Environment:
  TEMPO_SPEED, TEMPO_VIRTUAL, TEMPO_AFAP, TEMPO_LATENESS_THRESHOLD,
  TEMPO_FUNNEL_ASAP, TEMPO_WORKER_QUEUE_MAX, TEMPO_ERROR_BUS_BUFFER,
  TEMPO_METRICS, TEMPO_HEALTH_INTERVAL, TEMPO_FLIGHT_RECORDER_SIZE

Examples:
  # Launch the demo at double speed
  tempo demo --speed 2

  # Replay a recording ten times faster, as JSON
  tempo replay --file deltas.txt --speed 10 --json

About:
  Tempo runs tasks against virtual clocks: a speed-controllable hard
  clock and a soft clock that forgives half of any excessive lateness.
  In the demo the terminal UI loop is the worker thread; a timing
  goroutine waits on the clock and hands due tasks over to it.

  Keys: +/- speed, r reverse, space pause, a toggle AFAP, f late task, q quit.
`)
}
