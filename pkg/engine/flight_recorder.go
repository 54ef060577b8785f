package engine

import (
	"fmt"
	"io"
	"runtime"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/BYTE-6D65/tempo/pkg/clock"
)

// FlightRecorder maintains a ring buffer of scheduler snapshots, so the
// last N states before a stall or crash can be inspected.
type FlightRecorder struct {
	snapshots []Snapshot
	index     int
	size      int
	mu        sync.Mutex // Single-writer lock
}

// Snapshot represents a point-in-time state of the engine.
type Snapshot struct {
	Timestamp time.Time

	// Clock
	ClockMode  string
	ClockTime  clock.MonoTime
	ClockSpeed float64 // Absolute speed of the scheduling clock
	Annulled   time.Duration

	// Queue depths
	TimingQueue int
	WorkerQueue int // -1 with an external binding

	// Runtime
	NumGoroutine int
	HeapBytes    uint64
}

// NewFlightRecorder creates a flight recorder with the given ring buffer size.
func NewFlightRecorder(size int) *FlightRecorder {
	if size <= 0 {
		size = 100 // Default
	}

	return &FlightRecorder{
		snapshots: make([]Snapshot, size),
		size:      size,
	}
}

// Record adds a snapshot to the ring buffer.
func (fr *FlightRecorder) Record(snap Snapshot) {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	fr.snapshots[fr.index] = snap
	fr.index = (fr.index + 1) % fr.size
}

// Snapshots returns the recorded snapshots, oldest first.
func (fr *FlightRecorder) Snapshots() []Snapshot {
	fr.mu.Lock()
	defer fr.mu.Unlock()

	out := make([]Snapshot, 0, fr.size)
	for i := 0; i < fr.size; i++ {
		snap := fr.snapshots[(fr.index+i)%fr.size]
		// Skip uninitialized slots (before buffer fills)
		if snap.Timestamp.IsZero() {
			continue
		}
		out = append(out, snap)
	}
	return out
}

// Dump writes the snapshots in chronological order followed by a goroutine
// profile.
func (fr *FlightRecorder) Dump(w io.Writer) error {
	snapshots := fr.Snapshots()

	fmt.Fprintf(w, "=== Flight Recorder Dump ===\n")
	fmt.Fprintf(w, "Generated: %s\n\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(w, "Last %d snapshots:\n\n", len(snapshots))

	for i, snap := range snapshots {
		fmt.Fprintf(w, "[%d] %s\n", i+1, snap.Timestamp.Format("15:04:05.000"))
		fmt.Fprintf(w, "  Clock: %s at %s | Speed: %g | Annulled: %s\n",
			snap.ClockMode,
			clock.ToDuration(snap.ClockTime),
			snap.ClockSpeed,
			snap.Annulled)
		fmt.Fprintf(w, "  Queues: timing=%d worker=%s\n", snap.TimingQueue, formatDepth(snap.WorkerQueue))
		fmt.Fprintf(w, "  Heap: %s | Goroutines: %d\n\n", formatBytes(snap.HeapBytes), snap.NumGoroutine)
	}

	if len(snapshots) == 0 {
		fmt.Fprintf(w, "(No snapshots recorded yet)\n\n")
	}

	fmt.Fprintf(w, "=== Goroutine Profile ===\n")
	if goroutine := pprof.Lookup("goroutine"); goroutine != nil {
		if err := goroutine.WriteTo(w, 1); err != nil {
			return fmt.Errorf("goroutine profile: %w", err)
		}
	} else {
		fmt.Fprintf(w, "Goroutine profile not available\n")
	}

	return nil
}

// CaptureSnapshot captures the engine's current state.
func (e *Engine) CaptureSnapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	snap := Snapshot{
		Timestamp:    time.Now(),
		ClockMode:    e.cfg.ClockMode(),
		ClockTime:    e.clock.TimeNanos(),
		ClockSpeed:   clock.AbsoluteSpeed(e.clock),
		TimingQueue:  e.timing.Len(),
		WorkerQueue:  -1,
		NumGoroutine: runtime.NumGoroutine(),
		HeapBytes:    mem.HeapAlloc,
	}
	if e.loop != nil {
		snap.WorkerQueue = e.loop.Len()
	}
	if e.soft != nil {
		snap.Annulled = e.soft.AnnulledLateness()
		if e.soft.IsAFAP() {
			snap.ClockMode = "afap"
		}
	}
	return snap
}

func formatDepth(n int) string {
	if n < 0 {
		return "n/a"
	}
	return fmt.Sprintf("%d", n)
}

// formatBytes formats bytes in human-readable form.
func formatBytes(bytes uint64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
