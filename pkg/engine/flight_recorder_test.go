package engine

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestFlightRecorder_Ring(t *testing.T) {
	fr := NewFlightRecorder(3)
	if len(fr.Snapshots()) != 0 {
		t.Fatal("New recorder should be empty")
	}

	base := time.Now()
	for i := 0; i < 5; i++ {
		fr.Record(Snapshot{Timestamp: base.Add(time.Duration(i) * time.Second), TimingQueue: i})
	}

	snaps := fr.Snapshots()
	if len(snaps) != 3 {
		t.Fatalf("len = %d, want 3", len(snaps))
	}
	for i, snap := range snaps {
		if snap.TimingQueue != i+2 {
			t.Errorf("snaps[%d].TimingQueue = %d, want %d (oldest first)", i, snap.TimingQueue, i+2)
		}
	}
}

func TestFlightRecorder_DefaultSize(t *testing.T) {
	if fr := NewFlightRecorder(0); fr.size != 100 {
		t.Errorf("size = %d, want 100", fr.size)
	}
}

func TestFlightRecorder_Dump(t *testing.T) {
	eng, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	var empty bytes.Buffer
	if err := eng.FlightRecorder().Dump(&empty); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if !strings.Contains(empty.String(), "No snapshots recorded yet") {
		t.Errorf("Empty dump:\n%s", empty.String())
	}

	eng.FlightRecorder().Record(eng.CaptureSnapshot())
	var out bytes.Buffer
	if err := eng.FlightRecorder().Dump(&out); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	for _, want := range []string{"=== Flight Recorder Dump ===", "Clock: hard", "Queues: timing=0 worker=0", "=== Goroutine Profile ==="} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("Dump missing %q", want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{512, "512 B"},
		{2048, "2.00 KB"},
		{3 * 1024 * 1024, "3.00 MB"},
		{5 * 1024 * 1024 * 1024, "5.00 GB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
