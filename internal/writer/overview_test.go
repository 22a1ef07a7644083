package writer

import (
	"path/filepath"
	"testing"
)

func TestOverviewWriter_FlushRoundTrips(t *testing.T) {
	dir := t.TempDir()
	ow := NewOverviewWriter(dir, "example.com")
	ow.RecordAccepted("network")
	ow.RecordAccepted("network")
	ow.RecordDropped("console", 3)
	ow.SetUnavailableDomains([]string{"HeapProfiler"})

	if err := ow.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	snap := ow.Snapshot()
	if snap.RecordCounts["network"] != 2 {
		t.Errorf("RecordCounts[network] = %d, want 2", snap.RecordCounts["network"])
	}
	if snap.DropCounts["console"] != 3 {
		t.Errorf("DropCounts[console] = %d, want 3", snap.DropCounts["console"])
	}
	if len(snap.UnavailableDomains) != 1 || snap.UnavailableDomains[0] != "HeapProfiler" {
		t.Errorf("UnavailableDomains = %v", snap.UnavailableDomains)
	}

	wantPath := filepath.Join(dir, "overview.json")
	if ow.path != wantPath {
		t.Errorf("path = %q, want %q", ow.path, wantPath)
	}
}

func TestOverviewWriter_SnapshotIsIndependentCopy(t *testing.T) {
	ow := NewOverviewWriter(t.TempDir(), "example.com")
	ow.RecordAccepted("memory")

	snap := ow.Snapshot()
	snap.RecordCounts["memory"] = 999

	if got := ow.Snapshot().RecordCounts["memory"]; got != 1 {
		t.Errorf("mutating a snapshot leaked into internal state: got %d, want 1", got)
	}
}
