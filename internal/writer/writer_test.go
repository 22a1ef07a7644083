package writer

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"cdr.dev/slog/sloggers/slogtest"

	"github.com/browserfairy/browserfairy-go/internal/capture"
)

type fakeRecord struct {
	stream capture.Stream
	id     string
}

func (f fakeRecord) EventID() string        { return f.id }
func (f fakeRecord) Host() string           { return "example.com" }
func (f fakeRecord) Stream() capture.Stream { return f.stream }

func newTestWriter(t *testing.T, hook func(capture.Record)) (*Writer, string) {
	t.Helper()
	root := t.TempDir()
	log := slogtest.Make(t, nil)
	w, err := New(log, root, "example.com", FlushPerRecord, 0, hook)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return w, root
}

func TestWriter_WritesToLiteralActiveFilename(t *testing.T) {
	w, root := newTestWriter(t, nil)

	w.Write(fakeRecord{stream: capture.StreamMemory, id: "a"})
	w.Write(fakeRecord{stream: capture.StreamMemory, id: "b"})
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	path := filepath.Join(root, "example.com", "memory.jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected active file at %s: %v", path, err)
	}

	if got := countLines(data); got != 2 {
		t.Errorf("got %d lines, want 2", got)
	}
}

func TestWriter_CallsAcceptedHookOncePerWrite(t *testing.T) {
	var got []capture.Record
	w, _ := newTestWriter(t, func(r capture.Record) { got = append(got, r) })

	w.Write(fakeRecord{stream: capture.StreamConsole, id: "a"})
	w.Write(fakeRecord{stream: capture.StreamConsole, id: "b"})
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("acceptedHook called %d times, want 2", len(got))
	}
}

// TestWriter_RotateIfNeededRenamesActiveFileAside exercises
// rotateIfNeededLocked directly, bypassing the async drain goroutine, so the
// size threshold can be forced without writing 50MiB of test data.
func TestWriter_RotateIfNeededRenamesActiveFileAside(t *testing.T) {
	root := t.TempDir()
	log := slogtest.Make(t, nil)
	w, err := New(log, root, "example.com", FlushPerRecord, 0, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	sf := &streamFile{}
	if err := w.openLocked(capture.StreamNetwork, sf); err != nil {
		t.Fatalf("openLocked() error = %v", err)
	}
	sf.sizeBytes = MaxFileSize + 1

	if err := w.rotateIfNeededLocked(capture.StreamNetwork, sf); err != nil {
		t.Fatalf("rotateIfNeededLocked() error = %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(root, "example.com"))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	var active, rotated int
	for _, e := range entries {
		if e.Name() == "network.jsonl" {
			active++
		} else {
			rotated++
		}
	}
	if active != 1 {
		t.Errorf("expected exactly one active network.jsonl, got %d", active)
	}
	if rotated != 1 {
		t.Errorf("expected exactly one rotated-aside file, got %d", rotated)
	}
	if sf.sizeBytes != 0 {
		t.Errorf("sizeBytes after rotation = %d, want 0 for the fresh file", sf.sizeBytes)
	}
}

func countLines(data []byte) int {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	n := 0
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			n++
		}
	}
	return n
}
