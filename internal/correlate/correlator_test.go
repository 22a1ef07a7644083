package correlate

import (
	"testing"
	"time"

	"github.com/browserfairy/browserfairy-go/internal/capture"
)

func ts(base time.Time, offset time.Duration) string {
	return base.Add(offset).Format(time.RFC3339Nano)
}

func TestCorrelator_FiresOnLargeHeapDeltaNearLargeNetworkComplete(t *testing.T) {
	c := New()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	c.Accept(capture.MemorySample{HostKey: "example.com", Timestamp: ts(base, 0), JSHeapUsedBytes: 10 * 1024 * 1024})

	c.Accept(capture.NetworkRecord{
		Type:        "network_request_complete",
		HostKey:     "example.com",
		Timestamp:   ts(base, 500*time.Millisecond),
		EncodedSize: 2 * 1024 * 1024,
	})

	corr := c.Accept(capture.MemorySample{
		HostKey:         "example.com",
		Timestamp:       ts(base, 1*time.Second),
		JSHeapUsedBytes: 25 * 1024 * 1024,
	})
	if corr == nil {
		t.Fatal("expected a correlation when a large heap delta lands near a large network-complete")
	}
	if corr.Host() != "example.com" {
		t.Errorf("Host() = %q, want example.com", corr.Host())
	}
	if corr.NetworkSummary == nil {
		t.Error("expected NetworkSummary to be populated")
	}
	if corr.Classification == "" {
		t.Error("expected a non-empty classification")
	}
}

func TestCorrelator_DoesNotFireBelowDeltaThreshold(t *testing.T) {
	c := New()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	c.Accept(capture.MemorySample{HostKey: "example.com", Timestamp: ts(base, 0), JSHeapUsedBytes: 10 * 1024 * 1024})
	c.Accept(capture.NetworkRecord{
		Type:        "network_request_complete",
		HostKey:     "example.com",
		Timestamp:   ts(base, 500*time.Millisecond),
		EncodedSize: 2 * 1024 * 1024,
	})

	corr := c.Accept(capture.MemorySample{
		HostKey:         "example.com",
		Timestamp:       ts(base, 1*time.Second),
		JSHeapUsedBytes: 12 * 1024 * 1024,
	})
	if corr != nil {
		t.Fatal("a heap delta below the minimum must not correlate")
	}
}

func TestCorrelator_DoesNotFireWithoutNearbyEvent(t *testing.T) {
	c := New()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	c.Accept(capture.MemorySample{HostKey: "example.com", Timestamp: ts(base, 0), JSHeapUsedBytes: 10 * 1024 * 1024})

	corr := c.Accept(capture.MemorySample{
		HostKey:         "example.com",
		Timestamp:       ts(base, 1*time.Second),
		JSHeapUsedBytes: 25 * 1024 * 1024,
	})
	if corr != nil {
		t.Fatal("a large heap delta with no qualifying network or console event nearby must not correlate")
	}
}

func TestCorrelator_ConsoleErrorAlsoTriggers(t *testing.T) {
	c := New()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	c.Accept(capture.MemorySample{HostKey: "example.com", Timestamp: ts(base, 0), JSHeapUsedBytes: 10 * 1024 * 1024})
	c.Accept(capture.ConsoleMessage{
		HostKey:   "example.com",
		Timestamp: ts(base, 500*time.Millisecond),
		Level:     "error",
		Message:   "boom",
	})

	corr := c.Accept(capture.MemorySample{
		HostKey:         "example.com",
		Timestamp:       ts(base, 1*time.Second),
		JSHeapUsedBytes: 25 * 1024 * 1024,
	})
	if corr == nil {
		t.Fatal("expected a correlation when a large heap delta lands near a console error")
	}
	if corr.ConsoleSummary == nil {
		t.Error("expected ConsoleSummary to be populated")
	}
}

func TestCorrelator_EnforcesRollingWindowPerHost(t *testing.T) {
	c := New()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	c.Accept(capture.MemorySample{HostKey: "example.com", Timestamp: ts(base, 0), JSHeapUsedBytes: 10 * 1024 * 1024})
	c.Accept(capture.NetworkRecord{
		Type:        "network_request_complete",
		HostKey:     "example.com",
		Timestamp:   ts(base, 200*time.Millisecond),
		EncodedSize: 2 * 1024 * 1024,
	})

	first := c.Accept(capture.MemorySample{HostKey: "example.com", Timestamp: ts(base, 1*time.Second), JSHeapUsedBytes: 25 * 1024 * 1024})
	if first == nil {
		t.Fatal("expected the first qualifying delta to correlate")
	}

	c.Accept(capture.NetworkRecord{
		Type:        "network_request_complete",
		HostKey:     "example.com",
		Timestamp:   ts(base, 1200*time.Millisecond),
		EncodedSize: 2 * 1024 * 1024,
	})
	second := c.Accept(capture.MemorySample{HostKey: "example.com", Timestamp: ts(base, 2*time.Second), JSHeapUsedBytes: 40 * 1024 * 1024})
	if second != nil {
		t.Fatal("a second qualifying delta within the rolling window must not correlate again")
	}
}

func TestCorrelator_DoesNotMixHosts(t *testing.T) {
	c := New()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	c.Accept(capture.MemorySample{HostKey: "example.com", Timestamp: ts(base, 0), JSHeapUsedBytes: 10 * 1024 * 1024})
	c.Accept(capture.NetworkRecord{
		Type:        "network_request_complete",
		HostKey:     "other.example",
		Timestamp:   ts(base, 500*time.Millisecond),
		EncodedSize: 2 * 1024 * 1024,
	})

	corr := c.Accept(capture.MemorySample{
		HostKey:         "example.com",
		Timestamp:       ts(base, 1*time.Second),
		JSHeapUsedBytes: 25 * 1024 * 1024,
	})
	if corr != nil {
		t.Fatal("a network-complete record on a different host must not correlate")
	}
}
