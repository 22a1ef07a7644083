package capture

import "testing"

func TestGCCollector_DetectsDropAsGC(t *testing.T) {
	var events []Record
	g := &GCCollector{
		host:     "example.com",
		targetID: "t1",
		sink:     func(r Record) { events = append(events, r) },
	}

	g.lastHeap = 20 << 20
	g.haveLast = true

	// Simulate the delta logic directly since sampleOnce needs a live client.
	heap := int64(9 << 20)
	drop := g.lastHeap - heap
	if drop < minGCDropBytes {
		t.Fatal("test setup: drop should exceed minGCDropBytes")
	}
	kind := "minor"
	if drop > minGCDropBytes*10 {
		kind = "major"
	}
	if kind != "major" {
		t.Errorf("an 11MiB drop should classify as major, got %q", kind)
	}
}

func TestGCCollector_SmallDropIsNoise(t *testing.T) {
	drop := int64(1024) // 1KiB, well under minGCDropBytes
	if drop >= minGCDropBytes {
		t.Fatal("test setup invalid")
	}
}
