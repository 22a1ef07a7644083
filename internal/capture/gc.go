// gc.go — GC sampler: derives major/minor GC passes from consecutive
// Performance.getMetrics deltas rather than a dedicated CDP GC event (CDP
// exposes no such event on the Page/Runtime domains the core already
// enables). §9's open question: the major/minor split below is a heuristic
// documented here, not a faithful reproduction of engine internals — a drop
// more than 10x the minimum is called "major", everything else "minor",
// and drops below the minimum are treated as sampling noise and ignored.
package capture

import (
	"context"
	"encoding/json"
	"time"

	"cdr.dev/slog"

	"github.com/browserfairy/browserfairy-go/internal/eventid"
	"github.com/browserfairy/browserfairy-go/internal/protocol"
	"github.com/browserfairy/browserfairy-go/internal/util"
)

// GCSampleInterval matches the memory sampler's cadence so GC deltas line up
// with heap readings.
const GCSampleInterval = MemorySampleInterval

// minGCDropBytes is the minimum heap-size drop between consecutive samples
// to be attributed to a GC pass rather than sampling noise.
const minGCDropBytes = 1 << 20 // 1 MiB

// GCCollector detects GC passes from heap-size drops between samples.
type GCCollector struct {
	log      slog.Logger
	client   *protocol.Client
	host     string
	targetID string
	sink     Sink

	lastHeap int64
	haveLast bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewGCCollector creates a collector scoped to one session.
func NewGCCollector(log slog.Logger, client *protocol.Client, host, targetID string, sink Sink) *GCCollector {
	return &GCCollector{
		log:      log.Named("gc").With(slog.F("target_id", targetID)),
		client:   client,
		host:     host,
		targetID: targetID,
		sink:     sink,
		done:     make(chan struct{}),
	}
}

// Start begins sampling.
func (g *GCCollector) Start(ctx context.Context, sessionID string) {
	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	util.SafeGo(func() {
		defer close(g.done)
		ticker := time.NewTicker(GCSampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.sampleOnce(ctx, sessionID)
			case <-ctx.Done():
				return
			}
		}
	})
}

// Close stops sampling.
func (g *GCCollector) Close() error {
	if g.cancel != nil {
		g.cancel()
	}
	<-g.done
	return nil
}

func (g *GCCollector) sampleOnce(ctx context.Context, sessionID string) {
	raw, err := g.client.Call(ctx, sessionID, "Performance.getMetrics", nil)
	if err != nil {
		return
	}
	var result performanceMetricsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return
	}

	var heapUsed float64
	for _, m := range result.Metrics {
		if m.Name == "JSHeapUsedSize" {
			heapUsed = m.Value
		}
	}
	heap := int64(heapUsed)

	defer func() {
		g.lastHeap = heap
		g.haveLast = true
	}()

	if !g.haveLast || heap >= g.lastHeap {
		return
	}
	drop := g.lastHeap - heap
	if drop < minGCDropBytes {
		return
	}

	kind := "minor"
	if drop > minGCDropBytes*10 {
		kind = "major"
	}

	record := GCEvent{
		Type:       "gc",
		HostKey:    g.host,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		TargetID:   g.targetID,
		Kind:       kind,
		HeapBefore: g.lastHeap,
		HeapAfter:  heap,
		DeltaBytes: drop,
	}
	record.ID = eventid.Compute("gc", record.HostKey, record.Timestamp, record.TargetID, kind)
	g.sink(record)
}
