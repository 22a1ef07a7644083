// heap.go — Heap-allocation sampler: HeapProfiler's sampling allocation
// profiler, restarted every cycle to bound memory, rather than a full heap
// snapshot (too expensive to take on a sampling cadence) (§4.7).
package capture

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"cdr.dev/slog"

	"github.com/browserfairy/browserfairy-go/internal/eventid"
	"github.com/browserfairy/browserfairy-go/internal/protocol"
	"github.com/browserfairy/browserfairy-go/internal/util"
)

// HeapSampleInterval is the cadence at which the profile is pulled,
// aggregated, and restarted (§4.7: every 60s).
const HeapSampleInterval = 60 * time.Second

// heapSamplingIntervalBytes is the average number of bytes between samples
// passed to HeapProfiler.startSampling (§4.7: 64 KiB).
const heapSamplingIntervalBytes = 64 * 1024

// topAllocatorCount bounds how many allocators are kept per cycle (§4.7).
const topAllocatorCount = 10

// HeapCollector starts HeapProfiler's sampling allocation profiler and,
// every HeapSampleInterval, stops it, reads back the profile, aggregates
// self-size per (function, script, line, column), and restarts it.
type HeapCollector struct {
	log      slog.Logger
	client   *protocol.Client
	host     string
	targetID string
	sink     Sink

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHeapCollector creates a collector scoped to one session.
func NewHeapCollector(log slog.Logger, client *protocol.Client, host, targetID string, sink Sink) *HeapCollector {
	return &HeapCollector{
		log:      log.Named("heap").With(slog.F("target_id", targetID)),
		client:   client,
		host:     host,
		targetID: targetID,
		sink:     sink,
		done:     make(chan struct{}),
	}
}

// Start begins the sampling allocation profiler and periodic readback.
func (h *HeapCollector) Start(ctx context.Context, sessionID string) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	h.startSampling(ctx, sessionID)

	util.SafeGo(func() {
		defer close(h.done)
		ticker := time.NewTicker(HeapSampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.cycleOnce(ctx, sessionID)
			case <-ctx.Done():
				_, _ = h.client.Call(context.Background(), sessionID, "HeapProfiler.stopSampling", nil)
				return
			}
		}
	})
}

// Close stops the profiler.
func (h *HeapCollector) Close() error {
	if h.cancel != nil {
		h.cancel()
	}
	<-h.done
	return nil
}

func (h *HeapCollector) startSampling(ctx context.Context, sessionID string) {
	if _, err := h.client.Call(ctx, sessionID, "HeapProfiler.startSampling", map[string]any{
		"samplingInterval": heapSamplingIntervalBytes,
	}); err != nil {
		h.log.Debug(ctx, "heap: startSampling failed", slog.Error(err))
	}
}

type samplingHeapProfileResult struct {
	Profile struct {
		Samples []struct {
			Size   float64 `json:"size"`
			NodeID int     `json:"nodeId"`
		} `json:"samples"`
		Head samplingHeapNode `json:"head"`
	} `json:"profile"`
}

type samplingHeapNode struct {
	ID        int                `json:"id"`
	CallFrame callFrame          `json:"callFrame"`
	SelfSize  float64            `json:"selfSize"`
	Children  []samplingHeapNode `json:"children"`
}

// cycleOnce stops sampling, reads the accumulated profile, aggregates
// self-size by (function, script, line, column), emits one record, and
// restarts sampling — bounding the profiler's own memory growth.
func (h *HeapCollector) cycleOnce(ctx context.Context, sessionID string) {
	raw, err := h.client.Call(ctx, sessionID, "HeapProfiler.stopSampling", nil)
	if err != nil {
		h.startSampling(ctx, sessionID)
		return
	}

	var result samplingHeapProfileResult
	if err := json.Unmarshal(raw, &result); err != nil {
		h.startSampling(ctx, sessionID)
		return
	}

	bySite := make(map[string]*AllocationEntry)
	nodeIndex := make(map[int]callFrame)
	flattenNodes(result.Profile.Head, nodeIndex)

	var totalBytes int64
	for _, sample := range result.Profile.Samples {
		totalBytes += int64(sample.Size)
		frame, ok := nodeIndex[sample.NodeID]
		if !ok {
			continue
		}
		key := siteKey(frame)
		entry, ok := bySite[key]
		if !ok {
			entry = &AllocationEntry{
				FunctionName: frame.FunctionName,
				ScriptURL:    frame.URL,
				Line:         frame.LineNumber,
				Column:       frame.ColumnNumber,
			}
			bySite[key] = entry
		}
		entry.SelfSize += int64(sample.Size)
	}

	entries := make([]AllocationEntry, 0, len(bySite))
	for _, e := range bySite {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].SelfSize > entries[j].SelfSize })
	if len(entries) > topAllocatorCount {
		entries = entries[:topAllocatorCount]
	}

	record := HeapSamplingRecord{
		Type:          "heap_sampling",
		HostKey:       h.host,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		TargetID:      h.targetID,
		TotalBytes:    totalBytes,
		SampleCount:   len(result.Profile.Samples),
		TopAllocators: entries,
	}
	record.ID = eventid.Compute("heap_sampling", record.HostKey, record.Timestamp, record.TargetID)
	h.sink(record)

	h.startSampling(ctx, sessionID)
}

func siteKey(f callFrame) string {
	return f.URL + "\x1f" + f.FunctionName + "\x1f" + strconv.Itoa(f.LineNumber) + "\x1f" + strconv.Itoa(f.ColumnNumber)
}

func flattenNodes(node samplingHeapNode, out map[int]callFrame) {
	out[node.ID] = node.CallFrame
	for _, child := range node.Children {
		flattenNodes(child, out)
	}
}
