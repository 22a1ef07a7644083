// memory.go — Memory sampler and listener-leak analyzer.
//
// Samples Performance.getMetrics on a fixed cadence. A global,
// package-level semaphore bounds how many targets may be mid-sample at
// once, so a page with many attached targets (or a burst across many
// hosts) can't starve the CDP connection with concurrent
// Performance.getMetrics calls.
//
// The listener-leak analyzer lives alongside the sampler (§4.4): every
// sample emits a cheap listener-distribution estimate, and a growthDelta
// over the threshold kicks off a bounded, asynchronous deep scan that
// resolves listener source locations via DOMDebugger.getEventListeners and
// attaches its result to the next memory record for the session.
package capture

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"cdr.dev/slog"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/browserfairy/browserfairy-go/internal/eventid"
	"github.com/browserfairy/browserfairy-go/internal/protocol"
	"github.com/browserfairy/browserfairy-go/internal/util"
)

// MemorySampleInterval is the fixed sampling cadence (§4.4).
const MemorySampleInterval = 5 * time.Second

// listenerGrowthTrigger is the growthDelta above which a deep listener scan
// is triggered (§4.4).
const listenerGrowthTrigger = 20

// listenerScanDeadline bounds the deep analysis's wall-clock budget; it
// aborts and emits whatever it has once exceeded (§4.4, §4.9 design notes).
const listenerScanDeadline = 300 * time.Millisecond

// listenerScanNodeCap bounds how many DOM nodes the deep scan resolves
// listeners for, keeping the round-trip count bounded regardless of page
// size.
const listenerScanNodeCap = 200

// highSuspicionBoundCount / mediumSuspicionBoundCount are the §4.4
// normative thresholds for aggregated listener-function suspicion.
const (
	highSuspicionBoundCount   = 10
	mediumSuspicionBoundCount = 3
)

// memorySemaphore bounds concurrent Performance.getMetrics calls across all
// targets in the process (§4.4, §5: default 8 permits).
var memorySemaphore = semaphore.NewWeighted(8)

// MemoryCollector samples JS heap, DOM, and listener metrics for one target.
type MemoryCollector struct {
	log       slog.Logger
	client    *protocol.Client
	host      string
	targetID  string
	sessionID string
	url       string
	sink      Sink

	lastListenerCount int64
	haveLast          bool

	mu           chan struct{} // 1-buffered mutex guarding pendingAnalysis
	pendingAnalysis *ListenerLeakAnalysis

	touch func(targetID string)

	cancel context.CancelFunc
	done   chan struct{}
}

// Sink receives every record a collector produces.
type Sink func(Record)

// NewMemoryCollector creates a collector for one (sessionID, targetID, host).
// touch, if non-nil, is called once per completed sample so the caller can
// track sampling recency separately from attach recency (§4.11); it may be
// nil where no such tracking is needed (e.g. in tests).
func NewMemoryCollector(log slog.Logger, client *protocol.Client, host, targetID, url string, touch func(string), sink Sink) *MemoryCollector {
	return &MemoryCollector{
		log:      log.Named("memory").With(slog.F("target_id", targetID)),
		client:   client,
		host:     host,
		targetID: targetID,
		url:      url,
		sink:     sink,
		touch:    touch,
		mu:       make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start begins sampling on MemorySampleInterval until ctx is done or Close
// is called.
func (m *MemoryCollector) Start(ctx context.Context, sessionID string) {
	m.sessionID = sessionID
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	util.SafeGo(func() {
		defer close(m.done)
		ticker := time.NewTicker(MemorySampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sampleOnce(ctx, sessionID)
			case <-ctx.Done():
				return
			}
		}
	})
}

// Close stops sampling.
func (m *MemoryCollector) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	<-m.done
	return nil
}

type performanceMetricsResult struct {
	Metrics []struct {
		Name  string  `json:"name"`
		Value float64 `json:"value"`
	} `json:"metrics"`
}

func (m *MemoryCollector) sampleOnce(ctx context.Context, sessionID string) {
	if m.touch != nil {
		m.touch(m.targetID)
	}

	if !memorySemaphore.TryAcquire(1) {
		return
	}
	defer memorySemaphore.Release(1)

	raw, err := m.client.Call(ctx, sessionID, "Performance.getMetrics", nil)
	if err != nil {
		m.log.Debug(ctx, "memory: sample failed", slog.Error(err))
		return
	}

	var result performanceMetricsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return
	}

	metrics := make(map[string]float64, len(result.Metrics))
	for _, metric := range result.Metrics {
		metrics[metric.Name] = metric.Value
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	listeners := int64(metrics["JSEventListeners"])

	sample := MemorySample{
		Type:      "memory",
		HostKey:   m.host,
		Timestamp: now,
		TargetID:  m.targetID,
		SessionID: sessionID,
		URL:       m.url,

		JSHeapUsedBytes:  int64(metrics["JSHeapUsedSize"]),
		JSHeapTotalBytes: int64(metrics["JSHeapTotalSize"]),
		DOMNodes:         int64(metrics["Nodes"]),
		ListenerCount:    listeners,
		DocumentCount:    int64(metrics["Documents"]),
		FrameCount:       int64(metrics["Frames"]),

		LayoutCount:      int64(metrics["LayoutCount"]),
		LayoutDurationMs: metrics["LayoutDuration"] * 1000,
		RecalcStyleCount: int64(metrics["RecalcStyleCount"]),
		RecalcStyleMs:    metrics["RecalcStyleDuration"] * 1000,
		ScriptDurationMs: metrics["ScriptDuration"] * 1000,
	}
	sample.ID = eventid.Memory(sample.HostKey, sample.Timestamp, sample.TargetID, sample.SessionID, sample.URL)

	sample.ListenerDistribution = m.lightweightDistribution(ctx, sessionID)
	sample.DeepAnalysis = m.takePendingAnalysis()

	growthDelta := m.trackGrowth(listeners)
	sample.GrowthDelta = growthDelta

	m.sink(sample)

	if growthDelta > listenerGrowthTrigger {
		util.SafeGo(func() { m.runDeepAnalysis(sessionID, growthDelta) })
	}
}

func (m *MemoryCollector) trackGrowth(count int64) int64 {
	var delta int64
	if m.haveLast {
		delta = count - m.lastListenerCount
	}
	m.lastListenerCount = count
	m.haveLast = true
	return delta
}

func (m *MemoryCollector) takePendingAnalysis() *ListenerLeakAnalysis {
	m.mu <- struct{}{}
	defer func() { <-m.mu }()
	result := m.pendingAnalysis
	m.pendingAnalysis = nil
	return result
}

func (m *MemoryCollector) setPendingAnalysis(a *ListenerLeakAnalysis) {
	m.mu <- struct{}{}
	defer func() { <-m.mu }()
	m.pendingAnalysis = a
}

// lightweightDistribution is the always-on, single-round-trip estimate of
// listener counts grouped by host object (tag name) and event kind. It uses
// the DevTools command-line API's getEventListeners() helper, available
// through Runtime.evaluate with includeCommandLineAPI.
func (m *MemoryCollector) lightweightDistribution(ctx context.Context, sessionID string) []ListenerDistributionBucket {
	const expr = `(function(){
		var out = {};
		var els = document.querySelectorAll('*');
		var cap = Math.min(els.length, 500);
		for (var i = 0; i < cap; i++) {
			var el = els[i];
			var listeners;
			try { listeners = getEventListeners(el); } catch (e) { continue; }
			for (var type in listeners) {
				var key = el.tagName + '\x00' + type;
				out[key] = (out[key] || 0) + listeners[type].length;
			}
		}
		return JSON.stringify(out);
	})()`

	raw, err := m.client.Call(ctx, sessionID, "Runtime.evaluate", map[string]any{
		"expression":           expr,
		"returnByValue":        true,
		"includeCommandLineAPI": true,
	})
	if err != nil {
		return nil
	}

	var evalResult struct {
		Result struct {
			Value string `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &evalResult); err != nil || evalResult.Result.Value == "" {
		return nil
	}

	var counts map[string]int
	if err := json.Unmarshal([]byte(evalResult.Result.Value), &counts); err != nil {
		return nil
	}

	buckets := make([]ListenerDistributionBucket, 0, len(counts))
	for key, count := range counts {
		parts := strings.SplitN(key, "\x00", 2)
		hostObject, eventKind := parts[0], ""
		if len(parts) == 2 {
			eventKind = parts[1]
		}
		buckets = append(buckets, ListenerDistributionBucket{HostObject: hostObject, EventKind: eventKind, Count: count})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Count > buckets[j].Count })
	return buckets
}

// runDeepAnalysis walks a bounded set of DOM nodes, resolves each bound
// listener's defining function via DOMDebugger.getEventListeners, and
// aggregates by (scriptId, line, column). It self-time-limits to
// listenerScanDeadline and is never called from the sample path.
func (m *MemoryCollector) runDeepAnalysis(sessionID string, growthDelta int64) {
	ctx, cancel := context.WithTimeout(context.Background(), listenerScanDeadline)
	defer cancel()

	analysis := &ListenerLeakAnalysis{
		TriggeredByDelta: growthDelta,
		ScanID:           uuid.NewString(),
	}

	nodeIDs, err := m.scanSet(ctx, sessionID)
	if err != nil {
		analysis.TimedOut = ctx.Err() != nil
		m.setPendingAnalysis(analysis)
		return
	}

	type funcKey struct {
		scriptURL string
		line      int
		column    int
	}
	aggregated := make(map[funcKey]*ListenerSource)

	for _, nodeID := range nodeIDs {
		if ctx.Err() != nil {
			analysis.TimedOut = true
			break
		}
		listeners, err := m.getEventListenersForNode(ctx, sessionID, nodeID)
		if err != nil {
			continue
		}
		for _, l := range listeners {
			key := funcKey{scriptURL: l.ScriptURL, line: l.Line, column: l.Column}
			entry, ok := aggregated[key]
			if !ok {
				entry = &ListenerSource{
					ScriptURL:    l.ScriptURL,
					Line:         l.Line,
					Column:       l.Column,
					FunctionName: l.FunctionName,
				}
				aggregated[key] = entry
			}
			entry.BoundCount++
		}
	}

	for _, entry := range aggregated {
		switch {
		case entry.BoundCount >= highSuspicionBoundCount:
			entry.Suspicion = "high"
		case entry.BoundCount >= mediumSuspicionBoundCount:
			entry.Suspicion = "medium"
		}
		analysis.Sources = append(analysis.Sources, *entry)
	}
	sort.Slice(analysis.Sources, func(i, j int) bool { return analysis.Sources[i].BoundCount > analysis.Sources[j].BoundCount })

	m.setPendingAnalysis(analysis)
}

// scanSet returns a bounded list of DOM backend node ids to inspect.
func (m *MemoryCollector) scanSet(ctx context.Context, sessionID string) ([]int, error) {
	raw, err := m.client.Call(ctx, sessionID, "DOM.getDocument", map[string]any{"depth": -1, "pierce": true})
	if err != nil {
		return nil, err
	}
	var doc struct {
		Root struct {
			NodeID int `json:"nodeId"`
		} `json:"root"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}

	raw, err = m.client.Call(ctx, sessionID, "DOM.querySelectorAll", map[string]any{
		"nodeId":   doc.Root.NodeID,
		"selector": "*",
	})
	if err != nil {
		return nil, err
	}
	var result struct {
		NodeIDs []int `json:"nodeIds"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	if len(result.NodeIDs) > listenerScanNodeCap {
		result.NodeIDs = result.NodeIDs[:listenerScanNodeCap]
	}
	return result.NodeIDs, nil
}

func (m *MemoryCollector) getEventListenersForNode(ctx context.Context, sessionID string, nodeID int) ([]ListenerSource, error) {
	raw, err := m.client.Call(ctx, sessionID, "DOM.resolveNode", map[string]any{"nodeId": nodeID})
	if err != nil {
		return nil, err
	}
	var resolved struct {
		Object struct {
			ObjectID string `json:"objectId"`
		} `json:"object"`
	}
	if err := json.Unmarshal(raw, &resolved); err != nil || resolved.Object.ObjectID == "" {
		return nil, err
	}

	raw, err = m.client.Call(ctx, sessionID, "DOMDebugger.getEventListeners", map[string]any{
		"objectId": resolved.Object.ObjectID,
		"depth":    0,
	})
	if err != nil {
		return nil, err
	}
	var listResult struct {
		Listeners []struct {
			Type       string `json:"type"`
			ScriptID   string `json:"scriptId"`
			LineNumber int    `json:"lineNumber"`
			ColumnNumber int  `json:"columnNumber"`
			Handler    struct {
				Description string `json:"description"`
			} `json:"handler"`
		} `json:"listeners"`
	}
	if err := json.Unmarshal(raw, &listResult); err != nil {
		return nil, err
	}

	out := make([]ListenerSource, 0, len(listResult.Listeners))
	for _, l := range listResult.Listeners {
		out = append(out, ListenerSource{
			ScriptURL:    l.ScriptID,
			Line:         l.LineNumber,
			Column:       l.ColumnNumber,
			FunctionName: inferFunctionName(l.Handler.Description),
		})
	}
	return out, nil
}

// inferFunctionName extracts a best-effort name from a handler's
// Runtime.RemoteObject description, e.g. "function onClick(e) {" -> "onClick".
func inferFunctionName(description string) string {
	description = strings.TrimSpace(description)
	const prefix = "function "
	if !strings.HasPrefix(description, prefix) {
		return "anonymous"
	}
	rest := description[len(prefix):]
	if idx := strings.IndexAny(rest, "( "); idx > 0 {
		return rest[:idx]
	}
	return "anonymous"
}
