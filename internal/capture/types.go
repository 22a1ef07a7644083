// types.go — Capture record types emitted by collectors onto a session's
// per-stream channels. Each record carries its own event_id, computed once
// at creation time from its declared fields (internal/eventid), and the
// four mandatory fields every record shares: type, timestamp, hostname,
// event_id.
package capture

// Stream names the NDJSON stream a record belongs to; the Writer uses this
// to choose the output file within a host's session directory.
type Stream string

const (
	StreamMemory      Stream = "memory"
	StreamNetwork     Stream = "network"
	StreamConsole     Stream = "console"
	StreamGC          Stream = "gc"
	StreamLongTask    Stream = "longtask"
	StreamHeap        Stream = "heap_sampling"
	StreamStorage     Stream = "storage"
	StreamCorrelation Stream = "correlations"
)

// Record is implemented by every capture record type.
type Record interface {
	EventID() string
	Host() string
	Stream() Stream
}

// Frame is a single call-stack or source-mapped frame, used to enrich
// network initiators and console messages.
type Frame struct {
	FunctionName string `json:"functionName,omitempty"`
	URL          string `json:"url,omitempty"`
	Line         int    `json:"line,omitempty"`
	Column       int    `json:"column,omitempty"`
}

// OriginalFrame is the source-map-resolved counterpart of a Frame, attached
// under a frame's "original" key when resolution succeeds.
type OriginalFrame struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
	Name   string `json:"name,omitempty"`
}

// SourceLocation is the common "where did this happen" shape used by
// console and exception records (source.url / source.line / source.column).
type SourceLocation struct {
	URL    string `json:"url,omitempty"`
	Line   int    `json:"line"`
	Column int    `json:"column,omitempty"`
}

// ListenerSource is one resolved event-listener binding, produced by the
// deep listener-leak analysis.
type ListenerSource struct {
	ScriptURL    string `json:"scriptUrl"`
	Line         int    `json:"line"`
	Column       int    `json:"column"`
	FunctionName string `json:"functionName"`
	BoundCount   int    `json:"boundElements"`
	Suspicion    string `json:"suspicion"` // "high" | "medium" | ""
}

// MemorySample is one per-session metrics reading (§4.4), optionally
// carrying the lightweight listener-distribution estimate and, when a deep
// scan from a previous growth spike has completed, its results.
type MemorySample struct {
	Type      string `json:"type"`
	HostKey   string `json:"hostname"`
	Timestamp string `json:"timestamp"`
	ID        string `json:"event_id"`

	TargetID  string `json:"targetId"`
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`

	JSHeapUsedBytes  int64 `json:"jsHeapUsedSize"`
	JSHeapTotalBytes int64 `json:"jsHeapTotalSize"`
	DOMNodes         int64 `json:"domNodes"`
	ListenerCount    int64 `json:"jsEventListeners"`
	DocumentCount    int64 `json:"documents"`
	FrameCount       int64 `json:"frames"`

	LayoutCount       int64   `json:"layoutCount"`
	LayoutDurationMs  float64 `json:"layoutDuration"`
	RecalcStyleCount  int64   `json:"recalcStyleCount"`
	RecalcStyleMs     float64 `json:"recalcStyleDuration"`
	ScriptDurationMs  float64 `json:"scriptDuration"`

	GrowthDelta int64 `json:"listenerGrowthDelta"`

	ListenerDistribution []ListenerDistributionBucket `json:"listenerDistribution,omitempty"`
	DeepAnalysis         *ListenerLeakAnalysis         `json:"listenerLeakAnalysis,omitempty"`
}

func (m MemorySample) EventID() string { return m.ID }
func (m MemorySample) Host() string    { return m.HostKey }
func (m MemorySample) Stream() Stream  { return StreamMemory }

// ListenerDistributionBucket is one (hostObject, eventKind) count in the
// always-emitted lightweight listener estimate.
type ListenerDistributionBucket struct {
	HostObject string `json:"hostObject"`
	EventKind  string `json:"eventKind"`
	Count      int    `json:"count"`
}

// ListenerLeakAnalysis is the deep, asynchronous source-attribution result
// attached to the next memory record after a growthDelta > 20 trigger.
type ListenerLeakAnalysis struct {
	TriggeredByDelta int64            `json:"triggeredByDelta"`
	ScanID           string           `json:"scanId"`
	TimedOut         bool             `json:"timedOut"`
	Sources          []ListenerSource `json:"sources"`
}

// NetworkRecord covers all three request lifecycle record types
// (network_request_start/complete/failed) plus the WebSocket sub-stream,
// distinguished by Type.
type NetworkRecord struct {
	Type      string `json:"type"`
	HostKey   string `json:"hostname"`
	Timestamp string `json:"timestamp"`
	ID        string `json:"event_id"`

	TargetID  string `json:"targetId"`
	RequestID string `json:"requestId"`
	Method    string `json:"method,omitempty"`
	URL       string `json:"url,omitempty"`

	Status      int    `json:"status,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	EncodedSize int64  `json:"encodedDataLength,omitempty"`
	DurationMs  float64 `json:"durationMs,omitempty"`
	ErrorText   string `json:"errorText,omitempty"`

	DetailedStack *NetworkStack `json:"detailedStack,omitempty"`

	// WebSocket sub-stream fields.
	Opcode       int    `json:"opcode,omitempty"`
	PayloadText  string `json:"payloadText,omitempty"`
	PayloadLen   int    `json:"payloadLength,omitempty"`
	Binary       bool   `json:"binary,omitempty"`
	FramesPerSec float64 `json:"framesPerSecond,omitempty"`
	ConnectionAgeMs int64 `json:"connectionAgeMs,omitempty"`
}

func (n NetworkRecord) EventID() string { return n.ID }
func (n NetworkRecord) Host() string    { return n.HostKey }
func (n NetworkRecord) Stream() Stream  { return StreamNetwork }

// NetworkStack is the call-stack enrichment attached to a network record
// when one of the §4.5 triggers fires.
type NetworkStack struct {
	Reason    string  `json:"reason"`
	Frames    []Frame `json:"frames"`
	AsyncFrames []Frame `json:"asyncFrames,omitempty"`
}

// ConsoleMessage is one Log.entryAdded / Runtime.consoleAPICalled message.
type ConsoleMessage struct {
	Type      string `json:"type"`
	HostKey   string `json:"hostname"`
	Timestamp string `json:"timestamp"`
	ID        string `json:"event_id"`

	TargetID string         `json:"targetId"`
	Level    string         `json:"level"`
	Message  string         `json:"message"`
	Source   SourceLocation `json:"source"`
}

func (c ConsoleMessage) EventID() string { return c.ID }
func (c ConsoleMessage) Host() string    { return c.HostKey }
func (c ConsoleMessage) Stream() Stream  { return StreamConsole }

// ExceptionMessage is one uncaught exception, with a resolved stack.
type ExceptionMessage struct {
	Type      string `json:"type"`
	HostKey   string `json:"hostname"`
	Timestamp string `json:"timestamp"`
	ID        string `json:"event_id"`

	TargetID string         `json:"targetId"`
	Message  string         `json:"message"`
	Source   SourceLocation `json:"source"`
	Frames   []FrameWithOriginal `json:"frames,omitempty"`
}

func (e ExceptionMessage) EventID() string { return e.ID }
func (e ExceptionMessage) Host() string    { return e.HostKey }
func (e ExceptionMessage) Stream() Stream  { return StreamConsole }

// FrameWithOriginal is a stack frame optionally carrying its source-mapped
// counterpart.
type FrameWithOriginal struct {
	Frame
	Original *OriginalFrame `json:"original,omitempty"`
}

// GCEvent is one heuristically-derived GC pass (§4.7, Open Question: the
// major/minor split is approximate; see DESIGN.md).
type GCEvent struct {
	Type      string `json:"type"`
	HostKey   string `json:"hostname"`
	Timestamp string `json:"timestamp"`
	ID        string `json:"event_id"`

	TargetID    string  `json:"targetId"`
	Kind        string  `json:"kind"` // "major" | "minor"
	HeapBefore  int64   `json:"heapBefore"`
	HeapAfter   int64   `json:"heapAfter"`
	DeltaBytes  int64   `json:"delta"`
}

func (g GCEvent) EventID() string { return g.ID }
func (g GCEvent) Host() string    { return g.HostKey }
func (g GCEvent) Stream() Stream  { return StreamGC }

// LongTask is one main-thread task exceeding the long-task threshold.
type LongTask struct {
	Type      string `json:"type"`
	HostKey   string `json:"hostname"`
	Timestamp string `json:"timestamp"`
	ID        string `json:"event_id"`

	TargetID     string `json:"targetId"`
	DurationMs   float64 `json:"duration"`
	Attribution  string `json:"attribution,omitempty"`
}

func (l LongTask) EventID() string { return l.ID }
func (l LongTask) Host() string    { return l.HostKey }
func (l LongTask) Stream() Stream  { return StreamLongTask }

// HeapSamplingRecord is one 60s heap-allocation-profile summary (§4.7).
type HeapSamplingRecord struct {
	Type      string `json:"type"`
	HostKey   string `json:"hostname"`
	Timestamp string `json:"timestamp"`
	ID        string `json:"event_id"`

	TargetID     string              `json:"targetId"`
	TotalBytes   int64               `json:"totalBytes"`
	SampleCount  int                 `json:"sampleCount"`
	TopAllocators []AllocationEntry  `json:"topAllocators"`
}

// AllocationEntry is one (function, script, line, column) aggregate.
type AllocationEntry struct {
	FunctionName string `json:"functionName"`
	ScriptURL    string `json:"scriptUrl"`
	Line         int    `json:"line"`
	Column       int    `json:"column"`
	SelfSize     int64  `json:"selfSize"`
}

func (h HeapSamplingRecord) EventID() string { return h.ID }
func (h HeapSamplingRecord) Host() string    { return h.HostKey }
func (h HeapSamplingRecord) Stream() Stream  { return StreamHeap }

// StorageRecord covers storage_quota, domstorage_event, and
// domstorage_snapshot records (§4.8), distinguished by Type.
type StorageRecord struct {
	Type      string `json:"type"`
	HostKey   string `json:"hostname"`
	Timestamp string `json:"timestamp"`
	ID        string `json:"event_id"`

	TargetID string `json:"targetId"`

	// storage_quota fields.
	UsageBytes int64 `json:"usageBytes,omitempty"`
	QuotaBytes int64 `json:"quotaBytes,omitempty"`

	// domstorage_event / domstorage_snapshot fields.
	StorageType string `json:"storageType,omitempty"` // "local" | "session"
	Key         string `json:"key,omitempty"`
	OldValue    string `json:"oldValue,omitempty"`
	NewValue    string `json:"newValue,omitempty"`
	Entries     map[string]string `json:"entries,omitempty"`
}

func (s StorageRecord) EventID() string { return s.ID }
func (s StorageRecord) Host() string    { return s.HostKey }
func (s StorageRecord) Stream() Stream  { return StreamStorage }

// CorrelationRecord joins recently-emitted records across streams of one
// host (§4.9).
type CorrelationRecord struct {
	Type      string `json:"type"`
	HostKey   string `json:"hostname"`
	Timestamp string `json:"timestamp"`
	ID        string `json:"event_id"`

	Classification string           `json:"classification"`
	MemorySummary  MemorySample     `json:"memorySummary"`
	NetworkSummary *NetworkRecord   `json:"networkSummary,omitempty"`
	ConsoleSummary *ConsoleMessage  `json:"consoleSummary,omitempty"`
}

func (c CorrelationRecord) EventID() string { return c.ID }
func (c CorrelationRecord) Host() string    { return c.HostKey }
func (c CorrelationRecord) Stream() Stream  { return StreamCorrelation }
