// network.go — Network observer: request/response pairing, WebSocket
// sub-stream frames, and call-stack enrichment (§4.5).
package capture

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"cdr.dev/slog"

	"github.com/browserfairy/browserfairy-go/internal/eventid"
	"github.com/browserfairy/browserfairy-go/internal/protocol"
	"github.com/browserfairy/browserfairy-go/internal/ratelimit"
	"github.com/browserfairy/browserfairy-go/internal/util"
)

// Enrichment size thresholds (§4.5).
const (
	largeUploadBytes      = 100 * 1024
	largeDownloadBytes    = 100 * 1024
	highFrequencyCount     = 10
	repeatedResourceCount  = 3
	repeatedResourceBytes  = 10 * 1024
	maxSyncFrames          = 30
	maxAsyncFrames         = 15
	websocketTextTruncate  = 1024
)

// networkRateLimit is the token-bucket rate applied to network records
// (§4.5: 50 tokens/s per session).
const networkRateLimit = 50

// NetworkCollector pairs Network.requestWillBeSent with its terminal event
// (loadingFinished/loadingFailed) and forwards WebSocket frame events as
// their own record type.
type NetworkCollector struct {
	log       slog.Logger
	client    *protocol.Client
	host      string
	targetID  string
	sessionID string
	sink      Sink
	limiter   *ratelimit.Limiter
	closing   func() bool

	mu      sync.Mutex
	pending map[string]*pendingRequest

	endpointCounts map[string]int // method+url-without-query -> seen count
	urlCounts      map[string]int // exact url -> seen count

	wsConns map[string]*wsConnState

	subs   []*protocol.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

type pendingRequest struct {
	method       string
	url          string
	startedAt    time.Time
	initiator    []Frame
	asyncFrames  []Frame
	uploadBytes  int64
	statusCode   int
	mimeType     string
}

type wsConnState struct {
	connectedAt time.Time
	frameCount  int
	windowStart time.Time
	windowCount int
}

// NewNetworkCollector creates a collector scoped to one session. closing
// should report whether the session is shutting down, so stack collection
// (an extra round trip) is skipped during teardown. limiter may be nil, in
// which case the §4.5 default of 50 tokens/s is used.
func NewNetworkCollector(log slog.Logger, client *protocol.Client, host, targetID string, closing func() bool, limiter *ratelimit.Limiter, sink Sink) *NetworkCollector {
	if limiter == nil {
		limiter = ratelimit.New(networkRateLimit)
	}
	return &NetworkCollector{
		log:            log.Named("network").With(slog.F("target_id", targetID)),
		client:         client,
		host:           host,
		targetID:       targetID,
		sink:           sink,
		limiter:        limiter,
		closing:        closing,
		pending:        make(map[string]*pendingRequest),
		endpointCounts: make(map[string]int),
		urlCounts:      make(map[string]int),
		wsConns:        make(map[string]*wsConnState),
		done:           make(chan struct{}),
	}
}

// Start subscribes to the Network and WebSocket events for sessionID.
func (n *NetworkCollector) Start(ctx context.Context, sessionID string) {
	n.sessionID = sessionID
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	willBeSent := n.client.Subscribe("Network.requestWillBeSent", sessionID)
	finished := n.client.Subscribe("Network.loadingFinished", sessionID)
	failed := n.client.Subscribe("Network.loadingFailed", sessionID)
	responseReceived := n.client.Subscribe("Network.responseReceived", sessionID)
	wsCreated := n.client.Subscribe("Network.webSocketCreated", sessionID)
	wsClosed := n.client.Subscribe("Network.webSocketClosed", sessionID)
	wsSent := n.client.Subscribe("Network.webSocketFrameSent", sessionID)
	wsReceived := n.client.Subscribe("Network.webSocketFrameReceived", sessionID)
	wsError := n.client.Subscribe("Network.webSocketFrameError", sessionID)
	n.subs = []*protocol.Subscription{willBeSent, finished, failed, responseReceived, wsCreated, wsClosed, wsSent, wsReceived, wsError}

	util.SafeGo(func() {
		defer close(n.done)
		for {
			select {
			case ev, ok := <-willBeSent.C:
				if !ok {
					return
				}
				n.handleRequestWillBeSent(ctx, ev)
			case ev, ok := <-responseReceived.C:
				if !ok {
					return
				}
				n.handleResponseReceived(ev)
			case ev, ok := <-finished.C:
				if !ok {
					return
				}
				n.handleLoadingFinished(ctx, ev)
			case ev, ok := <-failed.C:
				if !ok {
					return
				}
				n.handleLoadingFailed(ev)
			case ev, ok := <-wsCreated.C:
				if !ok {
					return
				}
				n.handleWebSocketCreated(ev)
			case ev, ok := <-wsClosed.C:
				if !ok {
					return
				}
				n.handleWebSocketClosed(ev)
			case ev, ok := <-wsSent.C:
				if !ok {
					return
				}
				n.handleWebSocketFrame(ev, "websocket_frame_sent")
			case ev, ok := <-wsReceived.C:
				if !ok {
					return
				}
				n.handleWebSocketFrame(ev, "websocket_frame_received")
			case ev, ok := <-wsError.C:
				if !ok {
					return
				}
				n.handleWebSocketError(ev)
			case <-ctx.Done():
				return
			}
		}
	})
}

// Close stops the collector.
func (n *NetworkCollector) Close() error {
	if n.cancel != nil {
		n.cancel()
	}
	<-n.done
	return nil
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

type requestWillBeSentParams struct {
	RequestID string `json:"requestId"`
	Request   struct {
		URL         string `json:"url"`
		Method      string `json:"method"`
		PostData    string `json:"postData"`
		HasPostData bool   `json:"hasPostData"`
	} `json:"request"`
	Initiator struct {
		Stack stackTrace `json:"stack"`
	} `json:"initiator"`
}

type stackTrace struct {
	CallFrames []callFrame `json:"callFrames"`
	Parent     *stackTrace `json:"parent"`
}

func (n *NetworkCollector) handleRequestWillBeSent(ctx context.Context, ev protocol.Event) {
	var p requestWillBeSentParams
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return
	}

	syncFrames, asyncFrames := splitFrames(p.Initiator.Stack)

	req := &pendingRequest{
		method:      p.Request.Method,
		url:         p.Request.URL,
		startedAt:   time.Now(),
		initiator:   syncFrames,
		asyncFrames: asyncFrames,
		uploadBytes: int64(len(p.Request.PostData)),
	}

	n.mu.Lock()
	n.pending[p.RequestID] = req
	n.mu.Unlock()

	if !n.limiter.Allow() {
		return
	}
	record := NetworkRecord{
		Type:      "network_request_start",
		HostKey:   n.host,
		Timestamp: now(),
		TargetID:  n.targetID,
		RequestID: p.RequestID,
		Method:    p.Request.Method,
		URL:       p.Request.URL,
	}
	record.ID = eventid.NetworkRequestStart(record.HostKey, record.Timestamp, record.RequestID, record.Method, record.URL)
	n.sink(record)
}

// splitFrames flattens a CDP stack trace into bounded sync/async frame
// slices: the top stackTrace is synchronous, any parent chain (async
// boundary frames such as setTimeout/promise continuations) is async.
func splitFrames(st stackTrace) (syncFrames []Frame, asyncFrames []Frame) {
	for _, f := range st.CallFrames {
		if len(syncFrames) >= maxSyncFrames {
			break
		}
		syncFrames = append(syncFrames, Frame{FunctionName: f.FunctionName, URL: f.URL, Line: f.LineNumber, Column: f.ColumnNumber})
	}
	for parent := st.Parent; parent != nil && len(asyncFrames) < maxAsyncFrames; parent = parent.Parent {
		for _, f := range parent.CallFrames {
			if len(asyncFrames) >= maxAsyncFrames {
				break
			}
			asyncFrames = append(asyncFrames, Frame{FunctionName: f.FunctionName, URL: f.URL, Line: f.LineNumber, Column: f.ColumnNumber})
		}
	}
	return syncFrames, asyncFrames
}

type responseReceivedParams struct {
	RequestID string `json:"requestId"`
	Response  struct {
		Status   int    `json:"status"`
		MimeType string `json:"mimeType"`
	} `json:"response"`
}

func (n *NetworkCollector) handleResponseReceived(ev protocol.Event) {
	var p responseReceivedParams
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return
	}
	n.mu.Lock()
	req, ok := n.pending[p.RequestID]
	if ok {
		req.statusCode = p.Response.Status
		req.mimeType = p.Response.MimeType
	}
	n.mu.Unlock()
}

type loadingFinishedParams struct {
	RequestID         string  `json:"requestId"`
	EncodedDataLength float64 `json:"encodedDataLength"`
}

func (n *NetworkCollector) handleLoadingFinished(ctx context.Context, ev protocol.Event) {
	var p loadingFinishedParams
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return
	}
	n.emit(ctx, p.RequestID, int64(p.EncodedDataLength), false, "")
}

type loadingFailedParams struct {
	RequestID string `json:"requestId"`
	ErrorText string `json:"errorText"`
}

func (n *NetworkCollector) handleLoadingFailed(ev protocol.Event) {
	var p loadingFailedParams
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return
	}
	n.emit(context.Background(), p.RequestID, 0, true, p.ErrorText)
}

// endpointKey drops the query string, matching §4.5's
// "method+URL-without-query" identity for the high-frequency trigger.
func endpointKey(method, url string) string {
	if idx := strings.IndexByte(url, '?'); idx >= 0 {
		url = url[:idx]
	}
	return method + " " + url
}

func (n *NetworkCollector) emit(ctx context.Context, requestID string, encodedBytes int64, failed bool, errText string) {
	n.mu.Lock()
	req, ok := n.pending[requestID]
	if ok {
		delete(n.pending, requestID)
	}
	n.mu.Unlock()
	if !ok {
		return
	}

	if !n.limiter.Allow() {
		return
	}

	recordType := "network_request_complete"
	if failed {
		recordType = "network_request_failed"
	}

	ts := now()
	record := NetworkRecord{
		Type:        recordType,
		HostKey:     n.host,
		Timestamp:   ts,
		TargetID:    n.targetID,
		RequestID:   requestID,
		Method:      req.method,
		URL:         req.url,
		Status:      req.statusCode,
		MimeType:    req.mimeType,
		DurationMs:  float64(time.Since(req.startedAt).Microseconds()) / 1000,
		EncodedSize: encodedBytes,
		ErrorText:   errText,
	}

	if failed {
		record.ID = eventid.NetworkRequestFailed(record.HostKey, record.Timestamp, record.RequestID, record.URL, errText)
	} else {
		record.ID = eventid.NetworkRequestComplete(record.HostKey, record.Timestamp, record.RequestID, record.Status, record.URL)
	}

	if reason, ok := n.enrichmentReason(req, encodedBytes); ok {
		record.DetailedStack = n.collectStack(ctx, reason, req)
	}

	n.sink(record)
}

// enrichmentReason evaluates the §4.5 triggers in priority order and
// returns the reason to record if any fires.
func (n *NetworkCollector) enrichmentReason(req *pendingRequest, responseBytes int64) (string, bool) {
	if req.uploadBytes > largeUploadBytes {
		return "large_upload", true
	}
	if responseBytes > largeDownloadBytes {
		return "large_download", true
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	key := endpointKey(req.method, req.url)
	n.endpointCounts[key]++
	if count := n.endpointCounts[key]; count > highFrequencyCount {
		return reasonWithCount("high_frequency_api", count), true
	}

	if responseBytes > repeatedResourceBytes {
		n.urlCounts[req.url]++
		if count := n.urlCounts[req.url]; count > repeatedResourceCount {
			return reasonWithCount("repeated_resource", count), true
		}
	}
	return "", false
}

func reasonWithCount(prefix string, count int) string {
	return prefix + "_" + strconv.Itoa(count)
}

// collectStack packages the initiator stack already captured inline at
// request-start time into an enrichment record. Skipped entirely if the
// session is closing, since a collector torn down mid-shutdown has no use
// for enrichment nobody will read.
func (n *NetworkCollector) collectStack(ctx context.Context, reason string, req *pendingRequest) *NetworkStack {
	if n.closing != nil && n.closing() {
		return nil
	}
	return &NetworkStack{Reason: reason, Frames: req.initiator, AsyncFrames: req.asyncFrames}
}

type webSocketCreatedParams struct {
	RequestID string `json:"requestId"`
	URL       string `json:"url"`
}

func (n *NetworkCollector) handleWebSocketCreated(ev protocol.Event) {
	var p webSocketCreatedParams
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return
	}
	n.mu.Lock()
	n.wsConns[p.RequestID] = &wsConnState{connectedAt: time.Now(), windowStart: time.Now()}
	n.mu.Unlock()

	record := NetworkRecord{
		Type:      "websocket_connect",
		HostKey:   n.host,
		Timestamp: now(),
		TargetID:  n.targetID,
		RequestID: p.RequestID,
		URL:       p.URL,
	}
	record.ID = eventid.Compute("websocket_connect", record.HostKey, record.Timestamp, record.RequestID, record.URL)
	n.sink(record)
}

type webSocketClosedParams struct {
	RequestID string `json:"requestId"`
}

func (n *NetworkCollector) handleWebSocketClosed(ev protocol.Event) {
	var p webSocketClosedParams
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return
	}
	n.mu.Lock()
	state, ok := n.wsConns[p.RequestID]
	delete(n.wsConns, p.RequestID)
	n.mu.Unlock()

	var ageMs int64
	if ok {
		ageMs = time.Since(state.connectedAt).Milliseconds()
	}

	record := NetworkRecord{
		Type:            "websocket_close",
		HostKey:         n.host,
		Timestamp:       now(),
		TargetID:        n.targetID,
		RequestID:       p.RequestID,
		ConnectionAgeMs: ageMs,
	}
	record.ID = eventid.Compute("websocket_close", record.HostKey, record.Timestamp, record.RequestID)
	n.sink(record)
}

type webSocketFrameParams struct {
	RequestID string `json:"requestId"`
	Response  struct {
		Opcode      int    `json:"opcode"`
		PayloadData string `json:"payloadData"`
	} `json:"response"`
}

func (n *NetworkCollector) handleWebSocketFrame(ev protocol.Event, recordType string) {
	var p webSocketFrameParams
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return
	}
	if !n.limiter.Allow() {
		return
	}

	n.mu.Lock()
	state, ok := n.wsConns[p.RequestID]
	if !ok {
		state = &wsConnState{connectedAt: time.Now(), windowStart: time.Now()}
		n.wsConns[p.RequestID] = state
	}
	state.frameCount++
	if time.Since(state.windowStart) > time.Second {
		state.windowStart = time.Now()
		state.windowCount = 0
	}
	state.windowCount++
	fps := float64(state.windowCount)
	ageMs := time.Since(state.connectedAt).Milliseconds()
	n.mu.Unlock()

	binary := p.Response.Opcode == 2 // CDP opcode 2 = binary
	record := NetworkRecord{
		Type:            recordType,
		HostKey:         n.host,
		Timestamp:       now(),
		TargetID:        n.targetID,
		RequestID:       p.RequestID,
		Opcode:          p.Response.Opcode,
		Binary:          binary,
		FramesPerSec:    fps,
		ConnectionAgeMs: ageMs,
	}
	if binary {
		raw, _ := base64.StdEncoding.DecodeString(p.Response.PayloadData)
		record.PayloadLen = len(raw)
	} else {
		record.PayloadLen = len(p.Response.PayloadData)
		record.PayloadText = truncate(p.Response.PayloadData, websocketTextTruncate)
	}
	record.ID = eventid.Compute(recordType, record.HostKey, record.Timestamp, record.RequestID, strconv.Itoa(record.PayloadLen))
	n.sink(record)
}

type webSocketFrameErrorParams struct {
	RequestID    string `json:"requestId"`
	ErrorMessage string `json:"errorMessage"`
}

func (n *NetworkCollector) handleWebSocketError(ev protocol.Event) {
	var p webSocketFrameErrorParams
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return
	}
	record := NetworkRecord{
		Type:      "websocket_frame_error",
		HostKey:   n.host,
		Timestamp: now(),
		TargetID:  n.targetID,
		RequestID: p.RequestID,
		ErrorText: p.ErrorMessage,
	}
	record.ID = eventid.Compute("websocket_frame_error", record.HostKey, record.Timestamp, record.RequestID, record.ErrorText)
	n.sink(record)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
