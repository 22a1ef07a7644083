// console.go — Console observer: Log.entryAdded, Runtime.consoleAPICalled,
// and Runtime.exceptionThrown, enriched with resolved source-map frames
// where a sourcemap.Resolver is configured (§4.6).
package capture

import (
	"context"
	"encoding/json"
	"time"

	"cdr.dev/slog"

	"github.com/browserfairy/browserfairy-go/internal/eventid"
	"github.com/browserfairy/browserfairy-go/internal/protocol"
	"github.com/browserfairy/browserfairy-go/internal/ratelimit"
	"github.com/browserfairy/browserfairy-go/internal/sourcemap"
	"github.com/browserfairy/browserfairy-go/internal/util"
)

// sourceMapTimeout bounds how long the console observer waits on a
// Resolver before emitting the record unresolved.
const sourceMapTimeout = 200 * time.Millisecond

// consoleRateLimit is the token-bucket rate applied to console/exception
// records (§4.6: 10 tokens/s per session).
const consoleRateLimit = 10

// ConsoleCollector forwards console/log messages and uncaught exceptions,
// resolving frames through a sourcemap.Resolver where possible.
type ConsoleCollector struct {
	log      slog.Logger
	client   *protocol.Client
	host     string
	targetID string
	resolver sourcemap.Resolver
	sink     Sink
	limiter  *ratelimit.Limiter

	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsoleCollector creates a collector scoped to one session. resolver
// may be sourcemap.NoOp{} when no collaborator is configured. limiter may be
// nil, in which case the §4.6 default of 10 tokens/s is used.
func NewConsoleCollector(log slog.Logger, client *protocol.Client, host, targetID string, resolver sourcemap.Resolver, limiter *ratelimit.Limiter, sink Sink) *ConsoleCollector {
	if limiter == nil {
		limiter = ratelimit.New(consoleRateLimit)
	}
	return &ConsoleCollector{
		log:      log.Named("console").With(slog.F("target_id", targetID)),
		client:   client,
		host:     host,
		targetID: targetID,
		resolver: resolver,
		sink:     sink,
		limiter:  limiter,
		done:     make(chan struct{}),
	}
}

// Start subscribes to Log.entryAdded, Runtime.consoleAPICalled, and
// Runtime.exceptionThrown for sessionID.
func (c *ConsoleCollector) Start(ctx context.Context, sessionID string) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	logEntries := c.client.Subscribe("Log.entryAdded", sessionID)
	consoleAPI := c.client.Subscribe("Runtime.consoleAPICalled", sessionID)
	exceptions := c.client.Subscribe("Runtime.exceptionThrown", sessionID)

	util.SafeGo(func() {
		defer close(c.done)
		for {
			select {
			case ev, ok := <-logEntries.C:
				if !ok {
					return
				}
				c.handleLogEntry(ctx, ev)
			case ev, ok := <-consoleAPI.C:
				if !ok {
					return
				}
				c.handleConsoleAPI(ctx, ev)
			case ev, ok := <-exceptions.C:
				if !ok {
					return
				}
				c.handleException(ctx, ev)
			case <-ctx.Done():
				return
			}
		}
	})
}

// Close stops the collector.
func (c *ConsoleCollector) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
	return nil
}

type logEntryParams struct {
	Entry struct {
		Level      string     `json:"level"`
		Text       string     `json:"text"`
		URL        string     `json:"url"`
		LineNumber int        `json:"lineNumber"`
		StackTrace stackTrace `json:"stackTrace"`
	} `json:"entry"`
}

type callFrame struct {
	FunctionName string `json:"functionName"`
	URL          string `json:"url"`
	LineNumber   int    `json:"lineNumber"`
	ColumnNumber int    `json:"columnNumber"`
}

func (c *ConsoleCollector) handleLogEntry(ctx context.Context, ev protocol.Event) {
	var p logEntryParams
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return
	}
	source := SourceLocation{URL: p.Entry.URL, Line: p.Entry.LineNumber}
	if len(p.Entry.StackTrace.CallFrames) > 0 {
		top := p.Entry.StackTrace.CallFrames[0]
		source = SourceLocation{URL: top.URL, Line: top.LineNumber, Column: top.ColumnNumber}
	}
	c.emitConsole(ctx, p.Entry.Level, p.Entry.Text, source)
}

type consoleAPICalledParams struct {
	Type       string     `json:"type"`
	StackTrace stackTrace `json:"stackTrace"`
	Args       []struct {
		Value       json.RawMessage `json:"value"`
		Description string          `json:"description"`
	} `json:"args"`
}

func (c *ConsoleCollector) handleConsoleAPI(ctx context.Context, ev protocol.Event) {
	var p consoleAPICalledParams
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return
	}
	text := ""
	for i, arg := range p.Args {
		if i > 0 {
			text += " "
		}
		if arg.Description != "" {
			text += arg.Description
		} else {
			text += string(arg.Value)
		}
	}
	var source SourceLocation
	if len(p.StackTrace.CallFrames) > 0 {
		top := p.StackTrace.CallFrames[0]
		source = SourceLocation{URL: top.URL, Line: top.LineNumber, Column: top.ColumnNumber}
	}
	c.emitConsole(ctx, p.Type, text, source)
}

func (c *ConsoleCollector) emitConsole(ctx context.Context, level, message string, source SourceLocation) {
	if !c.limiter.Allow() {
		return
	}
	record := ConsoleMessage{
		Type:      "console",
		HostKey:   c.host,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		TargetID:  c.targetID,
		Level:     level,
		Message:   message,
		Source:    source,
	}
	record.ID = eventid.Console(record.HostKey, record.Timestamp, record.Level, record.Message, record.Source.URL, record.Source.Line)
	c.sink(record)
}

type exceptionThrownParams struct {
	ExceptionDetails struct {
		Text         string     `json:"text"`
		URL          string     `json:"url"`
		LineNumber   int        `json:"lineNumber"`
		ColumnNumber int        `json:"columnNumber"`
		StackTrace   stackTrace `json:"stackTrace"`
		Exception    struct {
			Description string `json:"description"`
		} `json:"exception"`
	} `json:"exceptionDetails"`
}

func (c *ConsoleCollector) handleException(ctx context.Context, ev protocol.Event) {
	var p exceptionThrownParams
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return
	}
	if !c.limiter.Allow() {
		return
	}
	details := p.ExceptionDetails
	message := details.Exception.Description
	if message == "" {
		message = details.Text
	}
	source := SourceLocation{URL: details.URL, Line: details.LineNumber, Column: details.ColumnNumber}

	frames := make([]FrameWithOriginal, 0, len(details.StackTrace.CallFrames))
	for i, f := range details.StackTrace.CallFrames {
		if i >= maxSyncFrames {
			break
		}
		frame := Frame{FunctionName: f.FunctionName, URL: f.URL, Line: f.LineNumber, Column: f.ColumnNumber}
		frames = append(frames, FrameWithOriginal{Frame: frame, Original: c.resolve(ctx, frame)})
	}

	record := ExceptionMessage{
		Type:      "exception",
		HostKey:   c.host,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		TargetID:  c.targetID,
		Message:   message,
		Source:    source,
		Frames:    frames,
	}
	record.ID = eventid.Exception(record.HostKey, record.Timestamp, record.Message, record.Source.URL, record.Source.Line, record.Source.Column)
	c.sink(record)
}

// resolve attempts a source-map resolution for frame, bounded by
// sourceMapTimeout; resolution failures leave the frame's Original nil.
func (c *ConsoleCollector) resolve(ctx context.Context, frame Frame) *OriginalFrame {
	if frame.URL == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, sourceMapTimeout)
	defer cancel()

	resolved, ok, err := c.resolver.Resolve(ctx, frame.URL, frame.Line, frame.Column)
	if err != nil || !ok {
		return nil
	}
	return &OriginalFrame{File: resolved.FileName, Line: resolved.Line, Column: resolved.Column, Name: resolved.FunctionName}
}
