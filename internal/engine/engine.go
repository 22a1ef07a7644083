// engine.go — Wires the Protocol Client, Target Registry, Supervisor, and
// per-host Writer together into the running core. This is the one place
// that knows about every collector; everything it depends on (session,
// supervisor, registry, writer, correlate, capture) stays ignorant of the
// others.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"cdr.dev/slog"

	"github.com/browserfairy/browserfairy-go/internal/capture"
	"github.com/browserfairy/browserfairy-go/internal/config"
	"github.com/browserfairy/browserfairy-go/internal/correlate"
	"github.com/browserfairy/browserfairy-go/internal/hostkey"
	"github.com/browserfairy/browserfairy-go/internal/protocol"
	"github.com/browserfairy/browserfairy-go/internal/registry"
	"github.com/browserfairy/browserfairy-go/internal/session"
	"github.com/browserfairy/browserfairy-go/internal/sourcemap"
	"github.com/browserfairy/browserfairy-go/internal/supervisor"
	"github.com/browserfairy/browserfairy-go/internal/util"
	"github.com/browserfairy/browserfairy-go/internal/writer"
)

// overviewFlushInterval is how often a host's drop counters are resynced
// and overview.json is rewritten, from the host's first attach until
// Shutdown, whether or not the host still has a live target.
const overviewFlushInterval = 5 * time.Second

// Engine owns the live connection to one browser's debug endpoint and
// everything downstream of it: target discovery, per-target sessions, their
// collectors, and the per-host NDJSON writers those collectors feed.
type Engine struct {
	log      slog.Logger
	client   *protocol.Client
	cfg      *config.Config
	resolver sourcemap.Resolver

	sessionsRoot string
	startedAt    time.Time

	registry   *registry.Registry
	supervisor *supervisor.Supervisor
	correlator *correlate.Correlator

	hostsMu sync.Mutex
	hosts   map[string]*hostState
}

type hostState struct {
	writer   *writer.Writer
	overview *writer.OverviewWriter
	refs     int
	stop     chan struct{}
}

// New connects to the browser's debug WebSocket and assembles the engine.
// resolveEndpoint is called by protocol.Connect before every connection
// attempt (including retries), so a caller backed by HTTP discovery
// re-resolves the endpoint each time rather than retrying a stale URL
// (§4.1). resolver may be sourcemap.NoOp{} when no source-map collaborator
// is configured.
func New(ctx context.Context, log slog.Logger, cfg *config.Config, sessionsRoot string, resolveEndpoint func(context.Context) (string, error), resolver sourcemap.Resolver) (*Engine, error) {
	client, err := protocol.Connect(ctx, log, resolveEndpoint)
	if err != nil {
		return nil, fmt.Errorf("connecting to debug endpoint: %w", err)
	}

	e := &Engine{
		log:          log.Named("engine"),
		client:       client,
		cfg:          cfg,
		resolver:     resolver,
		sessionsRoot: sessionsRoot,
		startedAt:    time.Now(),
		correlator:   correlate.New(),
		hosts:        make(map[string]*hostState),
	}

	sup, err := supervisor.New(log, e.attach)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("building supervisor: %w", err)
	}
	e.supervisor = sup

	e.registry = registry.New(log, client, e.onAppear, e.onNavigate, e.onDisappear)
	return e, nil
}

// Start begins target discovery. It returns once the initial target
// snapshot has been taken; discovery and monitoring continue in the
// background until Shutdown is called.
func (e *Engine) Start(ctx context.Context) error {
	return e.registry.Start(ctx)
}

// Shutdown tears down every live session, stops discovery, flushes every
// host's overview one last time, and closes the underlying connection.
func (e *Engine) Shutdown(ctx context.Context) {
	e.registry.Stop()
	e.supervisor.Shutdown(ctx)

	e.hostsMu.Lock()
	hosts := make([]*hostState, 0, len(e.hosts))
	for _, hs := range e.hosts {
		hosts = append(hosts, hs)
	}
	e.hostsMu.Unlock()

	for _, hs := range hosts {
		close(hs.stop)
		if err := hs.overview.Flush(); err != nil {
			e.log.Warn(ctx, "engine: final overview flush failed", slog.Error(err))
		}
		if err := hs.writer.Close(); err != nil {
			e.log.Warn(ctx, "engine: writer close failed", slog.Error(err))
		}
	}

	if err := e.client.Close(); err != nil {
		e.log.Warn(ctx, "engine: protocol client close failed", slog.Error(err))
	}

	overviews := make([]writer.Overview, 0, len(hosts))
	for _, hs := range hosts {
		overviews = append(overviews, hs.overview.Snapshot())
	}
	if err := writer.WriteSessionOverview(e.sessionsRoot, e.startedAt, time.Now(), overviews); err != nil {
		e.log.Warn(ctx, "engine: session overview write failed", slog.Error(err))
	}
}

// Overview returns a snapshot of every host currently being monitored, for
// the status surface and the shutdown summary.
func (e *Engine) Overview() []writer.Overview {
	e.hostsMu.Lock()
	defer e.hostsMu.Unlock()
	out := make([]writer.Overview, 0, len(e.hosts))
	for _, hs := range e.hosts {
		out = append(out, hs.overview.Snapshot())
	}
	return out
}

func (e *Engine) onAppear(target registry.Target) {
	e.supervisor.OnAppear(target)
}

func (e *Engine) onNavigate(old, newTarget registry.Target) {
	// A navigation can change which host a target belongs to (and the
	// target's CDP execution context is torn down on cross-document
	// navigation regardless), so treat it as a disappear of the old
	// identity followed by a fresh appear under the new URL.
	e.supervisor.OnDisappear(old)
	e.supervisor.OnAppear(newTarget)
}

func (e *Engine) onDisappear(target registry.Target) {
	e.supervisor.OnDisappear(target)
}

// attach implements supervisor.AttachFunc: it builds a Session for target
// and starts every collector against it, sinking records into the target's
// host writer.
func (e *Engine) attach(ctx context.Context, target registry.Target) (*supervisor.TargetSession, error) {
	host := hostkey.Derive(target.URL)
	hs, err := e.acquireHost(host)
	if err != nil {
		return nil, fmt.Errorf("opening writer for host %s: %w", host, err)
	}

	sess, err := session.Attach(ctx, e.log, e.client, target.ID)
	if err != nil {
		e.releaseHost(host)
		return nil, fmt.Errorf("attaching session: %w", err)
	}

	unavailable := sess.UnavailableDomains()
	if len(unavailable) > 0 {
		names := make([]string, 0, len(unavailable))
		for d := range unavailable {
			names = append(names, string(d))
		}
		hs.overview.SetUnavailableDomains(names)
	}

	sessionID := sess.SessionID
	sink := hs.writer.Write

	mem := capture.NewMemoryCollector(e.log, e.client, host, target.ID, target.URL, e.supervisor.Touch, sink)
	net := capture.NewNetworkCollector(e.log, e.client, host, target.ID, sess.Closed, e.cfg.NetworkLimiter(), sink)
	cons := capture.NewConsoleCollector(e.log, e.client, host, target.ID, e.resolver, e.cfg.ConsoleLimiter(), sink)
	gc := capture.NewGCCollector(e.log, e.client, host, target.ID, sink)
	longtask := capture.NewLongTaskCollector(e.log, e.client, host, target.ID, sink)
	heap := capture.NewHeapCollector(e.log, e.client, host, target.ID, sink)
	storage := capture.NewStorageCollector(e.log, e.client, host, target.ID, originOf(target.URL), sink)

	collectors := []interface {
		Start(ctx context.Context, sessionID string)
		Close() error
	}{mem, net, cons, gc, longtask, heap, storage}

	for _, c := range collectors {
		c.Start(ctx, sessionID)
	}

	closers := make([]func(context.Context) error, 0, len(collectors)+1)
	for _, c := range collectors {
		c := c
		closers = append(closers, func(context.Context) error { return c.Close() })
	}
	closers = append(closers, func(context.Context) error {
		e.releaseHost(host)
		return nil
	})

	return &supervisor.TargetSession{Session: sess, Closers: closers}, nil
}

// acquireHost returns the writer/overview pair for host, creating them (and
// starting the overview-flush loop) on first use, and bumping a reference
// count so the pair is kept alive for as long as any target under that host
// is attached.
func (e *Engine) acquireHost(host string) (*hostState, error) {
	e.hostsMu.Lock()
	defer e.hostsMu.Unlock()

	if hs, ok := e.hosts[host]; ok {
		hs.refs++
		return hs, nil
	}

	sessionDir := filepath.Join(e.sessionsRoot, host)
	ov := writer.NewOverviewWriter(sessionDir, host)

	var w *writer.Writer
	acceptedHook := func(record capture.Record) {
		ov.RecordAccepted(string(record.Stream()))
		if corr := e.correlator.Accept(record); corr != nil {
			w.Write(corr)
		}
	}

	var err error
	w, err = writer.New(e.log, e.sessionsRoot, host, e.cfg.FlushMode(), e.cfg.BatchInterval(), acceptedHook)
	if err != nil {
		return nil, err
	}

	hs := &hostState{writer: w, overview: ov, refs: 1, stop: make(chan struct{})}
	e.hosts[host] = hs
	util.SafeGo(func() { e.flushLoop(host, hs) })
	return hs, nil
}

// releaseHost drops a reference to host's writer/overview pair. The pair is
// kept open even at zero references, since a host with no currently
// attached target may still gain one again; Shutdown is what actually
// closes every host.
func (e *Engine) releaseHost(host string) {
	e.hostsMu.Lock()
	defer e.hostsMu.Unlock()
	if hs, ok := e.hosts[host]; ok && hs.refs > 0 {
		hs.refs--
	}
}

func (e *Engine) flushLoop(host string, hs *hostState) {
	ticker := time.NewTicker(overviewFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, s := range []capture.Stream{
				capture.StreamMemory, capture.StreamNetwork, capture.StreamConsole,
				capture.StreamGC, capture.StreamLongTask, capture.StreamHeap,
				capture.StreamStorage, capture.StreamCorrelation,
			} {
				hs.overview.RecordDropped(string(s), hs.writer.DropCount(s))
			}
			if err := hs.overview.Flush(); err != nil {
				e.log.Warn(context.Background(), "engine: overview flush failed", slog.F("host", host), slog.Error(err))
			}
		case <-hs.stop:
			return
		}
	}
}

// originOf returns the scheme://host[:port] security origin for rawURL, or
// "" if one cannot be determined (including data: and blob: URLs).
func originOf(rawURL string) string {
	return util.ExtractOrigin(rawURL)
}
