// registry.go — Target Registry: tracks attachable page targets and
// reconciles CDP's own target-lifecycle events against a polling fallback.
//
// Event-driven updates (Target.targetCreated/Info/Destroyed) are the
// primary path; a 5s poll of Target.getTargets backstops targets that
// change without firing the expected event, the way
// original_source/browserfairy/monitors/tabs.py re-reads every known
// target's info on each poll tick rather than trusting events alone.
package registry

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"cdr.dev/slog"

	"github.com/browserfairy/browserfairy-go/internal/protocol"
	"github.com/browserfairy/browserfairy-go/internal/util"
)

// PollInterval is the reconciliation poll period.
const PollInterval = 5 * time.Second

// Target is an attachable page-level CDP target.
type Target struct {
	ID     string
	URL    string
	Title  string
	Type   string // "page", "iframe", ...
}

// Registry tracks the set of currently known attachable targets.
type Registry struct {
	log    slog.Logger
	client *protocol.Client

	mu      sync.Mutex
	targets map[string]Target

	onAppear     func(Target)
	onNavigate   func(old, new Target)
	onDisappear  func(Target)

	stop chan struct{}
}

// New creates a Registry. The callbacks may be nil.
func New(log slog.Logger, client *protocol.Client, onAppear func(Target), onNavigate func(old, new Target), onDisappear func(Target)) *Registry {
	return &Registry{
		log:         log,
		client:      client,
		targets:     make(map[string]Target),
		onAppear:    onAppear,
		onNavigate:  onNavigate,
		onDisappear: onDisappear,
		stop:        make(chan struct{}),
	}
}

// Start subscribes to target lifecycle events, seeds the initial snapshot,
// and launches the polling-fallback reconciliation loop. Start returns once
// the initial snapshot has been taken.
func (r *Registry) Start(ctx context.Context) error {
	if _, err := r.client.Call(ctx, "", "Target.setDiscoverTargets", map[string]any{"discover": true}); err != nil {
		return err
	}

	created := r.client.Subscribe("Target.targetCreated", "")
	info := r.client.Subscribe("Target.targetInfoChanged", "")
	destroyed := r.client.Subscribe("Target.targetDestroyed", "")

	util.SafeGo(func() { r.watch(created, info, destroyed) })

	if err := r.reconcile(ctx); err != nil {
		return err
	}

	util.SafeGo(func() { r.pollLoop(ctx) })
	return nil
}

// Stop halts the polling loop. Event subscriptions are torn down when the
// underlying protocol.Client is closed.
func (r *Registry) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
}

// Snapshot returns the currently known targets.
func (r *Registry) Snapshot() []Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Target, 0, len(r.targets))
	for _, t := range r.targets {
		out = append(out, t)
	}
	return out
}

func (r *Registry) watch(created, info, destroyed *protocol.Subscription) {
	for {
		select {
		case ev, ok := <-created.C:
			if !ok {
				return
			}
			r.handleTargetInfoEvent(ev, "Target.targetCreated")
		case ev, ok := <-info.C:
			if !ok {
				return
			}
			r.handleTargetInfoEvent(ev, "Target.targetInfoChanged")
		case ev, ok := <-destroyed.C:
			if !ok {
				return
			}
			r.handleDestroyed(ev)
		case <-r.stop:
			return
		}
	}
}

type targetInfoEvent struct {
	TargetInfo struct {
		TargetID string `json:"targetId"`
		Type     string `json:"type"`
		URL      string `json:"url"`
		Title    string `json:"title"`
	} `json:"targetInfo"`
}

func (r *Registry) handleTargetInfoEvent(ev protocol.Event, method string) {
	var parsed targetInfoEvent
	if err := json.Unmarshal(ev.Params, &parsed); err != nil {
		r.log.Warn(context.Background(), "registry: malformed target info", slog.F("method", method), slog.Error(err))
		return
	}
	if !isAttachable(parsed.TargetInfo.Type, parsed.TargetInfo.URL) {
		return
	}

	newTarget := Target{
		ID:    parsed.TargetInfo.TargetID,
		URL:   parsed.TargetInfo.URL,
		Title: parsed.TargetInfo.Title,
		Type:  parsed.TargetInfo.Type,
	}
	r.upsert(newTarget)
}

type targetDestroyedEvent struct {
	TargetID string `json:"targetId"`
}

func (r *Registry) handleDestroyed(ev protocol.Event) {
	var parsed targetDestroyedEvent
	if err := json.Unmarshal(ev.Params, &parsed); err != nil {
		return
	}
	r.remove(parsed.TargetID)
}

func (r *Registry) upsert(newTarget Target) {
	r.mu.Lock()
	old, existed := r.targets[newTarget.ID]
	r.targets[newTarget.ID] = newTarget
	r.mu.Unlock()

	if !existed {
		if r.onAppear != nil {
			r.onAppear(newTarget)
		}
		return
	}
	if old.URL != newTarget.URL && r.onNavigate != nil {
		r.onNavigate(old, newTarget)
	}
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	old, existed := r.targets[id]
	if existed {
		delete(r.targets, id)
	}
	r.mu.Unlock()

	if existed && r.onDisappear != nil {
		r.onDisappear(old)
	}
}

func (r *Registry) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.reconcile(ctx); err != nil {
				r.log.Warn(ctx, "registry: reconcile failed", slog.Error(err))
			}
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

type getTargetsResult struct {
	TargetInfos []struct {
		TargetID string `json:"targetId"`
		Type     string `json:"type"`
		URL      string `json:"url"`
		Title    string `json:"title"`
	} `json:"targetInfos"`
}

// reconcile re-reads the full target list and diffs it against the known
// set, catching targets that changed URL or disappeared without firing the
// corresponding CDP event.
func (r *Registry) reconcile(ctx context.Context) error {
	raw, err := r.client.Call(ctx, "", "Target.getTargets", nil)
	if err != nil {
		return err
	}
	var result getTargetsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(result.TargetInfos))
	for _, ti := range result.TargetInfos {
		if !isAttachable(ti.Type, ti.URL) {
			continue
		}
		seen[ti.TargetID] = struct{}{}
		r.upsert(Target{ID: ti.TargetID, URL: ti.URL, Title: ti.Title, Type: ti.Type})
	}

	for _, t := range r.Snapshot() {
		if _, ok := seen[t.ID]; !ok {
			r.remove(t.ID)
		}
	}
	return nil
}

// isAttachable filters out non-http(s) and browser-internal pages: extension
// pages, devtools panes, service workers, and the like are never monitored
// targets.
func isAttachable(targetType, url string) bool {
	if targetType != "page" {
		return false
	}
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}
