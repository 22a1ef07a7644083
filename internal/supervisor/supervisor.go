// supervisor.go — Owns the set of live per-target sessions.
//
// Capped at MaxSessions with LRU eviction so a page that opens far more
// targets than the machine can comfortably monitor degrades gracefully
// instead of exhausting memory. Create/destroy for a given target id is
// serialized through a per-target mutex so a fast navigate-then-detach pair
// can never race into two live sessions for the same target.
package supervisor

import (
	"context"
	"sync"

	"cdr.dev/slog"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/browserfairy/browserfairy-go/internal/registry"
	"github.com/browserfairy/browserfairy-go/internal/session"
	"github.com/browserfairy/browserfairy-go/internal/util"
)

// MaxSessions is the LRU cap on concurrently monitored targets.
const MaxSessions = 50

// TargetSession bundles a Session with whatever per-target collectors and
// writer handle the caller attached to it, so the Supervisor can tear
// everything down together.
type TargetSession struct {
	Session *session.Session
	Closers []func(context.Context) error
}

// Supervisor owns the live session set and its create/destroy lifecycle.
type Supervisor struct {
	log    slog.Logger
	client AttachFunc

	cache *lru.Cache[string, *TargetSession]

	perTargetMu sync.Map // targetID -> *sync.Mutex

	mu     sync.Mutex
	closed bool
}

// AttachFunc creates a TargetSession for one registry.Target. Supplied by
// the caller (cmd/browserfairy) so the Supervisor stays decoupled from how
// collectors are wired to a session.
type AttachFunc func(ctx context.Context, target registry.Target) (*TargetSession, error)

// New creates a Supervisor. attach is called to build a TargetSession when
// a new target needs monitoring.
func New(log slog.Logger, attach AttachFunc) (*Supervisor, error) {
	s := &Supervisor{
		log:    log.Named("supervisor"),
		client: attach,
	}

	cache, err := lru.NewWithEvict[string, *TargetSession](MaxSessions, s.onEvict)
	if err != nil {
		return nil, err
	}
	s.cache = cache
	return s, nil
}

func (s *Supervisor) onEvict(targetID string, ts *TargetSession) {
	s.log.Info(context.Background(), "supervisor: evicting session over capacity", slog.F("target_id", targetID))
	util.SafeGo(func() { s.closeTargetSession(context.Background(), ts) })
}

// lockFor returns the per-target mutex, creating it if necessary.
func (s *Supervisor) lockFor(targetID string) *sync.Mutex {
	v, _ := s.perTargetMu.LoadOrStore(targetID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// OnAppear is wired to the registry's appear callback: attach and start
// monitoring a newly discovered target.
func (s *Supervisor) OnAppear(target registry.Target) {
	lock := s.lockFor(target.ID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	if _, ok := s.cache.Get(target.ID); ok {
		return
	}

	ts, err := s.client(context.Background(), target)
	if err != nil {
		s.log.Warn(context.Background(), "supervisor: attach failed", slog.F("target_id", target.ID), slog.Error(err))
		return
	}
	s.cache.Add(target.ID, ts)
}

// OnDisappear is wired to the registry's disappear callback: tear down the
// session for a target that navigated away or closed.
func (s *Supervisor) OnDisappear(target registry.Target) {
	lock := s.lockFor(target.ID)
	lock.Lock()
	defer lock.Unlock()

	ts, ok := s.cache.Get(target.ID)
	if !ok {
		return
	}
	s.cache.Remove(target.ID)
	s.closeTargetSession(context.Background(), ts)
}

func (s *Supervisor) closeTargetSession(ctx context.Context, ts *TargetSession) {
	g, ctx := errgroup.WithContext(ctx)
	for _, closer := range ts.Closers {
		closer := closer
		g.Go(func() error { return closer(ctx) })
	}
	if ts.Session != nil {
		g.Go(func() error { return ts.Session.Close(ctx) })
	}
	if err := g.Wait(); err != nil {
		s.log.Warn(ctx, "supervisor: error during session teardown", slog.Error(err))
	}
}

// Shutdown tears down every live session with a bounded grace period.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, targetID := range s.cache.Keys() {
		ts, ok := s.cache.Peek(targetID)
		if !ok {
			continue
		}
		tsCopy := ts
		g.Go(func() error {
			s.closeTargetSession(ctx, tsCopy)
			return nil
		})
	}
	_ = g.Wait()
	s.cache.Purge()
}

// Len returns the number of currently monitored sessions.
func (s *Supervisor) Len() int {
	return s.cache.Len()
}

// Touch marks targetID as most-recently-used without altering its session,
// so a long-lived target that is actively being sampled stays ahead of an
// idle one in eviction order (§4.11, §8 scenario 5: least-recently-sampled
// is evicted first, not least-recently-attached). A collector calls this
// once per completed sample.
func (s *Supervisor) Touch(targetID string) {
	s.cache.Get(targetID)
}
