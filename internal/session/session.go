// session.go — Per-target session lifecycle.
//
// A Session attaches to one target, enables the CDP domains collectors
// need, and tracks which domains failed to enable so a single flaky domain
// (e.g. HeapProfiler unsupported on a worker target) never aborts the whole
// session. Close is idempotent, guarded by sync.Once.
package session

import (
	"context"
	"encoding/json"
	"sync"

	"cdr.dev/slog"

	"github.com/browserfairy/browserfairy-go/internal/protocol"
)

// Domain is one of the CDP domains a Session enables on attach.
type Domain string

const (
	DomainRuntime       Domain = "Runtime"
	DomainPerformance   Domain = "Performance"
	DomainNetwork       Domain = "Network"
	DomainLog           Domain = "Log"
	DomainPage          Domain = "Page"
	DomainStorage       Domain = "Storage"
	DomainHeapProfiler  Domain = "HeapProfiler"
	DomainDebugger      Domain = "Debugger"
)

// allDomains is the enable handshake's fixed order.
var allDomains = []Domain{
	DomainRuntime, DomainPerformance, DomainNetwork, DomainLog,
	DomainPage, DomainStorage, DomainHeapProfiler, DomainDebugger,
}

// Session represents one attached target: a CDP sessionId plus the set of
// domains successfully enabled on it.
type Session struct {
	log       slog.Logger
	client    *protocol.Client
	TargetID  string
	SessionID string

	mu             sync.Mutex
	unavailable    map[Domain]error
	closed         bool
	closeOnce      sync.Once
}

// Attach issues Target.attachToTarget for targetID and runs the domain
// enable handshake. Domains that fail to enable are recorded as unavailable
// rather than aborting the attach.
func Attach(ctx context.Context, log slog.Logger, client *protocol.Client, targetID string) (*Session, error) {
	raw, err := client.Call(ctx, "", "Target.attachToTarget", map[string]any{
		"targetId": targetID,
		"flatten":  true,
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}

	s := &Session{
		log:         log.With(slog.F("target_id", targetID), slog.F("session_id", result.SessionID)),
		client:      client,
		TargetID:    targetID,
		SessionID:   result.SessionID,
		unavailable: make(map[Domain]error),
	}

	s.enableDomains(ctx)
	return s, nil
}

func (s *Session) enableDomains(ctx context.Context) {
	for _, d := range allDomains {
		method := string(d) + ".enable"
		if _, err := s.client.Call(ctx, s.SessionID, method, nil); err != nil {
			s.mu.Lock()
			s.unavailable[d] = err
			s.mu.Unlock()
			s.log.Warn(ctx, "session: domain unavailable", slog.F("domain", string(d)), slog.Error(err))
		}
	}
}

// Unavailable reports whether domain failed to enable on this session, and
// the error that caused it.
func (s *Session) Unavailable(d Domain) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err, ok := s.unavailable[d]
	return ok, err
}

// UnavailableDomains returns a snapshot of every domain that failed to
// enable, for the session overview written at shutdown.
func (s *Session) UnavailableDomains() map[Domain]error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Domain]error, len(s.unavailable))
	for d, err := range s.unavailable {
		out[d] = err
	}
	return out
}

// Close detaches the target. Idempotent: calling Close more than once is a
// no-op after the first call.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		_, err = s.client.Call(ctx, "", "Target.detachFromTarget", map[string]any{
			"sessionId": s.SessionID,
		})
	})
	return err
}

// Closed reports whether Close has already run.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
