package supervisor

import (
	"context"
	"strconv"
	"sync/atomic"
	"testing"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/slogtest"

	"github.com/browserfairy/browserfairy-go/internal/registry"
)

func newTestLogger(t *testing.T) slog.Logger {
	return slogtest.Make(t, nil)
}

func TestSupervisor_OnAppearThenDisappear(t *testing.T) {
	var closed atomic.Int32
	attach := func(ctx context.Context, target registry.Target) (*TargetSession, error) {
		return &TargetSession{
			Closers: []func(context.Context) error{
				func(context.Context) error { closed.Add(1); return nil },
			},
		}, nil
	}

	s, err := New(newTestLogger(t), attach)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	target := registry.Target{ID: "t1", URL: "https://example.com"}
	s.OnAppear(target)
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}

	s.OnDisappear(target)
	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after disappear", s.Len())
	}
	if closed.Load() != 1 {
		t.Errorf("closer ran %d times, want 1", closed.Load())
	}
}

func TestSupervisor_OnAppearIsIdempotentForSameTarget(t *testing.T) {
	var attachCount atomic.Int32
	attach := func(ctx context.Context, target registry.Target) (*TargetSession, error) {
		attachCount.Add(1)
		return &TargetSession{}, nil
	}

	s, err := New(newTestLogger(t), attach)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	target := registry.Target{ID: "t1", URL: "https://example.com"}
	s.OnAppear(target)
	s.OnAppear(target)

	if attachCount.Load() != 1 {
		t.Errorf("attach called %d times, want 1 (already-present target should be a no-op)", attachCount.Load())
	}
}

func TestSupervisor_TouchProtectsFromEviction(t *testing.T) {
	attach := func(ctx context.Context, target registry.Target) (*TargetSession, error) {
		return &TargetSession{}, nil
	}

	s, err := New(newTestLogger(t), attach)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	s.OnAppear(registry.Target{ID: "old"})
	for i := 0; i < MaxSessions-1; i++ {
		s.OnAppear(registry.Target{ID: strconv.Itoa(i)})
	}
	if s.Len() != MaxSessions {
		t.Fatalf("Len() = %d, want %d", s.Len(), MaxSessions)
	}

	// "old" is now the least-recently-attached entry, but it's actively
	// being sampled: touching it should move it ahead of the untouched
	// entries added right after it.
	s.Touch("old")

	s.OnAppear(registry.Target{ID: "new-over-capacity"})

	if _, ok := s.cache.Peek("old"); !ok {
		t.Error("touched session was evicted; want it to survive over an untouched one")
	}
}

func TestSupervisor_ShutdownClosesEverything(t *testing.T) {
	var closed atomic.Int32
	attach := func(ctx context.Context, target registry.Target) (*TargetSession, error) {
		return &TargetSession{
			Closers: []func(context.Context) error{
				func(context.Context) error { closed.Add(1); return nil },
			},
		}, nil
	}

	s, err := New(newTestLogger(t), attach)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	s.OnAppear(registry.Target{ID: "t1"})
	s.OnAppear(registry.Target{ID: "t2"})

	s.Shutdown(context.Background())

	if closed.Load() != 2 {
		t.Errorf("closed %d sessions, want 2", closed.Load())
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d after Shutdown, want 0", s.Len())
	}
}
