package session

import (
	"context"
	"errors"
	"testing"
)

func TestSession_UnavailableDomainsTracksFailures(t *testing.T) {
	s := &Session{unavailable: make(map[Domain]error)}
	s.unavailable[DomainHeapProfiler] = errors.New("not supported on this target")

	ok, err := s.Unavailable(DomainHeapProfiler)
	if !ok || err == nil {
		t.Fatalf("Unavailable(HeapProfiler) = (%v, %v), want (true, non-nil)", ok, err)
	}

	ok, err = s.Unavailable(DomainNetwork)
	if ok || err != nil {
		t.Fatalf("Unavailable(Network) = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestSession_UnavailableDomainsSnapshotIsACopy(t *testing.T) {
	s := &Session{unavailable: make(map[Domain]error)}
	s.unavailable[DomainDebugger] = errors.New("boom")

	snap := s.UnavailableDomains()
	snap[DomainPage] = errors.New("mutated copy")

	if _, ok := s.unavailable[DomainPage]; ok {
		t.Error("mutating the returned snapshot should not affect internal state")
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	s := &Session{}
	closes := 0
	// Close calls client.Call; with a nil client this would panic, so we
	// exercise the idempotency guard directly instead.
	s.closeOnce.Do(func() { closes++ })
	s.closeOnce.Do(func() { closes++ })
	if closes != 1 {
		t.Errorf("closeOnce ran %d times, want 1", closes)
	}
	_ = context.Background()
}
