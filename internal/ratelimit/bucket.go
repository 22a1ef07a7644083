// bucket.go — Per-stream token-bucket rate limiting.
//
// A fixed 1-second window counter decides whether to keep or drop a
// captured CDP record: the first ratePerSecond events of a window pass, the
// rest are dropped and counted, and the count restarts once more than a
// second has passed since the window opened. One Limiter per collector
// stream (network gets 50/s, console gets 10/s, etc).
package ratelimit

import (
	"sync"
	"time"
)

// Limiter enforces a per-second rate over fixed 1-second windows and tracks
// a dropped-event counter for the stream it guards.
type Limiter struct {
	mu sync.Mutex

	ratePerSecond int
	windowStart   time.Time
	windowCount   int

	dropped int64
}

// New creates a Limiter admitting up to ratePerSecond events per second.
func New(ratePerSecond int) *Limiter {
	return &Limiter{
		ratePerSecond: ratePerSecond,
		windowStart:   time.Now(),
	}
}

// Allow reports whether one more event may be admitted this window. On
// rejection it increments the stream's drop counter.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.windowStart) > time.Second {
		l.windowStart = now
		l.windowCount = 0
	}

	if l.windowCount >= l.ratePerSecond {
		l.dropped++
		return false
	}
	l.windowCount++
	return true
}

// Dropped returns the total number of events this Limiter has rejected
// since creation.
func (l *Limiter) Dropped() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// CurrentRate returns the event count recorded in the current window, for
// health/status reporting.
func (l *Limiter) CurrentRate() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if now.Sub(l.windowStart) > time.Second {
		return 0
	}
	return l.windowCount
}
