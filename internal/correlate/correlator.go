// correlator.go — Pure correlation over a bounded per-host window (§4.9).
//
// The Correlator never calls back into collectors: it is fed accepted
// records through the Writer's accept hook, keeps the last memory sample
// plus every network-complete/console-error within 15s per host in a
// generic buffers.RingBuffer[T] (internal/buffers), and emits at most one
// correlation per rolling 3s window per host when a large positive heap
// delta lands within 3s of a large response and/or a console error.
package correlate

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/browserfairy/browserfairy-go/internal/buffers"
	"github.com/browserfairy/browserfairy-go/internal/capture"
	"github.com/browserfairy/browserfairy-go/internal/util"
)

// ringCapacity bounds how many recent network/console candidates a host
// keeps regardless of how quickly RecentWindow would otherwise age them out;
// it exists so a host under a sustained burst still holds memory to a fixed
// ceiling per the RingBuffer[T] contract (fixed-capacity, FIFO eviction).
const ringCapacity = 256

// RecentWindow bounds how long a network-complete or console-error record
// stays eligible for correlation after it's accepted (§4.9).
const RecentWindow = 15 * time.Second

// ProximityWindow is the max gap between a qualifying memory delta and the
// network/console event it correlates with (§4.9).
const ProximityWindow = 3 * time.Second

// MinHeapDeltaBytes is the minimum JS heap growth between consecutive
// memory samples that qualifies as "large" (§4.9: 10 MiB).
const MinHeapDeltaBytes = 10 * 1024 * 1024

// MinNetworkBytes is the minimum response size that qualifies a
// network-complete record as a correlation candidate (§4.9: 1 MiB).
const MinNetworkBytes = 1 * 1024 * 1024

// Correlator holds one bounded state per host.
type Correlator struct {
	mu    sync.Mutex
	hosts map[string]*hostState
}

type hostState struct {
	lastMemory        *capture.MemorySample
	networkRing       *buffers.RingBuffer[networkEntry]
	consoleRing       *buffers.RingBuffer[consoleEntry]
	lastCorrelationAt time.Time
	clock             time.Time
}

func newHostState() *hostState {
	return &hostState{
		networkRing: buffers.NewRingBuffer[networkEntry](ringCapacity),
		consoleRing: buffers.NewRingBuffer[consoleEntry](ringCapacity),
	}
}

type networkEntry struct {
	record capture.NetworkRecord
	at     time.Time
}

type consoleEntry struct {
	record capture.ConsoleMessage
	at     time.Time
}

// New creates an empty Correlator.
func New() *Correlator {
	return &Correlator{hosts: make(map[string]*hostState)}
}

// Accept feeds one record into its host's state and returns a
// CorrelationRecord if this record completed the §4.9 trigger condition.
// Accept is pure with respect to collectors: it only reads and updates its
// own per-host state.
func (c *Correlator) Accept(record capture.Record) *capture.CorrelationRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	host := record.Host()
	st, ok := c.hosts[host]
	if !ok {
		st = newHostState()
		c.hosts[host] = st
	}

	switch r := record.(type) {
	case capture.MemorySample:
		return c.acceptMemory(st, r)
	case capture.NetworkRecord:
		at := parseTimestamp(r.Timestamp)
		advanceClock(st, at)
		if r.Type == "network_request_complete" && r.EncodedSize >= MinNetworkBytes {
			st.networkRing.WriteOne(networkEntry{record: r, at: at})
		}
	case capture.ConsoleMessage:
		at := parseTimestamp(r.Timestamp)
		advanceClock(st, at)
		if r.Level == "error" {
			st.consoleRing.WriteOne(consoleEntry{record: r, at: at})
		}
	}
	return nil
}

func advanceClock(st *hostState, at time.Time) {
	if at.After(st.clock) {
		st.clock = at
	}
}

func (c *Correlator) acceptMemory(st *hostState, sample capture.MemorySample) *capture.CorrelationRecord {
	ts := parseTimestamp(sample.Timestamp)
	advanceClock(st, ts)

	var delta int64
	if st.lastMemory != nil {
		delta = sample.JSHeapUsedBytes - st.lastMemory.JSHeapUsedBytes
	}
	st.lastMemory = &sample

	if delta < MinHeapDeltaBytes {
		return nil
	}
	if !st.lastCorrelationAt.IsZero() && ts.Sub(st.lastCorrelationAt) < ProximityWindow {
		return nil
	}

	cutoff := st.clock.Add(-RecentWindow)
	recentNetwork := st.networkRing.ReadAllWithFilter(func(e networkEntry) bool {
		return e.at.After(cutoff)
	}, 0)
	recentConsole := st.consoleRing.ReadAllWithFilter(func(e consoleEntry) bool {
		return e.at.After(cutoff)
	}, 0)

	var networkMatch *capture.NetworkRecord
	for i := len(recentNetwork) - 1; i >= 0; i-- {
		entry := recentNetwork[i]
		if absDuration(ts.Sub(entry.at)) <= ProximityWindow {
			rec := entry.record
			networkMatch = &rec
			break
		}
	}
	var consoleMatch *capture.ConsoleMessage
	for i := len(recentConsole) - 1; i >= 0; i-- {
		entry := recentConsole[i]
		if absDuration(ts.Sub(entry.at)) <= ProximityWindow {
			rec := entry.record
			consoleMatch = &rec
			break
		}
	}

	if networkMatch == nil && consoleMatch == nil {
		return nil
	}

	st.lastCorrelationAt = ts

	classification := "large_data_processing_issue"
	if networkMatch == nil && consoleMatch != nil {
		classification = "memory_growth_with_console_error"
	}

	out := capture.CorrelationRecord{
		Type:           "correlation",
		HostKey:        sample.HostKey,
		Timestamp:      sample.Timestamp,
		Classification: classification,
		MemorySummary:  sample,
		NetworkSummary: networkMatch,
		ConsoleSummary: consoleMatch,
	}
	out.ID = uuid.NewString()
	return &out
}

// parseTimestamp wraps util.ParseTimestamp with a live-clock fallback: a
// record with an unparseable timestamp still needs to land somewhere on the
// rolling clock rather than sorting before every other event in the host's
// history.
func parseTimestamp(ts string) time.Time {
	t := util.ParseTimestamp(ts)
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
