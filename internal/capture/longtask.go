// longtask.go — Long-task sampler: reports main-thread tasks exceeding the
// long-task threshold, observed through an injected PerformanceObserver via
// Runtime.evaluate (CDP has no native longtask event).
package capture

import (
	"context"
	"encoding/json"
	"time"

	"cdr.dev/slog"

	"github.com/browserfairy/browserfairy-go/internal/eventid"
	"github.com/browserfairy/browserfairy-go/internal/protocol"
	"github.com/browserfairy/browserfairy-go/internal/util"
)

// LongTaskThresholdMs is the minimum task duration to report, matching the
// browser's own PerformanceObserver longtask entry type (tasks >= 50ms).
const LongTaskThresholdMs = 50.0

// longTaskObserverScript is injected once per target via Runtime.evaluate
// and calls back through Runtime.bindingCalled for every qualifying task.
const longTaskObserverScript = `
(function() {
  if (window.__browserfairyLongTaskObserverInstalled) return;
  window.__browserfairyLongTaskObserverInstalled = true;
  try {
    new PerformanceObserver(function(list) {
      list.getEntries().forEach(function(entry) {
        window.__browserfairyLongTask && window.__browserfairyLongTask(entry.duration);
      });
    }).observe({entryTypes: ['longtask']});
  } catch (e) {}
})();
`

// LongTaskCollector installs a PerformanceObserver in the page and forwards
// each qualifying entry as a LongTask record.
type LongTaskCollector struct {
	log      slog.Logger
	client   *protocol.Client
	host     string
	targetID string
	sink     Sink

	cancel context.CancelFunc
	done   chan struct{}
}

// NewLongTaskCollector creates a collector scoped to one session.
func NewLongTaskCollector(log slog.Logger, client *protocol.Client, host, targetID string, sink Sink) *LongTaskCollector {
	return &LongTaskCollector{
		log:      log.Named("longtask").With(slog.F("target_id", targetID)),
		client:   client,
		host:     host,
		targetID: targetID,
		sink:     sink,
		done:     make(chan struct{}),
	}
}

// Start installs the binding and the observer script, then listens for
// Runtime.bindingCalled events carrying task durations.
func (l *LongTaskCollector) Start(ctx context.Context, sessionID string) {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	_, _ = l.client.Call(ctx, sessionID, "Runtime.addBinding", map[string]any{
		"name": "__browserfairyLongTask",
	})
	_, _ = l.client.Call(ctx, sessionID, "Runtime.evaluate", map[string]any{
		"expression": longTaskObserverScript,
	})

	bound := l.client.Subscribe("Runtime.bindingCalled", sessionID)

	util.SafeGo(func() {
		defer close(l.done)
		for {
			select {
			case ev, ok := <-bound.C:
				if !ok {
					return
				}
				l.handleBindingCalled(ev)
			case <-ctx.Done():
				return
			}
		}
	})
}

// Close stops the collector.
func (l *LongTaskCollector) Close() error {
	if l.cancel != nil {
		l.cancel()
	}
	<-l.done
	return nil
}

type bindingCalledParams struct {
	Name    string `json:"name"`
	Payload string `json:"payload"`
}

func (l *LongTaskCollector) handleBindingCalled(ev protocol.Event) {
	var p bindingCalledParams
	if err := json.Unmarshal(ev.Params, &p); err != nil || p.Name != "__browserfairyLongTask" {
		return
	}

	var duration float64
	if err := json.Unmarshal([]byte(p.Payload), &duration); err != nil {
		return
	}
	if duration < LongTaskThresholdMs {
		return
	}

	record := LongTask{
		Type:       "longtask",
		HostKey:    l.host,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		TargetID:   l.targetID,
		DurationMs: duration,
	}
	record.ID = eventid.Compute("longtask", record.HostKey, record.Timestamp, record.TargetID)
	l.sink(record)
}
