// storage.go — Storage observer: a quota/usage poll, DOM storage change
// events, and an on-demand snapshot operation (§4.8).
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

// StorageQuotaInterval is the cadence at which quota/usage is polled (§4.8).
// Each attached target's StorageCollector runs its own poll, so targets
// sharing a host each emit their own storage_quota records.
const StorageQuotaInterval = 30 * time.Second

// StorageValueTruncateLimit is the default maximum length, in characters, a
// DOM-storage value is truncated to before being written (§4.8).
const StorageValueTruncateLimit = 2048

// StorageCollector forwards DOM storage item mutations, polls quota/usage,
// and can be asked to take a full snapshot on demand.
type StorageCollector struct {
	log       slog.Logger
	client    *protocol.Client
	host      string
	targetID  string
	sessionID string
	origin    string
	truncateAt int
	sink      Sink

	cancel context.CancelFunc
	done   chan struct{}
}

// NewStorageCollector creates a collector scoped to one session. origin is
// the target's security origin, used for the quota poll and snapshots.
func NewStorageCollector(log slog.Logger, client *protocol.Client, host, targetID, origin string, sink Sink) *StorageCollector {
	return &StorageCollector{
		log:        log.Named("storage").With(slog.F("target_id", targetID)),
		client:     client,
		host:       host,
		targetID:   targetID,
		origin:     origin,
		truncateAt: StorageValueTruncateLimit,
		sink:       sink,
		done:       make(chan struct{}),
	}
}

// Start subscribes to Storage.domStorageItem{Added,Removed,Updated,Cleared}
// and begins the quota poll loop.
func (s *StorageCollector) Start(ctx context.Context, sessionID string) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.sessionID = sessionID

	updated := s.client.Subscribe("Storage.domStorageItemUpdated", sessionID)
	added := s.client.Subscribe("Storage.domStorageItemAdded", sessionID)
	removed := s.client.Subscribe("Storage.domStorageItemRemoved", sessionID)
	cleared := s.client.Subscribe("Storage.domStorageItemsCleared", sessionID)

	util.SafeGo(func() {
		defer close(s.done)
		ticker := time.NewTicker(StorageQuotaInterval)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-updated.C:
				if !ok {
					return
				}
				s.handleItem(ev)
			case ev, ok := <-added.C:
				if !ok {
					return
				}
				s.handleItem(ev)
			case ev, ok := <-removed.C:
				if !ok {
					return
				}
				s.handleItem(ev)
			case _, ok := <-cleared.C:
				if !ok {
					return
				}
				s.emitEvent("local", "", "", "")
			case <-ticker.C:
				s.pollQuota(ctx)
			case <-ctx.Done():
				return
			}
		}
	})
}

// Close stops the collector.
func (s *StorageCollector) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
	return nil
}

type domStorageItemParams struct {
	StorageID struct {
		IsLocalStorage bool `json:"isLocalStorage"`
	} `json:"storageId"`
	Key      string `json:"key"`
	OldValue string `json:"oldValue"`
	NewValue string `json:"newValue"`
}

func (s *StorageCollector) handleItem(ev protocol.Event) {
	var p domStorageItemParams
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		return
	}
	storageType := "session"
	if p.StorageID.IsLocalStorage {
		storageType = "local"
	}
	s.emitEvent(storageType, p.Key, p.OldValue, p.NewValue)
}

func (s *StorageCollector) emitEvent(storageType, key, oldValue, newValue string) {
	record := StorageRecord{
		Type:        "domstorage_event",
		HostKey:     s.host,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		TargetID:    s.targetID,
		StorageType: storageType,
		Key:         key,
		OldValue:    s.truncate(oldValue),
		NewValue:    s.truncate(newValue),
	}
	record.ID = eventid.Compute("domstorage_event", record.HostKey, record.Timestamp, record.TargetID, record.Key)
	s.sink(record)
}

func (s *StorageCollector) truncate(v string) string {
	if len(v) <= s.truncateAt {
		return v
	}
	return v[:s.truncateAt]
}

type quotaUsageResult struct {
	Usage int64 `json:"usage"`
	Quota int64 `json:"quota"`
}

// pollQuota prefers Storage.getUsageAndQuota; on permission or
// availability errors it falls back to a small evaluated navigator.storage
// estimate, matching §4.8's "prefer the browser-level API" fallback order.
func (s *StorageCollector) pollQuota(ctx context.Context) {
	raw, err := s.client.Call(ctx, s.sessionID, "Storage.getUsageAndQuota", map[string]any{
		"origin": s.origin,
	})
	var result quotaUsageResult
	if err == nil {
		if jsonErr := json.Unmarshal(raw, &result); jsonErr == nil {
			s.emitQuota(result)
			return
		}
	}

	const expr = `(async function(){
		try {
			var est = await navigator.storage.estimate();
			return JSON.stringify({usage: est.usage || 0, quota: est.quota || 0});
		} catch (e) { return "{}"; }
	})()`
	raw, err = s.client.Call(ctx, s.sessionID, "Runtime.evaluate", map[string]any{
		"expression":    expr,
		"returnByValue": true,
		"awaitPromise":  true,
	})
	if err != nil {
		return
	}
	var evalResult struct {
		Result struct {
			Value string `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &evalResult); err != nil || evalResult.Result.Value == "" {
		return
	}
	if err := json.Unmarshal([]byte(evalResult.Result.Value), &result); err != nil {
		return
	}
	s.emitQuota(result)
}

func (s *StorageCollector) emitQuota(result quotaUsageResult) {
	record := StorageRecord{
		Type:       "storage_quota",
		HostKey:    s.host,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		TargetID:   s.targetID,
		UsageBytes: result.Usage,
		QuotaBytes: result.Quota,
	}
	record.ID = eventid.Compute("storage_quota", record.HostKey, record.Timestamp, record.TargetID)
	s.sink(record)
}

type getDOMStorageItemsResult struct {
	Entries [][]string `json:"entries"`
}

// Snapshot takes an on-demand full read of local and session storage for
// origin, emitting one domstorage_snapshot record per storage type. This is
// invoked by the external CLI, not the continuous engine, but reuses the
// same session infrastructure (§4.8).
func (s *StorageCollector) Snapshot(ctx context.Context, origin string) error {
	for _, isLocal := range []bool{true, false} {
		raw, err := s.client.Call(ctx, s.sessionID, "DOMStorage.getDOMStorageItems", map[string]any{
			"storageId": map[string]any{
				"securityOrigin": origin,
				"isLocalStorage": isLocal,
			},
		})
		if err != nil {
			return err
		}
		var result getDOMStorageItemsResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return err
		}
		storageType := "session"
		if isLocal {
			storageType = "local"
		}

		entries := make(map[string]string, len(result.Entries))
		for _, entry := range result.Entries {
			if len(entry) < 2 {
				continue
			}
			entries[entry[0]] = s.truncate(entry[1])
		}

		record := StorageRecord{
			Type:        "domstorage_snapshot",
			HostKey:     s.host,
			Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
			TargetID:    s.targetID,
			StorageType: storageType,
			Entries:     entries,
		}
		record.ID = eventid.Compute("domstorage_snapshot", record.HostKey, record.Timestamp, record.TargetID, storageType)
		s.sink(record)
	}
	return nil
}
