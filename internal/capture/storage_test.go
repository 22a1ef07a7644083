package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageCollector_Truncate(t *testing.T) {
	s := &StorageCollector{truncateAt: 5}
	assert.Equal(t, "hello", s.truncate("hello"))
	assert.Equal(t, "hello", s.truncate("hello world"))
}

func TestStorageCollector_HandleItem_EmitsDomStorageEvent(t *testing.T) {
	var got []Record
	s := &StorageCollector{
		host:       "example.com",
		targetID:   "t1",
		truncateAt: StorageValueTruncateLimit,
		sink:       func(r Record) { got = append(got, r) },
	}

	s.emitEvent("local", "theme", "light", "dark")

	require.Len(t, got, 1)
	rec, ok := got[0].(StorageRecord)
	require.True(t, ok)
	assert.Equal(t, "domstorage_event", rec.Type)
	assert.Equal(t, "local", rec.StorageType)
	assert.Equal(t, "theme", rec.Key)
	assert.Equal(t, "dark", rec.NewValue)
	assert.NotEmpty(t, rec.ID)
}

func TestStorageCollector_EmitQuota(t *testing.T) {
	var got []Record
	s := &StorageCollector{
		host:     "example.com",
		targetID: "t1",
		sink:     func(r Record) { got = append(got, r) },
	}

	s.emitQuota(quotaUsageResult{Usage: 1024, Quota: 4096})

	require.Len(t, got, 1)
	rec := got[0].(StorageRecord)
	assert.Equal(t, "storage_quota", rec.Type)
	assert.EqualValues(t, 1024, rec.UsageBytes)
	assert.EqualValues(t, 4096, rec.QuotaBytes)
}
