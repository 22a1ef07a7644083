package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointKey_DropsQueryString(t *testing.T) {
	cases := []struct {
		method, url, want string
	}{
		{"GET", "https://example.com/api/search?q=foo", "GET https://example.com/api/search"},
		{"POST", "https://example.com/api/submit", "POST https://example.com/api/submit"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, endpointKey(tc.method, tc.url))
	}
}

func TestSplitFrames_BoundsSyncAndAsyncCounts(t *testing.T) {
	st := stackTrace{
		CallFrames: make([]callFrame, maxSyncFrames+5),
		Parent: &stackTrace{
			CallFrames: make([]callFrame, maxAsyncFrames+5),
		},
	}
	syncFrames, asyncFrames := splitFrames(st)
	require.Len(t, syncFrames, maxSyncFrames)
	require.Len(t, asyncFrames, maxAsyncFrames)
}

func TestNetworkCollector_EnrichmentReason_LargeUploadWins(t *testing.T) {
	n := &NetworkCollector{endpointCounts: make(map[string]int), urlCounts: make(map[string]int)}
	req := &pendingRequest{method: "POST", url: "https://example.com/upload", uploadBytes: largeUploadBytes + 1}

	reason, ok := n.enrichmentReason(req, 10)
	require.True(t, ok)
	assert.Equal(t, "large_upload", reason)
}

func TestNetworkCollector_EnrichmentReason_LargeDownload(t *testing.T) {
	n := &NetworkCollector{endpointCounts: make(map[string]int), urlCounts: make(map[string]int)}
	req := &pendingRequest{method: "GET", url: "https://example.com/file"}

	reason, ok := n.enrichmentReason(req, largeDownloadBytes+1)
	require.True(t, ok)
	assert.Equal(t, "large_download", reason)
}

func TestNetworkCollector_EnrichmentReason_HighFrequencyAPI(t *testing.T) {
	n := &NetworkCollector{endpointCounts: make(map[string]int), urlCounts: make(map[string]int)}
	req := &pendingRequest{method: "GET", url: "https://example.com/poll"}

	var reason string
	var ok bool
	for i := 0; i < highFrequencyCount+1; i++ {
		reason, ok = n.enrichmentReason(req, 10)
	}
	require.True(t, ok)
	assert.Equal(t, "high_frequency_api_11", reason)
}

func TestNetworkCollector_EnrichmentReason_RepeatedResource(t *testing.T) {
	n := &NetworkCollector{endpointCounts: make(map[string]int), urlCounts: make(map[string]int)}

	var reason string
	var ok bool
	for i := 0; i < repeatedResourceCount+1; i++ {
		req := &pendingRequest{method: "GET", url: "https://example.com/asset.js"}
		reason, ok = n.enrichmentReason(req, repeatedResourceBytes+1)
	}
	require.True(t, ok)
	assert.Equal(t, "repeated_resource_4", reason)
}

func TestNetworkCollector_EnrichmentReason_NoTrigger(t *testing.T) {
	n := &NetworkCollector{endpointCounts: make(map[string]int), urlCounts: make(map[string]int)}
	req := &pendingRequest{method: "GET", url: "https://example.com/small"}

	_, ok := n.enrichmentReason(req, 10)
	assert.False(t, ok)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "hel", truncate("hello", 3))
}
