package engine

import (
	"testing"

	"cdr.dev/slog/sloggers/slogtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browserfairy/browserfairy-go/internal/config"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return &Engine{
		log:          slogtest.Make(t, nil),
		cfg:          config.DefaultConfig(),
		sessionsRoot: t.TempDir(),
		hosts:        make(map[string]*hostState),
	}
}

func TestOriginOf(t *testing.T) {
	assert.Equal(t, "https://example.com", originOf("https://example.com/a/b?x=1"))
	assert.Equal(t, "", originOf("data:text/plain,hi"))
	assert.Equal(t, "", originOf(""))
}

func TestAcquireHost_ReusesWriterAcrossCalls(t *testing.T) {
	e := newTestEngine(t)

	hs1, err := e.acquireHost("example.com")
	require.NoError(t, err)
	hs2, err := e.acquireHost("example.com")
	require.NoError(t, err)

	assert.Same(t, hs1, hs2, "a second acquire for the same host must reuse the existing writer")
	assert.Equal(t, 2, hs1.refs)

	close(hs1.stop)
}

func TestReleaseHost_DecrementsRefsWithoutClosing(t *testing.T) {
	e := newTestEngine(t)

	hs, err := e.acquireHost("example.com")
	require.NoError(t, err)
	e.releaseHost("example.com")

	assert.Equal(t, 0, hs.refs)
	_, stillTracked := e.hosts["example.com"]
	assert.True(t, stillTracked, "a host at zero refs stays tracked until Shutdown")

	close(hs.stop)
}
