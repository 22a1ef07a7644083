package statusserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browserfairy/browserfairy-go/internal/writer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeOverviews struct {
	overviews []writer.Overview
}

func (f fakeOverviews) Overview() []writer.Overview { return f.overviews }

func newTestServer() (*Server, *gin.Engine) {
	s := NewServer("", fakeOverviews{overviews: []writer.Overview{{Host: "example.com"}}})
	s.startedAt = time.Now()
	return s, s.router()
}

func TestHandleHealthz(t *testing.T) {
	_, r := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["hosts"])
}

func TestHandleOverview(t *testing.T) {
	_, r := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/overview", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "example.com")
}
