// server.go — A tiny localhost status surface: GET /healthz and
// GET /overview: a live view of what each host is currently recording.
// Not part of the monitoring data plane; purely an ops convenience for
// watching the core from a shell or a dashboard while it runs.
package statusserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/browserfairy/browserfairy-go/internal/util"
	"github.com/browserfairy/browserfairy-go/internal/writer"
)

// Overviews is the narrow contract the status surface needs from the
// engine: a live snapshot of every host currently being monitored.
type Overviews interface {
	Overview() []writer.Overview
}

// Server is the status HTTP surface.
type Server struct {
	addr      string
	engine    Overviews
	server    *http.Server
	startedAt time.Time
}

// NewServer creates a Server bound to addr (expected to be a 127.0.0.1
// address per §2.12; Start listens on whatever address it is given and does
// not check that it is a loopback one).
func NewServer(addr string, engine Overviews) *Server {
	return &Server{addr: addr, engine: engine}
}

// router builds the gin engine serving /healthz and /overview, kept
// separate from Start so tests can exercise it with httptest directly
// instead of binding a real socket.
func (s *Server) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", s.handleHealthz)
	r.GET("/overview", s.handleOverview)
	return r
}

// Start begins serving HTTP requests in the background.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.startedAt = time.Now()
	s.server = &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	util.SafeGo(func() { _ = s.server.Serve(listener) })
	return nil
}

// Stop gracefully shuts down the status server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
		"hosts":  len(s.engine.Overview()),
	})
}

func (s *Server) handleOverview(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"hosts": s.engine.Overview()})
}
