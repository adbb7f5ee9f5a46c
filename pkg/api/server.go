// Package api exposes the ticket pipeline over HTTP: event ingress,
// lease and fill for external workers, ticket reads, tool execution,
// and the health and metrics surfaces.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/replyops/ticketd/pkg/config"
	"github.com/replyops/ticketd/pkg/cutover"
	"github.com/replyops/ticketd/pkg/queue"
	"github.com/replyops/ticketd/pkg/readiness"
	"github.com/replyops/ticketd/pkg/runner"
	"github.com/replyops/ticketd/pkg/schemagate"
	"github.com/replyops/ticketd/pkg/store"
)

// Deps carries the wired components the HTTP surface serves. Pool is
// optional; everything else must be non-nil.
type Deps struct {
	Store          *store.Store
	Readiness      *readiness.Registry
	Registry       *config.ToolRegistry
	Cutover        *cutover.Policy
	CutoverMetrics *cutover.Metrics
	SchemaGate     *schemagate.Gate
	Gateway        runner.Gateway
	Pool           *queue.WorkerPool

	// GateToolSurfaces hard-gates TOOL leasing and direct tool execution
	// on required dependency readiness. Degraded NO_MCP deployments leave
	// it off so external workers can still drain TOOL tickets.
	GateToolSurfaces bool
}

// Server is the HTTP API server.
type Server struct {
	deps       Deps
	httpServer *http.Server
	now        func() time.Time
}

// NewServer creates the API server listening on addr.
func NewServer(addr string, deps Deps) *Server {
	s := &Server{deps: deps, now: time.Now}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the gin router with all routes registered.
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/events", s.handleEventIngress)
	router.GET("/health", s.handleHealth)
	router.GET("/metrics", s.handleMetrics)

	v1 := router.Group("/v1")
	v1.POST("/tickets/lease", s.handleLeaseBatch)
	v1.POST("/tickets/:id/lease", s.handleLeaseOne)
	v1.POST("/tickets/:id/fill", s.handleFill)
	v1.GET("/tickets", s.handleListTickets)
	v1.GET("/tickets/:id", s.handleGetTicket)
	v1.GET("/tickets/:id/trace", s.handleGetTrace)
	v1.POST("/tools/execute", s.handleToolExecute)

	return router
}

// Start runs the server until Shutdown or a listener error.
func (s *Server) Start() error {
	slog.Info("API server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("API server shutting down")
	return s.httpServer.Shutdown(ctx)
}
