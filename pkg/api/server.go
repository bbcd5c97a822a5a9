// Package api serves the HTTP surface: session REST, prompt dispatch, the
// SSE event stream and its WebSocket mirror, health, and per-session traces.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/praxis-works/praxis/pkg/config"
	"github.com/praxis-works/praxis/pkg/events"
	"github.com/praxis-works/praxis/pkg/llm"
	"github.com/praxis-works/praxis/pkg/mcp"
	"github.com/praxis-works/praxis/pkg/services"
	"github.com/praxis-works/praxis/pkg/tools"
	"github.com/praxis-works/praxis/pkg/trace"
)

// Dispatcher is the slice of the orchestrator the HTTP layer drives.
type Dispatcher interface {
	HandleQuery(ctx context.Context, sessionID, content string) error
	Interrupt(sessionID string) bool
	EnvironmentName() string
	CurrentModel() (llm.Selection, bool)
	ProviderCount() int
	ActiveRuns() int
	RunningTasks() int
	Tools() []*tools.Tool
}

// Server wires the echo router to the service layer.
type Server struct {
	cfg    config.ServerConfig
	logger *slog.Logger
	echo   *echo.Echo
	http   *http.Server

	sessions   *services.SessionService
	dispatcher Dispatcher
	bus        *events.Bus

	// Optional collaborators, set before Start.
	warnings *services.SystemWarningsService
	mcp      *mcp.Manager
	traces   *trace.Recorder
}

// NewServer creates the API server and builds its routes.
func NewServer(cfg config.ServerConfig, sessions *services.SessionService, dispatcher Dispatcher, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:        cfg,
		logger:     logger.With("component", "api"),
		sessions:   sessions,
		dispatcher: dispatcher,
		bus:        bus,
	}
	s.echo = s.buildRouter()
	s.http = &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetWarningsService wires the system warnings store surfaced by /health.
func (s *Server) SetWarningsService(w *services.SystemWarningsService) {
	s.warnings = w
}

// SetMCPManager wires the MCP manager whose server statuses /health reports.
func (s *Server) SetMCPManager(m *mcp.Manager) {
	s.mcp = m
}

// SetTraceRecorder wires the span recorder behind /traces/:sessionId.
// When unset the endpoint answers 503.
func (s *Server) SetTraceRecorder(r *trace.Recorder) {
	s.traces = r
}

// Handler exposes the router for tests that serve over httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) buildRouter() *echo.Echo {
	e := echo.New()
	e.Use(securityHeaders())
	e.Use(s.requestLogger())

	e.GET("/health", s.healthHandler)
	e.GET("/events", s.eventsHandler)
	e.GET("/ws", s.wsHandler)

	e.GET("/sessions", s.listSessionsHandler)
	e.POST("/sessions", s.createSessionHandler)
	e.GET("/sessions/:id", s.getSessionHandler)
	e.PATCH("/sessions/:id", s.updateSessionHandler)
	e.DELETE("/sessions/:id", s.deleteSessionHandler)
	e.GET("/sessions/:id/messages", s.listMessagesHandler)
	e.POST("/sessions/:id/prompt", s.promptHandler)
	e.POST("/sessions/:id/interrupt", s.interruptHandler)

	e.GET("/traces/:sessionId", s.getTraceHandler)

	return e
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.http.Addr = addr
	s.logger.Info("HTTP server listening", "addr", addr)
	return s.http.ListenAndServe()
}

// StartWithListener serves on an existing listener. Tests use it to bind
// a random port before starting.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
	return s.http.Serve(ln)
}

// Shutdown stops accepting connections and drains in-flight requests.
// Long-lived /events and /ws streams close when their clients observe
// the connection drop.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
