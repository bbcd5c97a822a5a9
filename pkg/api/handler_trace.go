package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/praxis-works/praxis/pkg/trace"
)

// getTraceHandler handles GET /traces/:sessionId.
//
// Debug surface: returns every recorded span for the session's runs in
// insertion order (run, iteration, llm_call, tool_call). An unknown or
// evicted session yields an empty span list rather than 404, since traces
// are best-effort and bounded.
func (s *Server) getTraceHandler(c *echo.Context) error {
	sessionID := c.Param("sessionId")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	if s.traces == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "tracing is not enabled")
	}

	spans := s.traces.Trace(sessionID)
	if spans == nil {
		spans = []trace.Span{}
	}
	return c.JSON(http.StatusOK, &TraceResponse{SessionID: sessionID, Spans: spans})
}
