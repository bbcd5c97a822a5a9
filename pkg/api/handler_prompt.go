package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// maxPromptLength caps prompt bodies well above any realistic typed input.
const maxPromptLength = 100_000

// promptHandler handles POST /sessions/:id/prompt.
// Dispatches the prompt and returns 202 before the run completes; the
// response itself streams via /events and /ws.
func (s *Server) promptHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	var req PromptRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}
	if len(req.Content) > maxPromptLength {
		return echo.NewHTTPError(http.StatusBadRequest, "content exceeds maximum length of 100,000 characters")
	}

	if err := s.dispatcher.HandleQuery(c.Request().Context(), sessionID, req.Content); err != nil {
		return mapServiceError(err)
	}

	s.logger.Info("prompt accepted",
		"session_id", sessionID, "author", extractAuthor(c))
	return c.JSON(http.StatusAccepted, &PromptResponse{
		Success:   true,
		SessionID: sessionID,
		Message:   "prompt accepted, response streams on /events",
	})
}

// interruptHandler handles POST /sessions/:id/interrupt.
// Idempotent: interrupting an idle session reports interrupted=false.
func (s *Server) interruptHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	if _, err := s.sessions.Get(c.Request().Context(), sessionID); err != nil {
		return mapServiceError(err)
	}

	interrupted := s.dispatcher.Interrupt(sessionID)
	if interrupted {
		s.logger.Info("session interrupted", "session_id", sessionID)
	}
	return c.JSON(http.StatusOK, &InterruptResponse{Success: true, Interrupted: interrupted})
}
