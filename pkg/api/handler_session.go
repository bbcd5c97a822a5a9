package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/praxis-works/praxis/pkg/models"
	"github.com/praxis-works/praxis/pkg/services"
)

// listSessionsHandler handles GET /sessions.
// Returns summaries sorted by last update, newest first.
func (s *Server) listSessionsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.sessions.List(c.Request().Context()))
}

// createSessionHandler handles POST /sessions.
func (s *Server) createSessionHandler(c *echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	sess, err := s.sessions.Create(c.Request().Context(), services.CreateSessionRequest{Title: req.Title})
	if err != nil {
		return mapServiceError(err)
	}

	s.logger.Info("session created",
		"session_id", sess.ID, "author", extractAuthor(c))
	return c.JSON(http.StatusCreated, sess)
}

// getSessionHandler handles GET /sessions/:id.
// Returns the full session including messages with typed parts.
func (s *Server) getSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	sess, err := s.sessions.Get(c.Request().Context(), sessionID)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, sess)
}

// updateSessionHandler handles PATCH /sessions/:id.
func (s *Server) updateSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	var req UpdateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	sess, err := s.sessions.Update(c.Request().Context(), sessionID, models.SessionPatch{
		Title:    req.Title,
		Metadata: req.Metadata,
	})
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, sess)
}

// deleteSessionHandler handles DELETE /sessions/:id.
// An active response is interrupted first so nothing keeps streaming into
// a session that no longer exists.
func (s *Server) deleteSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	if s.dispatcher.Interrupt(sessionID) {
		s.logger.Info("interrupted active response before delete", "session_id", sessionID)
	}

	if err := s.sessions.Delete(c.Request().Context(), sessionID); err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, &DeleteResponse{Success: true})
}

// listMessagesHandler handles GET /sessions/:id/messages.
func (s *Server) listMessagesHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	msgs, err := s.sessions.Messages(c.Request().Context(), sessionID)
	if err != nil {
		return mapServiceError(err)
	}

	views := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, MessageView{
			ID:        m.ID,
			Role:      m.Role,
			Timestamp: m.Timestamp,
			Text:      m.Text(),
		})
	}
	return c.JSON(http.StatusOK, views)
}
