package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/praxis-works/praxis/pkg/models"
	"github.com/praxis-works/praxis/pkg/services"
	"github.com/praxis-works/praxis/pkg/session"
)

// mapServiceError maps service and orchestrator errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, session.ErrSessionNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}

	switch models.KindOf(err) {
	case models.ErrKindInput:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case models.ErrKindBusy:
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case models.ErrKindConfig:
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
