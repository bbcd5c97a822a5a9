package api

import (
	"fmt"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/praxis-works/praxis/pkg/events"
	"github.com/praxis-works/praxis/pkg/mcp"
	"github.com/praxis-works/praxis/pkg/version"
)

const (
	healthStatusHealthy  = "healthy"
	healthStatusDegraded = "degraded"
)

// healthHandler handles GET /health.
//
// The server is never reported unhealthy while it can answer: a missing
// provider or a failed MCP server degrades the status but the process
// itself still serves sessions, so the response stays 200 and restarts
// are left to a human reading the checks.
func (s *Server) healthHandler(c *echo.Context) error {
	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy
	degrade := func() {
		status = healthStatusDegraded
	}

	sessions := s.sessions.List(c.Request().Context())
	checks["store"] = HealthCheck{
		Status:  healthStatusHealthy,
		Message: fmt.Sprintf("%d sessions", len(sessions)),
	}

	checks["bus"] = HealthCheck{
		Status:  healthStatusHealthy,
		Message: fmt.Sprintf("%d global subscribers", s.bus.SubscriberCount(events.ScopeGlobal)),
	}

	if n := s.dispatcher.ProviderCount(); n == 0 {
		degrade()
		checks["llm"] = HealthCheck{Status: healthStatusDegraded, Message: "no providers configured"}
	} else {
		msg := fmt.Sprintf("%d providers", n)
		if sel, ok := s.dispatcher.CurrentModel(); ok {
			msg += ", active " + sel.String()
		}
		checks["llm"] = HealthCheck{Status: healthStatusHealthy, Message: msg}
	}

	if s.mcp != nil {
		statuses := s.mcp.Statuses()
		failed := 0
		for _, st := range statuses {
			if st.Status == mcp.StatusError {
				failed++
			}
		}
		check := HealthCheck{
			Status:  healthStatusHealthy,
			Message: fmt.Sprintf("%d/%d connected", s.mcp.ConnectedCount(), len(statuses)),
		}
		if failed > 0 {
			degrade()
			check.Status = healthStatusDegraded
			check.Message = fmt.Sprintf("%s, %d failed", check.Message, failed)
		}
		checks["mcp"] = check
	}

	resp := &HealthResponse{
		Status:      status,
		Version:     version.GitCommit,
		Environment: s.dispatcher.EnvironmentName(),
		Checks:      checks,
		Activity: ActivityStats{
			ActiveRuns:      s.dispatcher.ActiveRuns(),
			BackgroundTasks: s.dispatcher.RunningTasks(),
			Tools:           len(s.dispatcher.Tools()),
		},
	}
	if s.warnings != nil {
		resp.Warnings = s.warnings.GetWarnings()
	}

	return c.JSON(http.StatusOK, resp)
}
