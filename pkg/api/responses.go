package api

import (
	"time"

	"github.com/praxis-works/praxis/pkg/models"
	"github.com/praxis-works/praxis/pkg/services"
	"github.com/praxis-works/praxis/pkg/trace"
)

// PromptResponse is returned by POST /sessions/:id/prompt. The response
// returns before the run completes; progress streams via /events.
type PromptResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// InterruptResponse is returned by POST /sessions/:id/interrupt.
// Interrupted is false when the session had nothing in flight.
type InterruptResponse struct {
	Success     bool `json:"success"`
	Interrupted bool `json:"interrupted"`
}

// DeleteResponse is returned by DELETE /sessions/:id.
type DeleteResponse struct {
	Success bool `json:"success"`
}

// MessageView is the flattened projection served by
// GET /sessions/:id/messages. Clients needing typed parts fetch the full
// session instead.
type MessageView struct {
	ID        string      `json:"id"`
	Role      models.Role `json:"role"`
	Timestamp time.Time   `json:"timestamp"`
	Text      string      `json:"text"`
}

// HealthCheck is one component's status inside the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ActivityStats reports current load, informational only.
type ActivityStats struct {
	ActiveRuns      int `json:"activeRuns"`
	BackgroundTasks int `json:"backgroundTasks"`
	Tools           int `json:"tools"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status      string                    `json:"status"`
	Version     string                    `json:"version"`
	Environment string                    `json:"environment"`
	Checks      map[string]HealthCheck    `json:"checks"`
	Activity    ActivityStats             `json:"activity"`
	Warnings    []*services.SystemWarning `json:"warnings,omitempty"`
}

// TraceResponse is returned by GET /traces/:sessionId.
type TraceResponse struct {
	SessionID string       `json:"sessionId"`
	Spans     []trace.Span `json:"spans"`
}
