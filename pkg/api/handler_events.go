package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/praxis-works/praxis/pkg/events"
)

// defaultHeartbeatInterval is used when the configured interval is missing.
const defaultHeartbeatInterval = 15 * time.Second

// eventsHandler handles GET /events?sessionId=…
//
// Server-sent events: each frame is one `data: {"type": …, …}\n\n` line
// carrying a flattened event envelope. The first frame is always
// server.connected; server.heartbeat fills idle gaps so proxies do not
// reap the connection. Without a sessionId the stream carries
// globally-scoped events only.
func (s *Server) eventsHandler(c *echo.Context) error {
	sessionID := c.QueryParam("sessionId")
	scope := events.ScopeGlobal
	if sessionID != "" {
		scope = sessionID
	}

	w := c.Response()
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	sub := s.bus.Subscribe(scope)
	defer sub.Close()

	s.logger.Debug("event stream opened", "scope", scope)
	defer s.logger.Debug("event stream closed", "scope", scope)

	if err := writeSSE(w, rc, connectedEnvelope(sessionID)); err != nil {
		return nil
	}

	interval := s.heartbeatInterval()
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				// Bus closed, the server is shutting down.
				return nil
			}
			if err := writeSSE(w, rc, events.Envelope(ev)); err != nil {
				return nil
			}
			heartbeat.Reset(interval)
		case <-heartbeat.C:
			if err := writeSSE(w, rc, heartbeatEnvelope()); err != nil {
				return nil
			}
		}
	}
}

func (s *Server) heartbeatInterval() time.Duration {
	if d := s.cfg.HeartbeatInterval.Std(); d > 0 {
		return d
	}
	return defaultHeartbeatInterval
}

// writeSSE writes one envelope as an SSE data frame and flushes it out.
func writeSSE(w io.Writer, rc *http.ResponseController, envelope map[string]any) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return rc.Flush()
}

func connectedEnvelope(sessionID string) map[string]any {
	payload := events.ServerConnectedPayload{Timestamp: time.Now().UTC()}
	if sessionID != "" {
		payload.SessionID = &sessionID
	}
	return events.Envelope(events.Event{Type: events.EventTypeServerConnected, Payload: payload})
}

func heartbeatEnvelope() map[string]any {
	return events.Envelope(events.Event{
		Type:    events.EventTypeServerHeartbeat,
		Payload: events.ServerHeartbeatPayload{Timestamp: time.Now().UTC()},
	})
}
