package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/praxis-works/praxis/pkg/events"
)

// wsWriteTimeout bounds one frame write so a stalled client cannot wedge
// the relay loop.
const wsWriteTimeout = 5 * time.Second

// wsHandler handles GET /ws?sessionId=…
//
// Mirror of /events over WebSocket: the same JSON envelopes, one per text
// frame, starting with server.connected and padded with server.heartbeat
// when idle. Clients do not send anything; inbound frames are drained only
// to detect the close.
func (s *Server) wsHandler(c *echo.Context) error {
	opts := &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins}
	if len(s.cfg.AllowedOrigins) == 0 {
		// No allowlist configured: accept any origin. Deployments fronted
		// by a browser should set server.allowed_origins.
		opts = &websocket.AcceptOptions{InsecureSkipVerify: true}
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), opts)
	if err != nil {
		// Accept already wrote the HTTP error response.
		return nil
	}

	s.serveWS(c.Request().Context(), conn, c.QueryParam("sessionId"))
	return nil
}

func (s *Server) serveWS(parentCtx context.Context, conn *websocket.Conn, sessionID string) {
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()
	defer conn.Close(websocket.StatusNormalClosure, "")

	scope := events.ScopeGlobal
	if sessionID != "" {
		scope = sessionID
	}

	sub := s.bus.Subscribe(scope)
	defer sub.Close()

	s.logger.Debug("websocket opened", "scope", scope)
	defer s.logger.Debug("websocket closed", "scope", scope)

	// Read loop: the client never sends application frames, but reading is
	// what surfaces the close handshake and keeps pongs flowing.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	if err := s.writeWS(ctx, conn, connectedEnvelope(sessionID)); err != nil {
		return
	}

	interval := s.heartbeatInterval()
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := s.writeWS(ctx, conn, events.Envelope(ev)); err != nil {
				return
			}
			heartbeat.Reset(interval)
		case <-heartbeat.C:
			if err := s.writeWS(ctx, conn, heartbeatEnvelope()); err != nil {
				return
			}
		}
	}
}

// writeWS sends one envelope as a text frame with a write timeout.
func (s *Server) writeWS(ctx context.Context, conn *websocket.Conn, envelope map[string]any) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
