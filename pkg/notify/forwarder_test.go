package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxis-works/praxis/pkg/events"
)

// webhookRecorder captures JSON bodies posted to a test server.
type webhookRecorder struct {
	mu       sync.Mutex
	status   int
	received []map[string]any
}

func (r *webhookRecorder) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))

		r.mu.Lock()
		r.received = append(r.received, body)
		r.mu.Unlock()

		status := r.status
		if status == 0 {
			status = http.StatusNoContent
		}
		w.WriteHeader(status)
	}
}

func (r *webhookRecorder) bodies() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]any(nil), r.received...)
}

func TestForwarder_DeliversConfiguredEvents(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	f := NewForwarder(Config{WebhookURL: srv.URL}, nil)
	require.NotNil(t, f)

	f.Forward(events.Event{
		Type: events.EventTypeStreamError,
		Payload: events.StreamErrorPayload{
			SessionID: "sess-1",
			MessageID: "msg-1",
			Error:     "provider unreachable",
			Code:      "transport",
		},
	})
	// Stream deltas are not in the default set.
	f.Forward(events.Event{Type: events.EventTypeStreamText})
	f.Wait()

	bodies := rec.bodies()
	require.Len(t, bodies, 1)
	assert.Equal(t, "stream.error", bodies[0]["type"])
	assert.Equal(t, "sess-1", bodies[0]["sessionId"])
	assert.Equal(t, "provider unreachable", bodies[0]["error"])
	assert.Equal(t, "transport", bodies[0]["code"])
}

func TestForwarder_CustomEventList(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	f := NewForwarder(Config{
		WebhookURL: srv.URL,
		Events:     []string{events.EventTypeSessionCreated},
	}, nil)
	require.NotNil(t, f)

	f.Forward(events.Event{
		Type:    events.EventTypeSessionCreated,
		Payload: events.SessionLifecyclePayload{SessionID: "sess-2", Title: "debugging"},
	})
	f.Forward(events.Event{
		Type:    events.EventTypeStreamError,
		Payload: events.StreamErrorPayload{SessionID: "sess-2", Error: "nope"},
	})
	f.Wait()

	bodies := rec.bodies()
	require.Len(t, bodies, 1)
	assert.Equal(t, "session.created", bodies[0]["type"])
	assert.Equal(t, "debugging", bodies[0]["title"])
}

func TestForwarder_ServerErrorIsFailOpen(t *testing.T) {
	rec := &webhookRecorder{status: http.StatusInternalServerError}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	f := NewForwarder(Config{WebhookURL: srv.URL}, nil)
	require.NotNil(t, f)

	f.Forward(events.Event{
		Type:    events.EventTypeSessionDeleted,
		Payload: events.SessionLifecyclePayload{SessionID: "sess-3"},
	})
	f.Wait()

	// Delivery happened; the failure status is only logged.
	require.Len(t, rec.bodies(), 1)
}

func TestNewForwarder_DisabledWithoutURL(t *testing.T) {
	f := NewForwarder(Config{}, nil)
	assert.Nil(t, f)

	// Nil forwarder methods are safe no-ops.
	f.Forward(events.Event{Type: events.EventTypeSessionCreated})
	f.Wait()
}
