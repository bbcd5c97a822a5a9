package e2e

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const waitTimeout = 10 * time.Second

// EventStream consumes /events frames in the background. WaitFor and
// WaitForType consume the stream in order: each call scans forward from
// where the previous match left off, so a sequence of waits asserts
// frame ordering for free.
type EventStream struct {
	t      *testing.T
	cancel context.CancelFunc

	mu     sync.Mutex
	events []map[string]any
	cursor int
}

// OpenEvents subscribes to the event stream, scoped to sessionID when
// non-empty. It returns only after the server's connected frame arrives,
// so anything published afterwards cannot be missed.
func OpenEvents(t *testing.T, baseURL, sessionID string) *EventStream {
	t.Helper()

	url := baseURL + "/events"
	if sessionID != "" {
		url += "?sessionId=" + sessionID
	}

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		t.Fatalf("building events request: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("opening event stream: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	es := &EventStream{t: t, cancel: cancel}
	go es.read(resp.Body)

	es.WaitForType("server.connected")
	return es
}

func (es *EventStream) read(body io.Reader) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			continue
		}
		es.mu.Lock()
		es.events = append(es.events, evt)
		es.mu.Unlock()
	}
}

// WaitFor blocks until a frame past the cursor satisfies the predicate,
// consuming everything up to and including the match.
func (es *EventStream) WaitFor(desc string, pred func(map[string]any) bool) map[string]any {
	es.t.Helper()

	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		es.mu.Lock()
		for es.cursor < len(es.events) {
			evt := es.events[es.cursor]
			es.cursor++
			if pred(evt) {
				es.mu.Unlock()
				return evt
			}
		}
		es.mu.Unlock()
		time.Sleep(25 * time.Millisecond)
	}
	es.t.Fatalf("timed out waiting for %s", desc)
	return nil
}

// WaitForType waits for the next frame of the given type.
func (es *EventStream) WaitForType(eventType string) map[string]any {
	es.t.Helper()
	return es.WaitFor(eventType, func(evt map[string]any) bool {
		return evt["type"] == eventType
	})
}

// Seen returns a snapshot of every frame received so far, consumed or
// not, for assertions about the stream as a whole.
func (es *EventStream) Seen() []map[string]any {
	es.mu.Lock()
	defer es.mu.Unlock()
	out := make([]map[string]any, len(es.events))
	copy(out, es.events)
	return out
}
