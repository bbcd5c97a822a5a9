// Package notify forwards lifecycle and error events to a configured webhook.
package notify

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/praxis-works/praxis/pkg/events"
)

// DefaultTimeout bounds one webhook delivery.
const DefaultTimeout = 5 * time.Second

// DefaultEvents returns the event types forwarded when config does not name
// any: session lifecycle, terminal background task states, environment
// switches, and stream errors. Stream deltas are deliberately absent; a
// webhook is a notification channel, not an event mirror.
func DefaultEvents() []string {
	return []string{
		events.EventTypeSessionCreated,
		events.EventTypeSessionDeleted,
		events.EventTypeStreamError,
		events.EventTypeBackgroundTaskCompleted,
		events.EventTypeBackgroundTaskFailed,
		events.EventTypeEnvironmentSwitched,
	}
}

// Config holds webhook forwarding settings. An empty URL disables forwarding.
type Config struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
	Events     []string      `yaml:"events"`
}

// Forwarder posts event envelopes to a webhook URL. Deliveries run in the
// background so event publication is never blocked.
// Nil-safe: all methods are no-ops when the forwarder is nil.
type Forwarder struct {
	client *http.Client
	url    string
	types  map[string]bool
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewForwarder creates a webhook forwarder.
// Returns nil if no webhook URL is configured.
func NewForwarder(cfg Config, logger *slog.Logger) *Forwarder {
	if cfg.WebhookURL == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	selected := cfg.Events
	if len(selected) == 0 {
		selected = DefaultEvents()
	}
	types := make(map[string]bool, len(selected))
	for _, t := range selected {
		types[t] = true
	}

	return &Forwarder{
		client: &http.Client{Timeout: timeout},
		url:    cfg.WebhookURL,
		types:  types,
		logger: logger.With("component", "notify"),
	}
}

// Forward posts the event's envelope when its type is configured for
// forwarding. Fail-open: delivery errors are logged, never returned.
func (f *Forwarder) Forward(event events.Event) {
	if f == nil || !f.types[event.Type] {
		return
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.deliver(event)
	}()
}

// Wait blocks until in-flight deliveries finish. Each delivery is bounded by
// the client timeout, so Wait is too.
func (f *Forwarder) Wait() {
	if f == nil {
		return
	}
	f.wg.Wait()
}

func (f *Forwarder) deliver(event events.Event) {
	body, err := json.Marshal(events.Envelope(event))
	if err != nil {
		f.logger.Error("Failed to encode webhook payload", "event_type", event.Type, "error", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		f.logger.Error("Failed to create webhook request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Warn("Webhook delivery failed", "event_type", event.Type, "error", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusMultipleChoices {
		f.logger.Warn("Webhook returned non-success status",
			"event_type", event.Type, "status", resp.StatusCode)
	}
}
