package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxis-works/praxis/pkg/events"
	"github.com/praxis-works/praxis/pkg/llm"
	"github.com/praxis-works/praxis/pkg/models"
	"github.com/praxis-works/praxis/pkg/notify"
)

func TestDefaultRules_Registered(t *testing.T) {
	h := newHarness(t)
	h.start()

	ids := make(map[string]bool)
	for _, rule := range h.bus.Rules() {
		ids[rule.ID] = true
	}
	for _, id := range []string{
		RuleIDUserQuery, RuleIDLifecycle, RuleIDTaskDone,
		RuleIDTaskFailed, RuleIDEnvSwitched, RuleIDFallback,
	} {
		assert.True(t, ids[id], "missing rule %s", id)
	}
}

func TestUserQueryRule_DispatchesDirectBusPublish(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.installProvider(textResponse("from the rule"))
	sess := h.createSession("direct publish")

	// Publishing straight to the bus, without HandleQuery, still runs the
	// agent: the user_query rule picks the event up.
	require.NoError(t, h.bus.Publish(context.Background(), events.Event{
		Type:    events.EventTypeUserQuery,
		Payload: events.UserQueryPayload{SessionID: sess.ID, Content: "ping"},
	}))
	h.waitEventOn(events.EventTypeStreamCompleted, sess.ID)

	msgs, err := h.store.History(sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "ping", msgs[0].Text())
	assert.Equal(t, "from the rule", msgs[1].Text())
}

func TestUserQueryRule_SkipsDispatchedEvents(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.installProvider()
	sess := h.createSession("already handled")

	err := h.o.handleUserQueryEvent(context.Background(), events.Event{
		Type:     events.EventTypeUserQuery,
		Metadata: map[string]any{metadataDispatched: true},
		Payload:  events.UserQueryPayload{SessionID: sess.ID, Content: "claimed elsewhere"},
	})
	require.NoError(t, err)
	assert.Zero(t, h.o.ActiveRuns())
	assert.Zero(t, h.provider.calls())
}

func TestUserQueryRule_RejectsMalformedEvents(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.installProvider()
	sess := h.createSession("strict")

	cases := []struct {
		name  string
		event events.Event
	}{
		{"no session", events.Event{
			Type:    events.EventTypeUserQuery,
			Payload: events.UserQueryPayload{Content: "orphan"},
		}},
		{"no content", events.Event{
			Type:    events.EventTypeUserQuery,
			Payload: events.UserQueryPayload{SessionID: sess.ID, Content: "  "},
		}},
		{"unknown session", events.Event{
			Type:    events.EventTypeUserQuery,
			Payload: events.UserQueryPayload{SessionID: "ghost", Content: "hello"},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := h.o.handleUserQueryEvent(context.Background(), tc.event)
			require.Error(t, err)
			assert.True(t, models.IsKind(err, models.ErrKindInput))
		})
	}
	assert.Zero(t, h.o.ActiveRuns())
}

func TestLifecycleRule_ForwardsToWebhook(t *testing.T) {
	received := make(chan map[string]any, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		received <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newHarness(t)
	h.o.forwarder = notify.NewForwarder(notify.Config{WebhookURL: srv.URL}, nil)
	h.start()

	sess := h.createSession("webhooked")

	select {
	case body := <-received:
		assert.Equal(t, events.EventTypeSessionCreated, body["type"])
		assert.Equal(t, sess.ID, body["sessionId"])
	case <-time.After(waitTimeout):
		t.Fatal("webhook never received session.created")
	}
}

func TestTaskCompletedRule_ReentersSessionWithPrompt(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.installProvider(textResponse("noted, continuing"))
	sess := h.createSession("task parent")

	require.NoError(t, h.bus.Publish(context.Background(), events.Event{
		Type:      events.EventTypeBackgroundTaskCompleted,
		SessionID: sess.ID,
		Payload: events.BackgroundTaskPayload{
			SessionID:   sess.ID,
			TaskID:      "task-1",
			Description: "indexing",
			Result:      "42 files indexed",
		},
	}))
	h.waitEventOn(events.EventTypeStreamCompleted, sess.ID)

	// The synthesized user message carries the task outcome.
	msgs, err := h.store.History(sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0].Text(), `Background task "indexing"`)
	assert.Contains(t, msgs[0].Text(), "42 files indexed")

	// The rule prompt rode along as a system message, not session history.
	reqs := h.provider.requests()
	require.Len(t, reqs, 1)
	var foundPrompt bool
	for _, m := range reqs[0].Messages {
		if m.Role == models.RoleSystem && strings.Contains(m.Content, "background task you started has completed") {
			foundPrompt = true
		}
	}
	assert.True(t, foundPrompt, "task prompt missing from system messages")
}

func TestRunRulePrompt_QueuesBehindActiveRun(t *testing.T) {
	h := newHarness(t)
	h.start()
	hold := make(chan struct{})
	h.installProvider(
		scriptResponse{hold: hold, chunks: []llm.Chunk{
			llm.TextChunk{Delta: "still going"},
			llm.FinishChunk{Reason: "stop"},
		}},
		textResponse("handled the event"),
	)
	sess := h.createSession("re-entry queue")

	require.NoError(t, h.o.HandleQuery(context.Background(), sess.ID, "first"))
	h.waitEventOn(events.EventTypeStreamText, sess.ID)

	// Re-entries queue even under the reject busy policy.
	require.NoError(t, h.o.RunRulePrompt(context.Background(), taskFailedPrompt, events.Event{
		Type:      events.EventTypeBackgroundTaskFailed,
		SessionID: sess.ID,
		Payload: events.BackgroundTaskPayload{
			SessionID:   sess.ID,
			TaskID:      "task-9",
			Description: "sync",
			Error:       "remote unreachable",
		},
	}))

	close(hold)
	h.waitEventOn(events.EventTypeStreamCompleted, sess.ID)
	h.waitEventOn(events.EventTypeStreamCompleted, sess.ID)

	msgs, err := h.store.History(sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Contains(t, msgs[2].Text(), `Background task "sync"`)
	assert.Contains(t, msgs[2].Text(), "remote unreachable")
	assert.Equal(t, "handled the event", msgs[3].Text())
}

func TestRunRulePrompt_IgnoresUnknownSession(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.installProvider()

	require.NoError(t, h.o.RunRulePrompt(context.Background(), fallbackPrompt, events.Event{
		Type:      "custom.event",
		SessionID: "ghost",
	}))
	require.NoError(t, h.o.RunRulePrompt(context.Background(), fallbackPrompt, events.Event{
		Type: "custom.event",
	}))
	assert.Zero(t, h.o.ActiveRuns())
	assert.Zero(t, h.provider.calls())
}

func TestFallbackRule_RunsOnlyUnroutedEvents(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.installProvider(textResponse("looked at it"))
	sess := h.createSession("fallback")

	ctx := context.Background()

	// Stream, server, and concretely routed events are not the fallback's
	// business.
	for _, eventType := range []string{
		events.EventTypeStreamText,
		events.EventTypeServerHeartbeat,
		events.EventTypeSessionCreated,
		events.EventTypeBackgroundTaskCompleted,
	} {
		require.NoError(t, h.o.handleFallback(ctx, events.Event{Type: eventType, SessionID: sess.ID}))
	}
	assert.Zero(t, h.o.ActiveRuns())

	// Sessionless events have nowhere to run.
	require.NoError(t, h.o.handleFallback(ctx, events.Event{Type: "custom.ping"}))
	assert.Zero(t, h.o.ActiveRuns())

	// An unrouted event with a session goes to the agent.
	require.NoError(t, h.o.handleFallback(ctx, events.Event{
		Type:      "custom.ping",
		SessionID: sess.ID,
		Payload:   map[string]any{"source": "cron"},
	}))
	h.waitEventOn(events.EventTypeStreamCompleted, sess.ID)

	msgs, err := h.store.History(sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0].Text(), `"custom.ping"`)
	assert.Contains(t, msgs[0].Text(), "cron")
}

func TestHandledElsewhere(t *testing.T) {
	handled := []string{
		events.EventTypeUserQuery,
		events.EventTypeSessionCreated,
		events.EventTypeSessionUpdated,
		events.EventTypeSessionDeleted,
		events.EventTypeBackgroundTaskCompleted,
		events.EventTypeBackgroundTaskFailed,
		events.EventTypeEnvironmentSwitched,
		events.EventTypeStreamStart,
		events.EventTypeStreamCompleted,
		events.EventTypeServerConnected,
		events.EventTypeServerHeartbeat,
	}
	for _, eventType := range handled {
		assert.True(t, handledElsewhere(eventType), eventType)
	}
	for _, eventType := range []string{"custom.ping", "github.issue_opened", ""} {
		assert.False(t, handledElsewhere(eventType), eventType)
	}
}

func TestRuleEventContent(t *testing.T) {
	completed := ruleEventContent(events.Event{
		Type: events.EventTypeBackgroundTaskCompleted,
		Payload: events.BackgroundTaskPayload{
			TaskID:      "t-1",
			Description: "crawl",
			Result:      "120 pages",
		},
	})
	assert.Contains(t, completed, `Background task "crawl" (t-1) completed`)
	assert.Contains(t, completed, "120 pages")

	failed := ruleEventContent(events.Event{
		Type: events.EventTypeBackgroundTaskFailed,
		Payload: events.BackgroundTaskPayload{
			TaskID:      "t-2",
			Description: "deploy",
			Error:       "permission denied",
		},
	})
	assert.Contains(t, failed, `Background task "deploy" (t-2) failed`)
	assert.Contains(t, failed, "permission denied")

	switched := ruleEventContent(events.Event{
		Type: events.EventTypeEnvironmentSwitched,
		Payload: events.EnvironmentSwitchedPayload{
			From:        "default",
			To:          "research",
			ToolsBefore: 2,
			ToolsAfter:  5,
			AddedSkills: []string{"citations"},
			Model:       "openai/gpt-test",
		},
	})
	assert.Contains(t, switched, `from "default" to "research"`)
	assert.Contains(t, switched, "2 before, 5 after")
	assert.Contains(t, switched, "citations")
	assert.Contains(t, switched, "openai/gpt-test")

	generic := ruleEventContent(events.Event{
		Type:    "github.issue_opened",
		Payload: map[string]any{"number": 17},
	})
	assert.Contains(t, generic, `"github.issue_opened"`)
	assert.Contains(t, generic, "17")

	bare := ruleEventContent(events.Event{Type: "custom.empty"})
	assert.Equal(t, `An event of type "custom.empty" was received.`, bare)
}
