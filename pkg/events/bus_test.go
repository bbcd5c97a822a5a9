package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRulesRunInPriorityOrderWithWildcardLast(t *testing.T) {
	bus := NewBus(nil, 0)
	var order []string
	var mu sync.Mutex
	record := func(name string) HandlerFunc {
		return func(ctx context.Context, event Event) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}

	bus.RegisterRule(Rule{EventTypes: []string{"user_query"}, Handler: record("low"), Priority: 10})
	bus.RegisterRule(Rule{EventTypes: []string{EventTypeWildcard}, Handler: record("fallback"), Priority: 99})
	bus.RegisterRule(Rule{EventTypes: []string{"user_query"}, Handler: record("high"), Priority: 100})
	bus.RegisterRule(Rule{EventTypes: []string{"user_query"}, Handler: record("mid-a"), Priority: 50})
	bus.RegisterRule(Rule{EventTypes: []string{"user_query"}, Handler: record("mid-b"), Priority: 50})

	require.NoError(t, bus.Publish(context.Background(), Event{Type: "user_query"}))

	// The wildcard runs after all concrete rules despite its priority;
	// equal priorities keep registration order.
	assert.Equal(t, []string{"high", "mid-a", "mid-b", "low", "fallback"}, order)
}

func TestRuleErrorIsCapturedAndLaterRulesStillRun(t *testing.T) {
	bus := NewBus(nil, 0)
	var ran []string

	failingID := bus.RegisterRule(Rule{
		EventTypes: []string{"user_query"},
		Priority:   100,
		Handler: HandlerFunc(func(ctx context.Context, event Event) error {
			ran = append(ran, "failing")
			return errors.New("boom")
		}),
	})
	bus.RegisterRule(Rule{
		EventTypes: []string{EventTypeWildcard},
		Priority:   10,
		Handler: HandlerFunc(func(ctx context.Context, event Event) error {
			ran = append(ran, "wildcard")
			// The wildcard observes the captured error.
			errs, ok := event.Metadata[MetadataRuleErrors].([]string)
			require.True(t, ok)
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0], failingID)
			assert.Contains(t, errs[0], "boom")
			return nil
		}),
	})

	sub := bus.Subscribe(ScopeGlobal)
	defer sub.Close()

	require.NoError(t, bus.Publish(context.Background(), Event{Type: "user_query"}))
	assert.Equal(t, []string{"failing", "wildcard"}, ran)

	// Subscriber delivery still happened, with the error metadata attached.
	select {
	case got := <-sub.C():
		errs, ok := got.Metadata[MetadataRuleErrors].([]string)
		require.True(t, ok)
		assert.Len(t, errs, 1)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
}

func TestRegisterUnregisterRoundTrip(t *testing.T) {
	bus := NewBus(nil, 0)
	before := len(bus.Rules())

	id := bus.RegisterRule(Rule{EventTypes: []string{"x"}, Handler: HandlerFunc(func(context.Context, Event) error { return nil })})
	assert.Len(t, bus.Rules(), before+1)

	assert.True(t, bus.UnregisterRule(id))
	assert.Len(t, bus.Rules(), before)
	assert.False(t, bus.UnregisterRule(id))
}

func TestScopedSubscriptions(t *testing.T) {
	bus := NewBus(nil, 0)
	global := bus.Subscribe(ScopeGlobal)
	scoped := bus.Subscribe("s1")
	other := bus.Subscribe("s2")
	defer global.Close()
	defer scoped.Close()
	defer other.Close()

	require.NoError(t, bus.Publish(context.Background(), Event{Type: "stream.text", SessionID: "s1"}))

	select {
	case got := <-global.C():
		assert.Equal(t, "s1", got.SessionID)
	case <-time.After(time.Second):
		t.Fatal("global subscriber missed event")
	}
	select {
	case got := <-scoped.C():
		assert.Equal(t, "stream.text", got.Type)
	case <-time.After(time.Second):
		t.Fatal("scoped subscriber missed event")
	}
	select {
	case got := <-other.C():
		t.Fatalf("s2 subscriber should not see s1 events, got %v", got.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPerSessionOrderingPreserved(t *testing.T) {
	bus := NewBus(nil, 0)
	sub := bus.Subscribe("s1")
	defer sub.Close()

	for i := 0; i < 100; i++ {
		require.NoError(t, bus.Publish(context.Background(), Event{
			Type:      "stream.text",
			SessionID: "s1",
			Payload:   StreamTextPayload{SessionID: "s1", Delta: string(rune('a' + i%26))},
		}))
	}

	var seen int
	timeout := time.After(2 * time.Second)
	for seen < 100 {
		select {
		case got := <-sub.C():
			payload := got.Payload.(StreamTextPayload)
			assert.Equal(t, string(rune('a'+seen%26)), payload.Delta)
			seen++
		case <-timeout:
			t.Fatalf("only received %d of 100 events", seen)
		}
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	bus := NewBus(nil, 2)
	sub := bus.Subscribe(ScopeGlobal)

	// Fill the buffer without draining, then overflow it.
	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Publish(context.Background(), Event{Type: "stream.text"}))
	}

	assert.Equal(t, 0, bus.SubscriberCount(ScopeGlobal))

	// The channel is closed after the two buffered events.
	var received int
	for range sub.C() {
		received++
	}
	assert.Equal(t, 2, received)
}

func TestAgentHandlerDispatchesThroughRunner(t *testing.T) {
	bus := NewBus(nil, 0)
	runner := &stubRunner{}
	bus.SetAgentRunner(runner)

	bus.RegisterRule(Rule{
		EventTypes: []string{EventTypeWildcard},
		Priority:   10,
		Handler:    AgentHandler{Prompt: "decide what to do"},
	})

	require.NoError(t, bus.Publish(context.Background(), Event{Type: "background_task.completed", SessionID: "s1"}))

	require.Len(t, runner.calls, 1)
	assert.Equal(t, "decide what to do", runner.calls[0].prompt)
	assert.Equal(t, "background_task.completed", runner.calls[0].trigger.Type)
}

func TestAgentHandlerWithoutRunnerRecordsError(t *testing.T) {
	bus := NewBus(nil, 0)
	bus.RegisterRule(Rule{
		EventTypes: []string{"user_query"},
		Handler:    AgentHandler{Prompt: "p"},
	})
	sub := bus.Subscribe(ScopeGlobal)
	defer sub.Close()

	require.NoError(t, bus.Publish(context.Background(), Event{Type: "user_query"}))

	got := <-sub.C()
	errs, ok := got.Metadata[MetadataRuleErrors].([]string)
	require.True(t, ok)
	assert.Contains(t, errs[0], "no agent runner")
}

func TestPublishRequiresType(t *testing.T) {
	bus := NewBus(nil, 0)
	assert.Error(t, bus.Publish(context.Background(), Event{}))
}

type stubRunner struct {
	mu    sync.Mutex
	calls []runnerCall
}

type runnerCall struct {
	prompt  string
	trigger Event
}

func (s *stubRunner) RunRulePrompt(ctx context.Context, prompt string, trigger Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, runnerCall{prompt: prompt, trigger: trigger})
	return nil
}
