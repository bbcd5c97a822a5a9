package orchestrator

import (
	"context"
	"strings"

	"github.com/praxis-works/praxis/pkg/agent"
	"github.com/praxis-works/praxis/pkg/config"
	"github.com/praxis-works/praxis/pkg/events"
	"github.com/praxis-works/praxis/pkg/models"
)

// metadataDispatched marks user_query events whose dispatch already
// happened in HandleQuery, so the user_query rule does not claim the
// session a second time.
const metadataDispatched = "dispatched"

// pendingQuery is one queued turn awaiting the session's active run.
type pendingQuery struct {
	content string

	// system carries the rule prompt for rule-driven re-entries, empty
	// for user turns.
	system string
}

// runTicket is a claimed run: the session slot is held and the cancel for
// ctx sits in the active table where Interrupt finds it.
type runTicket struct {
	sessionID string
	content   string
	system    string
	ctx       context.Context
}

// HandleQuery accepts a user prompt for a session and returns once the
// run is claimed or queued; generation continues in the background and
// streams through the bus. The user_query event is published before the
// run goroutine starts, so every subscriber observes it ahead of the
// run's stream events.
func (o *Orchestrator) HandleQuery(ctx context.Context, sessionID, content string) error {
	if strings.TrimSpace(content) == "" {
		return models.NewAgentError(models.ErrKindInput, "prompt content is required")
	}
	if _, err := o.store.Get(sessionID); err != nil {
		return err
	}

	ticket, err := o.begin(sessionID, pendingQuery{content: content}, false)
	if err != nil {
		return err
	}

	o.publishEvent(ctx, events.Event{
		Type:      events.EventTypeUserQuery,
		SessionID: sessionID,
		Metadata:  map[string]any{metadataDispatched: true},
		Payload:   events.UserQueryPayload{SessionID: sessionID, Content: content},
	})

	if ticket != nil {
		go o.run(ticket)
	}
	return nil
}

// PublishEvent injects an event into the bus. user_query events are
// normalized through HandleQuery so injected queries get the same
// per-session serialization and busy policy as REST prompts.
func (o *Orchestrator) PublishEvent(ctx context.Context, event events.Event) error {
	if event.Type == events.EventTypeUserQuery && !isDispatched(event) {
		sessionID, content := userQueryContent(event)
		return o.HandleQuery(ctx, sessionID, content)
	}
	return o.bus.Publish(ctx, event)
}

// Interrupt aborts the session's active run, cancels its background
// tasks, and clears its pending queue. It reports whether anything was
// actually interrupted; repeating it on a quiet session is a no-op.
func (o *Orchestrator) Interrupt(sessionID string) bool {
	o.mu.Lock()
	cancel, active := o.active[sessionID]
	queued := len(o.pending[sessionID])
	delete(o.pending, sessionID)
	o.mu.Unlock()

	if active {
		cancel()
	}
	tasks := o.cancelChildren(sessionID)

	if !active && queued == 0 && tasks == 0 {
		return false
	}
	o.logger.Info("session interrupted",
		"session_id", sessionID,
		"active", active,
		"dropped_queued", queued,
		"cancelled_tasks", tasks)
	return true
}

// Busy reports whether the session has an in-flight run.
func (o *Orchestrator) Busy(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[sessionID]
	return ok
}

// ActiveRuns returns the number of sessions with an in-flight run.
func (o *Orchestrator) ActiveRuns() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// begin claims the session slot or queues the query. A nil ticket with a
// nil error means the query was queued (or, for an overflowing forced
// re-entry, dropped). forced marks rule-driven re-entries: they queue
// regardless of the busy policy, because rejecting them would lose an
// outcome the user never saw.
func (o *Orchestrator) begin(sessionID string, q pendingQuery, forced bool) (*runTicket, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopped {
		return nil, models.NewAgentError(models.ErrKindInternal, "orchestrator is stopped")
	}

	if _, busy := o.active[sessionID]; busy {
		if !forced && o.cfg.Agent.BusyPolicy != config.BusyPolicyQueue {
			return nil, models.NewAgentError(models.ErrKindBusy,
				"session %s already has an active response", sessionID)
		}
		return nil, o.enqueueLocked(sessionID, q, forced)
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.active[sessionID] = cancel
	o.wg.Add(1)
	return &runTicket{sessionID: sessionID, content: q.content, system: q.system, ctx: ctx}, nil
}

// enqueueLocked appends to the session's pending queue. On overflow the
// oldest rule-driven entry is dropped first; when every queued entry is a
// user turn, a forced newcomer is dropped and a user newcomer rejected.
func (o *Orchestrator) enqueueLocked(sessionID string, q pendingQuery, forced bool) error {
	depth := o.cfg.Agent.QueueDepth
	if depth <= 0 {
		depth = 1
	}

	queue := o.pending[sessionID]
	if len(queue) < depth {
		o.pending[sessionID] = append(queue, q)
		return nil
	}

	for i, queued := range queue {
		if queued.system != "" {
			o.logger.Warn("pending queue full, dropping oldest rule re-entry",
				"session_id", sessionID, "depth", depth)
			o.pending[sessionID] = append(append(queue[:i:i], queue[i+1:]...), q)
			return nil
		}
	}
	if forced {
		o.logger.Warn("pending queue full of user turns, dropping rule re-entry",
			"session_id", sessionID, "depth", depth)
		return nil
	}
	return models.NewAgentError(models.ErrKindBusy,
		"session %s queue is full (%d pending)", sessionID, depth)
}

// run executes one claimed turn and then drains the session's queue.
func (o *Orchestrator) run(t *runTicket) {
	defer o.wg.Done()

	runner, target, err := o.prepareRun()
	if err != nil {
		o.failRun(t, err)
		o.finishRun(t.sessionID)
		return
	}

	input := agent.RunInput{SessionID: t.sessionID, Content: t.content, Target: target}
	if t.system != "" {
		input.SystemPrompts = []string{t.system}
	}

	result, err := runner.Run(t.ctx, input)
	switch {
	case err != nil:
		// The loop already published stream.error for provider and tool
		// failures; anything left (store races with a deleted session)
		// only needs the log.
		o.logger.Error("run failed", "session_id", t.sessionID, "error", err)
	case result.Interrupted:
		o.logger.Info("run interrupted",
			"session_id", t.sessionID, "iterations", result.Iterations)
	default:
		o.logger.Debug("run finished",
			"session_id", t.sessionID,
			"iterations", result.Iterations,
			"truncated", result.Truncated)
	}

	o.finishRun(t.sessionID)
}

// failRun surfaces a failure that happened before the loop could start.
// The user message is still persisted and the error streams on a fresh
// assistant message, so clients see the turn fail rather than vanish.
func (o *Orchestrator) failRun(t *runTicket, cause error) {
	o.logger.Error("run not started", "session_id", t.sessionID, "error", cause)

	if t.content != "" {
		userMsg := models.Message{Role: models.RoleUser, Parts: []models.Part{models.TextPart(t.content)}}
		if _, err := o.store.AppendMessage(t.sessionID, userMsg); err != nil {
			o.logger.Warn("failed to persist query", "session_id", t.sessionID, "error", err)
			return
		}
	}
	messageID := ""
	if msg, err := o.store.AppendMessage(t.sessionID, models.Message{Role: models.RoleAssistant}); err == nil {
		messageID = msg.ID
	}

	o.publishEvent(context.Background(), events.Event{
		Type:      events.EventTypeStreamError,
		SessionID: t.sessionID,
		Payload: events.StreamErrorPayload{
			SessionID: t.sessionID,
			MessageID: messageID,
			Error:     cause.Error(),
			Code:      string(models.KindOf(cause)),
		},
	})
}

// finishRun releases the session slot and immediately claims it for the
// queue head, if any. The finished run's terminal event was published
// before Run returned, so starting the next turn here preserves the
// serialization guarantee.
func (o *Orchestrator) finishRun(sessionID string) {
	var next *runTicket

	o.mu.Lock()
	delete(o.active, sessionID)
	if queue := o.pending[sessionID]; len(queue) > 0 && !o.stopped {
		head := queue[0]
		if rest := queue[1:]; len(rest) > 0 {
			o.pending[sessionID] = rest
		} else {
			delete(o.pending, sessionID)
		}
		ctx, cancel := context.WithCancel(context.Background())
		o.active[sessionID] = cancel
		o.wg.Add(1)
		next = &runTicket{sessionID: sessionID, content: head.content, system: head.system, ctx: ctx}
	}
	o.mu.Unlock()

	if next != nil {
		o.logger.Debug("draining queued query", "session_id", sessionID)
		go o.run(next)
	}
}

// publishEvent sends one event, logging failures instead of propagating
// them.
func (o *Orchestrator) publishEvent(ctx context.Context, event events.Event) {
	if err := o.bus.Publish(ctx, event); err != nil {
		o.logger.Warn("event publish failed", "event_type", event.Type, "error", err)
	}
}

func isDispatched(event events.Event) bool {
	marked, _ := event.Metadata[metadataDispatched].(bool)
	return marked
}

// userQueryContent extracts the target session and prompt from a
// user_query event, accepting both the typed payload and the decoded-JSON
// map shape.
func userQueryContent(event events.Event) (sessionID, content string) {
	sessionID = event.SessionID
	switch p := event.Payload.(type) {
	case events.UserQueryPayload:
		content = p.Content
		if p.SessionID != "" {
			sessionID = p.SessionID
		}
	case *events.UserQueryPayload:
		if p != nil {
			content = p.Content
			if p.SessionID != "" {
				sessionID = p.SessionID
			}
		}
	case map[string]any:
		content, _ = p["content"].(string)
		if sid, ok := p["sessionId"].(string); ok && sid != "" {
			sessionID = sid
		}
	}
	return sessionID, content
}
