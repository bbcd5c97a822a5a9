package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/praxis-works/praxis/pkg/events"
	"github.com/praxis-works/praxis/pkg/models"
)

// Default rule ids. User-registered rules share the same table; these ids
// keep the built-ins recognizable and individually replaceable.
const (
	RuleIDUserQuery   = "default:user-query"
	RuleIDLifecycle   = "default:lifecycle"
	RuleIDTaskDone    = "default:task-completed"
	RuleIDTaskFailed  = "default:task-failed"
	RuleIDEnvSwitched = "default:environment-switched"
	RuleIDFallback    = "default:fallback"
)

// Prompts for the agent-driven default rules. Each runs as an additional
// system prompt on the triggering session's re-entry.
const (
	taskCompletedPrompt = "A background task you started has completed. " +
		"Review its result, relate it to what the user asked for, and report " +
		"the outcome concisely. Continue any work that was waiting on it."

	taskFailedPrompt = "A background task you started has failed. Diagnose " +
		"the failure from the error message, explain it briefly, and either " +
		"retry with a corrected approach or tell the user what is blocking."

	environmentSwitchedPrompt = "The runtime environment just changed. " +
		"Briefly announce the switch to the user: mention the new " +
		"environment, how the available tools changed, and the active model."

	fallbackPrompt = "An event was delivered that no dedicated rule " +
		"handles. Decide what to do: respond to the user if it concerns " +
		"them, continue your current work if it does not, or ask for " +
		"confirmation before acting on it."
)

// registerDefaultRules installs the rule table that drives the core:
// queries at 100, lifecycle logging and forwarding at 50, task and
// environment re-entries at 80, and the wildcard fallback at 10.
func (o *Orchestrator) registerDefaultRules() {
	o.bus.RegisterRule(events.Rule{
		ID:         RuleIDUserQuery,
		EventTypes: []string{events.EventTypeUserQuery},
		Priority:   100,
		Handler:    events.HandlerFunc(o.handleUserQueryEvent),
	})
	o.bus.RegisterRule(events.Rule{
		ID: RuleIDLifecycle,
		EventTypes: []string{
			events.EventTypeSessionCreated,
			events.EventTypeSessionUpdated,
			events.EventTypeSessionDeleted,
			events.EventTypeStreamError,
		},
		Priority: 50,
		Handler:  events.HandlerFunc(o.handleLifecycle),
	})
	o.bus.RegisterRule(events.Rule{
		ID:         RuleIDTaskDone,
		EventTypes: []string{events.EventTypeBackgroundTaskCompleted},
		Priority:   80,
		Handler:    events.AgentHandler{Prompt: taskCompletedPrompt},
	})
	o.bus.RegisterRule(events.Rule{
		ID:         RuleIDTaskFailed,
		EventTypes: []string{events.EventTypeBackgroundTaskFailed},
		Priority:   80,
		Handler:    events.AgentHandler{Prompt: taskFailedPrompt},
	})
	o.bus.RegisterRule(events.Rule{
		ID:         RuleIDEnvSwitched,
		EventTypes: []string{events.EventTypeEnvironmentSwitched},
		Priority:   80,
		Handler:    events.AgentHandler{Prompt: environmentSwitchedPrompt},
	})
	o.bus.RegisterRule(events.Rule{
		ID:         RuleIDFallback,
		EventTypes: []string{events.EventTypeWildcard},
		Priority:   10,
		Handler:    events.HandlerFunc(o.handleFallback),
	})
}

// handleUserQueryEvent dispatches user_query events published directly on
// the bus. Queries accepted through HandleQuery arrive pre-dispatched and
// are skipped here.
func (o *Orchestrator) handleUserQueryEvent(ctx context.Context, event events.Event) error {
	if isDispatched(event) {
		return nil
	}
	sessionID, content := userQueryContent(event)
	if sessionID == "" {
		return models.NewAgentError(models.ErrKindInput, "user_query event has no session")
	}
	if strings.TrimSpace(content) == "" {
		return models.NewAgentError(models.ErrKindInput, "user_query event has no content")
	}
	if !o.store.Has(sessionID) {
		return models.NewAgentError(models.ErrKindInput, "unknown session %q", sessionID)
	}

	ticket, err := o.begin(sessionID, pendingQuery{content: content}, false)
	if err != nil {
		return err
	}
	if ticket != nil {
		go o.run(ticket)
	}
	return nil
}

// handleLifecycle logs session lifecycle events and stream errors, and
// forwards them to the configured webhook.
func (o *Orchestrator) handleLifecycle(ctx context.Context, event events.Event) error {
	switch event.Type {
	case events.EventTypeStreamError:
		msg := ""
		if p, ok := event.Payload.(events.StreamErrorPayload); ok {
			msg = p.Error
		}
		o.logger.Warn("session stream errored", "session_id", event.SessionID, "error", msg)
	default:
		o.logger.Info("session lifecycle",
			"event_type", event.Type, "session_id", event.SessionID)
	}
	o.forwarder.Forward(event)
	return nil
}

// handleFallback hands unrouted event types to the agent to decide on.
// Everything the default rules or the planes already own is excluded,
// both to avoid handling an event twice and to keep loop output from
// feeding back into the loop.
func (o *Orchestrator) handleFallback(ctx context.Context, event events.Event) error {
	if handledElsewhere(event.Type) {
		return nil
	}
	if event.SessionID == "" {
		o.logger.Debug("ignoring unrouted event without a session", "event_type", event.Type)
		return nil
	}
	return o.RunRulePrompt(ctx, fallbackPrompt, event)
}

// handledElsewhere reports whether a concrete default rule or one of the
// planes owns the event type.
func handledElsewhere(eventType string) bool {
	switch eventType {
	case events.EventTypeUserQuery,
		events.EventTypeSessionCreated,
		events.EventTypeSessionUpdated,
		events.EventTypeSessionDeleted,
		events.EventTypeBackgroundTaskCompleted,
		events.EventTypeBackgroundTaskFailed,
		events.EventTypeEnvironmentSwitched:
		return true
	}
	return events.IsStream(eventType) || events.IsServer(eventType)
}

// RunRulePrompt implements events.AgentRunner: it re-enters the agent
// loop on the event's session with the rule prompt as an extra system
// prompt and a user message synthesized from the event. Re-entries always
// queue behind an active run.
func (o *Orchestrator) RunRulePrompt(ctx context.Context, prompt string, trigger events.Event) error {
	sessionID := trigger.SessionID
	if sessionID == "" || !o.store.Has(sessionID) {
		o.logger.Debug("rule prompt has no session to run on",
			"event_type", trigger.Type, "session_id", sessionID)
		return nil
	}

	ticket, err := o.begin(sessionID, pendingQuery{content: ruleEventContent(trigger), system: prompt}, true)
	if err != nil {
		return err
	}
	if ticket != nil {
		go o.run(ticket)
	}
	return nil
}

// ruleEventContent renders the user-facing message for a rule-driven run.
func ruleEventContent(event events.Event) string {
	switch p := event.Payload.(type) {
	case events.BackgroundTaskPayload:
		if event.Type == events.EventTypeBackgroundTaskFailed {
			return fmt.Sprintf("Background task %q (%s) failed: %s", p.Description, p.TaskID, p.Error)
		}
		return fmt.Sprintf("Background task %q (%s) completed with this result:\n\n%s",
			p.Description, p.TaskID, p.Result)
	case events.EnvironmentSwitchedPayload:
		summary := fmt.Sprintf("Environment switched from %q to %q. Tools: %d before, %d after.",
			p.From, p.To, p.ToolsBefore, p.ToolsAfter)
		if len(p.AddedSkills) > 0 {
			summary += " Added skills: " + strings.Join(p.AddedSkills, ", ") + "."
		}
		if len(p.RemovedSkills) > 0 {
			summary += " Removed skills: " + strings.Join(p.RemovedSkills, ", ") + "."
		}
		if p.Model != "" {
			summary += " Active model: " + p.Model + "."
		}
		return summary
	}

	if event.Payload == nil {
		return fmt.Sprintf("An event of type %q was received.", event.Type)
	}
	raw, err := json.MarshalIndent(event.Payload, "", "  ")
	if err != nil {
		return fmt.Sprintf("An event of type %q was received.", event.Type)
	}
	return fmt.Sprintf("An event of type %q was received:\n\n%s", event.Type, raw)
}
