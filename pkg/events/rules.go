package events

import (
	"context"
)

// HandlerKind discriminates the two rule handler shapes.
type HandlerKind string

const (
	HandlerKindFunction HandlerKind = "function"
	HandlerKindAgent    HandlerKind = "agent"
)

// Handler is the sum of the two rule handler shapes: a direct function or
// an agent-prompt descriptor that re-enters the agent loop.
type Handler interface {
	handlerKind() HandlerKind
}

// HandlerFunc runs in-process when its rule matches.
type HandlerFunc func(ctx context.Context, event Event) error

func (HandlerFunc) handlerKind() HandlerKind { return HandlerKindFunction }

// AgentHandler re-enters the agent loop on the triggering event's session.
// The rule's prompt is added to the system prompts for that run; the user
// message is synthesized from the event.
type AgentHandler struct {
	Prompt string
}

func (AgentHandler) handlerKind() HandlerKind { return HandlerKindAgent }

// AgentRunner executes agent-prompt handlers. Implemented by the
// orchestrator; kept narrow so the bus does not depend on it.
type AgentRunner interface {
	RunRulePrompt(ctx context.Context, prompt string, trigger Event) error
}

// Rule binds event types to a handler with a priority. Higher priority runs
// first; rules registered earlier win ties. EventTypes may contain concrete
// types or the single wildcard "*".
type Rule struct {
	ID         string
	EventTypes []string
	Handler    Handler
	Priority   int
}

// matches reports whether the rule covers the event type, and whether the
// match came from the wildcard.
func (r Rule) matches(eventType string) (matched, wildcard bool) {
	for _, t := range r.EventTypes {
		if t == EventTypeWildcard {
			return true, true
		}
		if t == eventType {
			return true, false
		}
	}
	return false, false
}
