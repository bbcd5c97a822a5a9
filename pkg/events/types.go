// Package events provides the in-process typed event bus that wires the
// execution core together.
//
// Every piece of observable behavior is published as an Event: session
// lifecycle, user queries, streamed LLM output, tool activity, background
// task outcomes, and environment switches. A published event is handled in
// two phases:
//
//  1. Rules. Registered rules whose event type matches run synchronously,
//     highest priority first (stable within equal priority). Wildcard ("*")
//     rules run after all concrete rules, regardless of priority. A rule
//     error is recorded in the event's metadata and does not stop later
//     rules or subscriber delivery.
//
//  2. Subscribers. After the last rule returns, the event is fanned out to
//     matching subscribers: global subscribers see everything, per-session
//     subscribers only events carrying their session id. Delivery is
//     non-blocking for the publisher: each subscriber owns a bounded
//     buffered channel, and a subscriber that cannot keep up is dropped.
//
// Per-session ordering is preserved: two events published for the same
// session are observed in publish order by every subscriber that sees both.
package events

import (
	"strings"
	"time"
)

// Event types published by the execution core.
const (
	EventTypeUserQuery = "user_query"

	EventTypeSessionCreated = "session.created"
	EventTypeSessionUpdated = "session.updated"
	EventTypeSessionDeleted = "session.deleted"

	EventTypeStreamStart      = "stream.start"
	EventTypeStreamText       = "stream.text"
	EventTypeStreamReasoning  = "stream.reasoning"
	EventTypeStreamToolCall   = "stream.tool_call"
	EventTypeStreamToolResult = "stream.tool_result"
	EventTypeStreamCompleted  = "stream.completed"
	EventTypeStreamError      = "stream.error"

	EventTypeBackgroundTaskCompleted = "background_task.completed"
	EventTypeBackgroundTaskFailed    = "background_task.failed"

	EventTypeEnvironmentSwitched = "environment.switched"

	// Connection-level events emitted by the stream plane itself, never
	// routed through rules.
	EventTypeServerConnected = "server.connected"
	EventTypeServerHeartbeat = "server.heartbeat"
)

// EventTypeWildcard matches every event type when used in a rule.
const EventTypeWildcard = "*"

// ScopeGlobal subscribes to events across all sessions.
const ScopeGlobal = "global"

// MetadataRuleErrors is the metadata key under which rule handler errors
// are collected during publish.
const MetadataRuleErrors = "rule_errors"

// Event is the unit routed by the bus. SessionID is the trigger session
// when the event is session-scoped, empty otherwise. Payload is one of the
// typed payload structs from payloads.go.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Payload   any            `json:"payload,omitempty"`
}

// IsStream reports whether the event type belongs to a streamed response
// (the stream.* family).
func IsStream(eventType string) bool {
	return strings.HasPrefix(eventType, "stream.")
}

// IsServer reports whether the event type is a connection-level event
// emitted by the stream plane (server.*).
func IsServer(eventType string) bool {
	return strings.HasPrefix(eventType, "server.")
}
