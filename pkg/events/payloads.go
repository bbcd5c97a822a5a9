package events

import (
	"encoding/json"
	"time"

	"github.com/praxis-works/praxis/pkg/models"
)

// Typed event payloads. Field names follow the wire contract: payloads are
// flattened into the SSE envelope next to "type", so JSON tags here are the
// exact field names clients see.

// UserQueryPayload carries a prompt accepted for a session.
type UserQueryPayload struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}

// SessionLifecyclePayload accompanies session.created/updated/deleted.
type SessionLifecyclePayload struct {
	SessionID string `json:"sessionId"`
	Title     string `json:"title,omitempty"`
}

// StreamStartPayload opens a streamed response.
type StreamStartPayload struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Model     string `json:"model"`
}

// StreamTextPayload carries one text delta plus the cumulative content so
// far.
type StreamTextPayload struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Content   string `json:"content"` // cumulative
	Delta     string `json:"delta"`
}

// StreamReasoningPayload carries one reasoning delta plus the cumulative
// reasoning content so far.
type StreamReasoningPayload struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Content   string `json:"content"` // cumulative
	Delta     string `json:"delta"`
}

// StreamToolCallPayload announces a finalized tool invocation.
type StreamToolCallPayload struct {
	SessionID  string          `json:"sessionId"`
	MessageID  string          `json:"messageId"`
	ToolName   string          `json:"toolName"`
	ToolArgs   json.RawMessage `json:"toolArgs"`
	ToolCallID string          `json:"toolCallId"`
}

// StreamToolResultPayload carries a tool outcome.
type StreamToolResultPayload struct {
	SessionID  string `json:"sessionId"`
	MessageID  string `json:"messageId"`
	ToolName   string `json:"toolName"`
	ToolCallID string `json:"toolCallId"`
	Result     string `json:"result"`
	Success    bool   `json:"success"`
}

// StreamCompletedPayload terminates a streamed response successfully.
// Truncated marks iteration budget exhaustion; Interrupted marks a
// user-initiated interrupt that preserved partial content.
type StreamCompletedPayload struct {
	SessionID   string        `json:"sessionId"`
	MessageID   string        `json:"messageId"`
	Usage       *models.Usage `json:"usage,omitempty"`
	Truncated   bool          `json:"truncated,omitempty"`
	Interrupted bool          `json:"interrupted,omitempty"`
}

// StreamErrorPayload terminates a streamed response with a failure.
type StreamErrorPayload struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
}

// BackgroundTaskPayload accompanies background_task.completed/failed.
// SessionID is the parent session that spawned the task.
type BackgroundTaskPayload struct {
	SessionID   string `json:"sessionId"`
	TaskID      string `json:"taskId"`
	Description string `json:"description"`
	Result      string `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
}

// EnvironmentSwitchedPayload summarizes an environment change.
type EnvironmentSwitchedPayload struct {
	From          string   `json:"from"`
	To            string   `json:"to"`
	ToolsBefore   int      `json:"toolsBefore"`
	ToolsAfter    int      `json:"toolsAfter"`
	AddedSkills   []string `json:"addedSkills,omitempty"`
	RemovedSkills []string `json:"removedSkills,omitempty"`
	Model         string   `json:"model"`
}

// ServerConnectedPayload is the first frame on every new stream
// subscription. SessionID is null for global subscriptions.
type ServerConnectedPayload struct {
	Timestamp time.Time `json:"timestamp"`
	SessionID *string   `json:"sessionId"`
}

// ServerHeartbeatPayload keeps idle connections alive.
type ServerHeartbeatPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// Envelope flattens an event into the wire form {type, ...payload fields}.
// Marshalling errors degrade to an envelope carrying only the type.
func Envelope(event Event) map[string]any {
	out := map[string]any{"type": event.Type}
	if event.Payload == nil {
		return out
	}
	raw, err := json.Marshal(event.Payload)
	if err != nil {
		return out
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return out
	}
	for k, v := range fields {
		if k == "type" {
			continue
		}
		out[k] = v
	}
	return out
}
