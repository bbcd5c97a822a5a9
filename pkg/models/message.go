package models

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType discriminates the typed fragments a message is built from.
type PartType string

const (
	PartTypeText              PartType = "text"
	PartTypeReasoning         PartType = "reasoning"
	PartTypeToolCall          PartType = "tool_call"
	PartTypeToolResult        PartType = "tool_result"
	PartTypeCompactionSummary PartType = "compaction_summary"
	PartTypeImage             PartType = "image"
	PartTypeAudio             PartType = "audio"
	PartTypeFile              PartType = "file"
)

// Part is one typed fragment of a message. Which fields are meaningful
// depends on Type:
//
//	text, reasoning, compaction_summary  → Text
//	tool_call                            → ToolCallID, ToolName, ToolArgs
//	tool_result                          → ToolCallID, ToolName, Result, IsError
//	image, audio, file                   → MediaType, Data or URL, Filename
type Part struct {
	Type PartType `json:"type"`

	Text string `json:"text,omitempty"`

	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	ToolArgs   json.RawMessage `json:"toolArgs,omitempty"`
	Result     string          `json:"result,omitempty"`
	IsError    bool            `json:"isError,omitempty"`

	MediaType string `json:"mediaType,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
	Filename  string `json:"filename,omitempty"`
}

// TextPart builds a plain text part.
func TextPart(text string) Part {
	return Part{Type: PartTypeText, Text: text}
}

// ReasoningPart builds a reasoning (thinking) part.
func ReasoningPart(text string) Part {
	return Part{Type: PartTypeReasoning, Text: text}
}

// ToolCallPart builds a tool invocation part.
func ToolCallPart(callID, toolName string, args json.RawMessage) Part {
	return Part{Type: PartTypeToolCall, ToolCallID: callID, ToolName: toolName, ToolArgs: args}
}

// ToolResultPart builds a tool outcome part.
func ToolResultPart(callID, toolName, result string, isError bool) Part {
	return Part{Type: PartTypeToolResult, ToolCallID: callID, ToolName: toolName, Result: result, IsError: isError}
}

// Message is one entry in a session's ordered log. Identity is stable;
// parts are appended in emission order and never reordered.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`
	Parts     []Part    `json:"parts"`
}

// Clone returns a copy whose parts slice is independent of the original.
func (m Message) Clone() Message {
	out := m
	out.Parts = make([]Part, len(m.Parts))
	copy(out.Parts, m.Parts)
	return out
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var s string
	for _, p := range m.Parts {
		if p.Type == PartTypeText {
			s += p.Text
		}
	}
	return s
}

// Usage counts tokens for one LLM interaction.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// Add accumulates another usage record into this one.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}
