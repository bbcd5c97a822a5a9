package agent

import (
	"fmt"
	"strings"

	"github.com/praxis-works/praxis/pkg/llm"
	"github.com/praxis-works/praxis/pkg/models"
)

// buildConversation renders system prompts and stored history into the
// provider message sequence. A stored assistant message holds its whole turn
// as ordered parts; providers want tool results as separate tool-role
// messages, so one stored message may expand into several wire messages.
func buildConversation(systemPrompts []string, history []models.Message) []llm.Message {
	out := make([]llm.Message, 0, len(systemPrompts)+len(history))
	for _, prompt := range systemPrompts {
		if strings.TrimSpace(prompt) == "" {
			continue
		}
		out = append(out, llm.Message{Role: models.RoleSystem, Content: prompt})
	}
	for _, msg := range history {
		out = append(out, expandMessage(msg)...)
	}
	return out
}

// expandMessage converts one stored message into wire messages. Messages
// with no renderable content expand to nothing, which covers the assistant
// placeholder created before its first chunk arrives.
func expandMessage(msg models.Message) []llm.Message {
	if msg.Role == models.RoleAssistant {
		return expandAssistant(msg)
	}
	content := renderText(msg.Parts)
	if content == "" {
		return nil
	}
	return []llm.Message{{Role: msg.Role, Content: content}}
}

// expandAssistant splits an assistant message at its tool results. Parts
// between results accumulate into one assistant wire message; each
// tool_result part becomes its own tool-role message, keeping the
// call-then-result shape function-calling APIs require.
func expandAssistant(msg models.Message) []llm.Message {
	var (
		out       []llm.Message
		text      []string
		reasoning []string
		calls     []llm.ToolCall
	)

	flush := func() {
		if len(text) == 0 && len(reasoning) == 0 && len(calls) == 0 {
			return
		}
		out = append(out, llm.Message{
			Role:      models.RoleAssistant,
			Content:   strings.Join(text, "\n"),
			Reasoning: strings.Join(reasoning, "\n"),
			ToolCalls: calls,
		})
		text, reasoning, calls = nil, nil, nil
	}

	for _, part := range msg.Parts {
		switch part.Type {
		case models.PartTypeText, models.PartTypeCompactionSummary:
			text = append(text, part.Text)
		case models.PartTypeReasoning:
			reasoning = append(reasoning, part.Text)
		case models.PartTypeToolCall:
			calls = append(calls, llm.ToolCall{
				ID:        part.ToolCallID,
				Name:      part.ToolName,
				Arguments: part.ToolArgs,
			})
		case models.PartTypeToolResult:
			flush()
			out = append(out, llm.Message{
				Role:       models.RoleTool,
				Content:    part.Result,
				ToolCallID: part.ToolCallID,
				ToolName:   part.ToolName,
				IsError:    part.IsError,
			})
		case models.PartTypeImage, models.PartTypeAudio, models.PartTypeFile:
			text = append(text, attachmentPlaceholder(part))
		}
	}
	flush()
	return out
}

// renderText joins the textual parts of a non-assistant message.
func renderText(parts []models.Part) string {
	var pieces []string
	for _, part := range parts {
		switch part.Type {
		case models.PartTypeText, models.PartTypeCompactionSummary, models.PartTypeReasoning:
			if part.Text != "" {
				pieces = append(pieces, part.Text)
			}
		case models.PartTypeImage, models.PartTypeAudio, models.PartTypeFile:
			pieces = append(pieces, attachmentPlaceholder(part))
		}
	}
	return strings.Join(pieces, "\n")
}

// attachmentPlaceholder stands in for binary parts. The provider layer is
// text-only; the placeholder keeps the model aware the attachment exists.
func attachmentPlaceholder(part models.Part) string {
	name := part.Filename
	if name == "" {
		name = part.URL
	}
	if name == "" {
		return fmt.Sprintf("[%s attachment]", part.Type)
	}
	return fmt.Sprintf("[%s attachment: %s]", part.Type, name)
}
