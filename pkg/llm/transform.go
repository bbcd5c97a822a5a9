package llm

import (
	"regexp"
	"strings"

	"github.com/praxis-works/praxis/pkg/models"
)

// Provider quirks live here so the agent loop can stay provider-agnostic.
// Each transform takes the canonical message slice and returns a normalized
// copy; callers keep ownership of the input.

const mistralToolCallIDLen = 9

var thinkSpanRe = regexp.MustCompile(`(?s)<think>(.*?)</think>`)

// ForProvider normalizes messages for the target SDK and model.
func ForProvider(msgs []Message, sdk SDKType, modelName string) []Message {
	switch sdk {
	case SDKAnthropic:
		return anthropicTransform(msgs)
	case SDKOpenAI, SDKOpenAICompatible:
		if isMistralModel(modelName) {
			return mistralTransform(msgs)
		}
		return cloneMessages(msgs)
	default:
		return cloneMessages(msgs)
	}
}

// anthropicTransform drops messages with no content, restricts tool call ids
// to the characters Anthropic accepts, and marks prompt-cache breakpoints on
// the first two system messages and the last two non-system messages.
func anthropicTransform(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" && m.Reasoning == "" && len(m.ToolCalls) == 0 && m.ToolCallID == "" {
			continue
		}
		c := cloneMessage(m)
		if c.ToolCallID != "" {
			c.ToolCallID = sanitizeAnthropicID(c.ToolCallID)
		}
		for i := range c.ToolCalls {
			c.ToolCalls[i].ID = sanitizeAnthropicID(c.ToolCalls[i].ID)
		}
		out = append(out, c)
	}

	systemSeen := 0
	for i := range out {
		if out[i].Role == models.RoleSystem && systemSeen < 2 {
			out[i].CacheHint = true
			systemSeen++
		}
	}
	hinted := 0
	for i := len(out) - 1; i >= 0 && hinted < 2; i-- {
		if out[i].Role == models.RoleSystem {
			continue
		}
		out[i].CacheHint = true
		hinted++
	}
	return out
}

// sanitizeAnthropicID replaces every character outside [A-Za-z0-9_-] with an
// underscore.
func sanitizeAnthropicID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, id)
}

func isMistralModel(name string) bool {
	return strings.Contains(strings.ToLower(name), "mistral")
}

// mistralTransform forces tool call ids into Mistral's fixed 9-alphanumeric
// shape and splices an assistant acknowledgement between a tool result and
// the user message that follows it, which the API otherwise rejects.
func mistralTransform(msgs []Message) []Message {
	normalized := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		c := cloneMessage(m)
		if c.ToolCallID != "" {
			c.ToolCallID = mistralToolCallID(c.ToolCallID)
		}
		for i := range c.ToolCalls {
			c.ToolCalls[i].ID = mistralToolCallID(c.ToolCalls[i].ID)
		}
		normalized = append(normalized, c)
	}

	out := make([]Message, 0, len(normalized)+2)
	for i, m := range normalized {
		out = append(out, m)
		if m.Role == models.RoleTool && i+1 < len(normalized) && normalized[i+1].Role == models.RoleUser {
			out = append(out, Message{Role: models.RoleAssistant, Content: "Done."})
		}
	}
	return out
}

// mistralToolCallID strips non-alphanumerics, truncates to nine characters,
// and right-pads with zeros.
func mistralToolCallID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
		if b.Len() == mistralToolCallIDLen {
			break
		}
	}
	for b.Len() < mistralToolCallIDLen {
		b.WriteByte('0')
	}
	return b.String()
}

// LiftReasoning moves reasoning out of assistant messages into the
// provider-options field reasoning-capable OpenAI-compatible models expect.
// Both streamed reasoning and inline <think> spans are lifted; the spans are
// removed from the visible content.
func LiftReasoning(msgs []Message, field string) []Message {
	if field == "" {
		return msgs
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		if m.Role != models.RoleAssistant {
			out[i] = m
			continue
		}
		var pieces []string
		if m.Reasoning != "" {
			pieces = append(pieces, m.Reasoning)
		}
		content := m.Content
		if strings.Contains(content, "<think>") {
			for _, span := range thinkSpanRe.FindAllStringSubmatch(content, -1) {
				if s := strings.TrimSpace(span[1]); s != "" {
					pieces = append(pieces, s)
				}
			}
			content = strings.TrimSpace(thinkSpanRe.ReplaceAllString(content, ""))
		}
		if len(pieces) == 0 {
			out[i] = m
			continue
		}
		c := cloneMessage(m)
		c.Content = content
		c.Reasoning = ""
		if c.ProviderOptions == nil {
			c.ProviderOptions = make(map[string]map[string]any)
		}
		opts := c.ProviderOptions["openai_compatible"]
		if opts == nil {
			opts = make(map[string]any)
			c.ProviderOptions["openai_compatible"] = opts
		}
		opts[field] = strings.Join(pieces, "\n")
		out[i] = c
	}
	return out
}

func cloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// cloneMessage copies the message deeply enough that id rewrites and option
// writes do not leak back into session history.
func cloneMessage(m Message) Message {
	c := m
	if len(m.ToolCalls) > 0 {
		c.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(c.ToolCalls, m.ToolCalls)
	}
	if len(m.ProviderOptions) > 0 {
		c.ProviderOptions = make(map[string]map[string]any, len(m.ProviderOptions))
		for k, v := range m.ProviderOptions {
			inner := make(map[string]any, len(v))
			for ik, iv := range v {
				inner[ik] = iv
			}
			c.ProviderOptions[k] = inner
		}
	}
	return c
}
