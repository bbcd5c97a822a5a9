package agent

import (
	"strings"

	"github.com/praxis-works/praxis/pkg/llm"
	"github.com/praxis-works/praxis/pkg/models"
)

// Response is one collected provider stream: the full text, reasoning, and
// finalized tool calls of a single assistant iteration.
type Response struct {
	Text      string
	Reasoning string
	ToolCalls []llm.ToolCall
	Usage     *models.Usage
	Finish    string
}

// HasToolCalls reports whether the iteration requested tool execution.
func (r *Response) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// StreamCallback receives each text or reasoning delta as it arrives, before
// the stream finishes. kind is one of ChunkText or ChunkReasoning.
type StreamCallback func(kind string, delta string)

// Chunk kinds passed to StreamCallback.
const (
	ChunkText      = "text"
	ChunkReasoning = "reasoning"
)

// collectStream drains a provider stream into a Response, invoking cb for
// each delta. On an ErrorChunk it returns the partial Response alongside the
// error so the caller can persist whatever arrived before the failure. The
// channel is always drained to completion so the adapter goroutine exits.
func collectStream(ch <-chan llm.Chunk, cb StreamCallback) (*Response, error) {
	var (
		text      strings.Builder
		reasoning strings.Builder
		resp      Response
		streamErr error
	)

	for c := range ch {
		switch c := c.(type) {
		case llm.TextChunk:
			text.WriteString(c.Delta)
			if cb != nil {
				cb(ChunkText, c.Delta)
			}
		case llm.ReasoningChunk:
			reasoning.WriteString(c.Delta)
			if cb != nil {
				cb(ChunkReasoning, c.Delta)
			}
		case llm.ToolCallChunk:
			resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
				ID:        c.ID,
				Name:      c.Name,
				Arguments: c.Arguments,
			})
		case llm.UsageChunk:
			u := c.Usage
			resp.Usage = &u
		case llm.FinishChunk:
			resp.Finish = c.Reason
		case llm.ErrorChunk:
			if streamErr == nil {
				streamErr = c.Err
			}
		}
	}

	resp.Text = text.String()
	resp.Reasoning = reasoning.String()
	return &resp, streamErr
}
