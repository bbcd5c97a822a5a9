package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/praxis-works/praxis/pkg/models"
)

// maxEmptyStreamEvents bounds how many consecutive events may carry no
// usable payload before the stream is treated as malformed.
const maxEmptyStreamEvents = 300

type anthropicProvider struct {
	id     string
	client anthropic.Client
}

func newAnthropicProvider(cfg ProviderConfig) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, models.NewAgentError(models.ErrKindConfig, "provider %q is missing an api key", cfg.ID)
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &anthropicProvider{id: cfg.ID, client: anthropic.NewClient(opts...)}, nil
}

func (p *anthropicProvider) ID() string { return p.id }

func (p *anthropicProvider) Generate(ctx context.Context, req *Request) (<-chan Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan Chunk, chunkBuffer)
	go func() {
		defer close(ch)
		p.stream(ctx, params, ch)
	}()
	return ch, nil
}

func (p *anthropicProvider) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	maxTokens := req.Options.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
	}

	for _, m := range req.Messages {
		if m.Role != models.RoleSystem {
			continue
		}
		block := anthropic.TextBlockParam{Text: m.Content}
		if m.CacheHint {
			block.CacheControl = anthropic.NewCacheControlEphemeralParam()
		}
		params.System = append(params.System, block)
	}

	msgs, err := anthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params.Messages = msgs

	for _, def := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if len(def.Parameters) > 0 {
			if err := json.Unmarshal(def.Parameters, &schema); err != nil {
				return anthropic.MessageNewParams{}, models.WrapError(models.ErrKindInput, err,
					"tool %q has an invalid parameter schema", def.Name)
			}
		}
		tool := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if tool.OfTool != nil && def.Description != "" {
			tool.OfTool.Description = anthropic.String(def.Description)
		}
		params.Tools = append(params.Tools, tool)
	}

	if req.Options.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Options.Temperature)
	}
	if req.Options.ThinkingBudget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(req.Options.ThinkingBudget)
	}
	return params, nil
}

// anthropicMessages converts canonical history to the SDK's message params.
// Consecutive tool results are folded into one user turn so each tool_use
// block finds its matching tool_result in the next message.
func anthropicMessages(msgs []Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion
	var pendingCacheHint bool

	flushResults := func() {
		if len(pendingResults) == 0 {
			return
		}
		if pendingCacheHint {
			applyCacheHint(pendingResults)
		}
		out = append(out, anthropic.NewUserMessage(pendingResults...))
		pendingResults = nil
		pendingCacheHint = false
	}

	for _, m := range msgs {
		switch m.Role {
		case models.RoleSystem:
			continue
		case models.RoleTool:
			pendingResults = append(pendingResults,
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError))
			pendingCacheHint = pendingCacheHint || m.CacheHint
			continue
		}
		flushResults()

		var blocks []anthropic.ContentBlockParamUnion
		if m.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(m.Content))
		}
		for _, tc := range m.ToolCalls {
			args := tc.Arguments
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
		}
		if len(blocks) == 0 {
			continue
		}
		if m.CacheHint {
			applyCacheHint(blocks)
		}
		switch m.Role {
		case models.RoleUser:
			out = append(out, anthropic.NewUserMessage(blocks...))
		case models.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			return nil, models.NewAgentError(models.ErrKindInput, "unsupported message role %q", string(m.Role))
		}
	}
	flushResults()
	return out, nil
}

// applyCacheHint marks the last block of a turn as a prompt-cache breakpoint.
func applyCacheHint(blocks []anthropic.ContentBlockParamUnion) {
	last := &blocks[len(blocks)-1]
	switch {
	case last.OfText != nil:
		last.OfText.CacheControl = anthropic.NewCacheControlEphemeralParam()
	case last.OfToolResult != nil:
		last.OfToolResult.CacheControl = anthropic.NewCacheControlEphemeralParam()
	case last.OfToolUse != nil:
		last.OfToolUse.CacheControl = anthropic.NewCacheControlEphemeralParam()
	}
}

type anthropicBlock struct {
	kind     string
	toolID   string
	toolName string
	args     strings.Builder
}

func (p *anthropicProvider) stream(ctx context.Context, params anthropic.MessageNewParams, ch chan<- Chunk) {
	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	blocks := make(map[int64]*anthropicBlock)
	var usage models.Usage
	sawToolCall := false
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		progressed := true

		switch event.Type {
		case "message_start":
			usage.InputTokens = int(event.AsMessageStart().Message.Usage.InputTokens)
		case "content_block_start":
			start := event.AsContentBlockStart()
			block := &anthropicBlock{kind: start.ContentBlock.Type}
			if start.ContentBlock.Type == "tool_use" {
				tu := start.ContentBlock.AsToolUse()
				block.toolID = tu.ID
				block.toolName = tu.Name
			}
			blocks[start.Index] = block
		case "content_block_delta":
			delta := event.AsContentBlockDelta()
			switch delta.Delta.Type {
			case "text_delta":
				ch <- TextChunk{Delta: delta.Delta.Text}
			case "thinking_delta":
				ch <- ReasoningChunk{Delta: delta.Delta.Thinking}
			case "input_json_delta":
				if block, ok := blocks[delta.Index]; ok {
					block.args.WriteString(delta.Delta.PartialJSON)
				}
			default:
				progressed = false
			}
		case "content_block_stop":
			stop := event.AsContentBlockStop()
			block, ok := blocks[stop.Index]
			if ok && block.kind == "tool_use" {
				args := block.args.String()
				if args == "" {
					args = "{}"
				}
				sawToolCall = true
				ch <- ToolCallChunk{ID: block.toolID, Name: block.toolName, Arguments: json.RawMessage(args)}
			}
			delete(blocks, stop.Index)
		case "message_delta":
			usage.OutputTokens = int(event.AsMessageDelta().Usage.OutputTokens)
		case "message_stop":
		default:
			progressed = false
		}

		if progressed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents > maxEmptyStreamEvents {
				ch <- ErrorChunk{Err: models.NewAgentError(models.ErrKindTransport,
					"anthropic stream produced %d events without progress", emptyEvents)}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		ch <- ErrorChunk{Err: classifyAnthropicError(ctx, err)}
		return
	}

	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	ch <- UsageChunk{Usage: usage}
	reason := "stop"
	if sawToolCall {
		reason = "tool_calls"
	}
	ch <- FinishChunk{Reason: reason}
}

func classifyAnthropicError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return models.WrapError(models.ErrKindInterrupt, err, "anthropic stream canceled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.WrapError(models.ErrKindTimeout, err, "anthropic stream timed out")
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429 || apiErr.StatusCode == 529:
			return models.WrapError(models.ErrKindRateLimited, err, "anthropic rate limited")
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return models.WrapError(models.ErrKindConfig, err, "anthropic authentication failed")
		case apiErr.StatusCode >= 500:
			return models.WrapError(models.ErrKindTransport, err, "anthropic server error")
		default:
			return models.WrapError(models.ErrKindInternal, err, "anthropic request failed")
		}
	}
	return models.WrapError(models.ErrKindTransport, err, "anthropic stream failed")
}
