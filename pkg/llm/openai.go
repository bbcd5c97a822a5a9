package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/praxis-works/praxis/pkg/models"
)

// reasoningContentField is the only provider-options key the OpenAI wire
// format can carry; other field names are dropped.
const reasoningContentField = "reasoning_content"

type openAIProvider struct {
	id     string
	client *openai.Client
}

func newOpenAIProvider(cfg ProviderConfig) (Provider, error) {
	if cfg.APIKey == "" && !(cfg.SDK == SDKOpenAICompatible && cfg.BaseURL != "") {
		return nil, models.NewAgentError(models.ErrKindConfig, "provider %q is missing an api key", cfg.ID)
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &openAIProvider{id: cfg.ID, client: openai.NewClientWithConfig(clientCfg)}, nil
}

func (p *openAIProvider) ID() string { return p.id }

func (p *openAIProvider) Generate(ctx context.Context, req *Request) (<-chan Chunk, error) {
	chatReq := p.buildRequest(req)

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, classifyOpenAIError(ctx, err)
	}

	ch := make(chan Chunk, chunkBuffer)
	go func() {
		defer close(ch)
		defer stream.Close()
		p.consume(ctx, stream, ch)
	}()
	return ch, nil
}

func (p *openAIProvider) buildRequest(req *Request) openai.ChatCompletionRequest {
	chatReq := openai.ChatCompletionRequest{
		Model:         req.Model,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.Options.MaxTokens > 0 {
		chatReq.MaxTokens = req.Options.MaxTokens
	}
	if req.Options.Temperature != nil {
		chatReq.Temperature = float32(*req.Options.Temperature)
	}
	if req.Options.ReasoningEffort != "" {
		chatReq.ReasoningEffort = req.Options.ReasoningEffort
	}

	for _, m := range req.Messages {
		chatReq.Messages = append(chatReq.Messages, openAIMessage(m))
	}
	for _, def := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return chatReq
}

func openAIMessage(m Message) openai.ChatCompletionMessage {
	msg := openai.ChatCompletionMessage{Content: m.Content}
	switch m.Role {
	case models.RoleSystem:
		msg.Role = openai.ChatMessageRoleSystem
	case models.RoleUser:
		msg.Role = openai.ChatMessageRoleUser
	case models.RoleAssistant:
		msg.Role = openai.ChatMessageRoleAssistant
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		if opts := m.ProviderOptions["openai_compatible"]; opts != nil {
			if rc, ok := opts[reasoningContentField].(string); ok {
				msg.ReasoningContent = rc
			}
		}
	case models.RoleTool:
		msg.Role = openai.ChatMessageRoleTool
		msg.ToolCallID = m.ToolCallID
	}
	return msg
}

type pendingToolCall struct {
	index int
	id    string
	name  string
	args  []byte
}

func (p *openAIProvider) consume(ctx context.Context, stream *openai.ChatCompletionStream, ch chan<- Chunk) {
	pending := make(map[int]*pendingToolCall)
	var usage *models.Usage
	finishReason := "stop"
	sawToolCall := false

	flush := func() {
		if len(pending) == 0 {
			return
		}
		ordered := make([]*pendingToolCall, 0, len(pending))
		for _, tc := range pending {
			ordered = append(ordered, tc)
		}
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].index < ordered[j].index })
		for _, tc := range ordered {
			args := tc.args
			if len(args) == 0 {
				args = []byte(`{}`)
			}
			sawToolCall = true
			ch <- ToolCallChunk{ID: tc.id, Name: tc.name, Arguments: json.RawMessage(args)}
		}
		pending = make(map[int]*pendingToolCall)
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			ch <- ErrorChunk{Err: classifyOpenAIError(ctx, err)}
			return
		}

		if resp.Usage != nil {
			usage = &models.Usage{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
				TotalTokens:  resp.Usage.TotalTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.ReasoningContent != "" {
			ch <- ReasoningChunk{Delta: choice.Delta.ReasoningContent}
		}
		if choice.Delta.Content != "" {
			ch <- TextChunk{Delta: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			entry, ok := pending[idx]
			if !ok {
				entry = &pendingToolCall{index: idx}
				pending[idx] = entry
			}
			if tc.ID != "" {
				entry.id = tc.ID
			}
			if tc.Function.Name != "" {
				entry.name = tc.Function.Name
			}
			entry.args = append(entry.args, tc.Function.Arguments...)
		}
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
			if choice.FinishReason == openai.FinishReasonToolCalls {
				flush()
			}
		}
	}
	flush()

	if usage != nil {
		ch <- UsageChunk{Usage: *usage}
	}
	if sawToolCall {
		finishReason = "tool_calls"
	}
	ch <- FinishChunk{Reason: finishReason}
}

func classifyOpenAIError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return models.WrapError(models.ErrKindInterrupt, err, "openai stream canceled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.WrapError(models.ErrKindTimeout, err, "openai stream timed out")
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return models.WrapError(models.ErrKindRateLimited, err, "openai rate limited")
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			return models.WrapError(models.ErrKindConfig, err, "openai authentication failed")
		case apiErr.HTTPStatusCode >= 500:
			return models.WrapError(models.ErrKindTransport, err, "openai server error")
		default:
			return models.WrapError(models.ErrKindInternal, err, "openai request failed")
		}
	}
	return models.WrapError(models.ErrKindTransport, err, "openai stream failed")
}
