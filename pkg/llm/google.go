package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/praxis-works/praxis/pkg/models"
)

type googleProvider struct {
	id     string
	client *genai.Client
}

func newGoogleProvider(cfg ProviderConfig) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, models.NewAgentError(models.ErrKindConfig, "provider %q is missing an api key", cfg.ID)
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(context.Background(), clientCfg)
	if err != nil {
		return nil, models.WrapError(models.ErrKindConfig, err, "failed to create google client for provider %q", cfg.ID)
	}
	return &googleProvider{id: cfg.ID, client: client}, nil
}

func (p *googleProvider) ID() string { return p.id }

func (p *googleProvider) Generate(ctx context.Context, req *Request) (<-chan Chunk, error) {
	contents, config, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan Chunk, chunkBuffer)
	go func() {
		defer close(ch)
		p.stream(ctx, req.Model, contents, config, ch)
	}()
	return ch, nil
}

func (p *googleProvider) buildRequest(req *Request) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	config := &genai.GenerateContentConfig{}
	if req.Options.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.Options.MaxTokens)
	}
	if req.Options.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Options.Temperature))
	}

	var systemParts []*genai.Part
	var contents []*genai.Content
	var pendingResults []*genai.Part

	flushResults := func() {
		if len(pendingResults) == 0 {
			return
		}
		contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: pendingResults})
		pendingResults = nil
	}

	for _, m := range req.Messages {
		switch m.Role {
		case models.RoleSystem:
			systemParts = append(systemParts, &genai.Part{Text: m.Content})
		case models.RoleTool:
			response := map[string]any{"result": m.Content}
			if m.IsError {
				response = map[string]any{"error": m.Content}
			}
			pendingResults = append(pendingResults, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{Name: m.ToolName, Response: response},
			})
		case models.RoleUser:
			flushResults()
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: m.Content}},
			})
		case models.RoleAssistant:
			flushResults()
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				args := map[string]any{}
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &args); err != nil {
						return nil, nil, models.WrapError(models.ErrKindInput, err,
							"tool call %q has invalid arguments", tc.Name)
					}
				}
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
				})
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
		}
	}
	flushResults()

	if len(systemParts) > 0 {
		config.SystemInstruction = &genai.Content{Parts: systemParts}
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, def := range req.Tools {
			schema, err := toGeminiSchema(def.Parameters)
			if err != nil {
				return nil, nil, models.WrapError(models.ErrKindInput, err,
					"tool %q has an invalid parameter schema", def.Name)
			}
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  schema,
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return contents, config, nil
}

func (p *googleProvider) stream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig, ch chan<- Chunk) {
	var usage models.Usage
	sawToolCall := false

	for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err != nil {
			ch <- ErrorChunk{Err: classifyGoogleError(ctx, err)}
			return
		}
		if resp.UsageMetadata != nil {
			usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
			usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
			usage.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			switch {
			case part.FunctionCall != nil:
				args, err := json.Marshal(part.FunctionCall.Args)
				if err != nil {
					ch <- ErrorChunk{Err: models.WrapError(models.ErrKindInternal, err,
						"failed to encode function call arguments")}
					return
				}
				sawToolCall = true
				// The Gemini API does not return call ids, so mint one.
				ch <- ToolCallChunk{
					ID:        fmt.Sprintf("call_%s", uuid.NewString()[:8]),
					Name:      part.FunctionCall.Name,
					Arguments: json.RawMessage(args),
				}
			case part.Thought && part.Text != "":
				ch <- ReasoningChunk{Delta: part.Text}
			case part.Text != "":
				ch <- TextChunk{Delta: part.Text}
			}
		}
	}

	ch <- UsageChunk{Usage: usage}
	reason := "stop"
	if sawToolCall {
		reason = "tool_calls"
	}
	ch <- FinishChunk{Reason: reason}
}

// jsonSchemaNode is the subset of JSON Schema the Gemini declaration format
// understands.
type jsonSchemaNode struct {
	Type        string                     `json:"type"`
	Description string                     `json:"description,omitempty"`
	Enum        []string                   `json:"enum,omitempty"`
	Properties  map[string]*jsonSchemaNode `json:"properties,omitempty"`
	Required    []string                   `json:"required,omitempty"`
	Items       *jsonSchemaNode            `json:"items,omitempty"`
}

func toGeminiSchema(raw json.RawMessage) (*genai.Schema, error) {
	if len(raw) == 0 {
		return &genai.Schema{Type: genai.TypeObject}, nil
	}
	var node jsonSchemaNode
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, err
	}
	return convertSchemaNode(&node), nil
}

func convertSchemaNode(node *jsonSchemaNode) *genai.Schema {
	if node == nil {
		return nil
	}
	schema := &genai.Schema{
		Description: node.Description,
		Enum:        node.Enum,
		Required:    node.Required,
	}
	if node.Type != "" {
		schema.Type = genai.Type(strings.ToUpper(node.Type))
	} else {
		schema.Type = genai.TypeObject
	}
	if len(node.Properties) > 0 {
		schema.Properties = make(map[string]*genai.Schema, len(node.Properties))
		for name, prop := range node.Properties {
			schema.Properties[name] = convertSchemaNode(prop)
		}
	}
	if node.Items != nil {
		schema.Items = convertSchemaNode(node.Items)
	}
	return schema
}

func classifyGoogleError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return models.WrapError(models.ErrKindInterrupt, err, "google stream canceled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.WrapError(models.ErrKindTimeout, err, "google stream timed out")
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429:
			return models.WrapError(models.ErrKindRateLimited, err, "google rate limited")
		case apiErr.Code == 401 || apiErr.Code == 403:
			return models.WrapError(models.ErrKindConfig, err, "google authentication failed")
		case apiErr.Code >= 500:
			return models.WrapError(models.ErrKindTransport, err, "google server error")
		default:
			return models.WrapError(models.ErrKindInternal, err, "google request failed")
		}
	}
	return models.WrapError(models.ErrKindTransport, err, "google stream failed")
}
