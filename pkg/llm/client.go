// Package llm is the provider layer: a registry of configured LLM
// providers, the model fallback chain, per-provider message transforms,
// and streaming adapters over the official SDKs. Every adapter speaks the
// same chunk protocol so the agent loop never sees SDK types.
package llm

import (
	"context"
	"encoding/json"

	"github.com/praxis-works/praxis/pkg/models"
)

// SDKType selects which adapter backs a provider.
type SDKType string

const (
	SDKAnthropic        SDKType = "anthropic"
	SDKOpenAI           SDKType = "openai"
	SDKOpenAICompatible SDKType = "openai_compatible"
	SDKGoogle           SDKType = "google"
)

// ModelInfo describes one model a provider advertises.
type ModelInfo struct {
	ID              string `yaml:"id" json:"id"`
	Name            string `yaml:"name,omitempty" json:"name,omitempty"`
	ContextWindow   int    `yaml:"contextWindow,omitempty" json:"contextWindow,omitempty"`
	MaxOutputTokens int    `yaml:"maxOutputTokens,omitempty" json:"maxOutputTokens,omitempty"`

	// DisableTemperature marks models that reject the temperature knob.
	DisableTemperature bool `yaml:"disableTemperature,omitempty" json:"disableTemperature,omitempty"`

	// ReasoningField names the provider-specific message field reasoning
	// content must be lifted into for OpenAI-compatible reasoning models
	// (typically "reasoning_content"). Empty means no lifting.
	ReasoningField string `yaml:"reasoningField,omitempty" json:"reasoningField,omitempty"`
}

// ProviderConfig is the persisted description of one provider. APIKey may
// contain environment placeholders resolved at load time.
type ProviderConfig struct {
	ID           string      `yaml:"id" json:"id"`
	SDK          SDKType     `yaml:"sdk" json:"sdk"`
	APIKey       string      `yaml:"apiKey,omitempty" json:"apiKey,omitempty"`
	BaseURL      string      `yaml:"baseUrl,omitempty" json:"baseUrl,omitempty"`
	DefaultModel string      `yaml:"defaultModel,omitempty" json:"defaultModel,omitempty"`
	Models       []ModelInfo `yaml:"models,omitempty" json:"models,omitempty"`
}

// Model looks up a model by id in the provider's advertised list.
func (c *ProviderConfig) Model(id string) (ModelInfo, bool) {
	for _, m := range c.Models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelInfo{}, false
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Message is the provider-layer view of one conversation turn. Assistant
// messages may carry tool calls and lifted reasoning; tool messages carry
// the result of exactly one call.
type Message struct {
	Role      models.Role
	Content   string
	Reasoning string
	ToolCalls []ToolCall

	// ToolCallID, ToolName, and IsError apply to RoleTool messages.
	// ToolName is required by providers that match results by name.
	ToolCallID string
	ToolName   string
	IsError    bool

	// CacheHint asks the provider to cache the prefix ending here.
	// Honored by the Anthropic adapter, ignored elsewhere.
	CacheHint bool

	// ProviderOptions carries provider-specific extras, keyed by provider
	// family then field name. Set by the reasoning lift.
	ProviderOptions map[string]map[string]any
}

// ToolDefinition advertises a callable tool to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Options are the generation knobs after resolution against the model's
// limits (see ResolveOptions).
type Options struct {
	Temperature *float64
	MaxTokens   int

	// Variant is the requested reasoning level: "", "high", or "max".
	Variant string

	// ThinkingBudget enables Anthropic extended thinking when positive.
	ThinkingBudget int64

	// ReasoningEffort is passed through to OpenAI reasoning models.
	ReasoningEffort string
}

// Request is one streaming generation call.
type Request struct {
	Model    string
	Messages []Message
	Tools    []ToolDefinition
	Options  Options
}

// Chunk is one streamed generation event. The concrete types are
// TextChunk, ReasoningChunk, ToolCallChunk, UsageChunk, FinishChunk, and
// ErrorChunk.
type Chunk interface {
	chunk()
}

// TextChunk is an incremental piece of assistant text.
type TextChunk struct {
	Delta string
}

// ReasoningChunk is an incremental piece of model reasoning.
type ReasoningChunk struct {
	Delta string
}

// ToolCallChunk is one complete tool invocation request. Adapters
// accumulate partial argument fragments internally and emit the chunk
// only once the call has an id, a name, and full arguments.
type ToolCallChunk struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// UsageChunk reports token accounting, usually once near stream end.
type UsageChunk struct {
	Usage models.Usage
}

// FinishChunk terminates a successful stream.
type FinishChunk struct {
	Reason string
}

// ErrorChunk terminates a failed stream. Err is kind-tagged where the
// adapter can classify the failure.
type ErrorChunk struct {
	Err error
}

func (TextChunk) chunk()      {}
func (ReasoningChunk) chunk() {}
func (ToolCallChunk) chunk()  {}
func (UsageChunk) chunk()     {}
func (FinishChunk) chunk()    {}
func (ErrorChunk) chunk()     {}

// Provider streams completions for one configured SDK endpoint.
// Generate returns quickly; chunks arrive on the returned channel, which
// is closed after a FinishChunk or ErrorChunk.
type Provider interface {
	ID() string
	Generate(ctx context.Context, req *Request) (<-chan Chunk, error)
}

// chunkBuffer is the channel capacity adapters use so slow consumers do
// not stall the SDK read loop immediately.
const chunkBuffer = 100
