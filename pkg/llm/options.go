package llm

import "strings"

const (
	// DefaultMaxTokens is used when neither the request nor the model
	// metadata bounds the completion size.
	DefaultMaxTokens = 8192

	// Anthropic rejects thinking budgets under 1024 tokens.
	minThinkingBudget = 1024

	highThinkingCap = 16000
	maxThinkingCap  = 31999
)

// ResolveOptions applies model metadata and provider quirks to the caller's
// requested options and returns the effective set the adapter should send.
func ResolveOptions(sdk SDKType, providerID string, model ModelInfo, req Options) Options {
	out := Options{Variant: req.Variant}

	out.MaxTokens = req.MaxTokens
	if out.MaxTokens <= 0 {
		out.MaxTokens = model.MaxOutputTokens
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = DefaultMaxTokens
	}
	if model.MaxOutputTokens > 0 && out.MaxTokens > model.MaxOutputTokens {
		out.MaxTokens = model.MaxOutputTokens
	}

	switch {
	case model.DisableTemperature:
		out.Temperature = nil
	case fixedTemperatureModel(providerID, model):
		one := 1.0
		out.Temperature = &one
	case req.Temperature != nil:
		t := *req.Temperature
		out.Temperature = &t
	}

	switch sdk {
	case SDKAnthropic:
		out.ThinkingBudget = thinkingBudget(req.Variant, out.MaxTokens)
		if out.ThinkingBudget > 0 {
			// Extended thinking only accepts the default temperature.
			out.Temperature = nil
		}
	case SDKOpenAI, SDKOpenAICompatible:
		out.ReasoningEffort = req.Variant
	}
	return out
}

// thinkingBudget sizes the Anthropic extended-thinking budget for a variant.
// The budget must stay strictly below the completion cap.
func thinkingBudget(variant string, maxTokens int) int64 {
	var budget int64
	switch variant {
	case "high":
		budget = int64(maxTokens)/2 - 1
		if budget > highThinkingCap {
			budget = highThinkingCap
		}
	case "max":
		budget = int64(maxTokens) - 1
		if budget > maxThinkingCap {
			budget = maxThinkingCap
		}
	default:
		return 0
	}
	if budget < minThinkingBudget {
		return 0
	}
	return budget
}

// fixedTemperatureModel reports whether the provider or model belongs to a
// family that only accepts temperature 1.
func fixedTemperatureModel(providerID string, model ModelInfo) bool {
	for _, s := range []string{providerID, model.ID, model.Name} {
		s = strings.ToLower(s)
		if strings.Contains(s, "glm") {
			return true
		}
		if strings.Contains(s, "kimi") && strings.Contains(s, "2.5") {
			return true
		}
	}
	return false
}
