package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseToolArguments_JSONObject(t *testing.T) {
	args := ParseToolArguments(json.RawMessage(`{"namespace": "prod", "limit": 5}`))
	require.Len(t, args, 2)
	assert.Equal(t, "prod", args["namespace"])
	assert.Equal(t, float64(5), args["limit"])
}

func TestParseToolArguments_Empty(t *testing.T) {
	assert.Empty(t, ParseToolArguments(nil))
	assert.Empty(t, ParseToolArguments(json.RawMessage("  ")))
}

func TestParseToolArguments_NonObjectJSONWrapped(t *testing.T) {
	args := ParseToolArguments(json.RawMessage(`["a", "b"]`))
	assert.Equal(t, []any{"a", "b"}, args["input"])

	args = ParseToolArguments(json.RawMessage(`"just a string"`))
	assert.Equal(t, "just a string", args["input"])

	args = ParseToolArguments(json.RawMessage(`42`))
	assert.Equal(t, float64(42), args["input"])
}

func TestParseToolArguments_KeyValuePairs(t *testing.T) {
	args := ParseToolArguments(json.RawMessage("namespace: prod, limit: 5"))
	assert.Equal(t, "prod", args["namespace"])
	assert.Equal(t, int64(5), args["limit"])

	args = ParseToolArguments(json.RawMessage("name=web-1\nfollow=true"))
	assert.Equal(t, "web-1", args["name"])
	assert.Equal(t, true, args["follow"])
}

func TestParseToolArguments_YAMLWithStructure(t *testing.T) {
	input := "selector:\n  app: web\nnamespaces:\n  - prod\n  - staging"
	args := ParseToolArguments(json.RawMessage(input))

	sel, ok := args["selector"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "web", sel["app"])
	assert.Equal(t, []any{"prod", "staging"}, args["namespaces"])
}

func TestParseToolArguments_RawStringFallback(t *testing.T) {
	args := ParseToolArguments(json.RawMessage("show me the logs for web-1"))
	assert.Equal(t, "show me the logs for web-1", args["input"])
}

func TestParseToolArguments_MalformedJSONFallsThrough(t *testing.T) {
	// A broken object still yields something usable instead of an error.
	args := ParseToolArguments(json.RawMessage(`{broken json`))
	assert.Equal(t, map[string]any{"input": "{broken json"}, args)
}

func TestCoerceValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"true", true},
		{"False", false},
		{"null", nil},
		{"None", nil},
		{"42", int64(42)},
		{"-7", int64(-7)},
		{"3.14", 3.14},
		{"NaN", "NaN"},
		{"+Inf", "+Inf"},
		{"web-1", "web-1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, coerceValue(tt.in), "coerceValue(%q)", tt.in)
	}
}
