package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func TestMergeConfig_DefaultsFromEntryScript(t *testing.T) {
	tests := []struct {
		name    string
		entry   string
		command []string
	}{
		{"python entry", "/srv/weather/server.py", []string{"python3", "/srv/weather/server.py"}},
		{"typescript entry", "/srv/weather/index.ts", []string{"npx", "tsx", "/srv/weather/index.ts"}},
		{"module typescript entry", "/srv/weather/server.mts", []string{"npx", "tsx", "/srv/weather/server.mts"}},
		{"javascript entry", "/srv/weather/index.js", []string{"node", "/srv/weather/index.js"}},
		{"unknown extension runs under node", "/srv/weather/server.mjs", []string{"node", "/srv/weather/server.mjs"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged, err := MergeConfig(Candidate{Name: "weather", Entry: tt.entry}, nil)
			require.NoError(t, err)
			assert.Equal(t, TypeLocal, merged.Type)
			assert.Equal(t, tt.command, merged.Command)
			assert.True(t, merged.IsEnabled())
		})
	}
}

func TestMergeConfig_URLImpliesRemote(t *testing.T) {
	candidate := Candidate{
		Name:   "gateway",
		Config: &ServerConfig{URL: "https://mcp.example.com/v1"},
	}

	merged, err := MergeConfig(candidate, nil)
	require.NoError(t, err)
	assert.Equal(t, TypeRemote, merged.Type)
	assert.Empty(t, merged.Command, "remote servers get no launch command")
}

func TestMergeConfig_ExplicitWinsOverDirConfig(t *testing.T) {
	candidate := Candidate{
		Name:  "weather",
		Entry: "/srv/weather/server.py",
		Config: &ServerConfig{
			Timeout:     30,
			Environment: map[string]string{"API_KEY": "from-dir"},
		},
	}
	explicit := &ServerConfig{Timeout: 5}

	merged, err := MergeConfig(candidate, explicit)
	require.NoError(t, err)
	assert.Equal(t, 5, merged.Timeout)
	// Dir-local settings the explicit config leaves alone still apply.
	assert.Equal(t, "from-dir", merged.Environment["API_KEY"])
	assert.Equal(t, []string{"python3", "/srv/weather/server.py"}, merged.Command)
}

func TestMergeConfig_ExplicitCommandSuppressesDefault(t *testing.T) {
	candidate := Candidate{Name: "weather", Entry: "/srv/weather/server.py"}
	explicit := &ServerConfig{Command: []string{"uv", "run", "server.py"}}

	merged, err := MergeConfig(candidate, explicit)
	require.NoError(t, err)
	assert.Equal(t, []string{"uv", "run", "server.py"}, merged.Command)
}

func TestMergeConfig_EnabledPrecedence(t *testing.T) {
	candidate := Candidate{
		Name:   "weather",
		Entry:  "/srv/weather/server.py",
		Config: &ServerConfig{Enabled: boolPtr(false)},
	}

	merged, err := MergeConfig(candidate, nil)
	require.NoError(t, err)
	assert.False(t, merged.IsEnabled(), "dir-local disable applies when explicit config is silent")

	merged, err = MergeConfig(candidate, &ServerConfig{Enabled: boolPtr(true)})
	require.NoError(t, err)
	assert.True(t, merged.IsEnabled(), "explicit enable overrides dir-local disable")
}

func TestServerConfig_IsEnabled(t *testing.T) {
	assert.True(t, ServerConfig{}.IsEnabled())
	assert.True(t, ServerConfig{Enabled: boolPtr(true)}.IsEnabled())
	assert.False(t, ServerConfig{Enabled: boolPtr(false)}.IsEnabled())
}
