package mcp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeServerFile creates path (and parents) under a test tree.
func writeServerFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDiscoverServers_FindsEntryScripts(t *testing.T) {
	dir := t.TempDir()
	writeServerFile(t, filepath.Join(dir, "alpha", "server.py"), "# server")
	writeServerFile(t, filepath.Join(dir, "beta", "src", "index.ts"), "// server")

	candidates, err := DiscoverServers(dir, nil)
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	assert.Equal(t, "alpha", candidates[0].Name)
	assert.Equal(t, filepath.Join(dir, "alpha", "server.py"), candidates[0].Entry)

	assert.Equal(t, "beta", candidates[1].Name)
	assert.Equal(t, filepath.Join(dir, "beta", "src", "index.ts"), candidates[1].Entry)
}

func TestDiscoverServers_RootEntryWinsOverSrc(t *testing.T) {
	dir := t.TempDir()
	writeServerFile(t, filepath.Join(dir, "tool", "index.js"), "")
	writeServerFile(t, filepath.Join(dir, "tool", "src", "server.py"), "")

	candidates, err := DiscoverServers(dir, nil)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, filepath.Join(dir, "tool", "index.js"), candidates[0].Entry)
}

func TestDiscoverServers_ServerStemWinsOverIndex(t *testing.T) {
	dir := t.TempDir()
	writeServerFile(t, filepath.Join(dir, "tool", "index.js"), "")
	writeServerFile(t, filepath.Join(dir, "tool", "server.js"), "")

	candidates, err := DiscoverServers(dir, nil)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, filepath.Join(dir, "tool", "server.js"), candidates[0].Entry)
}

func TestDiscoverServers_ConfigOnlyRemoteServer(t *testing.T) {
	dir := t.TempDir()
	writeServerFile(t, filepath.Join(dir, "gateway", "config.json5"), `{
		// remote MCP gateway, no local process
		"url": "https://mcp.example.com/v1",
		"bearerToken": "tok-123",
	}`)

	candidates, err := DiscoverServers(dir, nil)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	c := candidates[0]
	assert.Equal(t, "gateway", c.Name)
	assert.Empty(t, c.Entry)
	require.NotNil(t, c.Config)
	assert.Equal(t, "https://mcp.example.com/v1", c.Config.URL)
	assert.Equal(t, "tok-123", c.Config.BearerToken)
}

func TestDiscoverServers_SkipsNonServers(t *testing.T) {
	dir := t.TempDir()
	writeServerFile(t, filepath.Join(dir, "README.md"), "docs")
	writeServerFile(t, filepath.Join(dir, ".hidden", "server.py"), "")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0o755))
	writeServerFile(t, filepath.Join(dir, "notes", "notes.txt"), "")

	candidates, err := DiscoverServers(dir, nil)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestDiscoverServers_SkipsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	writeServerFile(t, filepath.Join(dir, "broken", "server.py"), "")
	writeServerFile(t, filepath.Join(dir, "broken", "config.json"), "{not valid")
	writeServerFile(t, filepath.Join(dir, "ok", "server.py"), "")

	candidates, err := DiscoverServers(dir, nil)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "ok", candidates[0].Name)
}

func TestDiscoverServers_MissingDirectory(t *testing.T) {
	candidates, err := DiscoverServers(filepath.Join(t.TempDir(), "nope"), nil)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestDiscoverServers_EntryWithDirConfig(t *testing.T) {
	dir := t.TempDir()
	writeServerFile(t, filepath.Join(dir, "weather", "server.ts"), "")
	writeServerFile(t, filepath.Join(dir, "weather", "config.json"), `{"timeout": 45, "environment": {"API_KEY": "k"}}`)

	candidates, err := DiscoverServers(dir, nil)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	merged, err := MergeConfig(candidates[0], nil)
	require.NoError(t, err)
	assert.Equal(t, TypeLocal, merged.Type)
	assert.Equal(t, []string{"npx", "tsx", filepath.Join(dir, "weather", "server.ts")}, merged.Command)
	assert.Equal(t, 45, merged.Timeout)
	assert.Equal(t, "k", merged.Environment["API_KEY"])
}
