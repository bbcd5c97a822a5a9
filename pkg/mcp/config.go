// Package mcp manages external MCP (Model Context Protocol) servers as
// first-class tool providers: discovery on disk, process/transport
// lifecycle, and registration of their tools under "<server>_<tool>"
// names in the tool registry.
package mcp

import (
	"path/filepath"
	"strings"

	"dario.cat/mergo"
)

// Server transport kinds.
const (
	TypeLocal  = "local"
	TypeRemote = "remote"
)

// ServerConfig describes how to launch or reach one MCP server. Zero
// values mean "not set"; MergeConfig fills them from the discovery
// defaults.
type ServerConfig struct {
	Type    string   `json:"type,omitempty"`
	Command []string `json:"command,omitempty"`

	// Remote transport settings.
	URL         string            `json:"url,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	BearerToken string            `json:"bearerToken,omitempty"`
	VerifySSL   *bool             `json:"verifySsl,omitempty"`

	Enabled *bool `json:"enabled,omitempty"`

	// Timeout bounds individual tool calls, in seconds.
	Timeout int `json:"timeout,omitempty"`

	// Environment is added to the child process environment for local
	// servers.
	Environment map[string]string `json:"environment,omitempty"`
}

// IsEnabled treats an absent enabled flag as true.
func (c ServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// MergeConfig resolves the effective config for a discovered server:
// defaults from the entry script, overridden by the directory-local config,
// overridden by the caller-supplied explicit config. A set key always wins
// over a default.
func MergeConfig(candidate Candidate, explicit *ServerConfig) (ServerConfig, error) {
	var merged ServerConfig
	if explicit != nil {
		merged = *explicit
	}
	if candidate.Config != nil {
		if err := mergo.Merge(&merged, *candidate.Config); err != nil {
			return ServerConfig{}, err
		}
	}

	if merged.Type == "" {
		if merged.URL != "" {
			merged.Type = TypeRemote
		} else {
			merged.Type = TypeLocal
		}
	}
	if merged.Type == TypeLocal && len(merged.Command) == 0 && candidate.Entry != "" {
		merged.Command = defaultCommand(candidate.Entry)
	}
	if merged.Enabled == nil {
		enabled := true
		merged.Enabled = &enabled
	}
	return merged, nil
}

// defaultCommand picks the launch command for an entry script by extension.
func defaultCommand(entry string) []string {
	switch strings.ToLower(filepath.Ext(entry)) {
	case ".py":
		return []string{"python3", entry}
	case ".ts", ".mts":
		return []string{"npx", "tsx", entry}
	default:
		return []string{"node", entry}
	}
}
