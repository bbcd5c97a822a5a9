package mcp

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
)

// Candidate is a server directory found by discovery. Entry is the launch
// script ("" when only a config file declares the server); Config is the
// directory-local config, nil when absent.
type Candidate struct {
	Name   string
	Dir    string
	Entry  string
	Config *ServerConfig
}

// entryStems are the recognized entry script base names, in preference
// order.
var entryStems = []string{"server", "index"}

// configNames are the recognized directory-local config file names.
var configNames = []string{"config.json", "config.jsonc", "config.json5"}

// DiscoverServers scans a servers directory. Each subdirectory is a
// candidate; it is kept when it has a recognized entry script (root level
// preferred over src/) or a config that says how to reach the server.
// A missing directory yields no candidates and no error.
func DiscoverServers(dir string, logger *slog.Logger) ([]Candidate, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read servers directory %s: %w", dir, err)
	}

	var out []Candidate
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		serverDir := filepath.Join(dir, e.Name())
		candidate := Candidate{Name: e.Name(), Dir: serverDir}

		candidate.Entry = findEntryScript(serverDir)

		cfg, err := readDirConfig(serverDir)
		if err != nil {
			logger.Warn("skipping MCP server with invalid config",
				"server", e.Name(), "error", err)
			continue
		}
		candidate.Config = cfg

		if candidate.Entry == "" && !configDeclaresServer(cfg) {
			logger.Debug("directory has no entry script, skipping",
				"server", e.Name(), "dir", serverDir)
			continue
		}
		out = append(out, candidate)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// findEntryScript looks for server.* or index.* in the server directory,
// falling back to src/. Root-level scripts win over nested ones, server.*
// wins over index.*, and ties resolve lexicographically for determinism.
func findEntryScript(serverDir string) string {
	for _, base := range []string{serverDir, filepath.Join(serverDir, "src")} {
		if entry := findEntryIn(base); entry != "" {
			return entry
		}
	}
	return ""
}

func findEntryIn(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, stem := range entryStems {
		for _, name := range names {
			ext := filepath.Ext(name)
			if ext != "" && strings.TrimSuffix(name, ext) == stem {
				return filepath.Join(dir, name)
			}
		}
	}
	return ""
}

func readDirConfig(serverDir string) (*ServerConfig, error) {
	for _, name := range configNames {
		path := filepath.Join(serverDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		var cfg ServerConfig
		if err := json5.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		return &cfg, nil
	}
	return nil, nil
}

// configDeclaresServer reports whether a config alone is enough to start or
// reach the server (an explicit command or a remote URL).
func configDeclaresServer(cfg *ServerConfig) bool {
	return cfg != nil && (len(cfg.Command) > 0 || cfg.URL != "")
}
