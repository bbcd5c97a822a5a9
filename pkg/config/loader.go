package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config file names under the config directory.
const (
	ConfigFileName = "praxis.yaml"

	// DefaultConfigDir is used when no directory is given on the
	// command line.
	DefaultConfigDir = "config"
)

// Initialize loads, merges, and validates the configuration rooted at
// configDir.
//
// Steps performed:
//  1. Read praxis.yaml (a missing file is fine, defaults apply)
//  2. Expand {{.VAR}} environment references
//  3. Parse YAML and merge over built-in defaults
//  4. Resolve the environments/ and state/ paths against configDir
//  5. Validate all settings
func Initialize(configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)

	cfg := DefaultConfig()

	path := filepath.Join(configDir, ConfigFileName)
	var user Config
	switch err := loadYAML(path, &user); {
	case errors.Is(err, ErrConfigNotFound):
		log.Info("No praxis.yaml found, using built-in defaults")
	case err != nil:
		return nil, NewLoadError(ConfigFileName, err)
	default:
		if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
			return nil, NewLoadError(ConfigFileName, fmt.Errorf("merging over defaults: %w", err))
		}
	}

	resolvePaths(cfg, configDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	environments, err := ListEnvironments(cfg.Paths.EnvironmentsDir)
	if err != nil {
		return nil, NewLoadError(cfg.Paths.EnvironmentsDir, err)
	}

	log.Info("Configuration initialized",
		"addr", cfg.Server.Addr(),
		"default_environment", cfg.Paths.DefaultEnvironment,
		"environments", len(environments))

	return cfg, nil
}

// resolvePaths fills the environments/ and state/ locations, resolving
// relative paths against the config directory.
func resolvePaths(cfg *Config, configDir string) {
	if cfg.Paths.EnvironmentsDir == "" {
		cfg.Paths.EnvironmentsDir = "environments"
	}
	if cfg.Paths.StateDir == "" {
		cfg.Paths.StateDir = "state"
	}
	if !filepath.IsAbs(cfg.Paths.EnvironmentsDir) {
		cfg.Paths.EnvironmentsDir = filepath.Join(configDir, cfg.Paths.EnvironmentsDir)
	}
	if !filepath.IsAbs(cfg.Paths.StateDir) {
		cfg.Paths.StateDir = filepath.Join(configDir, cfg.Paths.StateDir)
	}
}

// loadYAML reads a file, expands {{.VAR}} environment references, and
// unmarshals the result. ExpandEnv passes the original bytes through on
// template errors so plain YAML always reaches the parser.
func loadYAML(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return nil
}
