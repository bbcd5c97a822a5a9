package masking

import (
	"fmt"
	"log/slog"
	"regexp"
)

// RedactedNotice replaces tool output entirely when masking itself fails.
// Fail-closed: unmaskable output never reaches the model or the event stream.
const RedactedNotice = "[REDACTED: masking failure, tool result could not be safely processed]"

// DefaultGroup is applied when masking is enabled without naming any
// patterns or groups.
const DefaultGroup = "secrets"

// Config selects which masking rules run over tool output.
type Config struct {
	Enabled        bool            `yaml:"enabled"`
	PatternGroups  []string        `yaml:"pattern_groups"`
	Patterns       []string        `yaml:"patterns"`
	CustomPatterns []CustomPattern `yaml:"custom_patterns"`
}

// CustomPattern is a user-supplied regex rule from config.
type CustomPattern struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
	Description string `yaml:"description"`
}

// Service applies data masking to tool result content. Created once at
// application startup; thread-safe and stateless aside from compiled
// patterns. Implements the executor's result masker hook.
type Service struct {
	enabled     bool
	codeMaskers []Masker
	patterns    []*CompiledPattern
	logger      *slog.Logger
}

// NewService creates a masking service with compiled patterns and registered
// maskers. All patterns are compiled eagerly at creation time; invalid
// patterns are logged and skipped.
func NewService(cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		enabled: cfg.Enabled,
		logger:  logger.With("component", "masking"),
	}
	if !cfg.Enabled {
		return s
	}

	available := compileBuiltins(s.logger)
	maskers := map[string]Masker{}
	for _, m := range []Masker{&EnvFileMasker{}} {
		maskers[m.Name()] = m
	}

	groups := cfg.PatternGroups
	if len(groups) == 0 && len(cfg.Patterns) == 0 {
		groups = []string{DefaultGroup}
	}

	// Expand groups first, then individual names; first mention wins.
	seen := make(map[string]bool)
	var names []string
	for _, group := range groups {
		members, ok := builtinGroups()[group]
		if !ok {
			s.logger.Warn("Unknown masking pattern group, skipping", "group", group)
			continue
		}
		names = append(names, members...)
	}
	names = append(names, cfg.Patterns...)

	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		if m, ok := maskers[name]; ok {
			s.codeMaskers = append(s.codeMaskers, m)
			continue
		}
		if p, ok := available[name]; ok {
			s.patterns = append(s.patterns, p)
			continue
		}
		s.logger.Warn("Unknown masking pattern, skipping", "pattern", name)
	}

	// Custom patterns always run, after the named ones.
	for i, custom := range cfg.CustomPatterns {
		name := custom.Name
		if name == "" {
			name = fmt.Sprintf("custom:%d", i)
		}
		compiled, err := regexp.Compile(custom.Pattern)
		if err != nil {
			s.logger.Error("Failed to compile custom masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		s.patterns = append(s.patterns, &CompiledPattern{
			Name:        name,
			Regex:       compiled,
			Replacement: custom.Replacement,
			Description: custom.Description,
		})
	}

	s.logger.Info("Masking service initialized",
		"patterns", len(s.patterns),
		"code_maskers", len(s.codeMaskers))
	return s
}

// MaskContent applies code-based maskers then regex patterns to content.
// On masking failure the whole result is redacted (fail-closed).
func (s *Service) MaskContent(content string) (masked string) {
	if !s.enabled || content == "" {
		return content
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Masking failed, redacting content", "panic", r)
			masked = RedactedNotice
		}
	}()

	masked = content

	// Phase 1: code-based maskers (more specific, structural awareness)
	for _, m := range s.codeMaskers {
		if m.AppliesTo(masked) {
			masked = m.Mask(masked)
		}
	}

	// Phase 2: regex patterns (general sweep)
	for _, p := range s.patterns {
		masked = p.Regex.ReplaceAllString(masked, p.Replacement)
	}

	return masked
}

// Enabled reports whether the service masks anything at all.
func (s *Service) Enabled() bool {
	return s.enabled
}

// compileBuiltins compiles the built-in regex table.
func compileBuiltins(logger *slog.Logger) map[string]*CompiledPattern {
	compiled := make(map[string]*CompiledPattern)
	for name, p := range builtinPatterns() {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			logger.Error("Failed to compile built-in masking pattern, skipping",
				"pattern", name, "error", err)
			continue
		}
		compiled[name] = &CompiledPattern{
			Name:        name,
			Regex:       re,
			Replacement: p.Replacement,
			Description: p.Description,
		}
	}
	return compiled
}
