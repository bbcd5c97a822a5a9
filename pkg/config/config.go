// Package config loads the server configuration: praxis.yaml at the
// config root for process-wide settings, and per-environment directories
// under environments/ holding provider lists, model catalogs, skills,
// prompts, and MCP server definitions. Secrets never live in the files;
// they resolve from environment variables at load time.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/praxis-works/praxis/pkg/masking"
	"github.com/praxis-works/praxis/pkg/notify"
	"github.com/praxis-works/praxis/pkg/tools"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "2m30s". Units are required; bare numbers are rejected.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar, got %v", value.Tag)
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration %q must not be negative", value.Value)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the plain time.Duration value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// Config is the resolved process-wide configuration, praxis.yaml merged
// over built-in defaults. Per-environment content (providers, models,
// MCP servers, skills) is loaded separately via LoadEnvironment so it
// can be re-read on an environment switch.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Log     LogConfig      `yaml:"log"`
	Agent   AgentConfig    `yaml:"agent"`
	Tools   ToolsConfig    `yaml:"tools"`
	Masking masking.Config `yaml:"masking"`
	Notify  NotifyConfig   `yaml:"notify"`
	Trace   TraceConfig    `yaml:"trace"`
	Cleanup CleanupConfig  `yaml:"cleanup"`
	Paths   PathsConfig    `yaml:"paths"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// HeartbeatInterval is how often idle SSE and WebSocket streams
	// receive a server.heartbeat frame.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`

	// AllowedOrigins restricts browser connections to the event streams.
	// Empty means same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// SlogLevel maps the configured level name to a slog.Level. Unknown
// names fall back to info.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Busy-session policies: what happens to a prompt that arrives while the
// session's agent loop is still running.
const (
	BusyPolicyReject = "reject"
	BusyPolicyQueue  = "queue"
)

// AgentConfig holds agent loop settings.
type AgentConfig struct {
	// MaxIterations bounds LLM round-trips per run before the loop
	// declares the result truncated.
	MaxIterations int `yaml:"max_iterations"`

	// Temperature applies to every request when set. Nil defers to the
	// provider default.
	Temperature *float64 `yaml:"temperature"`

	// Variant selects a provider-specific request flavor (for example
	// reasoning-effort presets).
	Variant string `yaml:"variant"`

	// RetryBase is the base delay for the single LLM-call retry on
	// transport and rate-limit errors.
	RetryBase Duration `yaml:"retry_base"`

	// BusyPolicy is BusyPolicyReject or BusyPolicyQueue.
	BusyPolicy string `yaml:"busy_policy"`

	// QueueDepth bounds the per-session prompt queue when BusyPolicy is
	// queue. Further prompts are rejected as busy.
	QueueDepth int `yaml:"queue_depth"`

	// MaxConcurrentTasks bounds background tasks running at once.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`
}

// ToolsConfig holds tool control plane settings.
type ToolsConfig struct {
	// DefaultTimeout applies to tool calls with no per-tool override.
	DefaultTimeout Duration `yaml:"default_timeout"`

	// Timeouts overrides the default per tool name, or per
	// "tool:action" key for finer grain.
	Timeouts map[string]Duration `yaml:"timeouts"`

	Retry       RetryConfig       `yaml:"retry"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
}

// RetryConfig holds the tool retry policy.
type RetryConfig struct {
	MaxRetries int      `yaml:"max_retries"`
	BaseDelay  Duration `yaml:"base_delay"`
	MaxDelay   Duration `yaml:"max_delay"`
	Multiplier float64  `yaml:"multiplier"`

	// Jitter randomizes each delay; defaults to true.
	Jitter *bool `yaml:"jitter"`
}

// Policy converts the configured values into the control plane's retry
// policy, keeping the built-in retryable error patterns.
func (c RetryConfig) Policy() tools.RetryPolicy {
	p := tools.DefaultRetryPolicy()
	p.MaxRetries = c.MaxRetries
	p.BaseDelay = c.BaseDelay.Std()
	p.MaxDelay = c.MaxDelay.Std()
	p.Multiplier = c.Multiplier
	if c.Jitter != nil {
		p.Jitter = *c.Jitter
	}
	return p
}

// ConcurrencyConfig holds per-tool concurrency slot settings.
type ConcurrencyConfig struct {
	// DefaultLimit is the slot count for tools with no override.
	DefaultLimit int `yaml:"default_limit"`

	// AcquireTimeout bounds how long a call waits for a free slot.
	AcquireTimeout Duration `yaml:"acquire_timeout"`

	// Limits overrides the slot count per tool name.
	Limits map[string]int `yaml:"limits"`
}

// NotifyConfig mirrors the webhook forwarder settings with a
// YAML-friendly duration.
type NotifyConfig struct {
	WebhookURL string   `yaml:"webhook_url"`
	Timeout    Duration `yaml:"timeout"`
	Events     []string `yaml:"events"`
}

// ForwarderConfig converts to the notify package's config.
func (c NotifyConfig) ForwarderConfig() notify.Config {
	return notify.Config{
		WebhookURL: c.WebhookURL,
		Timeout:    c.Timeout.Std(),
		Events:     c.Events,
	}
}

// TraceConfig controls the in-memory run trace recorder.
type TraceConfig struct {
	// Enabled defaults to true; set false to skip span recording.
	Enabled *bool `yaml:"enabled"`

	// Limit caps retained spans across all traces; the oldest trace is
	// evicted when the cap is hit.
	Limit int `yaml:"limit"`
}

// IsEnabled treats an absent flag as true.
func (c TraceConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// CleanupConfig controls the retention sweeper for background-task
// sessions. Task sessions are created per spawned task and would otherwise
// accumulate for the life of the process.
type CleanupConfig struct {
	// TaskSessionTTL is how long a finished task session is kept after
	// its last activity. Zero disables the sweeper.
	TaskSessionTTL Duration `yaml:"task_session_ttl"`

	// Interval between sweep passes.
	Interval Duration `yaml:"interval"`
}

// PathsConfig locates on-disk state. Relative paths resolve against the
// config directory.
type PathsConfig struct {
	EnvironmentsDir    string `yaml:"environments_dir"`
	StateDir           string `yaml:"state_dir"`
	DefaultEnvironment string `yaml:"default_environment"`
}

// RecencyPath is where the most-recently-used model list persists.
func (c *Config) RecencyPath() string {
	return filepath.Join(c.Paths.StateDir, "models-recent")
}

// Validate checks value ranges and enum fields. All problems are
// reported at once, each wrapped as a ValidationError.
func (c *Config) Validate() error {
	var errs []error
	add := func(section, field string, format string, args ...any) {
		errs = append(errs, NewValidationError(section, field, fmt.Errorf("%w: "+format, append([]any{ErrInvalidValue}, args...)...)))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server", "port", "%d", c.Server.Port)
	}
	if c.Server.HeartbeatInterval <= 0 {
		add("server", "heartbeat_interval", "%s", c.Server.HeartbeatInterval)
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		add("log", "level", "%q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		add("log", "format", "%q", c.Log.Format)
	}

	if c.Agent.MaxIterations < 1 {
		add("agent", "max_iterations", "%d", c.Agent.MaxIterations)
	}
	if t := c.Agent.Temperature; t != nil && (*t < 0 || *t > 2) {
		add("agent", "temperature", "%g", *t)
	}
	switch c.Agent.BusyPolicy {
	case BusyPolicyReject, BusyPolicyQueue:
	default:
		add("agent", "busy_policy", "%q (want %q or %q)", c.Agent.BusyPolicy, BusyPolicyReject, BusyPolicyQueue)
	}
	if c.Agent.BusyPolicy == BusyPolicyQueue && c.Agent.QueueDepth < 1 {
		add("agent", "queue_depth", "%d", c.Agent.QueueDepth)
	}
	if c.Agent.MaxConcurrentTasks < 1 {
		add("agent", "max_concurrent_tasks", "%d", c.Agent.MaxConcurrentTasks)
	}

	if c.Tools.DefaultTimeout <= 0 {
		add("tools", "default_timeout", "%s", c.Tools.DefaultTimeout)
	}
	if c.Tools.Retry.MaxRetries < 0 {
		add("tools", "retry.max_retries", "%d", c.Tools.Retry.MaxRetries)
	}
	if c.Tools.Retry.BaseDelay <= 0 {
		add("tools", "retry.base_delay", "%s", c.Tools.Retry.BaseDelay)
	}
	if c.Tools.Retry.MaxDelay < c.Tools.Retry.BaseDelay {
		add("tools", "retry.max_delay", "%s is below base_delay %s", c.Tools.Retry.MaxDelay, c.Tools.Retry.BaseDelay)
	}
	if c.Tools.Retry.Multiplier < 1 {
		add("tools", "retry.multiplier", "%g", c.Tools.Retry.Multiplier)
	}
	if c.Tools.Concurrency.DefaultLimit < 1 {
		add("tools", "concurrency.default_limit", "%d", c.Tools.Concurrency.DefaultLimit)
	}
	for tool, limit := range c.Tools.Concurrency.Limits {
		if limit < 1 {
			add("tools", "concurrency.limits."+tool, "%d", limit)
		}
	}

	if c.Trace.IsEnabled() && c.Trace.Limit < 1 {
		add("trace", "limit", "%d", c.Trace.Limit)
	}
	if c.Cleanup.TaskSessionTTL < 0 {
		add("cleanup", "task_session_ttl", "%s", c.Cleanup.TaskSessionTTL)
	}
	if c.Cleanup.TaskSessionTTL > 0 && c.Cleanup.Interval <= 0 {
		add("cleanup", "interval", "%s", c.Cleanup.Interval)
	}
	if c.Paths.DefaultEnvironment == "" {
		errs = append(errs, NewValidationError("paths", "default_environment", ErrMissingRequiredField))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrValidationFailed, errors.Join(errs...))
	}
	return nil
}
