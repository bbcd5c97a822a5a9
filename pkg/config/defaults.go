package config

import "time"

// DefaultConfig returns the built-in defaults. User YAML merges on top,
// non-zero values winning.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			HeartbeatInterval: Duration(15 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Agent: AgentConfig{
			MaxIterations:      25,
			RetryBase:          Duration(2 * time.Second),
			BusyPolicy:         BusyPolicyReject,
			QueueDepth:         8,
			MaxConcurrentTasks: 4,
		},
		Tools: ToolsConfig{
			DefaultTimeout: Duration(60 * time.Second),
			Retry: RetryConfig{
				MaxRetries: 3,
				BaseDelay:  Duration(100 * time.Millisecond),
				MaxDelay:   Duration(5 * time.Second),
				Multiplier: 2.0,
			},
			Concurrency: ConcurrencyConfig{
				DefaultLimit:   2,
				AcquireTimeout: Duration(30 * time.Second),
			},
		},
		Trace: TraceConfig{
			Limit: 10000,
		},
		Cleanup: CleanupConfig{
			TaskSessionTTL: Duration(24 * time.Hour),
			Interval:       Duration(30 * time.Minute),
		},
		Paths: PathsConfig{
			DefaultEnvironment: "default",
		},
	}
}
