package app

import (
	"errors"
	"fmt"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	WorkflowPath string            // hcl file or directory
	Inputs       map[string]string // raw input values from the command line

	StoreBackend string // "memory", "sqlite", or "redis"
	SQLitePath   string
	RedisAddr    string
	RedisPass    string
	RedisDB      int

	LogFormat       string
	LogLevel        string
	HealthcheckPort int
	MaxConcurrency  int

	DryRun bool

	// ShowRun and ShowEvents switch the process into inspection mode for
	// an existing run instead of executing a workflow.
	ShowRun    string
	ShowEvents string
	Follow     bool
}

// NewConfig validates a Config and returns it.
func NewConfig(cfg Config) (*Config, error) {
	inspecting := cfg.ShowRun != "" || cfg.ShowEvents != ""
	if cfg.WorkflowPath == "" && !inspecting {
		return nil, errors.New("WorkflowPath is a required configuration field and cannot be empty")
	}

	switch cfg.StoreBackend {
	case "", "memory":
		cfg.StoreBackend = "memory"
		if inspecting {
			return nil, errors.New("inspecting a past run requires a durable store: use 'sqlite' or 'redis'")
		}
	case "sqlite":
		if cfg.SQLitePath == "" {
			return nil, errors.New("store 'sqlite' requires a database path")
		}
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, errors.New("store 'redis' requires an address")
		}
	default:
		return nil, fmt.Errorf("unknown store backend %q: must be 'memory', 'sqlite', or 'redis'", cfg.StoreBackend)
	}

	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, fmt.Errorf("unknown log format %q: must be 'text' or 'json'", cfg.LogFormat)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if _, ok := logLevels[cfg.LogLevel]; !ok {
		return nil, fmt.Errorf("unknown log level %q: must be 'debug', 'info', 'warn', or 'error'", cfg.LogLevel)
	}

	return &cfg, nil
}
