package config

import (
	"fmt"
	"time"
)

// Config is the full stepflow configuration.
type Config struct {
	Run        RunConfig        `koanf:"run"`
	Retry      RetryConfig      `koanf:"retry"`
	Cache      CacheConfig      `koanf:"cache"`
	Checkpoint CheckpointConfig `koanf:"checkpoint"`
	Capability CapabilityConfig `koanf:"capability"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// RunConfig controls plan execution.
type RunConfig struct {
	// Language is the project language handed to classification, test
	// running, and generation.
	Language string `koanf:"language"`

	// Workers bounds concurrent steps inside one wave.
	Workers int `koanf:"workers"`

	// SubRetries bounds the handler-internal loops (generate/review,
	// test fix).
	SubRetries int `koanf:"sub_retries"`

	// CommandTimeout bounds a single shell command.
	CommandTimeout time.Duration `koanf:"command_timeout"`

	// StateDir is where checkpoint and cache state live, relative to
	// the working directory when not absolute.
	StateDir string `koanf:"state_dir"`
}

// RetryConfig controls the engine's retry and diagnosis budgets.
type RetryConfig struct {
	MaxAttempts  int `koanf:"max_attempts"`
	MaxDiagnoses int `koanf:"max_diagnoses"`
}

// CacheConfig controls the step outcome cache.
type CacheConfig struct {
	Enabled bool          `koanf:"enabled"`
	TTL     time.Duration `koanf:"ttl"`

	// Dir overrides the cache location; empty means
	// <state_dir>/cache under the working directory.
	Dir string `koanf:"dir"`
}

// CheckpointConfig controls run-state persistence.
type CheckpointConfig struct {
	Enabled bool `koanf:"enabled"`

	// Dir overrides the checkpoint location; empty means the state
	// directory under the working directory.
	Dir string `koanf:"dir"`
}

// CapabilityConfig locates the external capability service.
type CapabilityConfig struct {
	BaseURL           string        `koanf:"base_url"`
	Timeout           time.Duration `koanf:"timeout"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	Burst             int           `koanf:"burst"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is json or console.
	Format string `koanf:"format"`
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Run.Workers < 1 {
		return fmt.Errorf("run.workers must be at least 1, got %d", c.Run.Workers)
	}
	if c.Run.SubRetries < 1 {
		return fmt.Errorf("run.sub_retries must be at least 1, got %d", c.Run.SubRetries)
	}
	if c.Run.Language == "" {
		return fmt.Errorf("run.language must not be empty")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.MaxDiagnoses < 0 {
		return fmt.Errorf("retry.max_diagnoses must not be negative, got %d", c.Retry.MaxDiagnoses)
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must not be negative, got %s", c.Cache.TTL)
	}
	if c.Capability.BaseURL == "" {
		return fmt.Errorf("capability.base_url must not be empty")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
