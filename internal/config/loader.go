// Package config provides configuration loading for stepflow.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// envPrefix namespaces stepflow environment variables.
const envPrefix = "STEPFLOW_"

// Load loads configuration from an optional YAML file, then overrides
// with environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (STEPFLOW_RUN_LANGUAGE, STEPFLOW_CACHE_TTL, ...)
//  2. YAML config file
//  3. Defaults
//
// Environment variables map section first, field second:
//
//	STEPFLOW_RUN_LANGUAGE        -> run.language
//	STEPFLOW_RETRY_MAX_ATTEMPTS  -> retry.max_attempts
//	STEPFLOW_CAPABILITY_BASE_URL -> capability.base_url
// defaultYAML seeds values whose zero state is a valid setting, so a
// config file can still turn them off.
var defaultYAML = []byte(`
cache:
  enabled: true
checkpoint:
  enabled: true
`)

func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaultYAML), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if configPath != "" {
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("opening config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat config file: %w", err)
		}
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		// STEPFLOW_RETRY_MAX_ATTEMPTS -> retry.max_attempts: the first
		// underscore separates section from field, later underscores
		// stay in the field name.
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file and no
// environment overrides are present.
func Default() *Config {
	cfg := Config{
		Cache:      CacheConfig{Enabled: true},
		Checkpoint: CheckpointConfig{Enabled: true},
	}
	applyDefaults(&cfg)
	return &cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Run.Language == "" {
		cfg.Run.Language = "python"
	}
	if cfg.Run.Workers == 0 {
		cfg.Run.Workers = 4
	}
	if cfg.Run.SubRetries == 0 {
		cfg.Run.SubRetries = 3
	}
	if cfg.Run.CommandTimeout == 0 {
		cfg.Run.CommandTimeout = 5 * time.Minute
	}
	if cfg.Run.StateDir == "" {
		cfg.Run.StateDir = ".stepflow"
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.MaxDiagnoses == 0 {
		cfg.Retry.MaxDiagnoses = 2
	}

	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 24 * time.Hour
	}

	if cfg.Capability.BaseURL == "" {
		cfg.Capability.BaseURL = "http://localhost:8700"
	}
	if cfg.Capability.Timeout == 0 {
		cfg.Capability.Timeout = 5 * time.Minute
	}
	if cfg.Capability.RequestsPerSecond == 0 {
		cfg.Capability.RequestsPerSecond = 2
	}
	if cfg.Capability.Burst == 0 {
		cfg.Capability.Burst = 4
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
}
