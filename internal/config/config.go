// Package config assembles the typed application configuration from a
// YAML file with environment variable overrides, then validates it.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the configuration file at path (optional), applies
// environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in values that were neither configured nor overridden.
func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.ReadTimeout.Duration == 0 {
		cfg.Server.ReadTimeout.Duration = 15 * time.Second
	}
	if cfg.Server.WriteTimeout.Duration == 0 {
		// Settlement holds the response open while waiting for on-chain
		// confirmation, so the write timeout must exceed that window.
		cfg.Server.WriteTimeout.Duration = 90 * time.Second
	}
	if cfg.Server.IdleTimeout.Duration == 0 {
		cfg.Server.IdleTimeout.Duration = 60 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Environment == "" {
		cfg.Logging.Environment = "development"
	}
	if cfg.Facilitator.ConfirmationTimeout.Duration == 0 {
		cfg.Facilitator.ConfirmationTimeout.Duration = 60 * time.Second
	}
	if cfg.Facilitator.Commitment == "" {
		cfg.Facilitator.Commitment = "confirmed"
	}
	if cfg.Gate.RoutesFile == "" {
		cfg.Gate.RoutesFile = "routes.yaml"
	}
}
