// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of tpm-attestd.
//
// tpm-attestd is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package config loads and validates the daemon configuration from
// YAML with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jeremyhahn/tpm-attestd/pkg/tpm2"
	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	TPM     *tpm2.Config  `yaml:"tpm"`
	Logging LoggingConfig `yaml:"logging"`
}

// Duration wraps time.Duration so YAML values like "10s" parse. Bare
// integers are treated as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var seconds int64
	if err := value.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ServerConfig contains the IPC socket settings
type ServerConfig struct {
	SocketPath      string      `yaml:"socket_path"`
	SocketMode      os.FileMode `yaml:"socket_mode"`
	ShutdownTimeout Duration    `yaml:"shutdown_timeout"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no config file is
// provided: hardware TPM via the kernel resource manager, the standard
// socket path and info-level text logging.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			SocketPath:      "/var/run/tpm-attestd/attestd.sock",
			SocketMode:      0660,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		TPM: tpm2.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the configuration from the given YAML file, applies
// environment variable overrides and validates the result. An empty
// path returns the defaults with overrides applied.
func Load(path string) (*Config, error) {

	cfg := Default()

	if path != "" {
		// #nosec G304 - Config file path is provided by admin/user
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		if cfg.TPM == nil {
			cfg.TPM = tpm2.DefaultConfig()
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the
// configuration
func applyEnvOverrides(cfg *Config) {
	if socketPath := os.Getenv("ATTESTD_SOCKET_PATH"); socketPath != "" {
		cfg.Server.SocketPath = socketPath
	}
	if level := os.Getenv("ATTESTD_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("ATTESTD_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}
	if device := os.Getenv("TPM_DEVICE_PATH"); device != "" {
		cfg.TPM.Device = device
	}
	if sim := os.Getenv("ATTESTD_TPM_SIMULATOR"); sim != "" {
		useSim, err := strconv.ParseBool(sim)
		if err == nil {
			cfg.TPM.UseSimulator = useSim
		}
	}
}

// Validate checks the configuration for completeness and correctness
func (c *Config) Validate() error {
	if c.Server.SocketPath == "" {
		return fmt.Errorf("server.socket_path is required")
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout must not be negative")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	if c.TPM == nil {
		return fmt.Errorf("tpm configuration is required")
	}
	return c.TPM.Validate()
}
