// Copyright 2026 The ThingEngine Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for one engine instance.
type Config struct {
	// Tier identifies where this engine runs: phone, desktop, server
	// or cloud. The tier decides which engine of an account handles
	// remote program installs.
	Tier string `yaml:"tier"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Remote configures the remote program synchronization protocol.
	Remote RemoteConfig `yaml:"remote"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for engine data.
	Root string `yaml:"root"`

	// StateDB is the SQLite database holding persistent channel
	// state. Default: <root>/channel-state.db
	StateDB string `yaml:"state_db"`
}

// RemoteConfig configures the remote program protocol timers.
type RemoteConfig struct {
	// JoinTimeout is how long a freshly created program waits for
	// slow participants to join before its flows may end.
	// Default: 10s
	JoinTimeout string `yaml:"join_timeout"`

	// RequestTimeout bounds table schema requests to remote peers.
	// Default: 10s
	RequestTimeout string `yaml:"request_timeout"`
}

// JoinTimeoutDuration parses the join timeout.
func (c *RemoteConfig) JoinTimeoutDuration() (time.Duration, error) {
	return parseDuration("remote.join_timeout", c.JoinTimeout)
}

// RequestTimeoutDuration parses the request timeout.
func (c *RemoteConfig) RequestTimeoutDuration() (time.Duration, error) {
	return parseDuration("remote.request_timeout", c.RequestTimeout)
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s must be positive, got %s", field, value)
	}
	return d, nil
}

// Default returns the default configuration. These defaults ensure
// every field has a sensible value before the config file is merged
// on top; the config file itself is still required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "thingengine")

	return &Config{
		Tier: "desktop",
		Paths: PathsConfig{
			Root:    defaultRoot,
			StateDB: filepath.Join(defaultRoot, "channel-state.db"),
		},
		Remote: RemoteConfig{
			JoinTimeout:    "10s",
			RequestTimeout: "10s",
		},
	}
}

// Load loads configuration from the THINGENGINE_CONFIG environment
// variable. There is no fallback: if the variable is not set, Load
// fails.
func Load() (*Config, error) {
	configPath := os.Getenv("THINGENGINE_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("THINGENGINE_CONFIG environment variable not set; " +
			"set it to the path of your thingengine.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merging it
// over the defaults and validating the result.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	switch c.Tier {
	case "phone", "desktop", "server", "cloud":
	default:
		return fmt.Errorf("config: unknown tier %q", c.Tier)
	}
	if c.Paths.Root == "" {
		return fmt.Errorf("config: paths.root is required")
	}
	if c.Paths.StateDB == "" {
		c.Paths.StateDB = filepath.Join(c.Paths.Root, "channel-state.db")
	}
	if _, err := c.Remote.JoinTimeoutDuration(); err != nil {
		return err
	}
	if _, err := c.Remote.RequestTimeoutDuration(); err != nil {
		return err
	}
	return nil
}

// pathVariable matches ${VAR} references in path values.
var pathVariable = regexp.MustCompile(`\$\{(\w+)\}`)

// expandVariables expands ${HOME} and similar references in path
// fields. Only path fields are expanded; everything else is literal.
func (c *Config) expandVariables() {
	c.Paths.Root = expandPath(c.Paths.Root)
	c.Paths.StateDB = expandPath(c.Paths.StateDB)
}

func expandPath(path string) string {
	return pathVariable.ReplaceAllStringFunc(path, func(match string) string {
		name := pathVariable.FindStringSubmatch(match)[1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}
