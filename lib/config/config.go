// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable [Load] reads the config path
// from.
const EnvVar = "CHATLINK_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Production is for deployed nodes and relays.
	Production Environment = "production"
)

// Config is the configuration shared by chatlink and chatlink-relay.
// Each binary reads the sections it needs.
type Config struct {
	// Environment identifies the deployment type (development, production).
	Environment Environment `yaml:"environment"`

	// SelfID is this node's peer identity on the signaling relay.
	SelfID string `yaml:"self_id"`

	Signaling SignalingConfig `yaml:"signaling"`
	ICE       ICEConfig       `yaml:"ice"`
	Session   SessionConfig   `yaml:"session"`
	Store     StoreConfig     `yaml:"store"`
	Relay     RelayConfig     `yaml:"relay"`
	Log       LogConfig       `yaml:"log"`

	// Per-environment overrides, applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Session *SessionConfig `yaml:"session,omitempty"`
	Log     *LogConfig     `yaml:"log,omitempty"`
}

// SignalingConfig locates the signaling relay.
type SignalingConfig struct {
	// URL is the relay websocket URL (ws:// or wss://).
	URL string `yaml:"url"`
}

// ICEConfig lists the STUN and TURN servers offered to new connections.
type ICEConfig struct {
	Servers []ICEServerConfig `yaml:"servers"`
}

// ICEServerConfig is one STUN or TURN server.
type ICEServerConfig struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// SessionConfig sets the liveness timers of peer sessions.
type SessionConfig struct {
	// HeartbeatInterval is how often an open session pings its peer.
	// Default: 15s
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// IdleTimeout closes a session that has heard nothing from its peer
	// for this long. Must exceed HeartbeatInterval.
	// Default: 60s
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// StoreConfig configures the local message store.
type StoreConfig struct {
	// Path is the SQLite database file. ":memory:" keeps messages in
	// memory only.
	Path string `yaml:"path"`

	// PoolSize is the number of SQLite connections.
	// Default: 4
	PoolSize int `yaml:"pool_size"`
}

// RelayConfig configures chatlink-relay.
type RelayConfig struct {
	// Listen is the TCP address the relay serves on.
	Listen string `yaml:"listen"`

	// RatePerSecond and Burst bound the envelopes accepted per
	// connection.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback; SelfID in particular has no default.
func Default() *Config {
	return &Config{
		Environment: Development,
		Signaling: SignalingConfig{
			URL: "ws://127.0.0.1:8787/",
		},
		Session: SessionConfig{
			HeartbeatInterval: 15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Store: StoreConfig{
			Path:     filepath.Join("${HOME}", ".local", "share", "chatlink", "messages.db"),
			PoolSize: 4,
		},
		Relay: RelayConfig{
			Listen:        "127.0.0.1:8787",
			RatePerSecond: 50,
			Burst:         100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the CHATLINK_CONFIG environment
// variable. There are no fallbacks: if the variable is not set, this
// fails.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvVar)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your chatlink.yaml config file, or use --config flag", EnvVar)
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables
// do not override config values. The only expansion performed is
// ${VAR} and ${VAR:-default} in self_id, signaling.url and store.path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies the section matching Environment.
// Production without an explicit section logs JSON.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
		if overrides == nil {
			overrides = &ConfigOverrides{
				Log: &LogConfig{Format: "json"},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Session != nil {
		if overrides.Session.HeartbeatInterval != 0 {
			c.Session.HeartbeatInterval = overrides.Session.HeartbeatInterval
		}
		if overrides.Session.IdleTimeout != 0 {
			c.Session.IdleTimeout = overrides.Session.IdleTimeout
		}
	}

	if overrides.Log != nil {
		if overrides.Log.Level != "" {
			c.Log.Level = overrides.Log.Level
		}
		if overrides.Log.Format != "" {
			c.Log.Format = overrides.Log.Format
		}
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.SelfID = expandVars(c.SelfID, vars)
	vars["SELF_ID"] = c.SelfID // Update for dependent paths.

	c.Signaling.URL = expandVars(c.Signaling.URL, vars)
	c.Store.Path = expandVars(c.Store.Path, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

var (
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"text", "json"}
)

// Validate checks the sections every binary uses.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Session.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("session.heartbeat_interval must be positive, got %s", c.Session.HeartbeatInterval))
	}
	if c.Session.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("session.idle_timeout must be positive, got %s", c.Session.IdleTimeout))
	}
	if c.Session.HeartbeatInterval > 0 && c.Session.IdleTimeout <= c.Session.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("session.idle_timeout (%s) must exceed session.heartbeat_interval (%s)",
			c.Session.IdleTimeout, c.Session.HeartbeatInterval))
	}

	if c.Relay.RatePerSecond < 0 {
		errs = append(errs, fmt.Errorf("relay.rate_per_second must not be negative"))
	}
	if c.Relay.RatePerSecond > 0 && c.Relay.Burst <= 0 {
		errs = append(errs, fmt.Errorf("relay.burst must be positive when relay.rate_per_second is set"))
	}

	if !slices.Contains(logLevels, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level must be one of: %v", logLevels))
	}
	if !slices.Contains(logFormats, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format must be one of: %v", logFormats))
	}

	for index, server := range c.ICE.Servers {
		if len(server.URLs) == 0 {
			errs = append(errs, fmt.Errorf("ice.servers[%d] has no urls", index))
		}
	}

	return errors.Join(errs...)
}

// ValidateNode is Validate plus the fields only the chat node needs.
func (c *Config) ValidateNode() error {
	errs := []error{c.Validate()}

	if c.SelfID == "" {
		errs = append(errs, fmt.Errorf("self_id is required"))
	}
	if !strings.HasPrefix(c.Signaling.URL, "ws://") && !strings.HasPrefix(c.Signaling.URL, "wss://") {
		errs = append(errs, fmt.Errorf("signaling.url must be a ws:// or wss:// URL, got %q", c.Signaling.URL))
	}
	if c.Store.Path == "" {
		errs = append(errs, fmt.Errorf("store.path is required"))
	}
	if c.Store.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("store.pool_size must be positive"))
	}

	return errors.Join(errs...)
}

// EnsureStoreDir creates the directory holding the message database.
func (c *Config) EnsureStoreDir() error {
	if c.Store.Path == "" || c.Store.Path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(c.Store.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	return nil
}

// NewLogger builds the slog logger the log section describes.
func (l LogConfig) NewLogger(output io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch l.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	options := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(output, options))
	}
	return slog.New(slog.NewTextHandler(output, options))
}
