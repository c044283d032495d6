// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "chatlink.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return configPath
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}
	if cfg.Session.HeartbeatInterval != 15*time.Second {
		t.Errorf("expected heartbeat_interval=15s, got %s", cfg.Session.HeartbeatInterval)
	}
	if cfg.Session.IdleTimeout != 60*time.Second {
		t.Errorf("expected idle_timeout=60s, got %s", cfg.Session.IdleTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
	if err := cfg.ValidateNode(); err == nil || !strings.Contains(err.Error(), "self_id is required") {
		t.Errorf("ValidateNode on defaults = %v, want self_id error", err)
	}
}

func TestLoad_RequiresConfigEnv(t *testing.T) {
	t.Setenv(EnvVar, "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when CHATLINK_CONFIG not set, got nil")
	}
	if !strings.HasPrefix(err.Error(), "CHATLINK_CONFIG environment variable not set") {
		t.Errorf("unexpected error message %q", err.Error())
	}
}

func TestLoad_WithConfigEnv(t *testing.T) {
	configPath := writeConfig(t, `
self_id: alice
signaling:
  url: ws://relay.example.org/
`)
	t.Setenv(EnvVar, configPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.SelfID != "alice" {
		t.Errorf("expected self_id=alice, got %s", cfg.SelfID)
	}
	if cfg.Signaling.URL != "ws://relay.example.org/" {
		t.Errorf("expected signaling.url from file, got %s", cfg.Signaling.URL)
	}
}

func TestLoadFile(t *testing.T) {
	configPath := writeConfig(t, `
environment: development
self_id: bob
signaling:
  url: wss://relay.example.org/ws
ice:
  servers:
    - urls: ["stun:stun.example.org:3478"]
    - urls: ["turn:turn.example.org:3478"]
      username: bob
      credential: secret
session:
  heartbeat_interval: 5s
  idle_timeout: 20s
store:
  path: /var/lib/chatlink/bob.db
  pool_size: 2
relay:
  listen: 0.0.0.0:9000
  rate_per_second: 10
  burst: 20
log:
  level: debug
  format: json
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if err := cfg.ValidateNode(); err != nil {
		t.Fatalf("ValidateNode: %v", err)
	}

	if len(cfg.ICE.Servers) != 2 || cfg.ICE.Servers[1].Credential != "secret" {
		t.Errorf("ice servers = %+v", cfg.ICE.Servers)
	}
	if cfg.Session.HeartbeatInterval != 5*time.Second || cfg.Session.IdleTimeout != 20*time.Second {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Store.Path != "/var/lib/chatlink/bob.db" || cfg.Store.PoolSize != 2 {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Relay.Listen != "0.0.0.0:9000" || cfg.Relay.RatePerSecond != 10 || cfg.Relay.Burst != 20 {
		t.Errorf("relay = %+v", cfg.Relay)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log = %+v", cfg.Log)
	}
}

func TestLoadFile_ParseError(t *testing.T) {
	configPath := writeConfig(t, "session: [not, a, map")
	if _, err := LoadFile(configPath); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	configPath := writeConfig(t, `
environment: production
session:
  heartbeat_interval: 15s
log:
  level: info
  format: text
production:
  session:
    heartbeat_interval: 30s
    idle_timeout: 120s
  log:
    level: warn
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Session.HeartbeatInterval != 30*time.Second {
		t.Errorf("expected heartbeat_interval=30s from production override, got %s", cfg.Session.HeartbeatInterval)
	}
	if cfg.Session.IdleTimeout != 120*time.Second {
		t.Errorf("expected idle_timeout=120s from production override, got %s", cfg.Session.IdleTimeout)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("expected log.level=warn, got %s", cfg.Log.Level)
	}
	// Unset override fields keep the base value.
	if cfg.Log.Format != "text" {
		t.Errorf("expected log.format=text, got %s", cfg.Log.Format)
	}
}

func TestProductionDefaultsToJSONLogs(t *testing.T) {
	configPath := writeConfig(t, "environment: production\n")
	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("expected json logs in production, got %s", cfg.Log.Format)
	}
}

func TestVariableExpansion(t *testing.T) {
	t.Setenv("HOME", "/home/alice")
	t.Setenv("CHATLINK_TEST_RELAY", "relay.internal")
	configPath := writeConfig(t, `
self_id: ${CHATLINK_TEST_USER:-alice}
signaling:
  url: ws://${CHATLINK_TEST_RELAY}/
store:
  path: ${HOME}/chat/${SELF_ID}.db
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.SelfID != "alice" {
		t.Errorf("self_id = %q, want alice", cfg.SelfID)
	}
	if cfg.Signaling.URL != "ws://relay.internal/" {
		t.Errorf("signaling.url = %q", cfg.Signaling.URL)
	}
	if cfg.Store.Path != "/home/alice/chat/alice.db" {
		t.Errorf("store.path = %q", cfg.Store.Path)
	}
}

func TestExpandVars(t *testing.T) {
	tests := []struct {
		input    string
		vars     map[string]string
		expected string
	}{
		{
			input:    "${HOME}/chatlink",
			vars:     map[string]string{"HOME": "/home/user"},
			expected: "/home/user/chatlink",
		},
		{
			input:    "${CHATLINK_TEST_MISSING:-default}",
			vars:     map[string]string{},
			expected: "default",
		},
		{
			input:    "${PRESENT:-default}",
			vars:     map[string]string{"PRESENT": "value"},
			expected: "value",
		},
		{
			input:    "${A}/${B}",
			vars:     map[string]string{"A": "first", "B": "second"},
			expected: "first/second",
		},
		{
			input:    "no variables here",
			vars:     map[string]string{},
			expected: "no variables here",
		},
	}

	for _, tt := range tests {
		result := expandVars(tt.input, tt.vars)
		if result != tt.expected {
			t.Errorf("expandVars(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid default config",
			modify: func(c *Config) {},
		},
		{
			name:    "invalid environment",
			modify:  func(c *Config) { c.Environment = "staging" },
			wantErr: "invalid environment",
		},
		{
			name:    "zero heartbeat",
			modify:  func(c *Config) { c.Session.HeartbeatInterval = 0 },
			wantErr: "heartbeat_interval must be positive",
		},
		{
			name:    "negative idle timeout",
			modify:  func(c *Config) { c.Session.IdleTimeout = -time.Second },
			wantErr: "idle_timeout must be positive",
		},
		{
			name: "idle timeout not above heartbeat",
			modify: func(c *Config) {
				c.Session.HeartbeatInterval = 30 * time.Second
				c.Session.IdleTimeout = 30 * time.Second
			},
			wantErr: "must exceed",
		},
		{
			name:    "bad log level",
			modify:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: "log.level",
		},
		{
			name:    "bad log format",
			modify:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: "log.format",
		},
		{
			name:    "rate without burst",
			modify:  func(c *Config) { c.Relay.Burst = 0 },
			wantErr: "relay.burst",
		},
		{
			name:    "ice server without urls",
			modify:  func(c *Config) { c.ICE.Servers = []ICEServerConfig{{Username: "x"}} },
			wantErr: "ice.servers[0]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateNode(t *testing.T) {
	cfg := Default()
	cfg.SelfID = "alice"
	cfg.Store.Path = ":memory:"
	if err := cfg.ValidateNode(); err != nil {
		t.Fatalf("ValidateNode: %v", err)
	}

	cfg.Signaling.URL = "http://relay.example.org/"
	if err := cfg.ValidateNode(); err == nil || !strings.Contains(err.Error(), "signaling.url") {
		t.Errorf("ValidateNode with http URL = %v", err)
	}
}

func TestEnsureStoreDir(t *testing.T) {
	cfg := Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "nested", "dir", "messages.db")

	if err := cfg.EnsureStoreDir(); err != nil {
		t.Fatalf("EnsureStoreDir failed: %v", err)
	}
	info, err := os.Stat(filepath.Dir(cfg.Store.Path))
	if err != nil {
		t.Fatalf("store directory not created: %v", err)
	}
	if !info.IsDir() {
		t.Errorf("%s is not a directory", filepath.Dir(cfg.Store.Path))
	}

	cfg.Store.Path = ":memory:"
	if err := cfg.EnsureStoreDir(); err != nil {
		t.Errorf("EnsureStoreDir(:memory:) = %v", err)
	}
}

func TestNewLogger(t *testing.T) {
	var output bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.NewLogger(&output)
	logger.Info("hidden")
	logger.Warn("shown", "peer", "bob")

	if strings.Contains(output.String(), "hidden") {
		t.Error("info record emitted at warn level")
	}
	if !strings.Contains(output.String(), `"peer":"bob"`) {
		t.Errorf("expected JSON record, got %q", output.String())
	}
}
