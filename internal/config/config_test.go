// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  provider_addr: "0.0.0.0:8700"
  consumer_addr: "0.0.0.0:8701"
  idle_timeout: "2m"
  message_rate: 25
  message_burst: 50

sessions:
  ttl: "15m"
  max_ttl: "1h"
  max_pending: 8
  max_members: 4

relay:
  call_timeout: "10s"
  sweep_interval: "5s"

journal:
  enabled: true
  path: "./test.db"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Verify server config
	if cfg.Server.ProviderAddr != "0.0.0.0:8700" {
		t.Errorf("Server.ProviderAddr = %q, want %q", cfg.Server.ProviderAddr, "0.0.0.0:8700")
	}
	if cfg.Server.ConsumerAddr != "0.0.0.0:8701" {
		t.Errorf("Server.ConsumerAddr = %q, want %q", cfg.Server.ConsumerAddr, "0.0.0.0:8701")
	}
	if cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("Server.IdleTimeout = %v, want %v", cfg.Server.IdleTimeout, 2*time.Minute)
	}
	if cfg.Server.MessageRate != 25 {
		t.Errorf("Server.MessageRate = %v, want 25", cfg.Server.MessageRate)
	}
	if cfg.Server.MessageBurst != 50 {
		t.Errorf("Server.MessageBurst = %d, want 50", cfg.Server.MessageBurst)
	}

	// Verify sessions config with duration parsing
	if cfg.Sessions.TTL != 15*time.Minute {
		t.Errorf("Sessions.TTL = %v, want %v", cfg.Sessions.TTL, 15*time.Minute)
	}
	if cfg.Sessions.MaxTTL != time.Hour {
		t.Errorf("Sessions.MaxTTL = %v, want %v", cfg.Sessions.MaxTTL, time.Hour)
	}
	if cfg.Sessions.MaxPending != 8 {
		t.Errorf("Sessions.MaxPending = %d, want 8", cfg.Sessions.MaxPending)
	}
	if cfg.Sessions.MaxMembers != 4 {
		t.Errorf("Sessions.MaxMembers = %d, want 4", cfg.Sessions.MaxMembers)
	}

	// Verify relay config
	if cfg.Relay.CallTimeout != 10*time.Second {
		t.Errorf("Relay.CallTimeout = %v, want %v", cfg.Relay.CallTimeout, 10*time.Second)
	}
	if cfg.Relay.SweepInterval != 5*time.Second {
		t.Errorf("Relay.SweepInterval = %v, want %v", cfg.Relay.SweepInterval, 5*time.Second)
	}

	// Verify journal config
	if !cfg.Journal.Enabled {
		t.Error("Journal.Enabled = false, want true")
	}
	if cfg.Journal.Path != "./test.db" {
		t.Errorf("Journal.Path = %q, want %q", cfg.Journal.Path, "./test.db")
	}

	// Verify logging config
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
}

func TestLoad_DefaultsApply(t *testing.T) {
	configPath := writeConfig(t, `
server:
  provider_addr: "0.0.0.0:8700"
  consumer_addr: "0.0.0.0:8701"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	def := Default()
	if cfg.Sessions.TTL != def.Sessions.TTL {
		t.Errorf("Sessions.TTL = %v, want default %v", cfg.Sessions.TTL, def.Sessions.TTL)
	}
	if cfg.Relay.CallTimeout != def.Relay.CallTimeout {
		t.Errorf("Relay.CallTimeout = %v, want default %v", cfg.Relay.CallTimeout, def.Relay.CallTimeout)
	}
	if cfg.Server.MessageRate != def.Server.MessageRate {
		t.Errorf("Server.MessageRate = %v, want default %v", cfg.Server.MessageRate, def.Server.MessageRate)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "info")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_JOURNAL_PATH", "/var/lib/toolbridge/journal.db")

	configPath := writeConfig(t, `
server:
  provider_addr: "0.0.0.0:8700"
  consumer_addr: "0.0.0.0:8701"

journal:
  enabled: true
  path: "${TEST_JOURNAL_PATH}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Journal.Path != "/var/lib/toolbridge/journal.db" {
		t.Errorf("Journal.Path = %q, want %q", cfg.Journal.Path, "/var/lib/toolbridge/journal.db")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, `
server:
  provider_addr: "0.0.0.0:8700"
  consumer_addr "missing colon"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
server:
  provider_addr: "0.0.0.0:8700"
  consumer_addr: "0.0.0.0:8701"

sessions:
  ttl: "invalid-duration"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid duration, got nil")
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name          string
		configContent string
		wantErrSubstr string
	}{
		{
			name: "missing provider_addr",
			configContent: `
server:
  provider_addr: ""
  consumer_addr: "0.0.0.0:8701"
`,
			wantErrSubstr: "server.provider_addr is required",
		},
		{
			name: "missing consumer_addr",
			configContent: `
server:
  provider_addr: "0.0.0.0:8700"
  consumer_addr: ""
`,
			wantErrSubstr: "server.consumer_addr is required",
		},
		{
			name: "same listener addresses",
			configContent: `
server:
  provider_addr: "0.0.0.0:8700"
  consumer_addr: "0.0.0.0:8700"
`,
			wantErrSubstr: "must differ",
		},
		{
			name: "max_ttl below ttl",
			configContent: `
server:
  provider_addr: "0.0.0.0:8700"
  consumer_addr: "0.0.0.0:8701"
sessions:
  ttl: "1h"
  max_ttl: "30m"
`,
			wantErrSubstr: "sessions.max_ttl",
		},
		{
			name: "journal enabled without path",
			configContent: `
server:
  provider_addr: "0.0.0.0:8700"
  consumer_addr: "0.0.0.0:8701"
journal:
  enabled: true
  path: ""
`,
			wantErrSubstr: "journal.path is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, tt.configContent)

			_, err := Load(configPath)
			if err == nil {
				t.Errorf("Load() expected error containing %q, got nil", tt.wantErrSubstr)
				return
			}

			if !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Load() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "qux")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "single env var",
			input:    "${FOO}",
			expected: "bar",
		},
		{
			name:     "env var with surrounding text",
			input:    "prefix-${FOO}-suffix",
			expected: "prefix-bar-suffix",
		},
		{
			name:     "multiple env vars",
			input:    "${FOO}/${BAZ}",
			expected: "bar/qux",
		},
		{
			name:     "no env vars",
			input:    "no-vars-here",
			expected: "no-vars-here",
		},
		{
			name:     "unset env var",
			input:    "${UNSET_VAR}",
			expected: "",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := expandEnvVars(tt.input)
			if result != tt.expected {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() unexpected error: %v", err)
	}
}
