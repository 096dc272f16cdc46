// ABOUTME: Configuration loading and parsing for toolbridge
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete toolbridge configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sessions SessionsConfig `yaml:"sessions"`
	Relay    RelayConfig    `yaml:"relay"`
	Journal  JournalConfig  `yaml:"journal"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the two listener addresses and per-connection limits
type ServerConfig struct {
	ProviderAddr string `yaml:"provider_addr"`
	ConsumerAddr string `yaml:"consumer_addr"`

	IdleTimeout  time.Duration `yaml:"-"`
	MessageRate  float64       `yaml:"message_rate"` // inbound frames per second per connection
	MessageBurst int           `yaml:"message_burst"`

	// Raw string value for YAML unmarshaling
	IdleTimeoutRaw string `yaml:"idle_timeout"`
}

// SessionsConfig holds session lifetime and resource limits
type SessionsConfig struct {
	TTL        time.Duration `yaml:"-"`
	MaxTTL     time.Duration `yaml:"-"`
	MaxPending int           `yaml:"max_pending"`
	MaxMembers int           `yaml:"max_members"`

	// Raw string values for YAML unmarshaling
	TTLRaw    string `yaml:"ttl"`
	MaxTTLRaw string `yaml:"max_ttl"`
}

// RelayConfig holds call forwarding timing configuration
type RelayConfig struct {
	CallTimeout   time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	CallTimeoutRaw   string `yaml:"call_timeout"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// JournalConfig holds the optional session journal database
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with development defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ProviderAddr: "localhost:8700",
			ConsumerAddr: "localhost:8701",
			IdleTimeout:  5 * time.Minute,
			MessageRate:  50,
			MessageBurst: 100,
		},
		Sessions: SessionsConfig{
			TTL:        30 * time.Minute,
			MaxTTL:     4 * time.Hour,
			MaxPending: 32,
			MaxMembers: 16,
		},
		Relay: RelayConfig{
			CallTimeout:   30 * time.Second,
			SweepInterval: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
// Unset fields fall back to the values from Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.ProviderAddr == "" {
		return fmt.Errorf("server.provider_addr is required")
	}
	if c.Server.ConsumerAddr == "" {
		return fmt.Errorf("server.consumer_addr is required")
	}
	if c.Server.ProviderAddr == c.Server.ConsumerAddr {
		return fmt.Errorf("server.provider_addr and server.consumer_addr must differ")
	}
	if c.Server.MessageRate <= 0 {
		return fmt.Errorf("server.message_rate must be positive")
	}

	if c.Sessions.TTL <= 0 {
		return fmt.Errorf("sessions.ttl must be positive")
	}
	if c.Sessions.MaxTTL < c.Sessions.TTL {
		return fmt.Errorf("sessions.max_ttl must be at least sessions.ttl")
	}
	if c.Sessions.MaxPending <= 0 {
		return fmt.Errorf("sessions.max_pending must be positive")
	}
	if c.Sessions.MaxMembers <= 0 {
		return fmt.Errorf("sessions.max_members must be positive")
	}

	if c.Relay.CallTimeout <= 0 {
		return fmt.Errorf("relay.call_timeout must be positive")
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal.path is required when journal is enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Server.IdleTimeoutRaw, "idle_timeout", &cfg.Server.IdleTimeout},
		{cfg.Sessions.TTLRaw, "ttl", &cfg.Sessions.TTL},
		{cfg.Sessions.MaxTTLRaw, "max_ttl", &cfg.Sessions.MaxTTL},
		{cfg.Relay.CallTimeoutRaw, "call_timeout", &cfg.Relay.CallTimeout},
		{cfg.Relay.SweepIntervalRaw, "sweep_interval", &cfg.Relay.SweepInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
