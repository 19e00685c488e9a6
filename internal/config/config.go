// ABOUTME: Configuration loading and parsing for args-gateway.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete args-gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Security  SecurityConfig  `yaml:"security"`
	RateLimit RateLimitConfig `yaml:"rate_limiting"`
	Agents    AgentsConfig    `yaml:"agents"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds listener configuration.
type ServerConfig struct {
	HTTPAddr       string `yaml:"http_addr"`
	MaxConnections int    `yaml:"max_connections"`

	HeartbeatInterval    time.Duration `yaml:"-"`
	HeartbeatIntervalRaw string        `yaml:"heartbeat_interval"`
}

// SecurityConfig holds the authentication gate configuration. When
// EnableAuth is true, a JWT secret or static API key must be provided;
// connections presenting no valid credential are rejected at handshake.
type SecurityConfig struct {
	EnableAuth     bool     `yaml:"enable_auth"`
	JWTSecret      string   `yaml:"jwt_secret"`
	APIKey         string   `yaml:"api_key"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RateLimitConfig bounds inbound message volume per connection.
type RateLimitConfig struct {
	Enabled              bool `yaml:"enabled"`
	MaxRequestsPerMinute int  `yaml:"max_requests_per_minute"`
	MaxConcurrentTasks   int  `yaml:"max_concurrent_tasks"`
}

// DuplicateAgentPolicy values for AgentsConfig.
const (
	DuplicateOverwrite = "overwrite"
	DuplicateReject    = "reject"
)

// AgentsConfig holds agent and session timing configuration.
type AgentsConfig struct {
	MaxAgentsPerSession  int    `yaml:"max_agents_per_session"`
	DuplicateAgentPolicy string `yaml:"duplicate_agent_policy"`

	TaskTimeout             time.Duration `yaml:"-"`
	CollaborationTimeout    time.Duration `yaml:"-"`
	CleanupInterval         time.Duration `yaml:"-"`
	TaskTimeoutRaw          string        `yaml:"task_timeout"`
	CollaborationTimeoutRaw string        `yaml:"collaboration_timeout"`
	CleanupIntervalRaw      string        `yaml:"auto_cleanup_interval"`
}

// DatabaseConfig holds the session archive database path. Empty disables
// archival.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default timing values applied when the config omits them.
const (
	DefaultCleanupInterval = 5 * time.Minute
	DefaultHTTPAddr        = "localhost:8080"
)

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// Default returns a configuration with all defaults applied, used when no
// config file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Agents.CleanupInterval == 0 {
		c.Agents.CleanupInterval = DefaultCleanupInterval
	}
	if c.Agents.DuplicateAgentPolicy == "" {
		c.Agents.DuplicateAgentPolicy = DuplicateOverwrite
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and
// consistent. Returns an error describing the first failure encountered.
func (c *Config) Validate() error {
	if c.Security.EnableAuth && c.Security.JWTSecret == "" && c.Security.APIKey == "" {
		return fmt.Errorf("security.jwt_secret or security.api_key is required when enable_auth is true")
	}
	if c.RateLimit.Enabled && c.RateLimit.MaxRequestsPerMinute <= 0 {
		return fmt.Errorf("rate_limiting.max_requests_per_minute must be positive when rate limiting is enabled")
	}
	if c.Agents.MaxAgentsPerSession < 0 {
		return fmt.Errorf("agents.max_agents_per_session must not be negative")
	}
	switch c.Agents.DuplicateAgentPolicy {
	case DuplicateOverwrite, DuplicateReject:
	default:
		return fmt.Errorf("agents.duplicate_agent_policy must be %q or %q", DuplicateOverwrite, DuplicateReject)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Server.HeartbeatIntervalRaw, &cfg.Server.HeartbeatInterval, "heartbeat_interval"},
		{cfg.Agents.TaskTimeoutRaw, &cfg.Agents.TaskTimeout, "task_timeout"},
		{cfg.Agents.CollaborationTimeoutRaw, &cfg.Agents.CollaborationTimeout, "collaboration_timeout"},
		{cfg.Agents.CleanupIntervalRaw, &cfg.Agents.CleanupInterval, "auto_cleanup_interval"},
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
