// ABOUTME: Configuration loading and parsing for fleet-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete fleet-gateway configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Tailscale  TailscaleConfig  `yaml:"tailscale" toml:"tailscale"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Auth       AuthConfig       `yaml:"auth" toml:"auth"`
	Agents     AgentsConfig     `yaml:"agents" toml:"agents"`
	Executions ExecutionsConfig `yaml:"executions" toml:"executions"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" toml:"scheduler"`
	Cluster    ClusterConfig    `yaml:"cluster" toml:"cluster"`
	Logs       LogsConfig       `yaml:"logs" toml:"logs"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"` // serve HTTP over tailnet TLS on :443
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication secrets
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	// KeyPepper keys the machine key hash so a leaked database alone cannot
	// be used to test guessed keys.
	KeyPepper string `yaml:"key_pepper" toml:"key_pepper"`
}

// AgentsConfig holds agent session configuration
type AgentsConfig struct {
	HeartbeatInterval      time.Duration `yaml:"-" toml:"-"`
	HeartbeatWriteInterval time.Duration `yaml:"-" toml:"-"`
	OutboxSize             int           `yaml:"outbox_size" toml:"outbox_size"`

	// Raw string values for unmarshaling
	HeartbeatIntervalRaw      string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	HeartbeatWriteIntervalRaw string `yaml:"heartbeat_write_interval" toml:"heartbeat_write_interval"`
}

// ExecutionsConfig holds execution lifecycle timing
type ExecutionsConfig struct {
	PendingTimeout time.Duration `yaml:"-" toml:"-"`
	SweepInterval  time.Duration `yaml:"-" toml:"-"`

	PendingTimeoutRaw string `yaml:"pending_timeout" toml:"pending_timeout"`
	SweepIntervalRaw  string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// SchedulerConfig holds schedule engine configuration
type SchedulerConfig struct {
	Enabled         *bool  `yaml:"enabled" toml:"enabled"`
	DefaultTimezone string `yaml:"default_timezone" toml:"default_timezone"`
}

// IsEnabled reports whether this node runs the schedule engine. Defaults to true.
func (s SchedulerConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// ClusterConfig lists the gateway nodes that share schedule ownership.
// An empty member list means this node owns every schedule.
type ClusterConfig struct {
	NodeID  string   `yaml:"node_id" toml:"node_id"`
	Members []string `yaml:"members" toml:"members"`
}

// LogsConfig holds execution log storage configuration
type LogsConfig struct {
	Dir     string        `yaml:"dir" toml:"dir"`
	BaseURL string        `yaml:"base_url" toml:"base_url"`
	URLTTL  time.Duration `yaml:"-" toml:"-"`

	URLTTLRaw string `yaml:"url_ttl" toml:"url_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// SlogLevel maps Level to a slog level. Unknown values mean info.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, formatForPath(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Format identifies a config file syntax
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

func formatForPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Parse decodes, defaults and validates raw configuration bytes.
func Parse(data []byte, format Format) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	switch format {
	case FormatTOML:
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
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

// envVarPattern matches ${VAR_NAME}
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Defaults applied when a field is left empty
const (
	DefaultHeartbeatInterval      = 30 * time.Second
	DefaultHeartbeatWriteInterval = 10 * time.Second
	DefaultOutboxSize             = 64
	DefaultPendingTimeout         = 10 * time.Minute
	DefaultSweepInterval          = time.Minute
	DefaultLogURLTTL              = 15 * time.Minute
	DefaultTimezone               = "UTC"
)

func (c *Config) applyDefaults() {
	if c.Agents.HeartbeatInterval == 0 {
		c.Agents.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Agents.HeartbeatWriteInterval == 0 {
		c.Agents.HeartbeatWriteInterval = DefaultHeartbeatWriteInterval
	}
	if c.Agents.OutboxSize == 0 {
		c.Agents.OutboxSize = DefaultOutboxSize
	}
	if c.Executions.PendingTimeout == 0 {
		c.Executions.PendingTimeout = DefaultPendingTimeout
	}
	if c.Executions.SweepInterval == 0 {
		c.Executions.SweepInterval = DefaultSweepInterval
	}
	if c.Logs.URLTTL == 0 {
		c.Logs.URLTTL = DefaultLogURLTTL
	}
	if c.Scheduler.DefaultTimezone == "" {
		c.Scheduler.DefaultTimezone = DefaultTimezone
	}
	if c.Cluster.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Cluster.NodeID = host
		}
	}
	if c.Logs.Dir == "" && c.Database.Path != "" {
		c.Logs.Dir = filepath.Join(filepath.Dir(c.Database.Path), "logs")
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}
	if c.Auth.KeyPepper == "" {
		return fmt.Errorf("auth.key_pepper is required")
	}

	if c.Agents.OutboxSize < 1 {
		return fmt.Errorf("agents.outbox_size must be positive")
	}

	if _, err := time.LoadLocation(c.Scheduler.DefaultTimezone); err != nil {
		return fmt.Errorf("scheduler.default_timezone %q: %w", c.Scheduler.DefaultTimezone, err)
	}

	if len(c.Cluster.Members) > 0 {
		found := false
		for _, m := range c.Cluster.Members {
			if m == c.Cluster.NodeID {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("cluster.node_id %q must be listed in cluster.members", c.Cluster.NodeID)
		}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"agents.heartbeat_interval", cfg.Agents.HeartbeatIntervalRaw, &cfg.Agents.HeartbeatInterval},
		{"agents.heartbeat_write_interval", cfg.Agents.HeartbeatWriteIntervalRaw, &cfg.Agents.HeartbeatWriteInterval},
		{"executions.pending_timeout", cfg.Executions.PendingTimeoutRaw, &cfg.Executions.PendingTimeout},
		{"executions.sweep_interval", cfg.Executions.SweepIntervalRaw, &cfg.Executions.SweepInterval},
		{"logs.url_ttl", cfg.Logs.URLTTLRaw, &cfg.Logs.URLTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}
