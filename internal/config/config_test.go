// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and validation

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  grpc_addr: "0.0.0.0:50051"
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"

auth:
  jwt_secret: "`+testSecret+`"
  key_pepper: "pepper"

agents:
  heartbeat_interval: "15s"
  heartbeat_write_interval: "5s"
  outbox_size: 16

executions:
  pending_timeout: "2m"
  sweep_interval: "10s"

scheduler:
  enabled: false
  default_timezone: "Europe/Berlin"

cluster:
  node_id: "gw-1"
  members: ["gw-1", "gw-2"]

logs:
  dir: "/var/lib/fleet/logs"
  base_url: "https://fleet.example.com"
  url_ttl: "5m"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.GRPCAddr != "0.0.0.0:50051" {
		t.Errorf("GRPCAddr = %q", cfg.Server.GRPCAddr)
	}
	if cfg.Agents.HeartbeatInterval != 15*time.Second {
		t.Errorf("HeartbeatInterval = %v", cfg.Agents.HeartbeatInterval)
	}
	if cfg.Agents.HeartbeatWriteInterval != 5*time.Second {
		t.Errorf("HeartbeatWriteInterval = %v", cfg.Agents.HeartbeatWriteInterval)
	}
	if cfg.Agents.OutboxSize != 16 {
		t.Errorf("OutboxSize = %d", cfg.Agents.OutboxSize)
	}
	if cfg.Executions.PendingTimeout != 2*time.Minute {
		t.Errorf("PendingTimeout = %v", cfg.Executions.PendingTimeout)
	}
	if cfg.Scheduler.IsEnabled() {
		t.Error("scheduler should be disabled")
	}
	if cfg.Scheduler.DefaultTimezone != "Europe/Berlin" {
		t.Errorf("DefaultTimezone = %q", cfg.Scheduler.DefaultTimezone)
	}
	if len(cfg.Cluster.Members) != 2 {
		t.Errorf("Members = %v", cfg.Cluster.Members)
	}
	if cfg.Logs.URLTTL != 5*time.Minute {
		t.Errorf("URLTTL = %v", cfg.Logs.URLTTL)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q", cfg.Logging.Format)
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  grpc_addr: ":50051"
  http_addr: ":8080"
database:
  path: "/data/fleet.db"
auth:
  jwt_secret: "`+testSecret+`"
  key_pepper: "pepper"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Agents.HeartbeatInterval != DefaultHeartbeatInterval {
		t.Errorf("HeartbeatInterval = %v", cfg.Agents.HeartbeatInterval)
	}
	if cfg.Agents.OutboxSize != DefaultOutboxSize {
		t.Errorf("OutboxSize = %d", cfg.Agents.OutboxSize)
	}
	if cfg.Executions.PendingTimeout != DefaultPendingTimeout {
		t.Errorf("PendingTimeout = %v", cfg.Executions.PendingTimeout)
	}
	if !cfg.Scheduler.IsEnabled() {
		t.Error("scheduler should default to enabled")
	}
	if cfg.Scheduler.DefaultTimezone != "UTC" {
		t.Errorf("DefaultTimezone = %q", cfg.Scheduler.DefaultTimezone)
	}
	if cfg.Logs.Dir != filepath.Join("/data", "logs") {
		t.Errorf("Logs.Dir = %q", cfg.Logs.Dir)
	}
	if cfg.Logs.URLTTL != DefaultLogURLTTL {
		t.Errorf("URLTTL = %v", cfg.Logs.URLTTL)
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "config.toml", `
[server]
grpc_addr = ":50051"
http_addr = ":8080"

[database]
path = "./fleet.db"

[auth]
jwt_secret = "`+testSecret+`"
key_pepper = "pepper"

[agents]
heartbeat_interval = "45s"

[cluster]
node_id = "a"
members = ["a", "b", "c"]
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agents.HeartbeatInterval != 45*time.Second {
		t.Errorf("HeartbeatInterval = %v", cfg.Agents.HeartbeatInterval)
	}
	if len(cfg.Cluster.Members) != 3 {
		t.Errorf("Members = %v", cfg.Cluster.Members)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("FLEET_TEST_SECRET", testSecret)
	t.Setenv("FLEET_TEST_DB", "/tmp/env.db")

	configPath := writeConfig(t, "config.yaml", `
server:
  grpc_addr: ":50051"
  http_addr: ":8080"
database:
  path: "${FLEET_TEST_DB}"
auth:
  jwt_secret: "${FLEET_TEST_SECRET}"
  key_pepper: "${FLEET_TEST_UNSET}x"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/tmp/env.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Auth.JWTSecret != testSecret {
		t.Errorf("JWTSecret not expanded")
	}
	if cfg.Auth.KeyPepper != "x" {
		t.Errorf("unset variable should expand to empty, got %q", cfg.Auth.KeyPepper)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	base := func(extra string) string {
		return `
server:
  grpc_addr: ":50051"
  http_addr: ":8080"
database:
  path: "./fleet.db"
` + extra
	}
	goodAuth := `
auth:
  jwt_secret: "` + testSecret + `"
  key_pepper: "pepper"
`

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "short jwt secret",
			content: base("auth:\n  jwt_secret: short\n  key_pepper: p\n"),
			wantErr: "auth.jwt_secret",
		},
		{
			name:    "missing pepper",
			content: base("auth:\n  jwt_secret: \"" + testSecret + "\"\n"),
			wantErr: "auth.key_pepper",
		},
		{
			name:    "bad duration",
			content: base(goodAuth + "executions:\n  pending_timeout: soon\n"),
			wantErr: "executions.pending_timeout",
		},
		{
			name:    "bad timezone",
			content: base(goodAuth + "scheduler:\n  default_timezone: Mars/Olympus\n"),
			wantErr: "scheduler.default_timezone",
		},
		{
			name:    "node not in members",
			content: base(goodAuth + "cluster:\n  node_id: x\n  members: [a, b]\n"),
			wantErr: "cluster.node_id",
		},
		{
			name:    "bad log format",
			content: base(goodAuth + "logging:\n  format: xml\n"),
			wantErr: "logging.format",
		},
		{
			name: "missing database",
			content: `
server:
  grpc_addr: ":50051"
  http_addr: ":8080"
` + goodAuth,
			wantErr: "database.path",
		},
		{
			name: "tailscale without hostname",
			content: `
tailscale:
  enabled: true
database:
  path: ./fleet.db
` + goodAuth,
			wantErr: "tailscale.hostname",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, "config.yaml", tt.content)
			_, err := Load(configPath)
			if err == nil {
				t.Fatal("Load() should have failed")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoggingConfig_SlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"loud":    slog.LevelInfo,
	}
	for in, want := range tests {
		if got := (LoggingConfig{Level: in}).SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
