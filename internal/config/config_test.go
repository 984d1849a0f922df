// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"

auth:
  jwt_secret: "0123456789abcdef0123456789abcdef"
  visitor_origins:
    - "https://example.com"

responder:
  enabled: true
  api_key: "sk-test"
  model: "openai/gpt-4o-mini"
  timeout: "3s"
  breaker_failures: 3
  breaker_cooldown: "1m"
  fallback_message: "Hold tight."
  welcome_message: "Hello!"

dedupe:
  ttl: "2m"
  max_entries: 500

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/metrics"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if len(cfg.Auth.VisitorOrigins) != 1 || cfg.Auth.VisitorOrigins[0] != "https://example.com" {
		t.Errorf("Auth.VisitorOrigins = %v", cfg.Auth.VisitorOrigins)
	}

	if !cfg.Responder.Enabled {
		t.Error("Responder.Enabled = false, want true")
	}
	if cfg.Responder.Model != "openai/gpt-4o-mini" {
		t.Errorf("Responder.Model = %q", cfg.Responder.Model)
	}
	if cfg.Responder.Timeout != 3*time.Second {
		t.Errorf("Responder.Timeout = %v, want %v", cfg.Responder.Timeout, 3*time.Second)
	}
	if cfg.Responder.BreakerFailures != 3 {
		t.Errorf("Responder.BreakerFailures = %d, want 3", cfg.Responder.BreakerFailures)
	}
	if cfg.Responder.BreakerCooldown != time.Minute {
		t.Errorf("Responder.BreakerCooldown = %v, want %v", cfg.Responder.BreakerCooldown, time.Minute)
	}
	if cfg.Responder.FallbackMessage != "Hold tight." {
		t.Errorf("Responder.FallbackMessage = %q", cfg.Responder.FallbackMessage)
	}
	if cfg.Responder.WelcomeMessage != "Hello!" {
		t.Errorf("Responder.WelcomeMessage = %q", cfg.Responder.WelcomeMessage)
	}

	if cfg.Dedupe.TTL != 2*time.Minute {
		t.Errorf("Dedupe.TTL = %v, want %v", cfg.Dedupe.TTL, 2*time.Minute)
	}
	if cfg.Dedupe.MaxEntries != 500 {
		t.Errorf("Dedupe.MaxEntries = %d, want 500", cfg.Dedupe.MaxEntries)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want %q", cfg.Logging.Format, "json")
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: ":8080"
database:
  path: "relay.db"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Responder.Timeout != DefaultResponderTimeout {
		t.Errorf("Responder.Timeout = %v, want %v", cfg.Responder.Timeout, DefaultResponderTimeout)
	}
	if cfg.Responder.BreakerFailures != DefaultBreakerFailures {
		t.Errorf("Responder.BreakerFailures = %d, want %d", cfg.Responder.BreakerFailures, DefaultBreakerFailures)
	}
	if cfg.Responder.BreakerCooldown != DefaultBreakerCooldown {
		t.Errorf("Responder.BreakerCooldown = %v, want %v", cfg.Responder.BreakerCooldown, DefaultBreakerCooldown)
	}
	if cfg.Responder.FallbackMessage != DefaultFallbackMessage {
		t.Errorf("Responder.FallbackMessage = %q", cfg.Responder.FallbackMessage)
	}
	if cfg.Responder.WelcomeMessage != "" {
		t.Errorf("Responder.WelcomeMessage = %q, want empty", cfg.Responder.WelcomeMessage)
	}
	if cfg.Dedupe.TTL != DefaultDedupeTTL {
		t.Errorf("Dedupe.TTL = %v, want %v", cfg.Dedupe.TTL, DefaultDedupeTTL)
	}
	if cfg.Dedupe.MaxEntries != DefaultDedupeMaxEntries {
		t.Errorf("Dedupe.MaxEntries = %d, want %d", cfg.Dedupe.MaxEntries, DefaultDedupeMaxEntries)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "relay.toml", `
[server]
http_addr = "127.0.0.1:9000"

[database]
path = "relay.db"

[responder]
enabled = true
base_url = "http://localhost:11434/v1"
timeout = "500ms"

[dedupe]
ttl = "30s"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:9000" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Responder.BaseURL != "http://localhost:11434/v1" {
		t.Errorf("Responder.BaseURL = %q", cfg.Responder.BaseURL)
	}
	if cfg.Responder.Timeout != 500*time.Millisecond {
		t.Errorf("Responder.Timeout = %v, want 500ms", cfg.Responder.Timeout)
	}
	if cfg.Dedupe.TTL != 30*time.Second {
		t.Errorf("Dedupe.TTL = %v, want 30s", cfg.Dedupe.TTL)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_RELAY_DB", "/var/lib/relay.db")
	t.Setenv("TEST_RELAY_KEY", "sk-from-env")

	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: ":8080"
database:
  path: "${TEST_RELAY_DB}"
responder:
  enabled: true
  api_key: "${TEST_RELAY_KEY}"
  referer: "${TEST_RELAY_UNSET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/var/lib/relay.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/var/lib/relay.db")
	}
	if cfg.Responder.APIKey != "sk-from-env" {
		t.Errorf("Responder.APIKey = %q, want %q", cfg.Responder.APIKey, "sk-from-env")
	}
	if cfg.Responder.Referer != "" {
		t.Errorf("Responder.Referer = %q, want empty for unset var", cfg.Responder.Referer)
	}
}

func TestLoad_TailscaleWithoutHTTPAddr(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
tailscale:
  enabled: true
  hostname: "relay"
  ephemeral: true
database:
  path: "relay.db"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Tailscale.Hostname != "relay" {
		t.Errorf("Tailscale.Hostname = %q, want %q", cfg.Tailscale.Hostname, "relay")
	}
	if !cfg.Tailscale.Ephemeral {
		t.Error("Tailscale.Ephemeral = false, want true")
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing http_addr",
			content: `
database:
  path: "relay.db"
`,
			wantErr: "server.http_addr",
		},
		{
			name: "tailscale without hostname",
			content: `
tailscale:
  enabled: true
database:
  path: "relay.db"
`,
			wantErr: "tailscale.hostname",
		},
		{
			name: "missing database path",
			content: `
server:
  http_addr: ":8080"
`,
			wantErr: "database.path",
		},
		{
			name: "short jwt secret",
			content: `
server:
  http_addr: ":8080"
database:
  path: "relay.db"
auth:
  jwt_secret: "too-short"
`,
			wantErr: "auth.jwt_secret",
		},
		{
			name: "responder without key",
			content: `
server:
  http_addr: ":8080"
database:
  path: "relay.db"
responder:
  enabled: true
`,
			wantErr: "responder.api_key",
		},
		{
			name: "unknown log format",
			content: `
server:
  http_addr: ":8080"
database:
  path: "relay.db"
logging:
  format: "xml"
`,
			wantErr: "logging.format",
		},
		{
			name: "bad duration",
			content: `
server:
  http_addr: ":8080"
database:
  path: "relay.db"
responder:
  timeout: "soon"
`,
			wantErr: "responder.timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "config.yaml", tt.content))
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
	if !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("Load() error = %v", err)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("RELAY_A", "alpha")

	got := expandEnvVars("x=${RELAY_A} y=${RELAY_MISSING} z=$RELAY_A")
	want := "x=alpha y= z=$RELAY_A"
	if got != want {
		t.Errorf("expandEnvVars() = %q, want %q", got, want)
	}
}
