// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is left empty.
const (
	DefaultResponderTimeout = 10 * time.Second
	DefaultBreakerCooldown  = 30 * time.Second
	DefaultBreakerFailures  = 5
	DefaultDedupeTTL        = 10 * time.Minute
	DefaultDedupeMaxEntries = 10000
	DefaultFallbackMessage  = "I'm here to help! An agent will be with you shortly if needed."
	DefaultWelcomeMessage   = "👋 Hi there! Welcome to our support. How can I help you today?"
)

// Config represents the complete coven-relay configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Responder ResponderConfig `yaml:"responder" toml:"responder"`
	Dedupe    DedupeConfig    `yaml:"dedupe" toml:"dedupe"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// JWTSecret signs agent tokens. Empty disables agent authentication.
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`

	// VisitorOrigins lists the browser origins allowed to open the websocket.
	// Empty allows same-origin requests only.
	VisitorOrigins []string `yaml:"visitor_origins" toml:"visitor_origins"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // Serve HTTPS with Tailscale certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// ResponderConfig configures the automated responder.
type ResponderConfig struct {
	Enabled         bool   `yaml:"enabled" toml:"enabled"`
	BaseURL         string `yaml:"base_url" toml:"base_url"`
	APIKey          string `yaml:"api_key" toml:"api_key"`
	Model           string `yaml:"model" toml:"model"`
	SystemPrompt    string `yaml:"system_prompt" toml:"system_prompt"`
	FallbackMessage string `yaml:"fallback_message" toml:"fallback_message"`
	WelcomeMessage  string `yaml:"welcome_message" toml:"welcome_message"`
	Referer         string `yaml:"referer" toml:"referer"`
	Title           string `yaml:"title" toml:"title"`
	BreakerFailures uint32 `yaml:"breaker_failures" toml:"breaker_failures"`

	Timeout         time.Duration `yaml:"-" toml:"-"`
	BreakerCooldown time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TimeoutRaw         string `yaml:"timeout" toml:"timeout"`
	BreakerCooldownRaw string `yaml:"breaker_cooldown" toml:"breaker_cooldown"`
}

// DedupeConfig sizes the client message id cache.
type DedupeConfig struct {
	MaxEntries int           `yaml:"max_entries" toml:"max_entries"`
	TTL        time.Duration `yaml:"-" toml:"-"`
	TTLRaw     string        `yaml:"ttl" toml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
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

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
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

// applyDefaults fills optional fields left empty.
func (c *Config) applyDefaults() {
	if c.Responder.Timeout == 0 {
		c.Responder.Timeout = DefaultResponderTimeout
	}
	if c.Responder.BreakerCooldown == 0 {
		c.Responder.BreakerCooldown = DefaultBreakerCooldown
	}
	if c.Responder.BreakerFailures == 0 {
		c.Responder.BreakerFailures = DefaultBreakerFailures
	}
	if c.Responder.FallbackMessage == "" {
		c.Responder.FallbackMessage = DefaultFallbackMessage
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = DefaultDedupeTTL
	}
	if c.Dedupe.MaxEntries == 0 {
		c.Dedupe.MaxEntries = DefaultDedupeMaxEntries
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Responder.Enabled && c.Responder.APIKey == "" && c.Responder.BaseURL == "" {
		return fmt.Errorf("responder.api_key is required when using the default endpoint")
	}

	if c.Responder.Timeout < 0 {
		return fmt.Errorf("responder.timeout must be positive")
	}

	if c.Dedupe.MaxEntries < 0 {
		return fmt.Errorf("dedupe.max_entries must not be negative")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Responder.TimeoutRaw != "" {
		cfg.Responder.Timeout, err = time.ParseDuration(cfg.Responder.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing responder.timeout %q: %w", cfg.Responder.TimeoutRaw, err)
		}
	}

	if cfg.Responder.BreakerCooldownRaw != "" {
		cfg.Responder.BreakerCooldown, err = time.ParseDuration(cfg.Responder.BreakerCooldownRaw)
		if err != nil {
			return fmt.Errorf("parsing responder.breaker_cooldown %q: %w", cfg.Responder.BreakerCooldownRaw, err)
		}
	}

	if cfg.Dedupe.TTLRaw != "" {
		cfg.Dedupe.TTL, err = time.ParseDuration(cfg.Dedupe.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing dedupe.ttl %q: %w", cfg.Dedupe.TTLRaw, err)
		}
	}

	return nil
}
