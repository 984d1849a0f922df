// Package config handles configuration loading for coven-relay.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/relay.yaml
//  3. ~/.config/coven/relay.yaml
//
// Files ending in .toml are parsed as TOML; anything else is YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	responder:
//	  api_key: "${OPENROUTER_API_KEY}"
//
// Unset variables expand to the empty string.
//
// # Durations
//
// Duration values use time.ParseDuration syntax ("10s", "500ms", "5m").
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
//	database:
//	  path: "./relay.db"
//
//	auth:
//	  jwt_secret: "${COVEN_JWT_SECRET}"
//	  visitor_origins: ["https://example.com"]
//
//	responder:
//	  enabled: true
//	  api_key: "${OPENROUTER_API_KEY}"
//	  model: "openai/gpt-3.5-turbo"
//	  timeout: "10s"
//	  breaker_failures: 5
//	  breaker_cooldown: "30s"
//
//	dedupe:
//	  ttl: "10m"
//	  max_entries: 10000
//
//	logging:
//	  level: "info"    # debug, info, warn, error
//	  format: "text"   # text or json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
