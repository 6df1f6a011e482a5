// Package config loads and validates the gateway configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the AO_ prefix (e.g., AO_REDIS_ADDR
// overrides redis.addr in the YAML). This layering allows the same binary to
// run with a config.yaml in local development and with pure environment variables
// in containerized deployments — no recompilation or different binaries needed.
//
// The ENCRYPTION_KEY variable has no AO_ prefix because it may be injected by
// infrastructure tooling (e.g., Kubernetes secrets, Vault agent) that does not
// know the application-specific prefix and treats it as a generic secret name.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Encryption EncryptionConfig `mapstructure:"encryption"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Batch      BatchConfig      `mapstructure:"batch"`
	CORS       CORSConfig       `mapstructure:"cors"`
}

// CORSConfig holds cross-origin request configuration
type CORSConfig struct {
	// AllowedOrigins lists origins granted CORS access; "*" allows any
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// GetAddress returns the server address in host:port format
func (s *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RedisConfig holds key-value store connection configuration
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// MaxConnectAttempts bounds the startup connection retry loop. When every
	// attempt fails the gateway starts in degraded mode instead of exiting.
	MaxConnectAttempts int `mapstructure:"max_connect_attempts"`
	// OpTimeout bounds each individual store round-trip
	OpTimeout time.Duration `mapstructure:"op_timeout"`
}

// AuthConfig holds API key authentication configuration
type AuthConfig struct {
	// Enabled toggles the whole authentication layer; when false every request
	// is treated as public
	Enabled bool `mapstructure:"enabled"`
	// HeaderName is the request header carrying the API key
	HeaderName string `mapstructure:"header_name"`
	// KeyPrefix is prepended to generated API keys
	KeyPrefix string `mapstructure:"key_prefix"`
	// PublicPaths bypass authentication entirely
	PublicPaths []string `mapstructure:"public_paths"`
	// CacheTTL bounds how long a validated key is served from the validation
	// cache before being re-checked against the store. A revoked key stays
	// usable at most this long.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	// DefaultKey, when set, is provisioned at startup bound to the admin role.
	// Intended for development and first-boot bootstrap only.
	DefaultKey string `mapstructure:"default_key"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// RequestsPerMinute is the default window limit for credentials that do
	// not carry their own limit
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	// PublicRequestsPerMinute limits unauthenticated public-path traffic,
	// keyed by client IP
	PublicRequestsPerMinute int `mapstructure:"public_requests_per_minute"`
	PublicBurst             int `mapstructure:"public_burst"`
}

// CacheConfig holds response cache configuration
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
	// ExcludedPaths are never cached regardless of response status
	ExcludedPaths []string `mapstructure:"excluded_paths"`
}

// EncryptionConfig holds data encryption configuration
type EncryptionConfig struct {
	// Key is the base64-encoded 32-byte AES key. Usually injected via the
	// unprefixed ENCRYPTION_KEY environment variable.
	Key string `mapstructure:"key"`
	// SensitiveFields lists payload field names encrypted at rest and masked
	// in audit events
	SensitiveFields []string `mapstructure:"sensitive_fields"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// AuditConfig holds audit logging configuration
type AuditConfig struct {
	// Enabled determines if audit logging is active
	Enabled bool `mapstructure:"enabled"`
	// LogReadOperations determines if GET requests should be logged
	LogReadOperations bool `mapstructure:"log_read_operations"`
	// Shippers configures external audit delivery; also used as the fallback
	// channel when the primary store write fails
	Shippers []AuditShipperConfig `mapstructure:"shippers"`
}

// AuditShipperConfig holds configuration for a single audit shipper
type AuditShipperConfig struct {
	// Enabled determines if this shipper is active
	Enabled bool `mapstructure:"enabled"`
	// Type is the shipper type (webhook, file)
	Type string `mapstructure:"type"`
	// Webhook configuration
	Webhook *AuditWebhookConfig `mapstructure:"webhook"`
	// File configuration
	File *AuditFileConfig `mapstructure:"file"`
}

// AuditWebhookConfig holds webhook shipper configuration
type AuditWebhookConfig struct {
	URL         string            `mapstructure:"url"`
	Headers     map[string]string `mapstructure:"headers"`
	TimeoutSecs int               `mapstructure:"timeout_secs"`
}

// AuditFileConfig holds file shipper configuration
type AuditFileConfig struct {
	Path string `mapstructure:"path"`
}

// BatchConfig holds batch job processor configuration
type BatchConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// PollInterval is how long the worker idles when the queue is empty
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested structs during Unmarshal.
// viper.BindEnv only errors when called with zero keys; since every key here is a non-empty
// hardcoded string, any error indicates a programming bug and is surfaced to the caller.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",

		// Redis
		"redis.addr",
		"redis.password",
		"redis.db",
		"redis.max_connect_attempts",
		"redis.op_timeout",

		// Auth
		"auth.enabled",
		"auth.header_name",
		"auth.key_prefix",
		"auth.public_paths",
		"auth.cache_ttl",
		"auth.default_key",

		// Rate limiting
		"rate_limit.enabled",
		"rate_limit.requests_per_minute",
		"rate_limit.public_requests_per_minute",
		"rate_limit.public_burst",

		// Response cache
		"cache.enabled",
		"cache.ttl",
		"cache.excluded_paths",

		// Encryption
		"encryption.key",
		"encryption.sensitive_fields",

		// Logging
		"logging.level",
		"logging.format",
		"logging.output",

		// Telemetry
		"telemetry.enabled",
		"telemetry.service_name",

		// Audit
		"audit.enabled",
		"audit.log_read_operations",

		// Batch
		"batch.enabled",
		"batch.poll_interval",

		// CORS
		"cors.allowed_origins",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Set config file path if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config.yaml in common locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/agent-gateway")
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	// Enable environment variable support
	v.SetEnvPrefix("AO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicitly bind environment variables for nested structures
	// This is necessary because AutomaticEnv() doesn't work well with Unmarshal()
	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	// Unmarshal configuration
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)
	cfg.Auth.DefaultKey = expandEnv(cfg.Auth.DefaultKey)
	cfg.Encryption.Key = expandEnv(cfg.Encryption.Key)

	// ENCRYPTION_KEY wins over the prefixed form when both are present
	if key := os.Getenv("ENCRYPTION_KEY"); key != "" {
		cfg.Encryption.Key = key
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_connect_attempts", 5)
	v.SetDefault("redis.op_timeout", "2s")

	// Auth defaults
	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.header_name", "X-API-Key")
	v.SetDefault("auth.key_prefix", "ao-")
	v.SetDefault("auth.public_paths", []string{
		"/",
		"/api/v1/health",
		"/metrics",
		"/api-docs",
		"/api/v1/auth/logout",
		"/api/v1/auth/bootstrap",
	})
	v.SetDefault("auth.cache_ttl", "1m")

	// Rate limiting defaults
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_minute", 60)
	v.SetDefault("rate_limit.public_requests_per_minute", 120)
	v.SetDefault("rate_limit.public_burst", 20)

	// Response cache defaults
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl", "1m")
	v.SetDefault("cache.excluded_paths", []string{
		"/api/v1/auth/logout",
		"/api/v1/batch",
		"/metrics",
	})

	// Encryption defaults
	v.SetDefault("encryption.sensitive_fields", []string{"ssn", "card_number", "password", "secret"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "agent-gateway")

	// Audit defaults
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.log_read_operations", true)

	// Batch defaults
	v.SetDefault("batch.enabled", true)
	v.SetDefault("batch.poll_interval", "1s")

	// CORS defaults
	v.SetDefault("cors.allowed_origins", []string{"*"})
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	// Validate redis
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Redis.MaxConnectAttempts < 1 {
		return fmt.Errorf("redis.max_connect_attempts must be at least 1")
	}

	// Validate auth
	if c.Auth.Enabled && c.Auth.HeaderName == "" {
		return fmt.Errorf("auth.header_name is required when auth is enabled")
	}
	if c.Auth.CacheTTL < 0 {
		return fmt.Errorf("auth.cache_ttl must not be negative")
	}

	// Validate rate limiting
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute < 1 {
		return fmt.Errorf("rate_limit.requests_per_minute must be at least 1 when rate limiting is enabled")
	}

	// Validate cache
	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive when caching is enabled")
	}

	// Validate audit shippers
	for i, s := range c.Audit.Shippers {
		if !s.Enabled {
			continue
		}
		switch s.Type {
		case "webhook":
			if s.Webhook == nil || s.Webhook.URL == "" {
				return fmt.Errorf("audit.shippers[%d]: webhook.url is required for webhook shipper", i)
			}
		case "file":
			if s.File == nil || s.File.Path == "" {
				return fmt.Errorf("audit.shippers[%d]: file.path is required for file shipper", i)
			}
		default:
			return fmt.Errorf("audit.shippers[%d]: unknown shipper type %q", i, s.Type)
		}
	}

	// Validate batch
	if c.Batch.Enabled && c.Batch.PollInterval <= 0 {
		return fmt.Errorf("batch.poll_interval must be positive when batch processing is enabled")
	}

	// Validate logging level
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}
