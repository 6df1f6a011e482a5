package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// ServerConfig.GetAddress
// ---------------------------------------------------------------------------

func TestGetAddress(t *testing.T) {
	tests := []struct {
		name string
		cfg  ServerConfig
		want string
	}{
		{"default", ServerConfig{Host: "0.0.0.0", Port: 8000}, "0.0.0.0:8000"},
		{"localhost", ServerConfig{Host: "localhost", Port: 3000}, "localhost:3000"},
		{"empty host", ServerConfig{Host: "", Port: 8000}, ":8000"},
		{"port 443", ServerConfig{Host: "0.0.0.0", Port: 443}, "0.0.0.0:443"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.cfg.GetAddress()
			if got != tt.want {
				t.Errorf("GetAddress() = %q, want %q", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Config.Validate
// ---------------------------------------------------------------------------

func minimalValidConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8000,
		},
		Redis: RedisConfig{
			Addr:               "localhost:6379",
			MaxConnectAttempts: 5,
		},
		Auth: AuthConfig{
			Enabled:    true,
			HeaderName: "X-API-Key",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
		},
		Cache: CacheConfig{
			Enabled: true,
			TTL:     time.Minute,
		},
		Batch: BatchConfig{
			Enabled:      true,
			PollInterval: time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid minimal config passes", func(t *testing.T) {
		if err := minimalValidConfig().Validate(); err != nil {
			t.Errorf("Validate() unexpected error: %v", err)
		}
	})

	t.Run("invalid server port 0", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Server.Port = 0
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error for port 0, got nil")
		}
	})

	t.Run("invalid server port 70000", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Server.Port = 70000
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error for port 70000, got nil")
		}
	})

	t.Run("missing redis addr", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Redis.Addr = ""
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error for empty redis addr, got nil")
		}
	})

	t.Run("zero connect attempts", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Redis.MaxConnectAttempts = 0
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error for zero connect attempts, got nil")
		}
	})

	t.Run("auth enabled missing header name", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Auth.HeaderName = ""
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error for empty header name, got nil")
		}
	})

	t.Run("auth disabled allows empty header name", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Auth.Enabled = false
		cfg.Auth.HeaderName = ""
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() unexpected error: %v", err)
		}
	})

	t.Run("negative auth cache ttl", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Auth.CacheTTL = -time.Second
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error for negative cache ttl, got nil")
		}
	})

	t.Run("rate limit enabled with zero limit", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.RateLimit.RequestsPerMinute = 0
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error for zero requests_per_minute, got nil")
		}
	})

	t.Run("cache enabled with zero ttl", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Cache.TTL = 0
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error for zero cache ttl, got nil")
		}
	})

	t.Run("webhook shipper missing url", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Audit.Shippers = []AuditShipperConfig{
			{Enabled: true, Type: "webhook", Webhook: &AuditWebhookConfig{}},
		}
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error for webhook shipper without url, got nil")
		}
	})

	t.Run("file shipper missing path", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Audit.Shippers = []AuditShipperConfig{
			{Enabled: true, Type: "file", File: &AuditFileConfig{}},
		}
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error for file shipper without path, got nil")
		}
	})

	t.Run("unknown shipper type", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Audit.Shippers = []AuditShipperConfig{
			{Enabled: true, Type: "syslog"},
		}
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error for unknown shipper type, got nil")
		}
	})

	t.Run("disabled shipper skips validation", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Audit.Shippers = []AuditShipperConfig{
			{Enabled: false, Type: "webhook"},
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() unexpected error: %v", err)
		}
	})

	t.Run("batch enabled with zero poll interval", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Batch.PollInterval = 0
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error for zero poll interval, got nil")
		}
	})

	t.Run("invalid log level", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Logging.Level = "verbose"
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error for invalid log level, got nil")
		}
	})

	t.Run("all valid log levels pass", func(t *testing.T) {
		for _, level := range []string{"debug", "info", "warn", "error"} {
			cfg := minimalValidConfig()
			cfg.Logging.Level = level
			if err := cfg.Validate(); err != nil {
				t.Errorf("Validate() unexpected error for log level %q: %v", level, err)
			}
		}
	})
}

// ---------------------------------------------------------------------------
// Load – defaults and env var expansion
// ---------------------------------------------------------------------------

func TestLoad_DefaultsWithNoFile(t *testing.T) {
	// Load with a nonexistent config path falls back to defaults + env vars
	cfg, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		// A nonexistent explicit path is a read error, not a crash.
		if !strings.Contains(err.Error(), "invalid configuration") &&
			!strings.Contains(err.Error(), "error reading config file") {
			t.Fatalf("Load() unexpected error kind: %v", err)
		}
	} else {
		// If it did succeed, the defaults should be sensible.
		if cfg.Server.Port != 8000 {
			t.Errorf("default server port = %d, want 8000", cfg.Server.Port)
		}
		if cfg.Redis.Addr != "localhost:6379" {
			t.Errorf("default redis addr = %q, want %q", cfg.Redis.Addr, "localhost:6379")
		}
	}
}

// ---------------------------------------------------------------------------
// expandEnv
// ---------------------------------------------------------------------------

func TestExpandEnv(t *testing.T) {
	t.Run("expands ${VAR} syntax", func(t *testing.T) {
		t.Setenv("CONFIG_TEST_SECRET", "super-secret")
		got := expandEnv("${CONFIG_TEST_SECRET}")
		if got != "super-secret" {
			t.Errorf("expandEnv() = %q, want %q", got, "super-secret")
		}
	})

	t.Run("expands $VAR syntax", func(t *testing.T) {
		t.Setenv("CONFIG_TEST_VAL", "hello")
		got := expandEnv("$CONFIG_TEST_VAL")
		if got != "hello" {
			t.Errorf("expandEnv() = %q, want %q", got, "hello")
		}
	})

	t.Run("plain string passthrough", func(t *testing.T) {
		got := expandEnv("no-vars-here")
		if got != "no-vars-here" {
			t.Errorf("expandEnv() = %q, want %q", got, "no-vars-here")
		}
	})

	t.Run("unset variable expands to empty string", func(t *testing.T) {
		os.Unsetenv("CONFIG_TEST_DEFINITELY_UNSET_12345")
		got := expandEnv("${CONFIG_TEST_DEFINITELY_UNSET_12345}")
		if got != "" {
			t.Errorf("expandEnv() = %q, want empty string", got)
		}
	})

	t.Run("empty string passthrough", func(t *testing.T) {
		got := expandEnv("")
		if got != "" {
			t.Errorf("expandEnv() = %q, want empty string", got)
		}
	})
}

// ---------------------------------------------------------------------------
// Load – with config file
// ---------------------------------------------------------------------------

// writeTempConfig creates a temp YAML file and registers a cleanup to remove it.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "config-test-*.yaml")
	if err != nil {
		t.Fatal("CreateTemp:", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	if _, err := f.WriteString(content); err != nil {
		t.Fatal("WriteString:", err)
	}
	f.Close()
	return f.Name()
}

func TestLoad_WithConfigFile(t *testing.T) {
	const content = `
server:
  host: "testhost"
  port: 9999
redis:
  addr: "redishost:6380"
auth:
  header_name: "X-Gateway-Key"
logging:
  level: "debug"
`
	path := writeTempConfig(t, content)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Host != "testhost" {
		t.Errorf("Server.Host = %q, want testhost", cfg.Server.Host)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Redis.Addr != "redishost:6380" {
		t.Errorf("Redis.Addr = %q, want redishost:6380", cfg.Redis.Addr)
	}
	if cfg.Auth.HeaderName != "X-Gateway-Key" {
		t.Errorf("Auth.HeaderName = %q, want X-Gateway-Key", cfg.Auth.HeaderName)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	// Config without most sections — setDefaults() should fill them in.
	const content = `
logging:
  level: "info"
`
	path := writeTempConfig(t, content)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 8000 {
		t.Errorf("default Server.Port = %d, want 8000", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default Server.Host = %q, want 0.0.0.0", cfg.Server.Host)
	}
	if cfg.Auth.HeaderName != "X-API-Key" {
		t.Errorf("default Auth.HeaderName = %q, want X-API-Key", cfg.Auth.HeaderName)
	}
	if cfg.Auth.KeyPrefix != "ao-" {
		t.Errorf("default Auth.KeyPrefix = %q, want ao-", cfg.Auth.KeyPrefix)
	}
	if !cfg.Auth.Enabled {
		t.Error("default Auth.Enabled = false, want true")
	}
	if cfg.Auth.CacheTTL != time.Minute {
		t.Errorf("default Auth.CacheTTL = %v, want 1m", cfg.Auth.CacheTTL)
	}
	if cfg.RateLimit.RequestsPerMinute != 60 {
		t.Errorf("default RateLimit.RequestsPerMinute = %d, want 60", cfg.RateLimit.RequestsPerMinute)
	}
	if cfg.Cache.TTL != time.Minute {
		t.Errorf("default Cache.TTL = %v, want 1m", cfg.Cache.TTL)
	}
	if cfg.Batch.PollInterval != time.Second {
		t.Errorf("default Batch.PollInterval = %v, want 1s", cfg.Batch.PollInterval)
	}
	found := false
	for _, p := range cfg.Auth.PublicPaths {
		if p == "/api/v1/health" {
			found = true
		}
	}
	if !found {
		t.Errorf("default Auth.PublicPaths missing /api/v1/health: %v", cfg.Auth.PublicPaths)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_REDIS_PASS", "mysecret")
	const content = `
redis:
  password: "${TEST_REDIS_PASS}"
logging:
  level: "info"
`
	path := writeTempConfig(t, content)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Redis.Password != "mysecret" {
		t.Errorf("Redis.Password = %q, want mysecret", cfg.Redis.Password)
	}
}

func TestLoad_UnprefixedEncryptionKeyWins(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "from-secret-manager")
	const content = `
encryption:
  key: "from-yaml"
logging:
  level: "info"
`
	path := writeTempConfig(t, content)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Encryption.Key != "from-secret-manager" {
		t.Errorf("Encryption.Key = %q, want from-secret-manager", cfg.Encryption.Key)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "server: [unclosed")
	_, err := Load(path)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}
