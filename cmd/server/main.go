// Package main is the entry point for the agent gateway binary. It dispatches
// three subcommands, serve, genkey, and version, via a simple switch on
// os.Args so the binary's full CLI surface is readable in one place without
// requiring a cobra dependency. The serve command seeds default roles and the
// bootstrap credential on startup so freshly deployed containers are usable
// without a separate provisioning step.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"

	"github.com/aorbit/agent-gateway/internal/api"
	"github.com/aorbit/agent-gateway/internal/audit"
	"github.com/aorbit/agent-gateway/internal/batch"
	"github.com/aorbit/agent-gateway/internal/cache"
	"github.com/aorbit/agent-gateway/internal/config"
	"github.com/aorbit/agent-gateway/internal/crypto"
	"github.com/aorbit/agent-gateway/internal/kv"
	"github.com/aorbit/agent-gateway/internal/ratelimit"
	"github.com/aorbit/agent-gateway/internal/rbac"
	"github.com/aorbit/agent-gateway/internal/safego"
	"github.com/aorbit/agent-gateway/internal/telemetry"
	"github.com/aorbit/agent-gateway/internal/workflow"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg)
	case "genkey":
		return genkey(cfg)
	case "version":
		fmt.Printf("Agent Gateway v%s\n", version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, genkey, version", command)
	}
}

func serve(cfg *config.Config) error {
	// Initialise structured logging as early as possible so all subsequent
	// output uses the configured format and level.
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx := context.Background()

	registry := workflow.NewRegistry()
	if err := workflow.RegisterBuiltins(registry); err != nil {
		return fmt.Errorf("failed to register agents: %w", err)
	}
	deps := api.Dependencies{Config: cfg, Registry: registry}

	// Connect to the store. Failure degrades instead of crashing: the gateway
	// keeps serving agent routes with auth, caching, and rate limiting off.
	store, err := kv.Connect(ctx, kv.RedisOptions{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		OpTimeout: cfg.Redis.OpTimeout,
	}, cfg.Redis.MaxConnectAttempts)
	if err != nil {
		slog.Error("store unreachable, starting in degraded mode",
			"addr", cfg.Redis.Addr, "error", err)
		store = nil
	}

	statsStop := make(chan struct{})
	var processor *batch.Processor
	var auditor *audit.Logger
	var shipper *audit.MultiShipper

	if store != nil {
		defer store.Close()
		telemetry.StartStoreStatsCollector(store, statsStop)

		var protector *crypto.DataProtector
		if cfg.Encryption.Key != "" {
			keyBytes, err := base64.StdEncoding.DecodeString(cfg.Encryption.Key)
			if err != nil {
				return fmt.Errorf("encryption.key is not valid base64: %w", err)
			}
			cipher, err := crypto.NewCipher(keyBytes)
			if err != nil {
				return fmt.Errorf("invalid encryption key: %w", err)
			}
			protector = crypto.NewDataProtector(cipher)
		}

		shipper, err = audit.NewMultiShipper(cfg.Audit.Shippers)
		if err != nil {
			return fmt.Errorf("failed to configure audit shippers: %w", err)
		}
		auditor = audit.NewLogger(store, protector, shipper)

		manager := rbac.NewManager(store, cfg.Auth.KeyPrefix)
		if err := manager.SeedDefaultRoles(ctx); err != nil {
			return fmt.Errorf("failed to seed default roles: %w", err)
		}
		if err := bootstrapDefaultKey(ctx, cfg, manager); err != nil {
			return fmt.Errorf("failed to provision default key: %w", err)
		}

		deps.Store = store
		deps.Manager = manager
		deps.Auditor = auditor

		if cfg.RateLimit.Enabled {
			deps.Limiter = ratelimit.NewLimiter(store, time.Minute)
			deps.PublicLimiter = redis_rate.NewLimiter(store.Client())
		}
		if cfg.Cache.Enabled {
			deps.ResponseCache = cache.New(store, cfg.Cache.TTL, cfg.Cache.ExcludedPaths)
		}
		if cfg.Batch.Enabled {
			processor = batch.NewProcessor(store, registry, cfg.Batch.PollInterval)
			deps.Processor = processor
			safego.Go(func() { processor.Start(ctx) })
		}

		if cfg.Audit.Enabled {
			if _, err := auditor.LogEvent(ctx, &audit.Event{
				Type:     audit.EventSystemStartup,
				Resource: "gateway",
				Action:   "start",
				Status:   "success",
				Details:  map[string]any{"version": version},
			}); err != nil {
				slog.Error("failed to record startup event", "error", err)
			}
		}
	}

	router := api.NewRouter(deps)

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting server",
			"addr", cfg.Server.GetAddress(),
			"version", version,
			"degraded", store == nil)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	if processor != nil {
		processor.Stop()
	}
	close(statsStop)

	if auditor != nil && cfg.Audit.Enabled {
		if _, err := auditor.LogEvent(shutdownCtx, &audit.Event{
			Type:     audit.EventSystemShutdown,
			Resource: "gateway",
			Action:   "stop",
			Status:   "success",
		}); err != nil {
			slog.Error("failed to record shutdown event", "error", err)
		}
	}
	if shipper != nil {
		if err := shipper.Close(); err != nil {
			slog.Error("failed to close audit shippers", "error", err)
		}
	}

	slog.Info("server stopped")
	return nil
}

// bootstrapDefaultKey provisions the configured development credential bound
// to the admin role. Provisioning is idempotent, so restarting with the same
// key configured is harmless.
func bootstrapDefaultKey(ctx context.Context, cfg *config.Config, manager *rbac.Manager) error {
	if cfg.Auth.DefaultKey == "" {
		return nil
	}
	if err := manager.ProvisionKey(ctx, cfg.Auth.DefaultKey, "admin", map[string]any{
		"name": "default-admin",
	}); err != nil {
		return err
	}
	slog.Warn("default admin key provisioned from configuration; not for production use")
	return nil
}

// genkey mints a fresh admin bootstrap credential: 32 random bytes,
// base64url-encoded under the configured prefix. The raw key is printed once
// and only its bcrypt hash is persisted; the key becomes usable after it is
// redeemed against the running server, which verifies it against the hash.
func genkey(cfg *config.Config) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	ctx := context.Background()
	store, err := kv.Connect(ctx, kv.RedisOptions{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		OpTimeout: cfg.Redis.OpTimeout,
	}, cfg.Redis.MaxConnectAttempts)
	if err != nil {
		return fmt.Errorf("failed to connect to store: %w", err)
	}
	defer store.Close()

	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	rawKey := cfg.Auth.KeyPrefix + base64.RawURLEncoding.EncodeToString(keyBytes)

	manager := rbac.NewManager(store, cfg.Auth.KeyPrefix)
	if err := manager.SeedDefaultRoles(ctx); err != nil {
		return fmt.Errorf("failed to seed default roles: %w", err)
	}
	if err := manager.StoreBootstrapHash(ctx, rawKey); err != nil {
		return fmt.Errorf("failed to store key hash: %w", err)
	}

	separator := strings.Repeat("═", 66)
	fmt.Println("")
	fmt.Println(separator)
	fmt.Println("  ADMIN BOOTSTRAP KEY GENERATED")
	fmt.Println("")
	fmt.Printf("  API Key: %s\n", rawKey)
	fmt.Println("")
	fmt.Println("  Redeem it once against the running server to activate it:")
	fmt.Println("    POST /api/v1/auth/bootstrap  (X-API-Key: <key>)")
	fmt.Println("")
	fmt.Println("  It then carries the admin role; use it to mint scoped keys,")
	fmt.Println("  then log it out:")
	fmt.Println("    POST /api/v1/admin/apikeys")
	fmt.Println("    POST /api/v1/auth/logout")
	fmt.Println("")
	fmt.Println("  This key is shown once and only its hash is stored.")
	fmt.Println(separator)
	fmt.Println("")

	return nil
}
