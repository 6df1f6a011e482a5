// Package api wires the HTTP surface of the gateway: agent invocation,
// batch jobs, authentication lifecycle, and the admin plane for keys,
// roles, and audit records.
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aorbit/agent-gateway/internal/audit"
	"github.com/aorbit/agent-gateway/internal/batch"
	"github.com/aorbit/agent-gateway/internal/cache"
	"github.com/aorbit/agent-gateway/internal/config"
	"github.com/aorbit/agent-gateway/internal/kv"
	"github.com/aorbit/agent-gateway/internal/middleware"
	"github.com/aorbit/agent-gateway/internal/ratelimit"
	"github.com/aorbit/agent-gateway/internal/rbac"
	"github.com/aorbit/agent-gateway/internal/workflow"
)

// Dependencies carries everything the router needs. Store may be nil when the
// backing store could not be reached at startup; the router then runs in
// degraded mode: agent routes stay up without authentication, caching, or
// rate limiting, and every store-backed route answers 503.
type Dependencies struct {
	Config        *config.Config
	Store         kv.Store
	Manager       *rbac.Manager
	Auditor       *audit.Logger
	Limiter       *ratelimit.Limiter
	PublicLimiter *redis_rate.Limiter
	ResponseCache *cache.Cache
	Registry      *workflow.Registry
	Processor     *batch.Processor
}

// NewRouter creates the HTTP router with all routes and middleware configured.
func NewRouter(deps Dependencies) *gin.Engine {
	cfg := deps.Config
	degraded := deps.Store == nil

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware())

	passthrough := func(c *gin.Context) { c.Next() }

	authn := passthrough
	auditMW := passthrough
	rateLimit := passthrough
	respCache := passthrough
	publicLimit := passthrough
	requirePerm := func(permission, resourceType string) gin.HandlerFunc { return passthrough }

	if !degraded {
		if cfg.Auth.Enabled {
			authn = middleware.AuthMiddleware(&cfg.Auth, deps.Store, deps.Manager, deps.Auditor)
			requirePerm = func(permission, resourceType string) gin.HandlerFunc {
				return middleware.RequirePermission(deps.Manager, deps.Auditor, permission, resourceType)
			}
		}
		if cfg.Audit.Enabled && deps.Auditor != nil {
			auditMW = middleware.AuditMiddleware(deps.Auditor, &cfg.Audit)
		}
		if cfg.RateLimit.Enabled && deps.Limiter != nil {
			rateLimit = middleware.RateLimitMiddleware(deps.Limiter, &cfg.RateLimit)
		}
		if cfg.RateLimit.Enabled && deps.PublicLimiter != nil {
			publicLimit = middleware.PublicRateLimitMiddleware(deps.PublicLimiter, &cfg.RateLimit)
		}
		if cfg.Cache.Enabled && deps.ResponseCache != nil {
			respCache = middleware.CacheMiddleware(deps.ResponseCache)
		}
	}

	h := &handlers{deps: deps}

	router.GET("/", publicLimit, h.serviceInfo)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	// Health answers GET and POST; some probes only speak POST.
	v1.GET("/health", publicLimit, h.health)
	v1.POST("/health", publicLimit, h.health)
	v1.POST("/auth/logout", publicLimit, h.logout)
	v1.POST("/auth/bootstrap", publicLimit, h.redeemBootstrapKey)

	agents := v1.Group("/agents", authn, auditMW)
	agents.GET("", requirePerm("read", "agent"), rateLimit, respCache, h.listAgents)
	agents.GET("/:name", requirePerm("read", "agent"), rateLimit, respCache, h.getAgent)
	agents.POST("/:name", requirePerm("execute", "agent"), rateLimit, respCache, h.invokeAgent)

	batchGroup := v1.Group("/batch", authn, auditMW)
	batchGroup.POST("", requirePerm("execute", "workflow"), rateLimit, h.submitBatch)
	batchGroup.GET("/:id", requirePerm("read", "workflow"), rateLimit, h.getBatchJob)

	admin := v1.Group("/admin", authn, auditMW, requirePerm("admin", ""), rateLimit)
	admin.POST("/apikeys", h.createAPIKey)
	admin.GET("/apikeys", h.listAPIKeys)
	admin.DELETE("/apikeys/:key", h.revokeAPIKey)
	admin.POST("/roles", h.createRole)
	admin.GET("/roles", h.listRoles)
	admin.GET("/audit", h.queryAudit)
	admin.GET("/audit/export", h.exportAudit)

	return router
}

// handlers holds the request handlers and their dependencies.
type handlers struct {
	deps Dependencies
}

// requireStore answers 503 and aborts when the backing store is unavailable.
// Store-backed handlers call it first so degraded mode degrades uniformly.
func (h *handlers) requireStore(c *gin.Context) bool {
	if h.deps.Store != nil {
		return true
	}
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
		"detail": "Service temporarily unavailable",
	})
	return false
}

// serviceInfo reports the service banner on the root path.
func (h *handlers) serviceInfo(c *gin.Context) {
	status := "ok"
	if h.deps.Store == nil {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"service": h.deps.Config.Telemetry.ServiceName,
		"status":  status,
	})
}

// health reports gateway and store health. A missing store reports degraded
// with 200 so load balancers keep routing the surfaces that still work; a
// failing ping on a configured store reports unhealthy with 503.
func (h *handlers) health(c *gin.Context) {
	if h.deps.Store == nil {
		c.JSON(http.StatusOK, gin.H{
			"status": "degraded",
			"store":  "unavailable",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	if err := h.deps.Store.Ping(c.Request.Context()); err != nil {
		slog.Error("health check store ping failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"store":  "unreachable",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"store":  "connected",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// LoggerMiddleware provides structured request logging.
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logRequest(c, time.Since(start), path, query)
	}
}

// logRequest emits one slog record per request. The output format (JSON or
// text) follows the global handler configured in telemetry.SetupLogger.
func logRequest(c *gin.Context, latency time.Duration, path, query string) {
	requestID, _ := c.Get(middleware.RequestIDKey)
	slog.LogAttrs(
		c.Request.Context(),
		slog.LevelInfo,
		"http request",
		slog.String("method", c.Request.Method),
		slog.String("path", path),
		slog.String("query", query),
		slog.Int("status", c.Writer.Status()),
		slog.Int("size", c.Writer.Size()),
		slog.Duration("latency", latency),
		slog.String("ip", c.ClientIP()),
		slog.String("request_id", fmt.Sprintf("%v", requestID)),
		slog.String("user_agent", c.Request.UserAgent()),
	)
}

// CORSMiddleware handles cross-origin requests.
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range cfg.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-API-Key, X-Requested-With")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
