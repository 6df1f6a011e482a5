// Package middleware provides the Gin middleware chain the gateway runs on
// every request.
//
// Ordering matters and is enforced in router.go:
//
//	Recovery → RequestID → Metrics → Logger → SecurityHeaders → Auth →
//	RequirePermission → RateLimit → Cache → Handler → Audit
//
// Security headers run early so they appear on all responses including
// errors. Auth resolves the credential before any per-credential work; rate
// limiting and caching are scoped by the identity auth established. Audit
// observes the final response status.
//
// Every security decision fails closed: a store error during authentication
// is treated as an invalid credential, never as a pass.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aorbit/agent-gateway/internal/audit"
	"github.com/aorbit/agent-gateway/internal/config"
	"github.com/aorbit/agent-gateway/internal/kv"
	"github.com/aorbit/agent-gateway/internal/rbac"
	"github.com/aorbit/agent-gateway/internal/safego"
	"github.com/aorbit/agent-gateway/internal/telemetry"
)

// AuthMiddleware authenticates the API key header. Resolved credentials are
// cached in the store under a short TTL so hot keys skip the RBAC lookup;
// the cache entry is purged on logout and key deletion.
func AuthMiddleware(cfg *config.AuthConfig, store kv.Store, manager *rbac.Manager, auditor *audit.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if isPublicPath(cfg.PublicPaths, c.Request.URL.Path) {
			c.Next()
			return
		}

		secret := strings.TrimSpace(c.GetHeader(cfg.HeaderName))
		if secret == "" {
			rejectUnauthenticated(c, auditor, "", "missing_key")
			return
		}

		key, cached, err := resolveCredential(c.Request.Context(), store, manager, secret)
		if err != nil {
			if !errors.Is(err, rbac.ErrKeyNotFound) {
				slog.Error("credential resolution failed", "error", err)
			}
			reason := "unknown_key"
			if !errors.Is(err, rbac.ErrKeyNotFound) {
				reason = "store_error"
			}
			rejectUnauthenticated(c, auditor, secret, reason)
			return
		}

		if !key.Valid(time.Now()) {
			rejectUnauthenticated(c, auditor, secret, "inactive_or_expired")
			return
		}

		if len(key.IPAllowlist) > 0 && !ipAllowed(key.IPAllowlist, c.ClientIP()) {
			telemetry.AuthFailuresTotal.WithLabelValues("ip_not_allowed").Inc()
			logAuthEvent(auditor, c, audit.EventAuthFailure, secret, key.UserID, "denied", "source IP not in allowlist")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"detail": "Access denied from this address",
			})
			return
		}

		if !cached {
			cacheCredential(c.Request.Context(), cfg, store, secret, key)
			logAuthEvent(auditor, c, audit.EventAuthSuccess, secret, key.UserID, "success", "credential resolved")
		}

		c.Set(ContextAPIKey, key)
		c.Set(ContextIdentity, key.Key)
		if key.UserID != "" {
			c.Set(ContextUserID, key.UserID)
		}
		c.Next()
	}
}

// resolveCredential consults the validation cache, then the RBAC manager.
// The bool result reports whether the credential came from the cache.
func resolveCredential(ctx context.Context, store kv.Store, manager *rbac.Manager, secret string) (*rbac.APIKey, bool, error) {
	data, err := store.Get(ctx, ValidationCacheKey(secret))
	if err == nil {
		var key rbac.APIKey
		if jsonErr := json.Unmarshal([]byte(data), &key); jsonErr == nil {
			return &key, true, nil
		}
		// Corrupt cache entry; fall through to a fresh lookup.
	} else if !errors.Is(err, kv.ErrNotFound) {
		return nil, false, err
	}

	key, err := manager.Resolve(ctx, secret)
	if err != nil {
		return nil, false, err
	}
	return key, false, nil
}

func cacheCredential(ctx context.Context, cfg *config.AuthConfig, store kv.Store, secret string, key *rbac.APIKey) {
	data, err := json.Marshal(key)
	if err != nil {
		return
	}
	if err := store.Set(ctx, ValidationCacheKey(secret), string(data), cfg.CacheTTL); err != nil {
		slog.Warn("credential cache write failed", "error", err)
	}
}

// rejectUnauthenticated sends the uniform 401. The body never distinguishes
// a missing key from an unknown or revoked one; the metric label carries the
// specific reason for operators.
func rejectUnauthenticated(c *gin.Context, auditor *audit.Logger, secret, reason string) {
	telemetry.AuthFailuresTotal.WithLabelValues(reason).Inc()
	if reason != "missing_key" {
		logAuthEvent(auditor, c, audit.EventAuthFailure, secret, "", "failure", reason)
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"detail": "Invalid or missing API key",
	})
}

// logAuthEvent records an authentication outcome without blocking the
// request. The credential value itself is never written to the audit trail.
func logAuthEvent(auditor *audit.Logger, c *gin.Context, eventType audit.EventType, secret, userID, status, message string) {
	if auditor == nil {
		return
	}
	event := &audit.Event{
		Type:      eventType,
		UserID:    userID,
		APIKeyID:  keyFingerprint(secret),
		IPAddress: c.ClientIP(),
		Resource:  c.Request.URL.Path,
		Action:    c.Request.Method,
		Status:    status,
		Details:   map[string]any{"message": message},
	}
	safego.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := auditor.LogEvent(ctx, event); err != nil {
			slog.Warn("auth audit event failed", "error", err)
		}
	})
}

// keyFingerprint returns a loggable identifier for a credential: the prefix
// plus the first characters of the random part.
func keyFingerprint(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return secret[:1] + "..."
	}
	return secret[:8] + "..."
}

func isPublicPath(public []string, path string) bool {
	for _, p := range public {
		if path == p {
			return true
		}
		if p != "/" && strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

func ipAllowed(allowlist []string, ip string) bool {
	for _, allowed := range allowlist {
		if ip == allowed {
			return true
		}
	}
	return false
}
