// rbac.go provides the per-route permission check. It runs after
// AuthMiddleware and reads the resolved credential from the gin context.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aorbit/agent-gateway/internal/audit"
	"github.com/aorbit/agent-gateway/internal/rbac"
	"github.com/aorbit/agent-gateway/internal/safego"
)

// RequirePermission rejects the request with 403 unless the authenticated
// credential holds the permission, optionally scoped to the resource type
// and the route's :name parameter. A store error during the check denies.
func RequirePermission(manager *rbac.Manager, auditor *audit.Logger, permission, resourceType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := CredentialFromContext(c)
		if key == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"detail": "Invalid or missing API key",
			})
			return
		}

		resourceID := c.Param("name")
		allowed, err := manager.HasPermission(c.Request.Context(), key.Key, permission, resourceType, resourceID)
		if err != nil {
			slog.Error("permission check failed", "permission", permission, "error", err)
			allowed = false
		}
		if !allowed {
			logAccessDenied(auditor, c, key, permission, resourceType, resourceID)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"detail": "Insufficient permissions",
			})
			return
		}
		c.Next()
	}
}

// CredentialFromContext returns the credential AuthMiddleware resolved, or
// nil on an unauthenticated request.
func CredentialFromContext(c *gin.Context) *rbac.APIKey {
	v, exists := c.Get(ContextAPIKey)
	if !exists {
		return nil
	}
	key, ok := v.(*rbac.APIKey)
	if !ok {
		return nil
	}
	return key
}

func logAccessDenied(auditor *audit.Logger, c *gin.Context, key *rbac.APIKey, permission, resourceType, resourceID string) {
	if auditor == nil {
		return
	}
	event := &audit.Event{
		Type:      audit.EventAccessDenied,
		UserID:    key.UserID,
		APIKeyID:  keyFingerprint(key.Key),
		IPAddress: c.ClientIP(),
		Resource:  c.Request.URL.Path,
		Action:    c.Request.Method,
		Status:    "denied",
		Details: map[string]any{
			"permission":    permission,
			"resource_type": resourceType,
			"resource_id":   resourceID,
		},
	}
	safego.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := auditor.LogEvent(ctx, event); err != nil {
			slog.Warn("access denied audit event failed", "error", err)
		}
	})
}
