// audit.go records an api.request event for every non-public request after
// the handler finishes. Recording happens off the request goroutine; audit
// delivery never adds latency or failure modes to the response.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aorbit/agent-gateway/internal/audit"
	"github.com/aorbit/agent-gateway/internal/config"
	"github.com/aorbit/agent-gateway/internal/safego"
)

// AuditMiddleware logs request outcomes. GET requests are skipped unless
// log_read_operations is set; OPTIONS is never logged.
func AuditMiddleware(auditor *audit.Logger, cfg *config.AuditConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if auditor == nil || c.Request.Method == http.MethodOptions {
			return
		}
		if c.Request.Method == http.MethodGet && !cfg.LogReadOperations {
			return
		}

		status := c.Writer.Status()
		eventType := audit.EventAPIRequest
		outcome := "success"
		if status >= 400 {
			eventType = audit.EventAPIError
			outcome = "error"
		}

		event := &audit.Event{
			Type:      eventType,
			IPAddress: c.ClientIP(),
			Resource:  c.Request.URL.Path,
			Action:    c.Request.Method,
			Status:    outcome,
			Details: map[string]any{
				"status_code": status,
			},
		}
		if key := CredentialFromContext(c); key != nil {
			event.UserID = key.UserID
			event.APIKeyID = keyFingerprint(key.Key)
		}
		if id, exists := c.Get(RequestIDKey); exists {
			if s, ok := id.(string); ok {
				event.Details["request_id"] = s
			}
		}

		safego.Go(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := auditor.LogEvent(ctx, event); err != nil {
				slog.Warn("request audit event failed", "error", err)
			}
		})
	}
}
