// metrics.go records the request counter and duration histogram for every
// request passing through the router.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aorbit/agent-gateway/internal/telemetry"
)

// MetricsMiddleware records ao_requests_total and ao_request_duration_seconds.
// The path label uses the matched route template rather than the raw URL so
// parameterized routes do not explode label cardinality; unmatched requests
// are labeled "<no-route>".
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		telemetry.RequestsTotal.WithLabelValues(method, path, status).Inc()
		telemetry.RequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
