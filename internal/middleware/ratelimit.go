// ratelimit.go enforces the two rate-limit regimes: a sliding window per
// credential for authenticated traffic, and a GCRA limiter per client IP for
// public paths where no credential exists to key on.
package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"

	"github.com/aorbit/agent-gateway/internal/config"
	"github.com/aorbit/agent-gateway/internal/ratelimit"
	"github.com/aorbit/agent-gateway/internal/telemetry"
)

// RateLimitMiddleware applies the per-credential sliding window. The
// credential's own requests-per-minute budget wins over the configured
// default. A store error lets the request through: rate limiting protects
// capacity and must not turn a store outage into a full outage.
func RateLimitMiddleware(limiter *ratelimit.Limiter, cfg *config.RateLimitConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := CredentialFromContext(c)
		if key == nil {
			c.Next()
			return
		}

		limit := key.RateLimit
		if limit <= 0 {
			limit = cfg.RequestsPerMinute
		}

		res, err := limiter.CheckAndRecord(c.Request.Context(), key.Key, limit)
		if err != nil {
			slog.Error("rate limit check failed", "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.Allowed {
			rejectRateLimited(c, res.Limit, res.Reset, res.RetryAfter)
			return
		}
		c.Next()
	}
}

// PublicRateLimitMiddleware limits unauthenticated traffic by client IP.
// The limiter is nil when the store is unavailable or limiting is disabled;
// public paths then pass unthrottled.
func PublicRateLimitMiddleware(limiter *redis_rate.Limiter, cfg *config.RateLimitConfig) gin.HandlerFunc {
	limit := redis_rate.Limit{
		Rate:   cfg.PublicRequestsPerMinute,
		Burst:  cfg.PublicBurst,
		Period: time.Minute,
	}
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}

		res, err := limiter.Allow(c.Request.Context(), "public:"+c.ClientIP(), limit)
		if err != nil {
			slog.Error("public rate limit check failed", "error", err)
			c.Next()
			return
		}
		if res.Allowed == 0 {
			rejectRateLimited(c, cfg.PublicRequestsPerMinute, time.Now().Add(res.ResetAfter), res.RetryAfter)
			return
		}
		c.Next()
	}
}

func rejectRateLimited(c *gin.Context, limit int, reset time.Time, retryAfter time.Duration) {
	telemetry.RateLimitsTotal.WithLabelValues(c.Request.URL.Path).Inc()
	seconds := int(retryAfter.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(seconds))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error": "Rate limit exceeded",
		"limit": limit,
		"reset": reset.Unix(),
	})
}
