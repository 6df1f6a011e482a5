// cache.go serves cached responses for authenticated requests and captures
// fresh responses for later hits. Entries are keyed by the credential plus a
// request fingerprint, so callers never see each other's responses.
package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aorbit/agent-gateway/internal/cache"
	"github.com/aorbit/agent-gateway/internal/telemetry"
)

// CacheMiddleware checks the response cache before the handler runs and
// stores successful responses afterwards. Only authenticated requests are
// cached; excluded paths bypass entirely.
func CacheMiddleware(responseCache *cache.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := CredentialFromContext(c)
		if key == nil || responseCache.Excluded(c.Request.URL.Path) {
			c.Next()
			return
		}

		var body []byte
		if c.Request.Body != nil && c.Request.Method != http.MethodGet {
			body, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		cacheKey := responseCache.Key(key.Key, c.Request.Method, c.Request.URL.Path, c.Request.URL.RawQuery, body)
		entry, err := responseCache.Lookup(c.Request.Context(), cacheKey)
		if err != nil {
			slog.Warn("response cache lookup failed", "error", err)
		}
		if entry != nil {
			telemetry.CacheHitsTotal.WithLabelValues(c.Request.URL.Path).Inc()
			c.Header("X-Cache", "HIT")
			contentType := entry.ContentType
			if contentType == "" {
				contentType = "application/json"
			}
			c.Data(entry.Status, contentType, entry.Body)
			c.Abort()
			return
		}

		c.Header("X-Cache", "MISS")
		recorder := &responseRecorder{ResponseWriter: c.Writer}
		c.Writer = recorder

		c.Next()

		stored := &cache.Entry{
			Status:      recorder.Status(),
			ContentType: recorder.Header().Get("Content-Type"),
			Body:        recorder.body.Bytes(),
		}
		if err := responseCache.Store(c.Request.Context(), cacheKey, stored); err != nil {
			slog.Warn("response cache store failed", "error", err)
		}
	}
}

// responseRecorder duplicates the response body as it is written so the
// cache can persist it without buffering the client's copy.
type responseRecorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *responseRecorder) WriteString(s string) (int, error) {
	r.body.WriteString(s)
	return r.ResponseWriter.WriteString(s)
}
