package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aorbit/agent-gateway/internal/config"
	"github.com/aorbit/agent-gateway/internal/kv"
	"github.com/aorbit/agent-gateway/internal/ratelimit"
	"github.com/aorbit/agent-gateway/internal/rbac"
)

func newRateLimitRouter(t *testing.T) (*gin.Engine, *rbac.Manager) {
	t.Helper()
	store := kv.NewMemoryStore()
	manager := rbac.NewManager(store, "ao-")
	require.NoError(t, manager.SeedDefaultRoles(context.Background()))
	limiter := ratelimit.NewLimiter(store, time.Minute)

	cfg := &config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60}
	r := gin.New()
	r.Use(AuthMiddleware(testAuthConfig(), store, manager, nil))
	r.Use(RateLimitMiddleware(limiter, cfg))
	r.GET("/api/v1/agents", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	return r, manager
}

func TestRateLimitEnforcesCredentialBudget(t *testing.T) {
	r, manager := newRateLimitRouter(t)

	key, err := manager.CreateAPIKey(context.Background(), rbac.KeyParams{
		Name:      "ci",
		Roles:     []string{"api"},
		RateLimit: 3,
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		w := do(r, http.MethodGet, "/api/v1/agents", key.Key)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}

	w := do(r, http.MethodGet, "/api/v1/agents", key.Key)
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	var body struct {
		Error string `json:"error"`
		Limit int    `json:"limit"`
		Reset int64  `json:"reset"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Rate limit exceeded", body.Error)
	assert.Equal(t, 3, body.Limit)
	assert.Greater(t, body.Reset, time.Now().Unix()-1)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestRateLimitHeaders(t *testing.T) {
	r, manager := newRateLimitRouter(t)

	key, err := manager.CreateAPIKey(context.Background(), rbac.KeyParams{
		Name:      "ci",
		Roles:     []string{"api"},
		RateLimit: 10,
	})
	require.NoError(t, err)

	w := do(r, http.MethodGet, "/api/v1/agents", key.Key)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "10", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "9", w.Header().Get("X-RateLimit-Remaining"))
}

func TestRateLimitIsolatedPerCredential(t *testing.T) {
	r, manager := newRateLimitRouter(t)
	ctx := context.Background()

	keyA, err := manager.CreateAPIKey(ctx, rbac.KeyParams{Name: "a", Roles: []string{"api"}, RateLimit: 1})
	require.NoError(t, err)
	keyB, err := manager.CreateAPIKey(ctx, rbac.KeyParams{Name: "b", Roles: []string{"api"}, RateLimit: 1})
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/v1/agents", keyA.Key).Code)
	require.Equal(t, http.StatusTooManyRequests, do(r, http.MethodGet, "/api/v1/agents", keyA.Key).Code)

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/v1/agents", keyB.Key).Code)
}

func TestRateLimitSkipsUnauthenticated(t *testing.T) {
	store := kv.NewMemoryStore()
	limiter := ratelimit.NewLimiter(store, time.Minute)
	cfg := &config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60}

	r := gin.New()
	r.Use(RateLimitMiddleware(limiter, cfg))
	r.GET("/public", func(c *gin.Context) { c.Status(http.StatusOK) })

	// No credential in context: the sliding window does not apply.
	for i := 0; i < 5; i++ {
		w := do(r, http.MethodGet, "/public", "")
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestPublicRateLimitNilLimiterPassesThrough(t *testing.T) {
	cfg := &config.RateLimitConfig{PublicRequestsPerMinute: 120, PublicBurst: 20}

	r := gin.New()
	r.Use(PublicRateLimitMiddleware(nil, cfg))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := do(r, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
