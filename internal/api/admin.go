package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aorbit/agent-gateway/internal/audit"
	"github.com/aorbit/agent-gateway/internal/middleware"
	"github.com/aorbit/agent-gateway/internal/rbac"
	"github.com/aorbit/agent-gateway/internal/safego"
)

// createAPIKeyRequest is the body for POST /api/v1/admin/apikeys.
type createAPIKeyRequest struct {
	Name        string         `json:"name" binding:"required"`
	Description string         `json:"description"`
	Roles       []string       `json:"roles" binding:"required"`
	RateLimit   int            `json:"rate_limit"`
	Expiration  int64          `json:"expiration"`
	ExpiresIn   int64          `json:"expires_in"`
	IPWhitelist []string       `json:"ip_whitelist"`
	UserID      string         `json:"user_id"`
	Metadata    map[string]any `json:"metadata"`
}

// createAPIKey mints a new API key. The raw secret is returned only here;
// subsequent listings expose a masked form.
func (h *handlers) createAPIKey(c *gin.Context) {
	if !h.requireStore(c) {
		return
	}

	var req createAPIKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "name and roles are required"})
		return
	}

	for _, role := range req.Roles {
		if _, err := h.deps.Manager.GetRole(c.Request.Context(), role); err != nil {
			if errors.Is(err, rbac.ErrRoleNotFound) {
				c.JSON(http.StatusBadRequest, gin.H{"detail": "Unknown role: " + role})
				return
			}
			slog.Error("failed to look up role", "role", role, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to create API key"})
			return
		}
	}

	// expires_in (seconds from now) is a convenience form of expiration.
	expiration := req.Expiration
	if req.ExpiresIn > 0 {
		expiration = time.Now().Unix() + req.ExpiresIn
	}

	key, err := h.deps.Manager.CreateAPIKey(c.Request.Context(), rbac.KeyParams{
		Name:        req.Name,
		Description: req.Description,
		Roles:       req.Roles,
		RateLimit:   req.RateLimit,
		Expiration:  expiration,
		IPAllowlist: req.IPWhitelist,
		UserID:      req.UserID,
		Metadata:    req.Metadata,
	})
	if err != nil {
		if errors.Is(err, rbac.ErrDuplicateKeyName) {
			c.JSON(http.StatusConflict, gin.H{"detail": "An API key with this name already exists"})
			return
		}
		slog.Error("failed to create api key", "name", req.Name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to create API key"})
		return
	}

	h.auditAdminEvent(c, audit.EventAPIKeyCreated, key.Name, "create")
	c.JSON(http.StatusCreated, key)
}

// listAPIKeys returns every key with the secret masked.
func (h *handlers) listAPIKeys(c *gin.Context) {
	if !h.requireStore(c) {
		return
	}

	keys, err := h.deps.Manager.ListAPIKeys(c.Request.Context())
	if err != nil {
		slog.Error("failed to list api keys", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to list API keys"})
		return
	}

	for i := range keys {
		keys[i].Key = maskKey(keys[i].Key)
	}
	c.JSON(http.StatusOK, gin.H{
		"api_keys": keys,
		"count":    len(keys),
	})
}

// revokeAPIKey deletes a key and purges its validation cache entry so the
// revocation takes effect immediately instead of after the cache TTL.
func (h *handlers) revokeAPIKey(c *gin.Context) {
	if !h.requireStore(c) {
		return
	}

	secret := c.Param("key")
	key, err := h.deps.Manager.GetAPIKey(c.Request.Context(), secret)
	if err != nil {
		if errors.Is(err, rbac.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "API key not found"})
			return
		}
		slog.Error("failed to look up api key", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to revoke API key"})
		return
	}

	if err := h.deps.Manager.DeleteAPIKey(c.Request.Context(), secret); err != nil {
		slog.Error("failed to delete api key", "name", key.Name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to revoke API key"})
		return
	}
	if err := h.deps.Store.Delete(c.Request.Context(), middleware.ValidationCacheKey(secret)); err != nil {
		slog.Error("failed to purge validation cache for revoked key", "name", key.Name, "error", err)
	}

	h.auditAdminEvent(c, audit.EventAPIKeyDeleted, key.Name, "revoke")
	c.JSON(http.StatusOK, gin.H{"detail": "API key revoked"})
}

// createRole registers a new role.
func (h *handlers) createRole(c *gin.Context) {
	if !h.requireStore(c) {
		return
	}

	var role rbac.Role
	if err := c.ShouldBindJSON(&role); err != nil || role.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Role name is required"})
		return
	}

	stored, created, err := h.deps.Manager.CreateRole(c.Request.Context(), role)
	if err != nil {
		slog.Error("failed to create role", "role", role.Name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to create role"})
		return
	}
	if !created {
		// The name is taken; hand back the stored role untouched.
		c.JSON(http.StatusOK, stored)
		return
	}

	h.auditAdminEvent(c, audit.EventRoleCreated, role.Name, "create")
	c.JSON(http.StatusCreated, stored)
}

// listRoles returns every role.
func (h *handlers) listRoles(c *gin.Context) {
	if !h.requireStore(c) {
		return
	}

	roles, err := h.deps.Manager.ListRoles(c.Request.Context())
	if err != nil {
		slog.Error("failed to list roles", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to list roles"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"roles": roles,
		"count": len(roles),
	})
}

// queryAudit returns audit events filtered by type, user, and time window.
// Timestamps are RFC 3339.
func (h *handlers) queryAudit(c *gin.Context) {
	if !h.requireStore(c) {
		return
	}

	query, err := auditQueryFromParams(c, defaultAuditQueryLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	events, err := h.deps.Auditor.QueryEvents(c.Request.Context(), query)
	if err != nil {
		slog.Error("failed to query audit events", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to query audit events"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// exportAudit streams matching audit events as a JSON document.
func (h *handlers) exportAudit(c *gin.Context) {
	if !h.requireStore(c) {
		return
	}

	// Exports are unbounded by default; truncating a compliance document at
	// an arbitrary page size would silently drop events.
	query, err := auditQueryFromParams(c, 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	data, err := h.deps.Auditor.ExportEvents(c.Request.Context(), query)
	if err != nil {
		slog.Error("failed to export audit events", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to export audit events"})
		return
	}

	c.Header("Content-Disposition", `attachment; filename="audit-export.json"`)
	c.Data(http.StatusOK, "application/json", data)
}

// defaultAuditQueryLimit caps interactive audit queries when the caller does
// not ask for a specific page size.
const defaultAuditQueryLimit = 100

// auditQueryFromParams builds an audit query from request query parameters.
// defaultLimit applies when no limit parameter is supplied; zero means
// unlimited.
func auditQueryFromParams(c *gin.Context, defaultLimit int64) (audit.Query, error) {
	query := audit.Query{
		Type:   audit.EventType(c.Query("type")),
		UserID: c.Query("user_id"),
		Limit:  defaultLimit,
	}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || limit < 1 {
			return audit.Query{}, errors.New("limit must be a positive integer")
		}
		query.Limit = limit
	}
	if raw := c.Query("start"); raw != "" {
		start, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Query{}, errors.New("start must be an RFC 3339 timestamp")
		}
		query.Start = start
	}
	if raw := c.Query("end"); raw != "" {
		end, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Query{}, errors.New("end must be an RFC 3339 timestamp")
		}
		query.End = end
	}

	return query, nil
}

// auditAdminEvent records an administrative change without blocking the
// response.
func (h *handlers) auditAdminEvent(c *gin.Context, eventType audit.EventType, resource, action string) {
	if h.deps.Auditor == nil || !h.deps.Config.Audit.Enabled {
		return
	}
	event := &audit.Event{
		Type:      eventType,
		IPAddress: c.ClientIP(),
		Resource:  resource,
		Action:    action,
		Status:    "success",
	}
	if key := middleware.CredentialFromContext(c); key != nil {
		event.UserID = key.UserID
		event.APIKeyID = key.Name
	}
	auditor := h.deps.Auditor
	safego.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := auditor.LogEvent(ctx, event); err != nil {
			slog.Error("failed to record admin event", "event_type", string(eventType), "error", err)
		}
	})
}

// maskKey hides all but a short prefix of a secret for display.
func maskKey(secret string) string {
	if len(secret) <= 8 {
		return "..."
	}
	return secret[:8] + "..."
}
