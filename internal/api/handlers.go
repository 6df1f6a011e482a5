package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aorbit/agent-gateway/internal/audit"
	"github.com/aorbit/agent-gateway/internal/batch"
	"github.com/aorbit/agent-gateway/internal/middleware"
	"github.com/aorbit/agent-gateway/internal/rbac"
	"github.com/aorbit/agent-gateway/internal/safego"
	"github.com/aorbit/agent-gateway/internal/telemetry"
	"github.com/aorbit/agent-gateway/internal/validation"
	"github.com/aorbit/agent-gateway/internal/workflow"
)

// listAgents returns every registered agent with its input schema.
func (h *handlers) listAgents(c *gin.Context) {
	names := h.deps.Registry.Names()
	agents := make([]gin.H, 0, len(names))
	for _, name := range names {
		wf, err := h.deps.Registry.Get(name)
		if err != nil {
			continue
		}
		agents = append(agents, gin.H{
			"name":         wf.Name(),
			"input_schema": wf.InputSchema(),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"agents": agents,
		"count":  len(agents),
	})
}

// getAgent returns a single agent's input schema.
func (h *handlers) getAgent(c *gin.Context) {
	name := c.Param("name")
	wf, err := h.deps.Registry.Get(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": fmt.Sprintf("Agent %q not found", name)})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":         wf.Name(),
		"input_schema": wf.InputSchema(),
	})
}

// invokeAgent validates the request body against the agent's input schema and
// runs the agent. Agent failures never leak internals to the caller; the
// detailed error goes to the log and the audit trail.
func (h *handlers) invokeAgent(c *gin.Context) {
	name := c.Param("name")
	wf, err := h.deps.Registry.Get(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": fmt.Sprintf("Agent %q not found", name)})
		return
	}

	input := map[string]any{}
	if err := c.ShouldBindJSON(&input); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Request body must be a JSON object"})
		return
	}

	if result := validation.ValidateInput(wf.InputSchema(), input); !result.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"detail": "Input validation failed",
			"errors": result.Errors,
		})
		return
	}

	start := time.Now()
	output, err := invokeWorkflow(c.Request.Context(), wf, input)
	telemetry.AgentDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil {
		telemetry.AgentInvocationsTotal.WithLabelValues(name, "error").Inc()
		slog.Error("agent invocation failed", "agent", name, "error", err)
		h.auditAgentExecution(c, name, "error", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Internal server error"})
		return
	}

	telemetry.AgentInvocationsTotal.WithLabelValues(name, "success").Inc()
	h.auditAgentExecution(c, name, "success", "")
	c.JSON(http.StatusOK, gin.H{
		"agent":  name,
		"output": output,
	})
}

// invokeWorkflow runs the agent and converts a panic into an error so a
// misbehaving agent cannot take down the request pipeline.
func invokeWorkflow(ctx context.Context, wf workflow.Workflow, input map[string]any) (output map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent panicked: %v", r)
		}
	}()
	return wf.Invoke(ctx, input)
}

// auditAgentExecution records an agent run without blocking the response.
func (h *handlers) auditAgentExecution(c *gin.Context, agent, status, errDetail string) {
	if h.deps.Auditor == nil || !h.deps.Config.Audit.Enabled {
		return
	}
	event := &audit.Event{
		Type:      audit.EventAgentExecution,
		IPAddress: c.ClientIP(),
		Resource:  agent,
		Action:    "invoke",
		Status:    status,
	}
	if errDetail != "" {
		event.Details = map[string]any{"error": errDetail}
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
			slog.Error("failed to record agent execution event", "error", err)
		}
	})
}

// submitBatchRequest is the body for POST /api/v1/batch.
type submitBatchRequest struct {
	Workflow string           `json:"workflow" binding:"required"`
	Items    []map[string]any `json:"items" binding:"required"`
}

// submitBatch enqueues a batch job and returns its id immediately. Items run
// asynchronously in the background worker.
func (h *handlers) submitBatch(c *gin.Context) {
	if !h.requireStore(c) {
		return
	}

	var req submitBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "workflow and items are required"})
		return
	}
	if len(req.Items) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "items must not be empty"})
		return
	}
	if _, err := h.deps.Registry.Get(req.Workflow); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": fmt.Sprintf("Agent %q not found", req.Workflow)})
		return
	}

	job, err := h.deps.Processor.Submit(c.Request.Context(), req.Workflow, req.Items)
	if err != nil {
		slog.Error("failed to submit batch job", "workflow", req.Workflow, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to submit batch job"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id": job.ID,
		"status": job.Status,
		"items":  len(req.Items),
	})
}

// getBatchJob returns the current state of a batch job, including per-item
// results accumulated so far.
func (h *handlers) getBatchJob(c *gin.Context) {
	if !h.requireStore(c) {
		return
	}

	job, err := h.deps.Processor.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, batch.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Batch job not found"})
			return
		}
		slog.Error("failed to load batch job", "job_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to load batch job"})
		return
	}

	c.JSON(http.StatusOK, job)
}

// logout invalidates the presented API key: the validation cache entry and
// any provisioned key state are deleted in one pipeline, so the key stops
// working on the very next request. The response is always 401 because the
// credential is no longer valid once this handler runs.
func (h *handlers) logout(c *gin.Context) {
	if !h.requireStore(c) {
		return
	}

	secret := c.GetHeader(h.deps.Config.Auth.HeaderName)
	if secret == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Invalid or missing API key"})
		return
	}

	keys := append(rbac.CredentialStoreKeys(secret), middleware.ValidationCacheKey(secret))
	pipe := h.deps.Store.Pipeline()
	pipe.Delete(keys...)
	if err := pipe.Exec(c.Request.Context()); err != nil {
		slog.Error("logout purge failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Logout failed"})
		return
	}

	if h.deps.Auditor != nil && h.deps.Config.Audit.Enabled {
		event := &audit.Event{
			Type:      audit.EventLogout,
			IPAddress: c.ClientIP(),
			Resource:  "auth",
			Action:    "logout",
			Status:    "success",
		}
		auditor := h.deps.Auditor
		safego.Go(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := auditor.LogEvent(ctx, event); err != nil {
				slog.Error("failed to record logout event", "error", err)
			}
		})
	}

	c.JSON(http.StatusUnauthorized, gin.H{"detail": "logged out"})
}

// redeemBootstrapKey activates a credential minted by the genkey command. The
// presented key is checked against the stored bootstrap hash and becomes a
// provisioned admin credential on match. Mismatches and replays share the
// generic authentication failure body.
func (h *handlers) redeemBootstrapKey(c *gin.Context) {
	if !h.requireStore(c) {
		return
	}

	secret := c.GetHeader(h.deps.Config.Auth.HeaderName)
	if secret == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Invalid or missing API key"})
		return
	}

	err := h.deps.Manager.RedeemBootstrapKey(c.Request.Context(), secret)
	switch {
	case errors.Is(err, rbac.ErrNoBootstrapKey), errors.Is(err, rbac.ErrBootstrapMismatch):
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Invalid or missing API key"})
		return
	case err != nil:
		slog.Error("bootstrap redemption failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Bootstrap failed"})
		return
	}

	if h.deps.Auditor != nil && h.deps.Config.Audit.Enabled {
		event := &audit.Event{
			Type:      audit.EventAPIKeyCreated,
			IPAddress: c.ClientIP(),
			Resource:  "auth",
			Action:    "bootstrap",
			Status:    "success",
		}
		auditor := h.deps.Auditor
		safego.Go(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := auditor.LogEvent(ctx, event); err != nil {
				slog.Error("failed to record bootstrap event", "error", err)
			}
		})
	}

	c.JSON(http.StatusOK, gin.H{"detail": "Bootstrap key activated", "roles": []string{"admin"}})
}
