// Package audit handles structured audit event recording for security-relevant
// activity such as authentication attempts, authorization denials, agent
// executions, and administrative actions. Audit events are intentionally
// separate from application logs because they have different consumers and
// retention requirements — application logs are ephemeral debug output consumed
// by on-call engineers, while audit events are immutable records consumed by
// security teams and may be subject to compliance retention policies measured
// in years. Events are written to the key-value store under a multi-index
// layout (by time, type, and user) and can additionally be routed to external
// destinations (file, webhook) via the Shipper interface.
package audit

import (
	"time"
)

// EventType classifies an audit event.
type EventType string

const (
	// Authentication events
	EventAuthSuccess   EventType = "auth.success"
	EventAuthFailure   EventType = "auth.failure"
	EventLogout        EventType = "auth.logout"
	EventAPIKeyCreated EventType = "api_key.created"
	EventAPIKeyDeleted EventType = "api_key.deleted"

	// Authorization events
	EventAccessDenied EventType = "access.denied"
	EventRoleCreated  EventType = "role.created"
	EventRoleUpdated  EventType = "role.updated"
	EventRoleDeleted  EventType = "role.deleted"

	// Agent events
	EventAgentExecution EventType = "agent.execution"

	// System events
	EventSystemError    EventType = "system.error"
	EventSystemStartup  EventType = "system.startup"
	EventSystemShutdown EventType = "system.shutdown"
	EventConfigChange   EventType = "config.change"

	// API events
	EventAPIRequest EventType = "api.request"
	EventAPIError   EventType = "api.error"
)

// Event is a single immutable audit record. Once logged there is no API to
// mutate or delete it; corrections are made by logging follow-up events.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"event_type"`
	UserID    string         `json:"user_id,omitempty"`
	APIKeyID  string         `json:"api_key_id,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	Resource  string         `json:"resource,omitempty"`
	Action    string         `json:"action,omitempty"`
	Status    string         `json:"status,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
