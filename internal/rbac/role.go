// Package rbac implements role-based access control backed by the key-value
// store. Roles are named permission bundles with optional parent roles;
// API keys bind a caller to a set of roles plus per-key controls (rate limit,
// expiration, IP allowlist). Permission checks fail closed: any store error,
// unknown role, inactive key, or expired key denies access.
package rbac

import "time"

// Role is a named bundle of permissions. Parent roles contribute their
// permissions transitively; cycles in the parent graph are tolerated and
// each role is visited at most once.
type Role struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Permissions []string `json:"permissions"`
	Resources   []string `json:"resources,omitempty"`
	ParentRoles []string `json:"parent_roles,omitempty"`
}

// APIKey is a credential with access controls. The Key field is the secret
// value the caller presents; everything else is policy attached to it.
type APIKey struct {
	Key         string   `json:"key"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Roles       []string `json:"roles"`
	// RateLimit is the key's requests-per-minute budget.
	RateLimit int `json:"rate_limit"`
	// Expiration is a Unix timestamp; zero means the key never expires.
	Expiration  int64          `json:"expiration,omitempty"`
	IPAllowlist []string       `json:"ip_whitelist,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Active      bool           `json:"is_active"`
}

// Valid reports whether the key is active and unexpired at the given time.
func (k *APIKey) Valid(now time.Time) bool {
	if !k.Active {
		return false
	}
	if k.Expiration > 0 && now.Unix() > k.Expiration {
		return false
	}
	return true
}

// DefaultRoles are seeded at startup so a fresh deployment has a usable
// policy baseline before any administrative configuration.
var DefaultRoles = []Role{
	{
		Name:        "admin",
		Description: "Administrator with full access",
		Permissions: []string{"*"},
		Resources:   []string{"*"},
	},
	{
		Name:        "user",
		Description: "Standard user with limited access",
		Permissions: []string{"read", "execute"},
		Resources:   []string{"workflow", "agent"},
	},
	{
		Name:        "api",
		Description: "API access for integrations",
		Permissions: []string{"read", "write", "execute"},
		Resources:   []string{"workflow", "agent"},
	},
	{
		Name:        "guest",
		Description: "Guest with minimal access",
		Permissions: []string{"read"},
		Resources:   []string{"workflow"},
	},
}
