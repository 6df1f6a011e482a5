package rbac

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aorbit/agent-gateway/internal/kv"
)

const (
	roleKeyFmt     = "role:%s"
	rolesSetKey    = "roles"
	apiKeysKey     = "rbac:api_keys"
	apiKeyNamesKey = "rbac:api_key_names"

	// Provisioned keys live outside the rbac hash: a plain string mapping
	// the key to a role name, plus optional metadata and an IP allowlist.
	provisionedKeyFmt       = "apikey:%s"
	provisionedMetaFmt      = "apikey:%s:metadata"
	provisionedAllowlistFmt = "apikey:%s:ip_whitelist"

	defaultRateLimit = 60
	keyRandomBytes   = 32
)

var (
	ErrRoleNotFound     = errors.New("role not found")
	ErrKeyNotFound      = errors.New("api key not found")
	ErrDuplicateKeyName = errors.New("api key name already in use")
)

// Manager persists roles and API keys in the key-value store and answers
// permission checks. Roles are cached in-process after first read; the cache
// is invalidated on writes through this instance but not across instances.
type Manager struct {
	store     kv.Store
	keyPrefix string
	now       func() time.Time

	mu        sync.RWMutex
	roleCache map[string]*Role
}

// NewManager returns a Manager using keyPrefix for generated API keys.
func NewManager(store kv.Store, keyPrefix string) *Manager {
	return &Manager{
		store:     store,
		keyPrefix: keyPrefix,
		now:       time.Now,
		roleCache: make(map[string]*Role),
	}
}

// CreateRole writes the role and registers its name. Creating a name that is
// already registered leaves the stored role untouched and returns it with
// created=false; use UpdateRole to change an existing role.
func (m *Manager) CreateRole(ctx context.Context, role Role) (*Role, bool, error) {
	if role.Name == "" {
		return nil, false, errors.New("role name is required")
	}

	existing, err := m.GetRole(ctx, role.Name)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrRoleNotFound) {
		return nil, false, err
	}

	if err := m.writeRole(ctx, role); err != nil {
		return nil, false, err
	}
	return &role, true, nil
}

// UpdateRole overwrites the stored role, creating it if absent.
func (m *Manager) UpdateRole(ctx context.Context, role Role) error {
	if role.Name == "" {
		return errors.New("role name is required")
	}
	return m.writeRole(ctx, role)
}

func (m *Manager) writeRole(ctx context.Context, role Role) error {
	data, err := json.Marshal(role)
	if err != nil {
		return fmt.Errorf("marshal role %q: %w", role.Name, err)
	}

	pipe := m.store.Pipeline()
	pipe.Set(fmt.Sprintf(roleKeyFmt, role.Name), string(data), 0)
	pipe.SAdd(rolesSetKey, role.Name)
	if err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store role %q: %w", role.Name, err)
	}

	m.mu.Lock()
	m.roleCache[role.Name] = &role
	m.mu.Unlock()
	return nil
}

// GetRole returns the named role, consulting the in-process cache first.
func (m *Manager) GetRole(ctx context.Context, name string) (*Role, error) {
	m.mu.RLock()
	if cached, ok := m.roleCache[name]; ok {
		m.mu.RUnlock()
		return cached, nil
	}
	m.mu.RUnlock()

	data, err := m.store.Get(ctx, fmt.Sprintf(roleKeyFmt, name))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrRoleNotFound
		}
		return nil, fmt.Errorf("load role %q: %w", name, err)
	}

	var role Role
	if err := json.Unmarshal([]byte(data), &role); err != nil {
		return nil, fmt.Errorf("decode role %q: %w", name, err)
	}

	m.mu.Lock()
	m.roleCache[name] = &role
	m.mu.Unlock()
	return &role, nil
}

// DeleteRole removes the role from the store and the cache. API keys that
// reference the role simply stop matching its permissions.
func (m *Manager) DeleteRole(ctx context.Context, name string) error {
	pipe := m.store.Pipeline()
	pipe.Delete(fmt.Sprintf(roleKeyFmt, name))
	pipe.SRem(rolesSetKey, name)
	if err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete role %q: %w", name, err)
	}

	m.mu.Lock()
	delete(m.roleCache, name)
	m.mu.Unlock()
	return nil
}

// ListRoles returns every registered role, sorted by name.
func (m *Manager) ListRoles(ctx context.Context) ([]Role, error) {
	names, err := m.store.SMembers(ctx, rolesSetKey)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	sort.Strings(names)

	roles := make([]Role, 0, len(names))
	for _, name := range names {
		role, err := m.GetRole(ctx, name)
		if err != nil {
			if errors.Is(err, ErrRoleNotFound) {
				continue
			}
			return nil, err
		}
		roles = append(roles, *role)
	}
	return roles, nil
}

// SeedDefaultRoles creates any of the built-in roles that do not exist yet.
// Existing roles are left untouched so operator customizations survive
// restarts.
func (m *Manager) SeedDefaultRoles(ctx context.Context) error {
	for _, role := range DefaultRoles {
		if _, _, err := m.CreateRole(ctx, role); err != nil {
			return err
		}
	}
	return nil
}

// EffectivePermissions returns the union of a role's permissions and those
// of all its ancestors. Each role is expanded at most once, so cycles in the
// parent graph terminate. The result is sorted.
func (m *Manager) EffectivePermissions(ctx context.Context, roleName string) ([]string, error) {
	perms := make(map[string]struct{})
	visited := make(map[string]struct{})
	if err := m.collectPermissions(ctx, roleName, perms, visited); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(perms))
	for p := range perms {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Manager) collectPermissions(ctx context.Context, roleName string, perms, visited map[string]struct{}) error {
	if _, seen := visited[roleName]; seen {
		return nil
	}
	visited[roleName] = struct{}{}

	role, err := m.GetRole(ctx, roleName)
	if err != nil {
		if errors.Is(err, ErrRoleNotFound) {
			return nil
		}
		return err
	}
	for _, p := range role.Permissions {
		perms[p] = struct{}{}
	}
	for _, parent := range role.ParentRoles {
		if err := m.collectPermissions(ctx, parent, perms, visited); err != nil {
			return err
		}
	}
	return nil
}

// KeyParams describes a new API key. Roles must name existing roles;
// RateLimit defaults to 60 requests per minute when zero.
type KeyParams struct {
	Name        string
	Description string
	Roles       []string
	RateLimit   int
	Expiration  int64
	IPAllowlist []string
	UserID      string
	Metadata    map[string]any
}

// CreateAPIKey generates a credential and stores it. Key names are unique;
// reusing one returns ErrDuplicateKeyName.
func (m *Manager) CreateAPIKey(ctx context.Context, params KeyParams) (*APIKey, error) {
	if params.Name == "" {
		return nil, errors.New("api key name is required")
	}
	taken, err := m.store.SIsMember(ctx, apiKeyNamesKey, params.Name)
	if err != nil {
		return nil, fmt.Errorf("check key name %q: %w", params.Name, err)
	}
	if taken {
		return nil, ErrDuplicateKeyName
	}

	secret, err := m.generateKey()
	if err != nil {
		return nil, err
	}

	if params.RateLimit <= 0 {
		params.RateLimit = defaultRateLimit
	}
	key := &APIKey{
		Key:         secret,
		Name:        params.Name,
		Description: params.Description,
		Roles:       params.Roles,
		RateLimit:   params.RateLimit,
		Expiration:  params.Expiration,
		IPAllowlist: params.IPAllowlist,
		UserID:      params.UserID,
		Metadata:    params.Metadata,
		Active:      true,
	}

	data, err := json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("marshal api key %q: %w", params.Name, err)
	}

	pipe := m.store.Pipeline()
	pipe.HSet(apiKeysKey, secret, string(data))
	pipe.SAdd(apiKeyNamesKey, params.Name)
	if err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("store api key %q: %w", params.Name, err)
	}
	return key, nil
}

func (m *Manager) generateKey() (string, error) {
	buf := make([]byte, keyRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return m.keyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// GetAPIKey returns the credential record for the given secret.
func (m *Manager) GetAPIKey(ctx context.Context, secret string) (*APIKey, error) {
	data, err := m.store.HGet(ctx, apiKeysKey, secret)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("load api key: %w", err)
	}
	var key APIKey
	if err := json.Unmarshal([]byte(data), &key); err != nil {
		return nil, fmt.Errorf("decode api key: %w", err)
	}
	return &key, nil
}

// UpdateAPIKey rewrites the stored record. The secret itself never changes.
func (m *Manager) UpdateAPIKey(ctx context.Context, key *APIKey) error {
	data, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("marshal api key %q: %w", key.Name, err)
	}
	if err := m.store.HSet(ctx, apiKeysKey, key.Key, string(data)); err != nil {
		return fmt.Errorf("update api key %q: %w", key.Name, err)
	}
	return nil
}

// SetKeyActive toggles a key without deleting it.
func (m *Manager) SetKeyActive(ctx context.Context, secret string, active bool) error {
	key, err := m.GetAPIKey(ctx, secret)
	if err != nil {
		return err
	}
	key.Active = active
	return m.UpdateAPIKey(ctx, key)
}

// DeleteAPIKey removes the credential, frees its name, and purges any
// provisioned entries for the same secret.
func (m *Manager) DeleteAPIKey(ctx context.Context, secret string) error {
	key, err := m.GetAPIKey(ctx, secret)
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return err
	}

	pipe := m.store.Pipeline()
	pipe.HDel(apiKeysKey, secret)
	if key != nil {
		pipe.SRem(apiKeyNamesKey, key.Name)
	}
	pipe.Delete(fmt.Sprintf(provisionedKeyFmt, secret))
	pipe.Delete(fmt.Sprintf(provisionedMetaFmt, secret))
	pipe.Delete(fmt.Sprintf(provisionedAllowlistFmt, secret))
	if err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	return nil
}

// ListAPIKeys returns every stored credential.
func (m *Manager) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	entries, err := m.store.HGetAll(ctx, apiKeysKey)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}

	keys := make([]APIKey, 0, len(entries))
	for _, data := range entries {
		var key APIKey
		if err := json.Unmarshal([]byte(data), &key); err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Name < keys[j].Name })
	return keys, nil
}

// HasPermission reports whether the given secret grants the permission,
// optionally scoped to a resource. Unknown, inactive, expired, and roleless
// keys are denied, as is anything the store cannot answer for.
func (m *Manager) HasPermission(ctx context.Context, secret, permission, resourceType, resourceID string) (bool, error) {
	key, err := m.Resolve(ctx, secret)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	if !key.Valid(m.now()) || len(key.Roles) == 0 {
		return false, nil
	}

	perms := make(map[string]struct{})
	visited := make(map[string]struct{})
	for _, roleName := range key.Roles {
		if err := m.collectPermissions(ctx, roleName, perms, visited); err != nil {
			return false, err
		}
	}

	if _, ok := perms["*"]; ok {
		return true, nil
	}
	if _, ok := perms[permission]; ok {
		return true, nil
	}
	if resourceType != "" {
		qualified := fmt.Sprintf("%s:%s:%s", permission, resourceType, resourceID)
		if _, ok := perms[qualified]; ok {
			return true, nil
		}
	}
	return false, nil
}

// provisionedMeta is the metadata document stored next to a provisioned key.
type provisionedMeta struct {
	Name       string `json:"name,omitempty"`
	RateLimit  int    `json:"rate_limit,omitempty"`
	Expiration int64  `json:"expiration,omitempty"`
	UserID     string `json:"user_id,omitempty"`
}

// CredentialStoreKeys returns every store key holding provisioned state for a
// secret. Logout deletes them together with the validation cache entry in a
// single pipeline so a half-applied logout cannot leave the key usable.
func CredentialStoreKeys(secret string) []string {
	return []string{
		fmt.Sprintf(provisionedKeyFmt, secret),
		fmt.Sprintf(provisionedMetaFmt, secret),
		fmt.Sprintf(provisionedAllowlistFmt, secret),
	}
}

// ProvisionKey registers an externally supplied secret bound to a single
// role, the layout used by deployment tooling rather than the admin API.
func (m *Manager) ProvisionKey(ctx context.Context, secret, role string, meta map[string]any) error {
	pipe := m.store.Pipeline()
	pipe.Set(fmt.Sprintf(provisionedKeyFmt, secret), role, 0)
	if len(meta) > 0 {
		data, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshal key metadata: %w", err)
		}
		pipe.Set(fmt.Sprintf(provisionedMetaFmt, secret), string(data), 0)
	}
	if allow, ok := meta["ip_whitelist"].([]string); ok {
		for _, ip := range allow {
			pipe.SAdd(fmt.Sprintf(provisionedAllowlistFmt, secret), ip)
		}
	}
	if err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("provision api key: %w", err)
	}
	return nil
}

// Resolve finds the credential for a secret, checking the rbac hash first
// and falling back to the provisioned layout.
func (m *Manager) Resolve(ctx context.Context, secret string) (*APIKey, error) {
	key, err := m.GetAPIKey(ctx, secret)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}

	role, err := m.store.Get(ctx, fmt.Sprintf(provisionedKeyFmt, secret))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("load provisioned key: %w", err)
	}

	resolved := &APIKey{
		Key:       secret,
		Roles:     []string{role},
		RateLimit: defaultRateLimit,
		Active:    true,
	}

	if raw, err := m.store.Get(ctx, fmt.Sprintf(provisionedMetaFmt, secret)); err == nil {
		var meta provisionedMeta
		if err := json.Unmarshal([]byte(raw), &meta); err == nil {
			resolved.Name = meta.Name
			resolved.UserID = meta.UserID
			resolved.Expiration = meta.Expiration
			if meta.RateLimit > 0 {
				resolved.RateLimit = meta.RateLimit
			}
		}
	} else if !errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("load key metadata: %w", err)
	}

	if allow, err := m.store.SMembers(ctx, fmt.Sprintf(provisionedAllowlistFmt, secret)); err == nil && len(allow) > 0 {
		resolved.IPAllowlist = allow
	}

	return resolved, nil
}
