// Package cache stores successful HTTP responses in the shared store, keyed
// by the calling credential and a fingerprint of the request. Entries are
// scoped per credential so one caller's cached response is never served to
// another, even for an identical request.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aorbit/agent-gateway/internal/kv"
)

const entryKeyFmt = "cache:%s:%s"

// Entry is a cached response. Body round-trips through JSON as base64.
type Entry struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body"`
}

// Cache reads and writes response entries with a fixed TTL. Paths listed in
// excluded are never cached, matched by prefix.
type Cache struct {
	store    kv.Store
	ttl      time.Duration
	excluded []string
}

// New returns a Cache writing entries that expire after ttl.
func New(store kv.Store, ttl time.Duration, excludedPaths []string) *Cache {
	return &Cache{store: store, ttl: ttl, excluded: excludedPaths}
}

// Key builds the store key for a request. The fingerprint covers the method,
// path, query string, and request body, so requests that differ in any input
// occupy separate entries.
func (c *Cache) Key(identity, method, path, rawQuery string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write([]byte(rawQuery))
	h.Write([]byte{0})
	h.Write(body)
	return fmt.Sprintf(entryKeyFmt, identity, hex.EncodeToString(h.Sum(nil)))
}

// Excluded reports whether the path is exempt from caching.
func (c *Cache) Excluded(path string) bool {
	for _, prefix := range c.excluded {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Lookup returns the cached entry for key, or (nil, nil) on a miss. A
// corrupt entry is treated as a miss.
func (c *Cache) Lookup(ctx context.Context, key string) (*Entry, error) {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, nil
	}
	return &entry, nil
}

// Store writes the entry unless it represents an error response. Failures
// must not be replayed to later callers.
func (c *Cache) Store(ctx context.Context, key string, entry *Entry) error {
	if entry.Status >= 400 {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := c.store.Set(ctx, key, string(data), c.ttl); err != nil {
		return fmt.Errorf("cache store: %w", err)
	}
	return nil
}
