package rbac

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/aorbit/agent-gateway/internal/kv"
)

// bootstrapHashKey holds the bcrypt hash of a pending bootstrap credential.
// Only the hash is stored until the credential is redeemed, so a store dump
// taken before redemption cannot recover it.
const bootstrapHashKey = "auth:bootstrap:hash"

const bootstrapHashCost = 12

var (
	ErrNoBootstrapKey    = errors.New("no bootstrap key pending")
	ErrBootstrapMismatch = errors.New("bootstrap key mismatch")
)

// StoreBootstrapHash hashes rawKey with bcrypt and persists the hash,
// replacing any previously pending bootstrap credential.
func (m *Manager) StoreBootstrapHash(ctx context.Context, rawKey string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bootstrapHashCost)
	if err != nil {
		return fmt.Errorf("hash bootstrap key: %w", err)
	}
	if err := m.store.Set(ctx, bootstrapHashKey, string(hash), 0); err != nil {
		return fmt.Errorf("store bootstrap hash: %w", err)
	}
	return nil
}

// RedeemBootstrapKey verifies secret against the pending hash, provisions it
// as an admin credential, and clears the hash. Redemption is single-use: a
// second attempt returns ErrNoBootstrapKey.
func (m *Manager) RedeemBootstrapKey(ctx context.Context, secret string) error {
	hash, err := m.store.Get(ctx, bootstrapHashKey)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return ErrNoBootstrapKey
		}
		return fmt.Errorf("load bootstrap hash: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) != nil {
		return ErrBootstrapMismatch
	}
	if err := m.ProvisionKey(ctx, secret, "admin", map[string]any{"name": "bootstrap-admin"}); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, bootstrapHashKey); err != nil {
		return fmt.Errorf("clear bootstrap hash: %w", err)
	}
	return nil
}
