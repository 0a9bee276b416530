package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/Visual-Hive/chatconnect-ai-backend/internal/db"
	"github.com/Visual-Hive/chatconnect-ai-backend/internal/models"
)

const (
	// KeyPrefix marks widget API keys. The prefix plus length check lets us
	// reject scanner traffic before touching the tenant store.
	KeyPrefix = "pk_"

	keyRandomBytes = 32
	keyLength      = len(KeyPrefix) + keyRandomBytes*2
)

var (
	// ErrInvalidKey covers malformed and unknown keys. Callers must surface
	// both identically so responses cannot be used as a key-guessing oracle.
	ErrInvalidKey = errors.New("invalid api key")

	// ErrTenantInactive means the key resolved but the tenant is paused or
	// disabled. Externally indistinguishable from ErrInvalidKey.
	ErrTenantInactive = errors.New("tenant inactive")
)

func GenerateAPIKey() (string, error) {
	bytes := make([]byte, keyRandomBytes)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return KeyPrefix + hex.EncodeToString(bytes), nil
}

// ValidKeyFormat is a fixed-cost check performed before any storage lookup.
func ValidKeyFormat(key string) bool {
	if len(key) != keyLength || !strings.HasPrefix(key, KeyPrefix) {
		return false
	}
	_, err := hex.DecodeString(key[len(KeyPrefix):])
	return err == nil
}

// TenantStore is the read side of the tenant configuration store.
type TenantStore interface {
	GetTenantByAPIKey(ctx context.Context, apiKey string) (*models.Tenant, error)
}

type Resolver struct {
	store TenantStore
}

func NewResolver(store TenantStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve authenticates a presented API key. Read-only, safe to retry.
func (r *Resolver) Resolve(ctx context.Context, apiKey string) (*models.Tenant, error) {
	if !ValidKeyFormat(apiKey) {
		return nil, ErrInvalidKey
	}

	tenant, err := r.store.GetTenantByAPIKey(ctx, apiKey)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("tenant lookup: %w", err)
	}

	if tenant.Status != models.StatusActive {
		return nil, ErrTenantInactive
	}

	return tenant, nil
}
