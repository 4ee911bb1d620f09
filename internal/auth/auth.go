// Package auth provides API key authentication for the payout engine.
//
// Authentication model:
// - Health, metrics: no auth required
// - Payout intake and queries: require an API key scoped to a tenant
// - Ops endpoints (cancel, retry, alerts, rules): require the ops role
// - Keys are hashed at rest; the raw key is shown once at creation
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrForbidden     = errors.New("role not permitted for this resource")
	ErrKeyNotFound   = errors.New("API key not found")
)

// Roles, in increasing privilege order.
const (
	RoleAPI   = "api"   // create and read payouts for the key's tenant
	RoleOps   = "ops"   // operator actions: cancel, retry, alerts, rules
	RoleAdmin = "admin" // everything, including key management and funding
)

// APIKey is the stored metadata for one issued key.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"` // SHA256 of the raw key
	TenantID  string     `json:"tenantId"`
	Role      string     `json:"role"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Allows reports whether the key's role covers the required role.
func (k *APIKey) Allows(required string) bool {
	rank := map[string]int{RoleAPI: 1, RoleOps: 2, RoleAdmin: 3}
	return rank[k.Role] >= rank[required]
}

// Store persists API keys.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByTenant(ctx context.Context, tenantID string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	Delete(ctx context.Context, id string) error
}

// Manager handles key issuance and validation.
type Manager struct {
	store Store
}

// NewManager creates a new auth manager.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// GenerateKey creates a new API key for a tenant. Returns the raw key
// (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, tenantID, role, name string) (rawKey string, key *APIKey, err error) {
	if role == "" {
		role = RoleAPI
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}
	rawKey = "mk_" + hex.EncodeToString(b)

	key = &APIKey{
		ID:        "ak_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(rawKey),
		TenantID:  tenantID,
		Role:      role,
		Name:      name,
		CreatedAt: time.Now(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// ValidateKey validates a raw API key and returns its metadata.
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)
	if !strings.HasPrefix(rawKey, "mk_") {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Update last used (fire and forget)
	go func() {
		key.LastUsed = time.Now()
		_ = m.store.Update(context.Background(), key)
	}()

	return key, nil
}

// ListKeys returns all keys for a tenant.
func (m *Manager) ListKeys(ctx context.Context, tenantID string) ([]*APIKey, error) {
	return m.store.GetByTenant(ctx, tenantID)
}

// RevokeKey revokes one of a tenant's API keys.
func (m *Manager) RevokeKey(ctx context.Context, keyID, tenantID string) error {
	keys, err := m.store.GetByTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*APIKey)}
}

func (s *MemoryStore) Create(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			return k, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetByTenant(_ context.Context, tenantID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.TenantID == tenantID {
			result = append(result, k)
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	return nil
}
