package fleet

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// APIKey is a robot authentication credential, stored as an unsalted
// SHA-256 hash (see HashAPIKey) with revocation bookkeeping: ID, owning robot, hash, issued/expiry
// timestamps, and a revoked flag.
type APIKey struct {
	ID           string
	RobotID      string
	KeyHash      string
	Name         string
	Description  string
	CreatedAt    time.Time
	ExpiresAt    *time.Time
	LastUsedAt   *time.Time
	LastUsedIP   string
	IsRevoked    bool
	RevokedAt    *time.Time
	RevokedBy    string
	RevokeReason string
	CreatedBy    string
}

// Valid reports whether the key is usable for authentication at instant
// now: not revoked, and either no expiry or not yet expired.
func (k *APIKey) Valid(now time.Time) bool {
	if k.IsRevoked {
		return false
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
		return false
	}
	return true
}

// HashAPIKey returns the SHA-256 hex digest of a raw API key, the form
// stored at rest (api_key_repository.py never persists the raw key).
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// APIKeyStore persists robot API keys, mirroring api_key_repository.py's
// method set.
type APIKeyStore interface {
	Save(robotID, keyHash, name, description string, expiresAt *time.Time, createdBy string, at time.Time) *APIKey
	GetByHash(hash string) (*APIKey, bool)
	GetValidByHash(hash string, now time.Time) (*APIKey, bool)
	ListForRobot(robotID string, includeRevoked bool) []*APIKey
	UpdateLastUsed(hash, clientIP string, at time.Time) bool
	Revoke(id, revokedBy, reason string, at time.Time) bool
	RevokeAllForRobot(robotID, revokedBy, reason string, at time.Time) int
}

// MemoryAPIKeyStore is an in-process APIKeyStore, used by tests and as
// the default store until a Postgres-backed one is wired in.
type MemoryAPIKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // keyed by id
}

// NewMemoryAPIKeyStore creates an empty store.
func NewMemoryAPIKeyStore() *MemoryAPIKeyStore {
	return &MemoryAPIKeyStore{keys: make(map[string]*APIKey)}
}

func (s *MemoryAPIKeyStore) Save(robotID, keyHash, name, description string, expiresAt *time.Time, createdBy string, at time.Time) *APIKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := &APIKey{
		ID:          uuid.NewString(),
		RobotID:     robotID,
		KeyHash:     keyHash,
		Name:        name,
		Description: description,
		CreatedAt:   at,
		ExpiresAt:   expiresAt,
		CreatedBy:   createdBy,
	}
	s.keys[k.ID] = k
	return k
}

func (s *MemoryAPIKeyStore) GetByHash(hash string) (*APIKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.KeyHash == hash {
			return k, true
		}
	}
	return nil, false
}

func (s *MemoryAPIKeyStore) GetValidByHash(hash string, now time.Time) (*APIKey, bool) {
	k, ok := s.GetByHash(hash)
	if !ok || !k.Valid(now) {
		return nil, false
	}
	return k, true
}

func (s *MemoryAPIKeyStore) ListForRobot(robotID string, includeRevoked bool) []*APIKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*APIKey
	for _, k := range s.keys {
		if k.RobotID != robotID {
			continue
		}
		if k.IsRevoked && !includeRevoked {
			continue
		}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *MemoryAPIKeyStore) UpdateLastUsed(hash, clientIP string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.KeyHash == hash {
			k.LastUsedAt = &at
			if clientIP != "" {
				k.LastUsedIP = clientIP
			}
			return true
		}
	}
	return false
}

func (s *MemoryAPIKeyStore) Revoke(id, revokedBy, reason string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.IsRevoked {
		return false
	}
	k.IsRevoked = true
	k.RevokedAt = &at
	k.RevokedBy = revokedBy
	k.RevokeReason = reason
	return true
}

func (s *MemoryAPIKeyStore) RevokeAllForRobot(robotID, revokedBy, reason string, at time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, k := range s.keys {
		if k.RobotID != robotID || k.IsRevoked {
			continue
		}
		k.IsRevoked = true
		k.RevokedAt = &at
		k.RevokedBy = revokedBy
		k.RevokeReason = reason
		count++
	}
	return count
}
