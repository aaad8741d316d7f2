package credential

import (
	"context"
	"sync"
)

// MemoryBackend is an in-process Backend used for local/dev deployments
// and tests. Production deployments wire a real vault client in its
// place; no such SDK is fabricated here, since the concrete vault
// backend is left open for an operator to choose.
type MemoryBackend struct {
	mu      sync.RWMutex
	secrets map[string]map[string]string // name -> field -> value
	up      bool
}

// NewMemoryBackend creates a connected, empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{secrets: make(map[string]map[string]string), up: true}
}

func (m *MemoryBackend) Put(name, field, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.secrets[name] == nil {
		m.secrets[name] = make(map[string]string)
	}
	m.secrets[name][field] = value
}

func (m *MemoryBackend) Get(ctx context.Context, name, field string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.up {
		return "", &VaultConnectionError{Backend: "memory"}
	}
	fields, ok := m.secrets[name]
	if !ok {
		return "", &SecretNotFoundError{Name: name}
	}
	v, ok := fields[field]
	if !ok {
		return "", &SecretNotFoundError{Name: name}
	}
	return v, nil
}

func (m *MemoryBackend) IsConnected(ctx context.Context) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.up
}

// SetConnected simulates a vault outage for tests.
func (m *MemoryBackend) SetConnected(up bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.up = up
}
