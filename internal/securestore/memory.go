package securestore

import (
	"sync"

	"github.com/vault-cli/credvault/internal/util"
)

// MemoryBackend keeps values in process memory. It is used for tests and
// for ephemeral sessions.
type MemoryBackend struct {
	mu          sync.Mutex
	values      map[string][]byte
	Unavailable bool
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{values: make(map[string][]byte)}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Store(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryBackend) Retrieve(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return nil, util.Errorf(util.ErrNotFound, "%s not in memory store", key)
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryBackend) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.values[key]; ok {
		for i := range v {
			v[i] = 0
		}
		delete(m.values, key)
	}
	return nil
}

func (m *MemoryBackend) IsAvailable() bool { return !m.Unavailable }
