package adapters

import (
	"mqtt-link/application"
	"sort"
	"sync"
)

// MemoryStore is an in-memory PersistenceStore. It never fails; Close
// discards everything it holds.
type MemoryStore struct {
	entries map[string][]byte
	mu      sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]byte)}
}

func (m *MemoryStore) Open(clientID, serverURI string) error {
	return nil
}

func (m *MemoryStore) Close() error {
	return m.Clear()
}

func (m *MemoryStore) Put(key string, payload []byte) error {
	b := make([]byte, len(payload))
	copy(b, payload)

	m.mu.Lock()
	m.entries[key] = b
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.entries[key]
	if !ok {
		return nil, application.ErrKeyNotFound
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (m *MemoryStore) ContainsKey(key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.entries[key]
	return ok, nil
}

func (m *MemoryStore) Remove(key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Keys() ([]string, error) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	m.entries = make(map[string][]byte)
	m.mu.Unlock()
	return nil
}

var _ application.PersistenceStore = &MemoryStore{}
