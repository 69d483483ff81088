// Package secret persists the process-wide signing secret. A Store is the
// durable source of truth, a Sealer protects the value at rest.
package secret

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by Store.Get when no record exists.
var ErrNotFound = errors.New("secret: record not found")

// Store is a durable key-value record store for sealed secrets.
type Store interface {
	// Get returns the stored value for name or ErrNotFound.
	Get(ctx context.Context, name string) (string, error)
	// PutIfAbsent stores value only when name has no record yet. It returns
	// the value held by the store afterwards and whether this call created it.
	PutIfAbsent(ctx context.Context, name, value string) (string, bool, error)
	// Put stores value for name, replacing any existing record.
	Put(ctx context.Context, name, value string) error
}

// MemoryStore is an in-process Store. It does not survive restarts.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.records[name]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) PutIfAbsent(_ context.Context, name, value string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.records[name]; ok {
		return v, false, nil
	}
	m.records[name] = value
	return value, true, nil
}

func (m *MemoryStore) Put(_ context.Context, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[name] = value
	return nil
}
