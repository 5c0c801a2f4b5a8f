// Package secrets stores per-workload credentials such as provider API keys
// outside the deployment file.
package secrets

import (
	"context"
	"maps"
	"sync"
)

// Store is the narrow secret contract targets depend on.
type Store interface {
	// Ensure makes name hold exactly data. Writing identical data is a no-op.
	Ensure(ctx context.Context, name string, data map[string]string) error
	// Read returns the data stored under name, or nil when there is none.
	Read(ctx context.Context, name string) (map[string]string, error)
	// Delete removes name. A missing secret is not an error.
	Delete(ctx context.Context, name string) error
}

// Memory is a process-local Store.
type Memory struct {
	mu   sync.Mutex
	data map[string]map[string]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string]string)}
}

// Ensure implements Store.
func (m *Memory) Ensure(_ context.Context, name string, data map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[name] = maps.Clone(data)
	return nil
}

// Read implements Store.
func (m *Memory) Read(_ context.Context, name string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.data[name]), nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, name)
	return nil
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Vault)(nil)
)
