package storage

import (
	"sort"
	"sync"

	"github.com/ahwlsqja/ledgerpool/fault"
	"github.com/ahwlsqja/ledgerpool/types"
)

// MemStore keeps configs in memory.
type MemStore struct {
	mu      sync.RWMutex
	configs map[string]*types.PoolConfig
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{configs: make(map[string]*types.PoolConfig)}
}

func (m *MemStore) Store(name string, cfg *types.PoolConfig) error {
	if err := checkStore(name, cfg); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[name]; ok {
		return fault.AlreadyExists(name)
	}
	cp := cfg.Clone()
	cp.Name = name
	m.configs[name] = cp
	return nil
}

func (m *MemStore) Load(name string) (*types.PoolConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[name]
	if !ok {
		return nil, fault.NotCreated("pool ledger config %s", name)
	}
	return cfg.Clone(), nil
}

func (m *MemStore) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[name]; !ok {
		return fault.NotCreated("pool ledger config %s", name)
	}
	delete(m.configs, name)
	return nil
}

// Replace overwrites a stored config; used to simulate an updated genesis between refreshes.
func (m *MemStore) Replace(name string, cfg *types.PoolConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cfg.Clone()
	cp.Name = name
	m.configs[name] = cp
}

func (m *MemStore) List() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.configs))
	for name := range m.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemStore) Close() error { return nil }
