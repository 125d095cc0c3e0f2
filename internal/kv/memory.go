package kv

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Store. Values are copied on the way in and out.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	m.data[key] = append([]byte(nil), value...)
	m.mu.Unlock()

	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}

	return append([]byte(nil), v...), nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()

	return nil
}

// Scan iterates a snapshot in key order.
func (m *Memory) Scan(ctx context.Context, fn func(key string, value []byte) error) error {
	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	snapshot := make(map[string][]byte, len(m.data))

	for k, v := range m.data {
		keys = append(keys, k)
		snapshot[k] = v
	}
	m.mu.RUnlock()

	sort.Strings(keys)

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := fn(k, append([]byte(nil), snapshot[k]...)); err != nil {
			return err
		}
	}

	return nil
}

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.data)
}

// MemoryBackend hands out independent in-memory namespaces.
type MemoryBackend struct {
	mu     sync.Mutex
	spaces map[string]*Memory
}

// NewMemoryBackend returns a backend whose namespaces live in process memory.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{spaces: make(map[string]*Memory)}
}

// Namespace returns the store for name, creating it on first use. Repeated
// calls with the same name share data.
func (b *MemoryBackend) Namespace(name string) (Store, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.spaces[name]
	if !ok {
		m = NewMemory()
		b.spaces[name] = m
	}

	return m, nil
}

func (b *MemoryBackend) Close() error { return nil }
