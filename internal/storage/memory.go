package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Store, used by tests and the "memory" driver.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
	opts    map[string]PutOptions
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string][]byte),
		opts:    make(map[string]PutOptions),
	}
}

func (m *Memory) Put(ctx context.Context, key string, data []byte, opts PutOptions) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: put %s: %w", ErrUpload, key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	m.opts[key] = opts
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: get %s: %w", ErrDownload, key, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDelete, key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	delete(m.opts, key)
	return nil
}

// Keys lists the stored keys in order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Options returns the PutOptions the object at key was stored with.
func (m *Memory) Options(key string) (PutOptions, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.opts[key]
	return o, ok
}

// Corrupt flips one byte of the object at key. Tests use it to simulate bit
// rot in the remote store.
func (m *Memory) Corrupt(key string, offset int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok || len(data) == 0 {
		return false
	}
	data[offset%len(data)] ^= 0xFF
	return true
}
