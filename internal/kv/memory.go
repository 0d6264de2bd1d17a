package kv

import (
	"context"
	"sync"
)

// Memory is an in-process Store. State does not survive restarts; it is used
// for ephemeral sessions and in tests.
type Memory struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v), nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	m.mu.Lock()
	m.data[key] = clone(value)
	m.mu.Unlock()
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.data, k)
	}
	m.mu.Unlock()
	return nil
}

// CompareAndSwap implements Store.
func (m *Memory) CompareAndSwap(_ context.Context, key string, prev, next []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.data[key]
	if !ok {
		current = nil
	}
	if !equal(current, prev) {
		return false, nil
	}
	if next == nil {
		delete(m.data, key)
	} else {
		m.data[key] = clone(next)
	}
	return true, nil
}

// Update implements Updater.
func (m *Memory) Update(_ context.Context, key string, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.data[key]
	if !ok {
		current = nil
	}
	next, err := fn(clone(current))
	if err != nil {
		return err
	}
	if next == nil {
		delete(m.data, key)
	} else {
		m.data[key] = clone(next)
	}
	return nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }
