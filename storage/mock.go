package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var ErrInjected = errors.New("injected storage failure")

// MockStore is an in-memory StateStore for tests and the demo host.
type MockStore struct {
	mu     sync.Mutex
	values map[string]string

	// FailOn makes Set and Remove on the given key fail with ErrInjected.
	FailOn map[string]bool

	// Track method calls for verification
	GetCalls    int
	SetCalls    int
	RemoveCalls int

	// Writes records Set and Remove calls in order, as "set key" / "remove key".
	Writes []string
}

func NewMockStore() *MockStore {
	return &MockStore{
		values: make(map[string]string),
		FailOn: make(map[string]bool),
	}
}

func (m *MockStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetCalls++

	value, ok := m.values[key]
	return value, ok, nil
}

func (m *MockStore) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SetCalls++

	if m.FailOn[key] {
		return ErrInjected
	}
	m.values[key] = value
	m.Writes = append(m.Writes, "set "+key)
	return nil
}

func (m *MockStore) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RemoveCalls++

	if m.FailOn[key] {
		return ErrInjected
	}
	delete(m.values, key)
	m.Writes = append(m.Writes, "remove "+key)
	return nil
}

// Snapshot returns a copy of every stored value.
func (m *MockStore) Snapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

func (m *MockStore) Keys(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// ResetWrites clears the recorded write log.
func (m *MockStore) ResetWrites() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Writes = nil
}
