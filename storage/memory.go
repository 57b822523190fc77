package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is a flat in-process backend. Contents live as long as the value.
type Memory struct {
	data map[string]string
	mu   sync.RWMutex
}

// NewMemory returns an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Name() string   { return "memory" }
func (m *Memory) Layout() Layout { return LayoutFlat }

func (m *Memory) Write(ctx context.Context, key, content string) error {
	k, err := CleanKey(key)
	if err != nil {
		return wrapError(m.Name(), "write", key, err)
	}
	m.mu.Lock()
	m.data[k] = content
	m.mu.Unlock()
	return nil
}

func (m *Memory) Read(ctx context.Context, key string) (string, error) {
	k, err := CleanKey(key)
	if err != nil {
		return "", wrapError(m.Name(), "read", key, err)
	}
	m.mu.RLock()
	val, ok := m.data[k]
	m.mu.RUnlock()
	if !ok {
		return "", notFound(m.Name(), "read", k)
	}
	return val, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	k, err := CleanKey(key)
	if err != nil {
		return wrapError(m.Name(), "delete", key, err)
	}
	m.mu.Lock()
	delete(m.data, k)
	m.mu.Unlock()
	return nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	p := cleanPrefix(prefix)
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, p) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Close() error { return nil }
