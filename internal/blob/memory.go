package blob

import (
	"context"
	"net/url"
	"strings"
	"sync"
)

type object struct {
	contentType string
	data        []byte
}

// Memory keeps objects in a map. URLs are BaseURL/key.
type Memory struct {
	BaseURL string

	mu      sync.RWMutex
	objects map[string]object
}

// NewMemory returns an empty store. baseURL defaults to "memory://".
func NewMemory(baseURL string) *Memory {
	if baseURL == "" {
		baseURL = "memory://"
	}
	return &Memory{BaseURL: strings.TrimSuffix(baseURL, "/"), objects: make(map[string]object)}
}

func (m *Memory) Put(_ context.Context, key, contentType string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = object{contentType: contentType, data: cp}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return ErrNotFound
	}
	delete(m.objects, key)
	return nil
}

func (m *Memory) URL(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.objects[key]; !ok {
		return "", ErrNotFound
	}
	return m.BaseURL + "/" + (&url.URL{Path: key}).EscapedPath(), nil
}

// Get returns the stored bytes and content type.
func (m *Memory) Get(key string) ([]byte, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	return obj.data, obj.contentType, ok
}

// Len reports how many objects are stored.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

var _ Store = (*Memory)(nil)
