// Package blob stores binary artifacts: source blueprints, previews and PDFs.
package blob

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("blob not found")

// Object locates a stored blob. Path is the stable key, URL is where clients
// can fetch it.
type Object struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}

type Store interface {
	Put(ctx context.Context, path string, data []byte, contentType string) (Object, error)
	Get(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
}

// Memory is an in-process Store for tests and single-node development.
type Memory struct {
	BaseURL string

	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
}

func NewMemory(baseURL string) *Memory {
	return &Memory{BaseURL: strings.TrimRight(baseURL, "/"), objects: map[string]memoryObject{}}
}

func (m *Memory) Put(_ context.Context, path string, data []byte, contentType string) (Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = memoryObject{data: append([]byte(nil), data...), contentType: contentType}
	return Object{Path: path, URL: m.BaseURL + "/" + path}, nil
}

func (m *Memory) Get(_ context.Context, path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[path]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), obj.data...), nil
}

// Delete is idempotent.
func (m *Memory) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
	return nil
}

// ContentType returns the stored content type, or "" when absent.
func (m *Memory) ContentType(path string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.objects[path].contentType
}

// Paths lists stored keys in order.
func (m *Memory) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	paths := make([]string, 0, len(m.objects))
	for p := range m.objects {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
