// Package memory keeps exported items in process memory for tests and
// one-off runs.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Object is one stored item.
type Object struct {
	ContentType string
	Data        []byte
}

// Store holds objects keyed by path and returns memory:// URIs.
type Store struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// New creates an empty Store.
func New() *Store {
	return &Store{objects: make(map[string]Object)}
}

// PutObject stores the reader's content under path, replacing any previous
// object.
func (s *Store) PutObject(_ context.Context, path, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object %s: %w", path, err)
	}
	s.mu.Lock()
	s.objects[path] = Object{ContentType: contentType, Data: data}
	s.mu.Unlock()
	return "memory://" + path, nil
}

// Get returns a copy of the object at path.
func (s *Store) Get(path string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	if !ok {
		return Object{}, false
	}
	obj.Data = append([]byte(nil), obj.Data...)
	return obj, true
}

// Paths lists stored paths in lexical order.
func (s *Store) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.objects))
	for p := range s.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
