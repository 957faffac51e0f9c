package artifact

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps artifacts in process memory. URLs use the memory://
// scheme and never expire.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]Object
}

// Object is a stored artifact.
type Object struct {
	Body        []byte
	ContentType string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]Object)}
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, key string, body []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = Object{Body: append([]byte(nil), body...), ContentType: contentType}
	return nil
}

// URL implements Store.
func (s *MemoryStore) URL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "memory://" + key, nil
}

// Get returns a stored object.
func (s *MemoryStore) Get(key string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[key]
	return o, ok
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
