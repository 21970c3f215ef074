package memory

import (
	"context"
	"sync"
)

// DocumentStore keeps named configuration documents in memory.
type DocumentStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewDocumentStore constructs an empty DocumentStore.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{docs: make(map[string][]byte)}
}

// GetDocument returns a copy of the stored body.
func (s *DocumentStore) GetDocument(_ context.Context, name string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	body, ok := s.docs[name]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), body...), true, nil
}

// PutDocument replaces the named document.
func (s *DocumentStore) PutDocument(_ context.Context, name string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[name] = append([]byte(nil), body...)
	return nil
}
