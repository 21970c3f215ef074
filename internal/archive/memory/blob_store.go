// Package memory keeps archived items in memory for development.
package memory

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"
)

// Object is a stored archive blob.
type Object struct {
	ContentType string
	Metadata    map[string]string
	Data        []byte
}

// BlobStore stores archive objects in a map and returns memory:// URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// NewBlobStore creates an empty store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]Object)}
}

// PutObject copies the content under objectPath.
func (s *BlobStore) PutObject(
	_ context.Context,
	objectPath, contentType string,
	metadata map[string]string,
	r io.Reader,
) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read archive body: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectPath] = Object{
		ContentType: contentType,
		Metadata:    maps.Clone(metadata),
		Data:        data,
	}
	return "memory://" + objectPath, nil
}

// Object returns a stored object.
func (s *BlobStore) Object(objectPath string) (Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[objectPath]
	return obj, ok
}

// Paths lists stored object paths in sorted order.
func (s *BlobStore) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.objects))
}
