package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/jobqueue/internal/queue"
)

// ResultStore indexes completed results by target, keeping the newest.
type ResultStore struct {
	mu       sync.RWMutex
	byTarget map[string]queue.Result
}

// NewResultStore constructs an empty ResultStore.
func NewResultStore() *ResultStore {
	return &ResultStore{byTarget: make(map[string]queue.Result)}
}

// RecordResult stores result, replacing any older result for the same target.
func (s *ResultStore) RecordResult(_ context.Context, result queue.Result) error {
	if result.ID == "" || result.Target == "" {
		return errors.New("result id and target are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byTarget[result.Target]; ok && existing.CreatedAt.After(result.CreatedAt) {
		return nil
	}
	s.byTarget[result.Target] = result
	return nil
}

// FindResultByTarget returns the newest result for target.
func (s *ResultStore) FindResultByTarget(_ context.Context, target string) (queue.Result, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.byTarget[target]
	return result, ok, nil
}

var _ queue.ResultStore = (*ResultStore)(nil)
