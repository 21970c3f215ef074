// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobqueue/internal/queue"
)

// ItemStore keeps queue items in a map guarded by a RWMutex, with a secondary
// index on target for point lookups. Changes are queued in commit order under
// the write lock and published after it is released.
type ItemStore struct {
	mu       sync.RWMutex
	items    map[string]queue.Item
	byTarget map[string]map[string]struct{}
	outbox   []queue.Change

	// pubMu serializes flushes so the feed sees changes in commit order.
	pubMu sync.Mutex

	ids    queue.IDGenerator
	clock  queue.Clock
	feed   queue.ChangePublisher
	logger *zap.Logger
}

// NewItemStore constructs an ItemStore. feed and logger may be nil.
func NewItemStore(ids queue.IDGenerator, clock queue.Clock, feed queue.ChangePublisher, logger *zap.Logger) *ItemStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ItemStore{
		items:    make(map[string]queue.Item),
		byTarget: make(map[string]map[string]struct{}),
		ids:      ids,
		clock:    clock,
		feed:     feed,
		logger:   logger,
	}
}

// Create stores item under a fresh id.
func (s *ItemStore) Create(ctx context.Context, item queue.Item) (string, error) {
	if err := item.Validate(); err != nil {
		return "", err
	}
	defer s.flush(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.ids.NewID()
	if _, exists := s.items[id]; exists {
		return "", fmt.Errorf("item id %s already exists", id)
	}
	if item.Kind.Deduplicated() && item.Active() && s.activeTargetLocked(item.Target) {
		return "", queue.ErrDuplicateTarget
	}

	now := s.clock.Now()
	item = item.Clone()
	item.ID = id
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}
	item.Revision = 1
	s.putLocked(item)
	s.enqueueLocked(queue.ChangeAdded, item)
	return id, nil
}

// Get fetches an item by id.
func (s *ItemStore) Get(_ context.Context, id string) (queue.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return queue.Item{}, queue.ErrNotFound
	}
	return item.Clone(), nil
}

// Query returns matching items ordered by createdAt.
func (s *ItemStore) Query(_ context.Context, filter queue.Filter) ([]queue.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []queue.Item
	collect := func(item queue.Item) {
		if filter.Matches(item) {
			out = append(out, item.Clone())
		}
	}
	if filter.Target != "" {
		for id := range s.byTarget[filter.Target] {
			collect(s.items[id])
		}
	} else {
		for _, item := range s.items {
			collect(item)
		}
	}
	slices.SortFunc(out, func(a, b queue.Item) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpdateFields applies patch under the write lock so the expected-status check
// and the write are atomic.
func (s *ItemStore) UpdateFields(
	ctx context.Context,
	id string,
	patch queue.Patch,
	expected *queue.Status,
) (queue.Item, error) {
	defer s.flush(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.items[id]
	if !ok {
		return queue.Item{}, queue.ErrNotFound
	}
	if expected != nil && current.Status != *expected {
		return queue.Item{}, &queue.StatusMismatchError{ID: id, Expected: *expected, Actual: current.Status}
	}
	if err := queue.CheckPatch(current, patch); err != nil {
		return queue.Item{}, err
	}
	next := patch.Apply(current, s.clock.Now())
	if err := next.Validate(); err != nil {
		return queue.Item{}, err
	}
	if next.Kind.Deduplicated() && next.Active() && !current.Active() && s.activeTargetLocked(next.Target) {
		return queue.Item{}, queue.ErrDuplicateTarget
	}
	s.putLocked(next)
	s.enqueueLocked(queue.ChangeModified, next)
	return next.Clone(), nil
}

// Delete removes an item.
func (s *ItemStore) Delete(ctx context.Context, id string) error {
	defer s.flush(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return queue.ErrNotFound
	}
	delete(s.items, id)
	if ids := s.byTarget[item.Target]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(s.byTarget, item.Target)
		}
	}
	s.enqueueLocked(queue.ChangeRemoved, item)
	return nil
}

func (s *ItemStore) putLocked(item queue.Item) {
	s.items[item.ID] = item
	ids := s.byTarget[item.Target]
	if ids == nil {
		ids = make(map[string]struct{})
		s.byTarget[item.Target] = ids
	}
	ids[item.ID] = struct{}{}
}

func (s *ItemStore) activeTargetLocked(target string) bool {
	for id := range s.byTarget[target] {
		existing := s.items[id]
		if existing.Kind.Deduplicated() && existing.Active() {
			return true
		}
	}
	return false
}

func (s *ItemStore) enqueueLocked(kind queue.ChangeKind, item queue.Item) {
	if s.feed == nil {
		return
	}
	s.outbox = append(s.outbox, queue.Change{Kind: kind, Item: item.Clone()})
}

// flush publishes queued changes without holding the write lock, so a slow
// feed never blocks readers. A change is on the feed before the write that
// queued it returns.
func (s *ItemStore) flush(ctx context.Context) {
	if s.feed == nil {
		return
	}
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	batch := s.outbox
	s.outbox = nil
	s.mu.Unlock()

	for _, change := range batch {
		if err := s.feed.Publish(ctx, change); err != nil {
			s.logger.Warn("failed to publish change",
				zap.String("item_id", change.Item.ID),
				zap.String("change", string(change.Kind)),
				zap.Error(err))
		}
	}
}

var _ queue.Store = (*ItemStore)(nil)
