package queue

import (
	"context"
	"slices"
	"time"
)

// Filter narrows a Query or a live subscription. Zero values match everything.
type Filter struct {
	Statuses []Status
	Kind     Kind
	Target   string
	// Limit caps Query results; 0 means unbounded. Subscriptions ignore it.
	Limit int
}

// Matches reports whether item satisfies the filter.
func (f Filter) Matches(item Item) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, item.Status) {
		return false
	}
	if f.Kind != "" && item.Kind != f.Kind {
		return false
	}
	if f.Target != "" && item.Target != f.Target {
		return false
	}
	return true
}

// Reader is the read-only side of the queue store.
type Reader interface {
	// Get returns the item or ErrNotFound.
	Get(ctx context.Context, id string) (Item, error)
	// Query returns matching items ordered by createdAt ascending.
	Query(ctx context.Context, filter Filter) ([]Item, error)
}

// Store persists queue items and enforces the lifecycle on every write.
type Store interface {
	Reader
	// Create persists a new item under a fresh id and returns it. It never
	// overwrites and fails with ErrDuplicateTarget when an active item already
	// owns a deduplicated target.
	Create(ctx context.Context, item Item) (string, error)
	// UpdateFields applies patch atomically. A non-nil expected status turns the
	// write into a compare-and-set that fails with ErrConflict on mismatch.
	UpdateFields(ctx context.Context, id string, patch Patch, expected *Status) (Item, error)
	// Delete removes the item. Administrative use only.
	Delete(ctx context.Context, id string) error
}

// ResultReader looks up completed analyses by target.
type ResultReader interface {
	FindResultByTarget(ctx context.Context, target string) (Result, bool, error)
}

// ResultStore adds the write side used by tooling and tests.
type ResultStore interface {
	ResultReader
	RecordResult(ctx context.Context, result Result) error
}

// ChangeKind classifies a change event.
type ChangeKind string

// Change kinds.
const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// Change is one committed write to an item.
type Change struct {
	Kind ChangeKind `json:"kind"`
	Item Item       `json:"item"`
}

// ChangePublisher receives every committed change from a store.
type ChangePublisher interface {
	Publish(ctx context.Context, change Change) error
}

// Subscription delivers changes until closed. When the channel closes, Err
// reports why: nil for a normal close, ErrLagged when the subscriber fell behind.
type Subscription interface {
	Changes() <-chan Change
	Err() error
	Close()
}

// ChangeSubscriber opens subscriptions on the change feed.
type ChangeSubscriber interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// ChangeFeed is both sides of a change transport.
type ChangeFeed interface {
	ChangePublisher
	ChangeSubscriber
}

// Notifier tells the external worker about claimable work.
type Notifier interface {
	Notify(ctx context.Context, n Notification) (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers for items and results.
type IDGenerator interface {
	NewID() string
}
