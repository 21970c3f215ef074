// Package live projects the queue store into per-subscriber views: a snapshot
// of the matching items followed by incremental added, modified, and removed
// events. It only reads from the store.
package live

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobqueue/internal/queue"
)

const defaultBuffer = 64

// Event is one change to a subscriber's view.
type Event struct {
	Kind queue.ChangeKind `json:"changeKind"`
	Item queue.Item       `json:"item"`
}

// Options tunes a Projector.
type Options struct {
	// Buffer is the per-subscription event buffer (default 64).
	Buffer int
	Logger *zap.Logger
}

// Projector serves live views over a queue.Reader and a change feed.
type Projector struct {
	reader queue.Reader
	feed   queue.ChangeSubscriber
	buffer int
	logger *zap.Logger
}

// New builds a Projector.
func New(reader queue.Reader, feed queue.ChangeSubscriber, opts Options) (*Projector, error) {
	if reader == nil {
		return nil, errors.New("reader is required")
	}
	if feed == nil {
		return nil, errors.New("change subscriber is required")
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Projector{reader: reader, feed: feed, buffer: opts.Buffer, logger: opts.Logger}, nil
}

// Subscription is an open live view. Events closes when the view ends; Err then
// reports why.
type Subscription struct {
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Events returns the event channel.
func (s *Subscription) Events() <-chan Event { return s.events }

// Err is nil after a normal close or cancellation and queue.ErrLagged when the
// subscriber fell behind the change feed. It is only meaningful once Events
// has closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the view and waits for the projection goroutine to exit.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Subscribe opens a view over items matching filter. The feed is subscribed
// before the snapshot is read so no committed change falls between the two;
// changes already reflected in the snapshot are discarded by revision.
func (p *Projector) Subscribe(ctx context.Context, filter queue.Filter) (*Subscription, error) {
	filter.Limit = 0
	ctx, cancel := context.WithCancel(ctx)

	changes, err := p.feed.Subscribe(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe to change feed: %w", err)
	}
	snapshot, err := p.reader.Query(ctx, filter)
	if err != nil {
		changes.Close()
		cancel()
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	sub := &Subscription{
		events: make(chan Event, p.buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	v := newView(filter, snapshot)
	go p.run(ctx, sub, changes, v, snapshot)
	return sub, nil
}

func (p *Projector) run(ctx context.Context, sub *Subscription, changes queue.Subscription, v *view, snapshot []queue.Item) {
	defer close(sub.done)
	defer close(sub.events)
	defer changes.Close()

	send := func(evt Event) bool {
		select {
		case sub.events <- evt:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for _, item := range snapshot {
		if !send(Event{Kind: queue.ChangeAdded, Item: item}) {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes.Changes():
			if !ok {
				err := changes.Err()
				if err != nil {
					p.logger.Warn("live view ended", zap.Error(err))
				}
				sub.mu.Lock()
				sub.err = err
				sub.mu.Unlock()
				return
			}
			evt, emit := v.apply(change)
			if emit && !send(evt) {
				return
			}
		}
	}
}

// view tracks which items a subscriber currently sees and the last revision
// observed per item.
type view struct {
	filter  queue.Filter
	visible map[string]struct{}
	seen    map[string]int64
}

func newView(filter queue.Filter, snapshot []queue.Item) *view {
	v := &view{
		filter:  filter,
		visible: make(map[string]struct{}, len(snapshot)),
		seen:    make(map[string]int64, len(snapshot)),
	}
	for _, item := range snapshot {
		v.visible[item.ID] = struct{}{}
		v.seen[item.ID] = item.Revision
	}
	return v
}

// apply folds change into the view and returns the event the subscriber
// should see, if any.
func (v *view) apply(change queue.Change) (Event, bool) {
	item := change.Item
	last, known := v.seen[item.ID]
	_, visible := v.visible[item.ID]

	if change.Kind == queue.ChangeRemoved {
		// Deletes carry the final revision without bumping it.
		if known && item.Revision < last {
			return Event{}, false
		}
		// Keep the revision as a tombstone so a modify that raced the delete
		// cannot bring the item back.
		v.seen[item.ID] = item.Revision
		if !visible {
			return Event{}, false
		}
		delete(v.visible, item.ID)
		return Event{Kind: queue.ChangeRemoved, Item: item}, true
	}

	if known && item.Revision <= last {
		return Event{}, false
	}
	v.seen[item.ID] = item.Revision

	matches := v.filter.Matches(item)
	switch {
	case matches && visible:
		return Event{Kind: queue.ChangeModified, Item: item}, true
	case matches:
		v.visible[item.ID] = struct{}{}
		return Event{Kind: queue.ChangeAdded, Item: item}, true
	case visible:
		delete(v.visible, item.ID)
		return Event{Kind: queue.ChangeRemoved, Item: item}, true
	default:
		return Event{}, false
	}
}
