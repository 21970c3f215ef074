// Package memory provides an in-process change feed for single-instance
// deployments and tests.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/jobqueue/internal/changefeed"
	"github.com/JakeFAU/jobqueue/internal/queue"
)

var errBusClosed = errors.New("change bus closed")

// Bus fans every published change out to all open subscriptions.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*changefeed.Stream]struct{}
	buffer int
	closed bool
}

// NewBus builds a bus whose subscribers buffer up to buffer changes.
func NewBus(buffer int) *Bus {
	return &Bus{subs: make(map[*changefeed.Stream]struct{}), buffer: buffer}
}

// Publish delivers change to every subscriber without blocking. Subscribers
// whose buffer is full are closed with queue.ErrLagged.
func (b *Bus) Publish(_ context.Context, change queue.Change) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBusClosed
	}
	for s := range b.subs {
		s.Offer(change)
	}
	return nil
}

// Subscribe registers a new subscription that ends when ctx is done or Close
// is called.
func (b *Bus) Subscribe(ctx context.Context) (queue.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errBusClosed
	}
	var stream *changefeed.Stream
	stream = changefeed.NewStream(b.buffer, func() {
		// Offer may close a stream while Publish holds the read lock.
		go b.remove(stream)
	})
	b.subs[stream] = struct{}{}
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-stream.Done():
		}
	}()
	return stream, nil
}

// Subscribers returns the number of open subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for s := range b.subs {
		if !s.Closed() {
			n++
		}
	}
	return n
}

// Close ends every subscription and rejects further use.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*changefeed.Stream, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

func (b *Bus) remove(s *changefeed.Stream) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

var _ queue.ChangeFeed = (*Bus)(nil)
