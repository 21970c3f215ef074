// Package changefeed carries committed queue item changes from stores to live
// subscribers. Subpackages provide in-process and Redis transports.
package changefeed

import (
	"sync"

	"github.com/JakeFAU/jobqueue/internal/queue"
)

// DefaultBuffer is the per-subscriber buffer used when none is configured.
const DefaultBuffer = 256

// Stream is a bounded per-subscriber buffer. A full buffer ends the stream with
// queue.ErrLagged instead of dropping the change.
type Stream struct {
	mu      sync.Mutex
	ch      chan queue.Change
	done    chan struct{}
	closed  bool
	err     error
	onClose func()
}

// NewStream returns a stream with the given buffer size. onClose runs once
// when the stream ends for any reason.
func NewStream(buffer int, onClose func()) *Stream {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Stream{
		ch:      make(chan queue.Change, buffer),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

// Offer enqueues change without blocking. It returns false once the stream is
// closed, including when this offer overflowed the buffer.
func (s *Stream) Offer(change queue.Change) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	select {
	case s.ch <- change:
		s.mu.Unlock()
		return true
	default:
	}
	s.finishLocked(queue.ErrLagged)
	s.mu.Unlock()
	s.runOnClose()
	return false
}

// Fail ends the stream with err.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	done := s.finishLocked(err)
	s.mu.Unlock()
	if done {
		s.runOnClose()
	}
}

// Changes implements queue.Subscription.
func (s *Stream) Changes() <-chan queue.Change { return s.ch }

// Err implements queue.Subscription.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements queue.Subscription.
func (s *Stream) Close() { s.Fail(nil) }

// Done is closed when the stream ends.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Closed reports whether the stream has ended.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream) finishLocked(err error) bool {
	if s.closed {
		return false
	}
	s.closed = true
	s.err = err
	close(s.ch)
	close(s.done)
	return true
}

func (s *Stream) runOnClose() {
	if s.onClose != nil {
		s.onClose()
	}
}

var _ queue.Subscription = (*Stream)(nil)
