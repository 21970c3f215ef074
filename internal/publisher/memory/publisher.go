// Package memory records dispatch notifications in process. It is used when no
// Pub/Sub topic is configured and in tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/jobqueue/internal/queue"
)

// Notifier keeps every notification it receives.
type Notifier struct {
	mu   sync.RWMutex
	sent []queue.Notification
	err  error
}

// New returns an empty Notifier.
func New() *Notifier {
	return &Notifier{}
}

// Notify records n and returns a pseudo message id.
func (p *Notifier) Notify(_ context.Context, n queue.Notification) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.sent = append(p.sent, n)
	return fmt.Sprintf("memory-%d", len(p.sent)), nil
}

// FailWith makes subsequent Notify calls return err. Pass nil to recover.
func (p *Notifier) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Sent returns a copy of the recorded notifications.
func (p *Notifier) Sent() []queue.Notification {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]queue.Notification, len(p.sent))
	copy(out, p.sent)
	return out
}

var _ queue.Notifier = (*Notifier)(nil)
