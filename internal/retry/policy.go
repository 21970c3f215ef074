// Package retry moves failed queue items back to pending within their retry
// budget.
package retry

import (
	"fmt"
	"time"

	"github.com/JakeFAU/jobqueue/internal/queue"
	"github.com/JakeFAU/jobqueue/internal/settings"
)

// Policy decides retry eligibility and builds the retry write. It has no
// state; the zero value is ready to use.
type Policy struct{}

// Eligible returns ErrNotRetryable unless item is failed with budget left.
func (Policy) Eligible(item queue.Item) error {
	if item.Status != queue.StatusFailed {
		return fmt.Errorf("%w: item %s is %s", queue.ErrNotRetryable, item.ID, item.Status)
	}
	if item.RetryCount >= item.MaxRetries {
		return fmt.Errorf("%w: item %s exhausted %d/%d retries", queue.ErrNotRetryable, item.ID, item.RetryCount, item.MaxRetries)
	}
	return nil
}

// Patch returns the store patch that retries item. Stores apply it with
// expected status failed so a concurrent transition turns into ErrConflict.
func (p Policy) Patch(item queue.Item) (queue.Patch, error) {
	if err := p.Eligible(item); err != nil {
		return queue.Patch{}, err
	}
	pending := queue.StatusPending
	next := item.RetryCount + 1
	empty := ""
	return queue.Patch{
		Status:           &pending,
		RetryCount:       &next,
		ErrorDetails:     &empty,
		ClearProcessedAt: true,
		ClearCompletedAt: true,
	}, nil
}

// Retry returns item as it looks after a retry: retryCount+1, pending, error
// details and processing timestamps cleared. It never checks the retry delay.
func (p Policy) Retry(item queue.Item, now time.Time) (queue.Item, error) {
	patch, err := p.Patch(item)
	if err != nil {
		return queue.Item{}, err
	}
	if err := queue.CheckPatch(item, patch); err != nil {
		return queue.Item{}, fmt.Errorf("retry %s: %w", item.ID, err)
	}
	return patch.Apply(item, now), nil
}

// Due reports whether a failed item has waited retryDelaySeconds since it
// completed. Only the automatic retry scheduler consults it.
func (p Policy) Due(item queue.Item, qs settings.QueueSettings, now time.Time) bool {
	if p.Eligible(item) != nil {
		return false
	}
	since := item.UpdatedAt
	if item.CompletedAt != nil {
		since = *item.CompletedAt
	}
	return !now.Before(since.Add(qs.RetryDelay()))
}
