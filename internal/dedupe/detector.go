// Package dedupe finds existing queue items or completed results for a target.
package dedupe

import (
	"context"
	"fmt"

	"github.com/JakeFAU/jobqueue/internal/queue"
)

// MatchKind classifies a duplicate lookup.
type MatchKind string

// Lookup outcomes.
const (
	MatchNone      MatchKind = "none"
	MatchQueued    MatchKind = "queued"
	MatchCompleted MatchKind = "completed"
)

// Result describes what, if anything, already exists for a target.
type Result struct {
	Kind     MatchKind
	ItemID   string
	ResultID string
}

// Found reports whether the lookup matched anything.
func (r Result) Found() bool { return r.Kind != MatchNone }

// activeStatuses are the statuses that can hold outstanding work. Failed items
// are narrowed further by their remaining retry budget.
var activeStatuses = []queue.Status{queue.StatusPending, queue.StatusProcessing, queue.StatusFailed}

// Detector performs point lookups by exact target. Callers normalize targets
// before calling.
type Detector struct {
	items   queue.Reader
	results queue.ResultReader
}

// NewDetector builds a Detector over the queue and results collections.
func NewDetector(items queue.Reader, results queue.ResultReader) *Detector {
	return &Detector{items: items, results: results}
}

// FindDuplicate returns a queued match if an active item owns target, else a
// completed match from the results collection, else MatchNone.
func (d *Detector) FindDuplicate(ctx context.Context, target string) (Result, error) {
	items, err := d.items.Query(ctx, queue.Filter{Target: target, Statuses: activeStatuses})
	if err != nil {
		return Result{}, fmt.Errorf("failed to query queued duplicates: %w", err)
	}
	for _, item := range items {
		if item.Active() {
			return Result{Kind: MatchQueued, ItemID: item.ID}, nil
		}
	}

	res, found, err := d.results.FindResultByTarget(ctx, target)
	if err != nil {
		return Result{}, fmt.Errorf("failed to query completed duplicates: %w", err)
	}
	if found {
		return Result{Kind: MatchCompleted, ResultID: res.ID}, nil
	}
	return Result{Kind: MatchNone}, nil
}
