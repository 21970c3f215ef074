package queue

import (
	"fmt"
	"slices"
	"time"
)

// transitions is the complete table of legal status changes. Anything not
// listed is rejected by every store.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusSuccess, StatusFailed, StatusFiltered},
	StatusFailed:     {StatusPending},
}

// CanTransition reports whether from -> to appears in the transition table.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Patch is a partial update applied through Store.UpdateFields. Nil fields are
// left untouched. An empty string in ResultMessage or ErrorDetails clears it.
type Patch struct {
	Status        *Status
	RetryCount    *int
	ResultMessage *string
	ErrorDetails  *string
	ProcessedAt   *time.Time
	CompletedAt   *time.Time

	ClearProcessedAt bool
	ClearCompletedAt bool
}

// StatusPatch is shorthand for a patch that only moves the status.
func StatusPatch(s Status) Patch {
	return Patch{Status: &s}
}

// CheckPatch validates patch against the current item using the transition
// table. The failed -> pending edge is only accepted when the patch increments
// retryCount by exactly one within the retry budget.
func CheckPatch(current Item, patch Patch) error {
	target := current.Status
	if patch.Status != nil {
		target = *patch.Status
		if !target.Valid() {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidPatch, target)
		}
	}

	if target == current.Status {
		if current.Status.Terminal() {
			return &TransitionError{From: current.Status, To: target, Reason: "item is in a terminal state"}
		}
		if patch.RetryCount != nil && *patch.RetryCount != current.RetryCount {
			return fmt.Errorf("%w: retryCount only changes on retry", ErrInvalidPatch)
		}
		return nil
	}

	if !CanTransition(current.Status, target) {
		return &TransitionError{From: current.Status, To: target}
	}

	if current.Status == StatusFailed && target == StatusPending {
		if patch.RetryCount == nil || *patch.RetryCount != current.RetryCount+1 {
			return &TransitionError{From: current.Status, To: target, Reason: "retry must increment retryCount by one"}
		}
		if *patch.RetryCount > current.MaxRetries {
			return &TransitionError{From: current.Status, To: target, Reason: "retry budget exhausted"}
		}
		return nil
	}

	if patch.RetryCount != nil && *patch.RetryCount != current.RetryCount {
		return fmt.Errorf("%w: retryCount only changes on retry", ErrInvalidPatch)
	}
	return nil
}

// Apply returns a copy of item with patch applied and the store-managed fields
// advanced: revision, updatedAt (never moving backwards), processedAt on claim
// and completedAt on entering a terminal status. Callers validate with
// CheckPatch first.
func (p Patch) Apply(item Item, now time.Time) Item {
	next := item.Clone()
	if p.Status != nil {
		next.Status = *p.Status
	}
	if p.RetryCount != nil {
		next.RetryCount = *p.RetryCount
	}
	if p.ResultMessage != nil {
		next.ResultMessage = *p.ResultMessage
	}
	if p.ErrorDetails != nil {
		next.ErrorDetails = *p.ErrorDetails
	}
	if p.ClearProcessedAt {
		next.ProcessedAt = nil
	}
	if p.ClearCompletedAt {
		next.CompletedAt = nil
	}
	if p.ProcessedAt != nil {
		next.ProcessedAt = cloneTime(p.ProcessedAt)
	}
	if p.CompletedAt != nil {
		next.CompletedAt = cloneTime(p.CompletedAt)
	}

	if now.Before(item.UpdatedAt) {
		now = item.UpdatedAt
	}
	if next.Status != item.Status {
		switch {
		case next.Status == StatusProcessing && next.ProcessedAt == nil:
			next.ProcessedAt = cloneTime(&now)
		case next.Status.Terminal() && next.CompletedAt == nil:
			next.CompletedAt = cloneTime(&now)
		}
	}
	next.UpdatedAt = now
	next.Revision = item.Revision + 1
	return next
}
