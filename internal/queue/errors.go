package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the requested queue item does not exist.
	ErrNotFound = errors.New("queue item not found")
	// ErrConflict indicates a write lost a race or violated the lifecycle.
	ErrConflict = errors.New("queue item conflict")
	// ErrNotRetryable indicates the retry preconditions were not met.
	ErrNotRetryable = errors.New("queue item not retryable")
	// ErrStoreUnavailable indicates a transient storage failure.
	ErrStoreUnavailable = errors.New("queue store unavailable")
	// ErrDuplicateTarget is returned by Create when another active item already
	// owns the same target.
	ErrDuplicateTarget = errors.New("active item with target already exists")
	// ErrInvalidItem flags structurally invalid items.
	ErrInvalidItem = errors.New("invalid queue item")
	// ErrInvalidPatch flags patches that touch fields outside their transition.
	ErrInvalidPatch = errors.New("invalid queue item patch")
	// ErrLagged is reported by change subscriptions that fell too far behind.
	ErrLagged = errors.New("change subscriber lagged behind the feed")
)

// TransitionError reports a status change the lifecycle does not allow.
type TransitionError struct {
	From   Status
	To     Status
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
	}
	return fmt.Sprintf("illegal transition %s -> %s: %s", e.From, e.To, e.Reason)
}

// Is lets errors.Is(err, ErrConflict) match transition failures.
func (e *TransitionError) Is(target error) bool {
	return target == ErrConflict
}

// StatusMismatchError reports a conditional update whose expected status no
// longer holds.
type StatusMismatchError struct {
	ID       string
	Expected Status
	Actual   Status
}

func (e *StatusMismatchError) Error() string {
	return fmt.Sprintf("item %s: expected status %s, found %s", e.ID, e.Expected, e.Actual)
}

// Is lets errors.Is(err, ErrConflict) match status mismatches.
func (e *StatusMismatchError) Is(target error) bool {
	return target == ErrConflict
}

// StoreError wraps a driver or network failure. The original error is kept
// intact for callers that need driver specifics.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrStoreUnavailable) match any store failure.
func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// Unavailable wraps err as a StoreError for op. Nil stays nil.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
