// Package queue defines the queue item model, the lifecycle rules that govern
// it, and the store contracts shared by the intake pipeline, the storage
// backends, and the live view.
package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind selects which downstream worker handles an item.
type Kind string

// Supported item kinds.
const (
	KindJob           Kind = "job"
	KindCompanySource Kind = "company-source"
	KindScrapeRequest Kind = "scrape-request"
)

// ParseKind converts user input into a Kind.
func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown kind %q", raw)
	}
	return k, nil
}

// Valid reports whether k is one of the supported kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindJob, KindCompanySource, KindScrapeRequest:
		return true
	default:
		return false
	}
}

// Deduplicated reports whether items of this kind carry a normalized URL target
// that participates in duplicate detection.
func (k Kind) Deduplicated() bool {
	return k == KindJob || k == KindCompanySource
}

// Status is the lifecycle state of a queue item.
type Status string

// Item statuses.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
	StatusFiltered   Status = "filtered"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusSuccess,
	StatusFailed,
	StatusSkipped,
	StatusFiltered,
}

// ParseStatus converts user input into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no automatic transition leaves s. Failed is terminal
// unless an explicit retry moves it back to pending.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusSkipped, StatusFiltered:
		return true
	default:
		return false
	}
}

// ScrapeConfig bounds a scrape-request. A nil field means "no limit".
type ScrapeConfig struct {
	TargetMatches *int     `json:"targetMatches,omitempty"`
	MaxSources    *int     `json:"maxSources,omitempty"`
	MinMatchScore *int     `json:"minMatchScore,omitempty"`
	SourceIDs     []string `json:"sourceIds,omitempty"`
}

// Validate checks the configured limits.
func (c ScrapeConfig) Validate() error {
	if c.TargetMatches != nil && *c.TargetMatches <= 0 {
		return errors.New("scrapeConfig.targetMatches must be > 0")
	}
	if c.MaxSources != nil && *c.MaxSources <= 0 {
		return errors.New("scrapeConfig.maxSources must be > 0")
	}
	if c.MinMatchScore != nil && (*c.MinMatchScore < 0 || *c.MinMatchScore > 100) {
		return errors.New("scrapeConfig.minMatchScore must be between 0 and 100")
	}
	for _, id := range c.SourceIDs {
		if strings.TrimSpace(id) == "" {
			return errors.New("scrapeConfig.sourceIds must not contain blank ids")
		}
	}
	return nil
}

func (c *ScrapeConfig) clone() *ScrapeConfig {
	if c == nil {
		return nil
	}
	out := &ScrapeConfig{
		TargetMatches: cloneInt(c.TargetMatches),
		MaxSources:    cloneInt(c.MaxSources),
		MinMatchScore: cloneInt(c.MinMatchScore),
	}
	if c.SourceIDs != nil {
		out.SourceIDs = append([]string(nil), c.SourceIDs...)
	}
	return out
}

// Item is the unit of work tracked by the queue.
type Item struct {
	ID            string        `json:"id"`
	Kind          Kind          `json:"kind"`
	Status        Status        `json:"status"`
	Target        string        `json:"target"`
	CompanyName   string        `json:"companyName,omitempty"`
	SubmittedBy   string        `json:"submittedBy,omitempty"`
	RetryCount    int           `json:"retryCount"`
	MaxRetries    int           `json:"maxRetries"`
	ResultMessage string        `json:"resultMessage,omitempty"`
	ErrorDetails  string        `json:"errorDetails,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	ProcessedAt   *time.Time    `json:"processedAt,omitempty"`
	CompletedAt   *time.Time    `json:"completedAt,omitempty"`
	ScrapeConfig  *ScrapeConfig `json:"scrapeConfig,omitempty"`
	// Revision increments on every committed write and orders change events
	// for a single item.
	Revision int64 `json:"revision"`
}

// Clone returns a deep copy so callers never share pointer fields with a store.
func (i Item) Clone() Item {
	out := i
	out.ProcessedAt = cloneTime(i.ProcessedAt)
	out.CompletedAt = cloneTime(i.CompletedAt)
	out.ScrapeConfig = i.ScrapeConfig.clone()
	return out
}

// Validate enforces the structural invariants of an item.
func (i Item) Validate() error {
	if !i.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidItem, i.Kind)
	}
	if !i.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidItem, i.Status)
	}
	if i.Kind.Deduplicated() && strings.TrimSpace(i.Target) == "" {
		return fmt.Errorf("%w: target is required for kind %s", ErrInvalidItem, i.Kind)
	}
	if i.RetryCount < 0 || i.MaxRetries < 0 || i.RetryCount > i.MaxRetries {
		return fmt.Errorf("%w: retryCount %d outside [0, %d]", ErrInvalidItem, i.RetryCount, i.MaxRetries)
	}
	if i.ScrapeConfig != nil {
		if i.Kind != KindScrapeRequest {
			return fmt.Errorf("%w: scrapeConfig is only allowed for %s", ErrInvalidItem, KindScrapeRequest)
		}
		if err := i.ScrapeConfig.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidItem, err)
		}
	}
	if !i.CreatedAt.IsZero() && !i.UpdatedAt.IsZero() && i.UpdatedAt.Before(i.CreatedAt) {
		return fmt.Errorf("%w: updatedAt precedes createdAt", ErrInvalidItem)
	}
	if i.ProcessedAt != nil && i.CompletedAt != nil && i.CompletedAt.Before(*i.ProcessedAt) {
		return fmt.Errorf("%w: completedAt precedes processedAt", ErrInvalidItem)
	}
	return nil
}

// Retryable reports whether the retry budget still allows a failed item back
// into the queue.
func (i Item) Retryable() bool {
	return i.Status == StatusFailed && i.RetryCount < i.MaxRetries
}

// Active reports whether the item still represents outstanding work for its
// target: waiting, in flight, or failed with retries left.
func (i Item) Active() bool {
	switch i.Status {
	case StatusPending, StatusProcessing:
		return true
	case StatusFailed:
		return i.RetryCount < i.MaxRetries
	default:
		return false
	}
}

// Result is a completed analysis in the results collection.
type Result struct {
	ID          string    `json:"id"`
	Target      string    `json:"target"`
	ItemID      string    `json:"itemId,omitempty"`
	CompanyName string    `json:"companyName,omitempty"`
	MatchScore  *int      `json:"matchScore,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Notification tells the external worker that an item is ready to be claimed.
type Notification struct {
	ItemID  string `json:"itemId"`
	Kind    Kind   `json:"kind"`
	Target  string `json:"target"`
	Attempt int    `json:"attempt"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
