// Package settings exposes the administrative configuration documents (stop
// list, queue settings, AI settings) on top of a raw document store.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Well-known document names.
const (
	DocStopList      = "stop-list"
	DocQueueSettings = "queue-settings"
	DocAISettings    = "ai-settings"
)

// ErrInvalid flags a document that fails validation.
var ErrInvalid = errors.New("invalid configuration document")

// StopList holds the exclusion substrings used by admission.
type StopList struct {
	ExcludedCompanies []string  `json:"excludedCompanies"`
	ExcludedKeywords  []string  `json:"excludedKeywords"`
	ExcludedDomains   []string  `json:"excludedDomains"`
	UpdatedAt         time.Time `json:"updatedAt"`
	UpdatedBy         string    `json:"updatedBy,omitempty"`
}

// Normalize trims entries and drops blanks. A blank entry would match every
// input under substring containment.
func (s StopList) Normalize() StopList {
	s.ExcludedCompanies = compact(s.ExcludedCompanies)
	s.ExcludedKeywords = compact(s.ExcludedKeywords)
	s.ExcludedDomains = compact(s.ExcludedDomains)
	return s
}

func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// QueueSettings are the retry and timeout knobs applied to new items.
type QueueSettings struct {
	MaxRetries               int       `json:"maxRetries"`
	RetryDelaySeconds        int       `json:"retryDelaySeconds"`
	ProcessingTimeoutSeconds int       `json:"processingTimeoutSeconds"`
	UpdatedAt                time.Time `json:"updatedAt"`
	UpdatedBy                string    `json:"updatedBy,omitempty"`
}

// DefaultQueueSettings returns the built-in defaults.
func DefaultQueueSettings() QueueSettings {
	return QueueSettings{MaxRetries: 3, RetryDelaySeconds: 60, ProcessingTimeoutSeconds: 300}
}

// Validate requires every knob to be strictly positive.
func (q QueueSettings) Validate() error {
	if q.MaxRetries <= 0 {
		return fmt.Errorf("%w: maxRetries must be > 0", ErrInvalid)
	}
	if q.RetryDelaySeconds <= 0 {
		return fmt.Errorf("%w: retryDelaySeconds must be > 0", ErrInvalid)
	}
	if q.ProcessingTimeoutSeconds <= 0 {
		return fmt.Errorf("%w: processingTimeoutSeconds must be > 0", ErrInvalid)
	}
	return nil
}

// RetryDelay converts RetryDelaySeconds to a duration.
func (q QueueSettings) RetryDelay() time.Duration {
	return time.Duration(q.RetryDelaySeconds) * time.Second
}

// ProcessingTimeout converts ProcessingTimeoutSeconds to a duration.
func (q QueueSettings) ProcessingTimeout() time.Duration {
	return time.Duration(q.ProcessingTimeoutSeconds) * time.Second
}

// AISettings configure the external matching pipeline. They are stored and
// validated here but consumed elsewhere.
type AISettings struct {
	Provider           string    `json:"provider"`
	Model              string    `json:"model"`
	MinMatchScore      int       `json:"minMatchScore"`
	GenerateIntakeData bool      `json:"generateIntakeData"`
	UpdatedAt          time.Time `json:"updatedAt"`
	UpdatedBy          string    `json:"updatedBy,omitempty"`
}

// DefaultAISettings returns the built-in defaults.
func DefaultAISettings() AISettings {
	return AISettings{MinMatchScore: 70}
}

// Validate checks the score range.
func (a AISettings) Validate() error {
	if a.MinMatchScore < 0 || a.MinMatchScore > 100 {
		return fmt.Errorf("%w: minMatchScore must be between 0 and 100", ErrInvalid)
	}
	return nil
}

// DocumentStore persists named JSON documents.
type DocumentStore interface {
	// GetDocument returns the raw body and whether the document exists.
	GetDocument(ctx context.Context, name string) ([]byte, bool, error)
	PutDocument(ctx context.Context, name string, body []byte) error
}

// Store is the typed configuration store. Missing documents resolve to
// defaults; every read goes to the backing store so admin edits apply to the
// next evaluation.
type Store struct {
	docs          DocumentStore
	queueDefaults QueueSettings
}

// NewStore wraps docs. queueDefaults seeds QueueSettings until an administrator
// saves a document; a zero value falls back to DefaultQueueSettings.
func NewStore(docs DocumentStore, queueDefaults QueueSettings) *Store {
	if queueDefaults.Validate() != nil {
		queueDefaults = DefaultQueueSettings()
	}
	return &Store{docs: docs, queueDefaults: queueDefaults}
}

// StopList returns the current stop list.
func (s *Store) StopList(ctx context.Context) (StopList, error) {
	var list StopList
	if _, err := s.load(ctx, DocStopList, &list); err != nil {
		return StopList{}, err
	}
	return list.Normalize(), nil
}

// PutStopList replaces the stop list.
func (s *Store) PutStopList(ctx context.Context, list StopList) error {
	return s.save(ctx, DocStopList, list.Normalize())
}

// QueueSettings returns the current queue settings.
func (s *Store) QueueSettings(ctx context.Context) (QueueSettings, error) {
	qs := s.queueDefaults
	found, err := s.load(ctx, DocQueueSettings, &qs)
	if err != nil {
		return QueueSettings{}, err
	}
	if found {
		if err := qs.Validate(); err != nil {
			return QueueSettings{}, fmt.Errorf("stored %s: %w", DocQueueSettings, err)
		}
	}
	return qs, nil
}

// PutQueueSettings validates and replaces the queue settings.
func (s *Store) PutQueueSettings(ctx context.Context, qs QueueSettings) error {
	if err := qs.Validate(); err != nil {
		return err
	}
	return s.save(ctx, DocQueueSettings, qs)
}

// AISettings returns the current AI settings.
func (s *Store) AISettings(ctx context.Context) (AISettings, error) {
	ai := DefaultAISettings()
	if _, err := s.load(ctx, DocAISettings, &ai); err != nil {
		return AISettings{}, err
	}
	return ai, nil
}

// PutAISettings validates and replaces the AI settings.
func (s *Store) PutAISettings(ctx context.Context, ai AISettings) error {
	if err := ai.Validate(); err != nil {
		return err
	}
	return s.save(ctx, DocAISettings, ai)
}

func (s *Store) load(ctx context.Context, name string, dst any) (bool, error) {
	body, found, err := s.docs.GetDocument(ctx, name)
	if err != nil {
		return false, fmt.Errorf("failed to load %s: %w", name, err)
	}
	if !found {
		return false, nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return true, nil
}

func (s *Store) save(ctx context.Context, name string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	if err := s.docs.PutDocument(ctx, name, body); err != nil {
		return fmt.Errorf("failed to save %s: %w", name, err)
	}
	return nil
}
