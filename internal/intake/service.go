// Package intake runs the queue's write paths: the admission pipeline for new
// submissions, worker claims and write-backs, operator retries, and the
// periodic maintenance used by the scheduler.
package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobqueue/internal/admission"
	"github.com/JakeFAU/jobqueue/internal/archive"
	"github.com/JakeFAU/jobqueue/internal/dedupe"
	"github.com/JakeFAU/jobqueue/internal/events"
	"github.com/JakeFAU/jobqueue/internal/queue"
	"github.com/JakeFAU/jobqueue/internal/retry"
	"github.com/JakeFAU/jobqueue/internal/settings"
)

// Outcome is the result class of a submission.
type Outcome string

// Submission outcomes.
const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeRejected  Outcome = "rejected"
	OutcomeDuplicate Outcome = "duplicate"
)

// ReapTimeoutMessage is written to errorDetails when the reaper fails a stale
// claim.
const ReapTimeoutMessage = "processing timeout"

// tracerName identifies spans started by the write paths.
const tracerName = "github.com/JakeFAU/jobqueue/internal/intake"

// claimBatch bounds how many pending candidates ClaimNext inspects per call.
const claimBatch = 16

// Submission is a request to add work to the queue.
type Submission struct {
	Target       string              `json:"target"`
	CompanyName  string              `json:"companyName,omitempty"`
	Kind         queue.Kind          `json:"kind"`
	ScrapeConfig *queue.ScrapeConfig `json:"scrapeConfig,omitempty"`
	SubmittedBy  string              `json:"submittedBy,omitempty"`
}

// Result reports what happened to a submission. Rejections and duplicates are
// outcomes, not errors.
type Result struct {
	Status   Outcome        `json:"status"`
	ItemID   string         `json:"itemId,omitempty"`
	ResultID string         `json:"resultId,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Rule     admission.Rule `json:"rule,omitempty"`
}

// Report is a worker's write-back for a claimed item.
type Report struct {
	Status        queue.Status `json:"status"`
	ResultMessage string       `json:"resultMessage,omitempty"`
	ErrorDetails  string       `json:"errorDetails,omitempty"`
}

// Deps are the collaborators of a Service. Notifier, Events, Archiver, and
// Tracer are optional; Tracer defaults to the global provider.
type Deps struct {
	Store    queue.Store
	Results  queue.ResultReader
	Settings *settings.Store
	Notifier queue.Notifier
	Events   events.Emitter
	Archiver *archive.Archiver
	Clock    queue.Clock
	Tracer   trace.TracerProvider
	Logger   *zap.Logger
}

// Service coordinates admission, duplicate detection, the store, and retries.
type Service struct {
	store    queue.Store
	settings *settings.Store
	filter   *admission.Filter
	detector *dedupe.Detector
	policy   retry.Policy
	notifier queue.Notifier
	events   events.Emitter
	archiver *archive.Archiver
	clock    queue.Clock
	tracer   trace.Tracer
	logger   *zap.Logger
}

// New validates deps and builds a Service.
func New(d Deps) (*Service, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("intake: store is required")
	case d.Results == nil:
		return nil, errors.New("intake: results reader is required")
	case d.Settings == nil:
		return nil, errors.New("intake: settings store is required")
	case d.Clock == nil:
		return nil, errors.New("intake: clock is required")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Events == nil {
		d.Events = nopEmitter{}
	}
	if d.Tracer == nil {
		d.Tracer = otel.GetTracerProvider()
	}
	return &Service{
		store:    d.Store,
		settings: d.Settings,
		filter:   admission.NewFilter(d.Settings),
		detector: dedupe.NewDetector(d.Store, d.Results),
		notifier: d.Notifier,
		events:   d.Events,
		archiver: d.Archiver,
		clock:    d.Clock,
		tracer:   d.Tracer.Tracer(tracerName),
		logger:   d.Logger,
	}, nil
}

// Submit runs a submission through normalization, the admission filter, and
// duplicate detection, and creates a pending item when all pass.
func (s *Service) Submit(ctx context.Context, sub Submission) (Result, error) {
	ctx, span := s.tracer.Start(ctx, "intake.Submit",
		trace.WithAttributes(attribute.String("queue.kind", string(sub.Kind))))
	defer span.End()

	res, err := s.submit(ctx, sub)
	if err != nil {
		endWithError(span, err)
		return Result{}, err
	}
	span.SetAttributes(attribute.String("queue.outcome", string(res.Status)))
	if res.ItemID != "" {
		span.SetAttributes(attribute.String("queue.item_id", res.ItemID))
	}
	return res, nil
}

func (s *Service) submit(ctx context.Context, sub Submission) (Result, error) {
	if sub.Kind == "" {
		sub.Kind = queue.KindJob
	}
	if !sub.Kind.Valid() {
		return Result{}, fmt.Errorf("%w: unknown kind %q", queue.ErrInvalidItem, sub.Kind)
	}
	target, err := s.prepareTarget(sub)
	if err != nil {
		return Result{}, err
	}
	company := strings.TrimSpace(sub.CompanyName)

	// Normalization drops fragments and re-encodes queries, so the raw
	// spelling is screened too.
	decision, err := s.filter.CheckTargets(ctx, company, target, strings.TrimSpace(sub.Target))
	if err != nil {
		return Result{}, err
	}
	if !decision.Allowed {
		s.emit(events.Event{Kind: sub.Kind, Stage: events.StageRejected, Note: decision.Reason})
		return Result{Status: OutcomeRejected, Reason: decision.Reason, Rule: decision.Rule}, nil
	}

	if sub.Kind.Deduplicated() {
		if res, dup, err := s.duplicate(ctx, sub.Kind, target); err != nil || dup {
			return res, err
		}
	}

	qs, err := s.settings.QueueSettings(ctx)
	if err != nil {
		return Result{}, err
	}
	item := queue.Item{
		Kind:         sub.Kind,
		Status:       queue.StatusPending,
		Target:       target,
		CompanyName:  company,
		SubmittedBy:  strings.TrimSpace(sub.SubmittedBy),
		MaxRetries:   qs.MaxRetries,
		ScrapeConfig: sub.ScrapeConfig,
	}
	id, err := s.store.Create(ctx, item)
	if errors.Is(err, queue.ErrDuplicateTarget) {
		// Lost a race with a concurrent submission of the same target.
		res, dup, lookupErr := s.duplicate(ctx, sub.Kind, target)
		if lookupErr != nil {
			return Result{}, lookupErr
		}
		if dup {
			return res, nil
		}
		return Result{}, fmt.Errorf("create item for %s: %w", target, queue.ErrConflict)
	}
	if err != nil {
		return Result{}, fmt.Errorf("create item for %s: %w", target, err)
	}
	item.ID = id

	s.notify(ctx, item)
	s.emit(events.Event{ItemID: id, Kind: item.Kind, Stage: events.StageAccepted, Status: queue.StatusPending})
	s.logger.Info("submission accepted",
		zap.String("item_id", id),
		zap.String("kind", string(item.Kind)),
		zap.String("target", target))
	return Result{Status: OutcomeAccepted, ItemID: id}, nil
}

// CheckStopList evaluates a target against the current stop list without
// touching the queue.
func (s *Service) CheckStopList(ctx context.Context, target, companyName string) (admission.Decision, error) {
	raw := strings.TrimSpace(target)
	if normalized, err := queue.NormalizeTarget(target); err == nil {
		target = normalized
	}
	return s.filter.CheckTargets(ctx, companyName, target, raw)
}

// Retry moves a failed item back to pending. It returns ErrNotRetryable when
// the item is not failed or its budget is spent, and ErrConflict when the item
// left failed concurrently.
func (s *Service) Retry(ctx context.Context, id string) (queue.Item, error) {
	ctx, span := s.tracer.Start(ctx, "intake.Retry",
		trace.WithAttributes(attribute.String("queue.item_id", id)))
	defer span.End()

	item, err := s.store.Get(ctx, id)
	if err != nil {
		err = fmt.Errorf("load item %s: %w", id, err)
		endWithError(span, err)
		return queue.Item{}, err
	}
	updated, err := s.retryItem(ctx, item)
	if err != nil {
		endWithError(span, err)
		return queue.Item{}, err
	}
	span.SetAttributes(attribute.Int("queue.attempt", updated.RetryCount))
	return updated, nil
}

func endWithError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func (s *Service) retryItem(ctx context.Context, item queue.Item) (queue.Item, error) {
	patch, err := s.policy.Patch(item)
	if err != nil {
		return queue.Item{}, err
	}
	failed := queue.StatusFailed
	updated, err := s.store.UpdateFields(ctx, item.ID, patch, &failed)
	if err != nil {
		s.conflict(item, err)
		return queue.Item{}, fmt.Errorf("retry item %s: %w", item.ID, err)
	}
	s.notify(ctx, updated)
	s.emit(events.Event{
		ItemID:  updated.ID,
		Kind:    updated.Kind,
		Stage:   events.StageRetried,
		Status:  updated.Status,
		Attempt: updated.RetryCount,
	})
	return updated, nil
}

// Claim marks a pending item as processing. Losing a race returns ErrConflict.
func (s *Service) Claim(ctx context.Context, id string) (queue.Item, error) {
	pending := queue.StatusPending
	item, err := s.store.UpdateFields(ctx, id, queue.StatusPatch(queue.StatusProcessing), &pending)
	if err != nil {
		s.conflict(queue.Item{ID: id}, err)
		return queue.Item{}, fmt.Errorf("claim item %s: %w", id, err)
	}
	s.emit(events.Event{
		ItemID:  item.ID,
		Kind:    item.Kind,
		Stage:   events.StageClaimed,
		Status:  item.Status,
		Attempt: item.RetryCount,
	})
	return item, nil
}

// ClaimNext claims the oldest pending item, optionally restricted to kind. It
// returns false when nothing is claimable.
func (s *Service) ClaimNext(ctx context.Context, kind queue.Kind) (queue.Item, bool, error) {
	if kind != "" && !kind.Valid() {
		return queue.Item{}, false, fmt.Errorf("%w: unknown kind %q", queue.ErrInvalidItem, kind)
	}
	candidates, err := s.store.Query(ctx, queue.Filter{
		Statuses: []queue.Status{queue.StatusPending},
		Kind:     kind,
		Limit:    claimBatch,
	})
	if err != nil {
		return queue.Item{}, false, fmt.Errorf("list pending items: %w", err)
	}
	for _, candidate := range candidates {
		item, err := s.Claim(ctx, candidate.ID)
		if errors.Is(err, queue.ErrConflict) || errors.Is(err, queue.ErrNotFound) {
			continue
		}
		if err != nil {
			return queue.Item{}, false, err
		}
		return item, true, nil
	}
	return queue.Item{}, false, nil
}

// Complete records a worker's write-back. The item must still be processing.
func (s *Service) Complete(ctx context.Context, id string, report Report) (queue.Item, error) {
	if !queue.CanTransition(queue.StatusProcessing, report.Status) {
		return queue.Item{}, fmt.Errorf("%w: %q is not a completion status", queue.ErrInvalidPatch, report.Status)
	}
	patch := queue.Patch{Status: &report.Status}
	if report.ResultMessage != "" {
		patch.ResultMessage = &report.ResultMessage
	}
	if report.ErrorDetails != "" {
		patch.ErrorDetails = &report.ErrorDetails
	}
	processing := queue.StatusProcessing
	item, err := s.store.UpdateFields(ctx, id, patch, &processing)
	if err != nil {
		s.conflict(queue.Item{ID: id}, err)
		return queue.Item{}, fmt.Errorf("complete item %s: %w", id, err)
	}
	s.emit(events.Event{
		ItemID:  item.ID,
		Kind:    item.Kind,
		Stage:   events.StageCompleted,
		Status:  item.Status,
		Dur:     processingTime(item),
		Attempt: item.RetryCount,
		Note:    item.ErrorDetails,
	})
	return item, nil
}

// Get returns one item.
func (s *Service) Get(ctx context.Context, id string) (queue.Item, error) {
	item, err := s.store.Get(ctx, id)
	if err != nil {
		return queue.Item{}, fmt.Errorf("get item %s: %w", id, err)
	}
	return item, nil
}

// List returns items matching filter.
func (s *Service) List(ctx context.Context, filter queue.Filter) ([]queue.Item, error) {
	items, err := s.store.Query(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

// Delete archives the item, when an archiver is configured, and removes it.
// A failed archive write leaves the item in place.
func (s *Service) Delete(ctx context.Context, id, actor string) error {
	item, err := s.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load item %s: %w", id, err)
	}
	if s.archiver != nil {
		uri, err := s.archiver.Archive(ctx, item, actor)
		if err != nil {
			return err
		}
		s.logger.Info("item archived", zap.String("item_id", id), zap.String("uri", uri))
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete item %s: %w", id, err)
	}
	s.emit(events.Event{ItemID: id, Kind: item.Kind, Stage: events.StageDeleted, Status: item.Status, Note: actor})
	return nil
}

// Reap fails items that have been processing longer than the configured
// processing timeout and returns how many it moved.
func (s *Service) Reap(ctx context.Context) (int, error) {
	qs, err := s.settings.QueueSettings(ctx)
	if err != nil {
		return 0, err
	}
	stale, err := s.store.Query(ctx, queue.Filter{Statuses: []queue.Status{queue.StatusProcessing}})
	if err != nil {
		return 0, fmt.Errorf("list processing items: %w", err)
	}

	now := s.clock.Now()
	failed := queue.StatusFailed
	details := ReapTimeoutMessage
	processing := queue.StatusProcessing
	reaped := 0
	for _, item := range stale {
		claimedAt := item.UpdatedAt
		if item.ProcessedAt != nil {
			claimedAt = *item.ProcessedAt
		}
		if now.Sub(claimedAt) < qs.ProcessingTimeout() {
			continue
		}
		updated, err := s.store.UpdateFields(ctx, item.ID, queue.Patch{Status: &failed, ErrorDetails: &details}, &processing)
		if errors.Is(err, queue.ErrConflict) || errors.Is(err, queue.ErrNotFound) {
			continue
		}
		if err != nil {
			return reaped, fmt.Errorf("reap item %s: %w", item.ID, err)
		}
		reaped++
		s.emit(events.Event{
			ItemID:  updated.ID,
			Kind:    updated.Kind,
			Stage:   events.StageReaped,
			Status:  updated.Status,
			Dur:     processingTime(updated),
			Attempt: updated.RetryCount,
		})
		s.logger.Warn("reaped stale claim", zap.String("item_id", item.ID), zap.Time("claimed_at", claimedAt))
	}
	return reaped, nil
}

// AutoRetry retries every failed item whose retry delay has elapsed and that
// still has budget. It returns how many items went back to pending.
func (s *Service) AutoRetry(ctx context.Context) (int, error) {
	qs, err := s.settings.QueueSettings(ctx)
	if err != nil {
		return 0, err
	}
	failed, err := s.store.Query(ctx, queue.Filter{Statuses: []queue.Status{queue.StatusFailed}})
	if err != nil {
		return 0, fmt.Errorf("list failed items: %w", err)
	}
	now := s.clock.Now()
	retried := 0
	for _, item := range failed {
		if !s.policy.Due(item, qs, now) {
			continue
		}
		_, err := s.retryItem(ctx, item)
		if errors.Is(err, queue.ErrConflict) || errors.Is(err, queue.ErrNotRetryable) || errors.Is(err, queue.ErrNotFound) {
			continue
		}
		if err != nil {
			return retried, err
		}
		retried++
	}
	return retried, nil
}

func (s *Service) prepareTarget(sub Submission) (string, error) {
	raw := strings.TrimSpace(sub.Target)
	if raw == "" {
		return "", fmt.Errorf("%w: target is required", queue.ErrInvalidItem)
	}
	if !sub.Kind.Deduplicated() {
		return raw, nil
	}
	target, err := queue.NormalizeTarget(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", queue.ErrInvalidItem, err)
	}
	return target, nil
}

func (s *Service) duplicate(ctx context.Context, kind queue.Kind, target string) (Result, bool, error) {
	match, err := s.detector.FindDuplicate(ctx, target)
	if err != nil {
		return Result{}, false, err
	}
	if !match.Found() {
		return Result{}, false, nil
	}
	ref := match.ItemID
	if ref == "" {
		ref = match.ResultID
	}
	s.emit(events.Event{ItemID: ref, Kind: kind, Stage: events.StageDuplicate, Note: string(match.Kind)})
	return Result{Status: OutcomeDuplicate, ItemID: match.ItemID, ResultID: match.ResultID}, true, nil
}

// notify tells the worker about claimable work. The item is already committed,
// so a failed publish is logged and the worker finds the item by polling.
func (s *Service) notify(ctx context.Context, item queue.Item) {
	if s.notifier == nil {
		return
	}
	n := queue.Notification{ItemID: item.ID, Kind: item.Kind, Target: item.Target, Attempt: item.RetryCount + 1}
	if _, err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.Warn("dispatch notification failed", zap.String("item_id", item.ID), zap.Error(err))
	}
}

func (s *Service) conflict(item queue.Item, err error) {
	if !errors.Is(err, queue.ErrConflict) {
		return
	}
	s.emit(events.Event{ItemID: item.ID, Kind: item.Kind, Stage: events.StageConflict, Note: err.Error()})
}

func (s *Service) emit(evt events.Event) {
	evt.TS = s.clock.Now()
	s.events.Emit(evt)
}

func processingTime(item queue.Item) time.Duration {
	if item.ProcessedAt == nil || item.CompletedAt == nil {
		return 0
	}
	return item.CompletedAt.Sub(*item.ProcessedAt)
}

type nopEmitter struct{}

func (nopEmitter) Emit(events.Event) {}
