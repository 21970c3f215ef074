package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestCanTransition(t *testing.T) {
	t.Parallel()

	legal := map[Status][]Status{
		StatusPending:    {StatusProcessing},
		StatusProcessing: {StatusSuccess, StatusFailed, StatusFiltered},
		StatusFailed:     {StatusPending},
	}
	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			want := false
			for _, allowed := range legal[from] {
				if allowed == to {
					want = true
				}
			}
			if got := CanTransition(from, to); got != want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestCheckPatch(t *testing.T) {
	t.Parallel()

	failed := Item{ID: "a", Kind: KindJob, Status: StatusFailed, RetryCount: 1, MaxRetries: 3}
	exhausted := Item{ID: "b", Kind: KindJob, Status: StatusFailed, RetryCount: 3, MaxRetries: 3}
	processing := Item{ID: "c", Kind: KindJob, Status: StatusProcessing, MaxRetries: 3}
	success := Item{ID: "d", Kind: KindJob, Status: StatusSuccess, MaxRetries: 3}
	pending := StatusPending
	succeeded := StatusSuccess

	cases := []struct {
		name     string
		current  Item
		patch    Patch
		conflict bool
		invalid  bool
	}{
		{name: "claim", current: Item{Status: StatusPending}, patch: StatusPatch(StatusProcessing)},
		{name: "complete", current: processing, patch: StatusPatch(StatusSuccess)},
		{name: "filter", current: processing, patch: StatusPatch(StatusFiltered)},
		{name: "retry", current: failed, patch: Patch{Status: &pending, RetryCount: intPtr(2)}},
		{name: "retry without increment", current: failed, patch: StatusPatch(StatusPending), conflict: true},
		{name: "retry double increment", current: failed, patch: Patch{Status: &pending, RetryCount: intPtr(3)}, conflict: true},
		{name: "retry over budget", current: exhausted, patch: Patch{Status: &pending, RetryCount: intPtr(4)}, conflict: true},
		{name: "success to pending", current: success, patch: StatusPatch(StatusPending), conflict: true},
		{name: "pending to success", current: Item{Status: StatusPending}, patch: Patch{Status: &succeeded}, conflict: true},
		{name: "skipped never entered", current: processing, patch: StatusPatch(StatusSkipped), conflict: true},
		{name: "field update while processing", current: processing, patch: Patch{ResultMessage: strPtr("half way")}},
		{name: "field update on terminal", current: success, patch: Patch{ResultMessage: strPtr("late")}, conflict: true},
		{name: "retry count outside retry", current: processing, patch: Patch{RetryCount: intPtr(2)}, invalid: true},
		{name: "unknown status", current: processing, patch: StatusPatch("archived"), invalid: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := CheckPatch(tc.current, tc.patch)
			switch {
			case tc.conflict:
				require.ErrorIs(t, err, ErrConflict)
				var te *TransitionError
				require.True(t, errors.As(err, &te))
			case tc.invalid:
				require.ErrorIs(t, err, ErrInvalidPatch)
			default:
				require.NoError(t, err)
			}
		})
	}
}

func TestPatchApplyManagesTimestamps(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	item := Item{ID: "x", Kind: KindJob, Status: StatusPending, Target: "https://example.com/x", MaxRetries: 2, CreatedAt: created, UpdatedAt: created, Revision: 1}

	claimed := StatusPatch(StatusProcessing).Apply(item, created.Add(time.Minute))
	require.Equal(t, StatusProcessing, claimed.Status)
	require.NotNil(t, claimed.ProcessedAt)
	require.Equal(t, created.Add(time.Minute), *claimed.ProcessedAt)
	require.EqualValues(t, 2, claimed.Revision)

	// A clock that runs backwards must not move updatedAt backwards.
	done := StatusPatch(StatusFailed).Apply(claimed, created)
	require.Equal(t, claimed.UpdatedAt, done.UpdatedAt)
	require.NotNil(t, done.CompletedAt)
	require.False(t, done.CompletedAt.Before(*done.ProcessedAt))
	require.NoError(t, done.Validate())

	require.Nil(t, item.ProcessedAt, "Apply must not mutate its input")
}

func TestItemValidate(t *testing.T) {
	t.Parallel()

	ok := Item{Kind: KindJob, Status: StatusPending, Target: "https://example.com/a", MaxRetries: 3}
	require.NoError(t, ok.Validate())

	over := ok
	over.RetryCount = 4
	require.ErrorIs(t, over.Validate(), ErrInvalidItem)

	misplaced := ok
	misplaced.ScrapeConfig = &ScrapeConfig{MaxSources: intPtr(2)}
	require.ErrorIs(t, misplaced.Validate(), ErrInvalidItem)

	scrape := Item{Kind: KindScrapeRequest, Status: StatusPending, ScrapeConfig: &ScrapeConfig{MinMatchScore: intPtr(120)}}
	require.ErrorIs(t, scrape.Validate(), ErrInvalidItem)
}

func TestItemActive(t *testing.T) {
	t.Parallel()

	cases := []struct {
		item Item
		want bool
	}{
		{Item{Status: StatusPending}, true},
		{Item{Status: StatusProcessing}, true},
		{Item{Status: StatusFailed, RetryCount: 1, MaxRetries: 3}, true},
		{Item{Status: StatusFailed, RetryCount: 3, MaxRetries: 3}, false},
		{Item{Status: StatusSuccess}, false},
		{Item{Status: StatusFiltered}, false},
	}
	for _, tc := range cases {
		if got := tc.item.Active(); got != tc.want {
			t.Fatalf("Active(%+v) = %v, want %v", tc.item, got, tc.want)
		}
	}
}

func TestErrorsMatchSentinels(t *testing.T) {
	t.Parallel()

	driver := errors.New("connection reset")
	err := Unavailable("get", driver)
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.ErrorIs(t, err, driver)
	require.Nil(t, Unavailable("get", nil))

	mismatch := &StatusMismatchError{ID: "a", Expected: StatusPending, Actual: StatusProcessing}
	require.ErrorIs(t, mismatch, ErrConflict)
	require.NotErrorIs(t, mismatch, ErrNotFound)
}

func strPtr(s string) *string { return &s }
