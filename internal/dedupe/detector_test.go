package dedupe

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobqueue/internal/queue"
)

type stubItems struct {
	items []queue.Item
	err   error
	seen  []queue.Filter
}

func (s *stubItems) Get(context.Context, string) (queue.Item, error) {
	return queue.Item{}, queue.ErrNotFound
}

func (s *stubItems) Query(_ context.Context, f queue.Filter) ([]queue.Item, error) {
	s.seen = append(s.seen, f)
	if s.err != nil {
		return nil, s.err
	}
	var out []queue.Item
	for _, item := range s.items {
		if f.Matches(item) {
			out = append(out, item)
		}
	}
	return out, nil
}

type stubResults map[string]queue.Result

func (s stubResults) FindResultByTarget(_ context.Context, target string) (queue.Result, bool, error) {
	r, ok := s[target]
	return r, ok, nil
}

const target = "https://acme.com/careers/123"

func TestFindDuplicatePrefersQueued(t *testing.T) {
	t.Parallel()

	items := &stubItems{items: []queue.Item{{ID: "q-1", Kind: queue.KindJob, Status: queue.StatusPending, Target: target, MaxRetries: 3}}}
	results := stubResults{target: {ID: "r-1", Target: target}}

	got, err := NewDetector(items, results).FindDuplicate(context.Background(), target)
	require.NoError(t, err)
	require.Equal(t, Result{Kind: MatchQueued, ItemID: "q-1"}, got)
	require.Len(t, items.seen, 1)
	require.Equal(t, target, items.seen[0].Target, "lookup must be a point query on target")
}

func TestFindDuplicateCompleted(t *testing.T) {
	t.Parallel()

	got, err := NewDetector(&stubItems{}, stubResults{target: {ID: "r-1"}}).FindDuplicate(context.Background(), target)
	require.NoError(t, err)
	require.Equal(t, MatchCompleted, got.Kind)
	require.Equal(t, "r-1", got.ResultID)
}

func TestFindDuplicateIgnoresExhaustedFailures(t *testing.T) {
	t.Parallel()

	items := &stubItems{items: []queue.Item{
		{ID: "dead", Kind: queue.KindJob, Status: queue.StatusFailed, Target: target, RetryCount: 3, MaxRetries: 3},
		{ID: "done", Kind: queue.KindJob, Status: queue.StatusSuccess, Target: target, MaxRetries: 3},
	}}
	got, err := NewDetector(items, stubResults{}).FindDuplicate(context.Background(), target)
	require.NoError(t, err)
	require.False(t, got.Found())

	items.items = append(items.items, queue.Item{ID: "retryable", Kind: queue.KindJob, Status: queue.StatusFailed, Target: target, RetryCount: 1, MaxRetries: 3})
	got, err = NewDetector(items, stubResults{}).FindDuplicate(context.Background(), target)
	require.NoError(t, err)
	require.Equal(t, "retryable", got.ItemID)
}

func TestFindDuplicatePropagatesStoreErrors(t *testing.T) {
	t.Parallel()

	boom := queue.Unavailable("query", errors.New("dial tcp: refused"))
	_, err := NewDetector(&stubItems{err: boom}, stubResults{}).FindDuplicate(context.Background(), target)
	require.ErrorIs(t, err, queue.ErrStoreUnavailable)
}
