package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	changefeed "github.com/JakeFAU/jobqueue/internal/changefeed/memory"
	"github.com/JakeFAU/jobqueue/internal/queue"
	"github.com/JakeFAU/jobqueue/internal/storage/memory"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() string { return fmt.Sprintf("item-%d", s.n.Add(1)) }

type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newFixture(t *testing.T) (*memory.ItemStore, *changefeed.Bus, *Projector) {
	t.Helper()
	bus := changefeed.NewBus(16)
	t.Cleanup(bus.Close)
	store := memory.NewItemStore(&seqIDs{}, &tickClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}, bus, nil)
	p, err := New(store, bus, Options{})
	require.NoError(t, err)
	return store, bus, p
}

func job(target string) queue.Item {
	return queue.Item{Kind: queue.KindJob, Status: queue.StatusPending, Target: target, MaxRetries: 3}
}

func next(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case evt, ok := <-sub.Events():
		require.True(t, ok, "events closed early: %v", sub.Err())
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for live event")
		return Event{}
	}
}

func TestSubscribeSnapshotThenIncremental(t *testing.T) {
	t.Parallel()

	store, _, p := newFixture(t)
	ctx := context.Background()
	first, err := store.Create(ctx, job("https://acme.com/1"))
	require.NoError(t, err)
	second, err := store.Create(ctx, job("https://acme.com/2"))
	require.NoError(t, err)

	sub, err := p.Subscribe(ctx, queue.Filter{Statuses: []queue.Status{queue.StatusPending}})
	require.NoError(t, err)
	defer sub.Close()

	require.Equal(t, Event{Kind: queue.ChangeAdded, Item: mustGet(t, store, first)}, next(t, sub))
	require.Equal(t, queue.ChangeAdded, next(t, sub).Kind)

	pending := queue.StatusPending
	_, err = store.UpdateFields(ctx, second, queue.StatusPatch(queue.StatusProcessing), &pending)
	require.NoError(t, err)
	evt := next(t, sub)
	require.Equal(t, queue.ChangeRemoved, evt.Kind)
	require.Equal(t, second, evt.Item.ID)
	require.Equal(t, queue.StatusProcessing, evt.Item.Status)

	third, err := store.Create(ctx, job("https://acme.com/3"))
	require.NoError(t, err)
	evt = next(t, sub)
	require.Equal(t, queue.ChangeAdded, evt.Kind)
	require.Equal(t, third, evt.Item.ID)

	require.NoError(t, store.Delete(ctx, first))
	evt = next(t, sub)
	require.Equal(t, queue.ChangeRemoved, evt.Kind)
	require.Equal(t, first, evt.Item.ID)
}

func TestSubscribeUnfilteredSeesModifications(t *testing.T) {
	t.Parallel()

	store, _, p := newFixture(t)
	ctx := context.Background()
	sub, err := p.Subscribe(ctx, queue.Filter{})
	require.NoError(t, err)
	defer sub.Close()

	id, err := store.Create(ctx, job("https://acme.com/1"))
	require.NoError(t, err)
	require.Equal(t, queue.ChangeAdded, next(t, sub).Kind)

	_, err = store.UpdateFields(ctx, id, queue.StatusPatch(queue.StatusProcessing), nil)
	require.NoError(t, err)
	evt := next(t, sub)
	require.Equal(t, queue.ChangeModified, evt.Kind)
	require.EqualValues(t, 2, evt.Item.Revision)
}

func TestViewDiscardsStaleRevisions(t *testing.T) {
	t.Parallel()

	item := job("https://acme.com/1")
	item.ID = "item-1"
	item.Revision = 3
	v := newView(queue.Filter{}, []queue.Item{item})

	stale := item
	stale.Revision = 2
	_, emit := v.apply(queue.Change{Kind: queue.ChangeModified, Item: stale})
	require.False(t, emit)

	_, emit = v.apply(queue.Change{Kind: queue.ChangeModified, Item: item})
	require.False(t, emit, "snapshot already carries revision 3")

	fresh := item
	fresh.Revision = 4
	evt, emit := v.apply(queue.Change{Kind: queue.ChangeModified, Item: fresh})
	require.True(t, emit)
	require.Equal(t, queue.ChangeModified, evt.Kind)

	evt, emit = v.apply(queue.Change{Kind: queue.ChangeRemoved, Item: fresh})
	require.True(t, emit)
	require.Equal(t, queue.ChangeRemoved, evt.Kind)
}

func TestViewKeepsRemovedItemsRemoved(t *testing.T) {
	t.Parallel()

	item := job("https://acme.com/1")
	item.ID = "item-1"
	item.Revision = 2
	v := newView(queue.Filter{}, []queue.Item{item})

	removed := item
	removed.Revision = 3
	evt, emit := v.apply(queue.Change{Kind: queue.ChangeRemoved, Item: removed})
	require.True(t, emit)
	require.Equal(t, queue.ChangeRemoved, evt.Kind)

	// A modify from another instance arrives after the delete.
	late := item
	late.Revision = 3
	late.Status = queue.StatusProcessing
	_, emit = v.apply(queue.Change{Kind: queue.ChangeModified, Item: late})
	require.False(t, emit)
	require.Empty(t, v.visible)

	older := item
	older.Revision = 1
	_, emit = v.apply(queue.Change{Kind: queue.ChangeAdded, Item: older})
	require.False(t, emit)
	require.Empty(t, v.visible)
}

func TestViewIgnoresItemsOutsideFilter(t *testing.T) {
	t.Parallel()

	v := newView(queue.Filter{Kind: queue.KindCompanySource}, nil)
	item := job("https://acme.com/1")
	item.ID = "item-1"
	item.Revision = 1
	_, emit := v.apply(queue.Change{Kind: queue.ChangeAdded, Item: item})
	require.False(t, emit)
	_, emit = v.apply(queue.Change{Kind: queue.ChangeRemoved, Item: item})
	require.False(t, emit)
}

func TestSlowSubscriberEndsWithLagged(t *testing.T) {
	t.Parallel()

	bus := changefeed.NewBus(1)
	defer bus.Close()
	store := memory.NewItemStore(&seqIDs{}, &tickClock{}, nil, nil)
	p, err := New(store, bus, Options{Buffer: 1})
	require.NoError(t, err)

	sub, err := p.Subscribe(context.Background(), queue.Filter{})
	require.NoError(t, err)
	defer sub.Close()

	for i := range 8 {
		item := job(fmt.Sprintf("https://acme.com/%d", i))
		item.ID = fmt.Sprintf("item-%d", i)
		item.Revision = 1
		require.NoError(t, bus.Publish(context.Background(), queue.Change{Kind: queue.ChangeAdded, Item: item}))
	}

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Events():
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
	require.ErrorIs(t, sub.Err(), queue.ErrLagged)
}

type failingReader struct{ err error }

func (f failingReader) Get(context.Context, string) (queue.Item, error) { return queue.Item{}, f.err }

func (f failingReader) Query(context.Context, queue.Filter) ([]queue.Item, error) { return nil, f.err }

func TestSubscribeSnapshotFailureReleasesFeed(t *testing.T) {
	t.Parallel()

	bus := changefeed.NewBus(4)
	defer bus.Close()
	p, err := New(failingReader{err: queue.Unavailable("query", errors.New("down"))}, bus, Options{})
	require.NoError(t, err)

	_, err = p.Subscribe(context.Background(), queue.Filter{})
	require.ErrorIs(t, err, queue.ErrStoreUnavailable)
	require.Eventually(t, func() bool { return bus.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCloseEndsViewWithoutError(t *testing.T) {
	t.Parallel()

	_, _, p := newFixture(t)
	sub, err := p.Subscribe(context.Background(), queue.Filter{})
	require.NoError(t, err)

	sub.Close()
	_, ok := <-sub.Events()
	require.False(t, ok)
	require.NoError(t, sub.Err())
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(nil, changefeed.NewBus(1), Options{})
	require.Error(t, err)
	_, err = New(failingReader{}, nil, Options{})
	require.Error(t, err)
}

func mustGet(t *testing.T, store queue.Reader, id string) queue.Item {
	t.Helper()
	item, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return item
}
