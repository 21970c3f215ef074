package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobqueue/internal/queue"
)

var (
	created = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	columns = []string{
		"id", "kind", "status", "target", "company_name", "submitted_by", "retry_count", "max_retries",
		"result_message", "error_details", "created_at", "updated_at", "processed_at", "completed_at",
		"scrape_config", "revision",
	}
	noString *string
	noTime   *time.Time
)

const target = "https://acme.com/careers/123"

type fixedIDs string

func (f fixedIDs) NewID() string { return string(f) }

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type recordingFeed struct {
	mu      sync.Mutex
	changes []queue.Change
}

func (r *recordingFeed) Publish(_ context.Context, c queue.Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
	return nil
}

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *ItemStore, *recordingFeed) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	feed := &recordingFeed{}
	store, err := NewItemStore(mock, fixedIDs("item-1"), fixedClock{created.Add(time.Minute)}, feed, nil)
	require.NoError(t, err)
	return mock, store, feed
}

func itemRow(mock pgxmock.PgxPoolIface, status string, retryCount int, revision int64) *pgxmock.Rows {
	company := "Acme"
	return mock.NewRows(columns).AddRow(
		"item-1", "job", status, target, &company, noString, retryCount, 3,
		noString, noString, created, created, noTime, noTime, []byte(nil), revision,
	)
}

func TestCreateInsertsRow(t *testing.T) {
	t.Parallel()

	mock, store, feed := newMockStore(t)
	company := "Acme"
	mock.ExpectExec("INSERT INTO queue_items").
		WithArgs(
			"item-1", "job", "pending", target, &company, noString, 0, 3,
			noString, noString, created, created, noTime, noTime, []byte(nil), int64(1),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := store.Create(context.Background(), queue.Item{
		Kind:        queue.KindJob,
		Status:      queue.StatusPending,
		Target:      target,
		CompanyName: "Acme",
		MaxRetries:  3,
		CreatedAt:   created,
	})
	require.NoError(t, err)
	require.Equal(t, "item-1", id)
	require.NoError(t, mock.ExpectationsWereMet())
	require.Len(t, feed.changes, 1)
	require.Equal(t, queue.ChangeAdded, feed.changes[0].Kind)
}

func TestCreateMapsActiveTargetViolation(t *testing.T) {
	t.Parallel()

	mock, store, feed := newMockStore(t)
	mock.ExpectExec("INSERT INTO queue_items").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: activeTargetIndex})

	_, err := store.Create(context.Background(), queue.Item{Kind: queue.KindJob, Status: queue.StatusPending, Target: target, MaxRetries: 3})
	require.ErrorIs(t, err, queue.ErrDuplicateTarget)
	require.Empty(t, feed.changes)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet(t *testing.T) {
	t.Parallel()

	mock, store, _ := newMockStore(t)
	mock.ExpectQuery("SELECT .* FROM queue_items WHERE id = \\$1").
		WithArgs("item-1").
		WillReturnRows(itemRow(mock, "pending", 0, 1))
	mock.ExpectQuery("SELECT .* FROM queue_items WHERE id = \\$1").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	item, err := store.Get(context.Background(), "item-1")
	require.NoError(t, err)
	require.Equal(t, queue.StatusPending, item.Status)
	require.Equal(t, "Acme", item.CompanyName)
	require.Empty(t, item.SubmittedBy)
	require.Nil(t, item.ScrapeConfig)

	_, err = store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, queue.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetWrapsDriverErrors(t *testing.T) {
	t.Parallel()

	mock, store, _ := newMockStore(t)
	driverErr := errors.New("connection reset by peer")
	mock.ExpectQuery("SELECT .* FROM queue_items").WillReturnError(driverErr)

	_, err := store.Get(context.Background(), "item-1")
	require.ErrorIs(t, err, queue.ErrStoreUnavailable)
	require.ErrorIs(t, err, driverErr)
}

func TestUpdateFieldsClaimsInTransaction(t *testing.T) {
	t.Parallel()

	mock, store, feed := newMockStore(t)
	claimedAt := created.Add(time.Minute)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM queue_items WHERE id = \\$1 FOR UPDATE").
		WithArgs("item-1").
		WillReturnRows(itemRow(mock, "pending", 0, 1))
	mock.ExpectExec("UPDATE queue_items").
		WithArgs("processing", 0, noString, noString, claimedAt, &claimedAt, noTime, int64(2), "item-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	pending := queue.StatusPending
	item, err := store.UpdateFields(context.Background(), "item-1", queue.StatusPatch(queue.StatusProcessing), &pending)
	require.NoError(t, err)
	require.Equal(t, queue.StatusProcessing, item.Status)
	require.EqualValues(t, 2, item.Revision)
	require.NoError(t, mock.ExpectationsWereMet())
	require.Len(t, feed.changes, 1)
	require.Equal(t, queue.ChangeModified, feed.changes[0].Kind)
}

func TestUpdateFieldsConflictRollsBack(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		stored   string
		patch    queue.Patch
		expected queue.Status
	}{
		{name: "already claimed", stored: "processing", patch: queue.StatusPatch(queue.StatusProcessing), expected: queue.StatusPending},
		{name: "illegal transition", stored: "success", patch: queue.StatusPatch(queue.StatusProcessing), expected: queue.StatusSuccess},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			mock, store, feed := newMockStore(t)
			mock.ExpectBegin()
			mock.ExpectQuery("FOR UPDATE").WithArgs("item-1").WillReturnRows(itemRow(mock, tc.stored, 0, 4))
			mock.ExpectRollback()

			_, err := store.UpdateFields(context.Background(), "item-1", tc.patch, &tc.expected)
			require.ErrorIs(t, err, queue.ErrConflict)
			require.Empty(t, feed.changes)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestUpdateFieldsNotFound(t *testing.T) {
	t.Parallel()

	mock, store, _ := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs("missing").WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.UpdateFields(context.Background(), "missing", queue.StatusPatch(queue.StatusProcessing), nil)
	require.ErrorIs(t, err, queue.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryBuildsFilter(t *testing.T) {
	t.Parallel()

	mock, store, _ := newMockStore(t)
	mock.ExpectQuery(`WHERE status = ANY\(\$1\) AND kind = \$2 AND target = \$3 ORDER BY created_at, id LIMIT \$4`).
		WithArgs([]string{"pending", "failed"}, "job", target, 5).
		WillReturnRows(itemRow(mock, "pending", 0, 1))

	items, err := store.Query(context.Background(), queue.Filter{
		Statuses: []queue.Status{queue.StatusPending, queue.StatusFailed},
		Kind:     queue.KindJob,
		Target:   target,
		Limit:    5,
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildQueryWithoutFilter(t *testing.T) {
	t.Parallel()

	query, args := buildQuery(queue.Filter{})
	require.NotContains(t, query, "WHERE")
	require.NotContains(t, query, "LIMIT")
	require.Empty(t, args)
}

func TestDeletePublishesRemoval(t *testing.T) {
	t.Parallel()

	mock, store, feed := newMockStore(t)
	mock.ExpectQuery("DELETE FROM queue_items WHERE id = \\$1 RETURNING").
		WithArgs("item-1").
		WillReturnRows(itemRow(mock, "failed", 3, 7))
	mock.ExpectQuery("DELETE FROM queue_items").
		WithArgs("item-1").
		WillReturnError(pgx.ErrNoRows)

	require.NoError(t, store.Delete(context.Background(), "item-1"))
	require.ErrorIs(t, store.Delete(context.Background(), "item-1"), queue.ErrNotFound)
	require.Len(t, feed.changes, 1)
	require.Equal(t, queue.ChangeRemoved, feed.changes[0].Kind)
	require.EqualValues(t, 7, feed.changes[0].Item.Revision)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS queue_items").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, EnsureSchema(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}
