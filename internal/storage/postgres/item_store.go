package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobqueue/internal/queue"
)

const activeTargetIndex = "queue_items_active_target_uniq"

const itemColumns = "id, kind, status, target, company_name, submitted_by, retry_count, max_retries, " +
	"result_message, error_details, created_at, updated_at, processed_at, completed_at, scrape_config, revision"

// ItemStore persists queue items in the queue_items table.
type ItemStore struct {
	pool   Pool
	ids    queue.IDGenerator
	clock  queue.Clock
	feed   queue.ChangePublisher
	logger *zap.Logger
}

// NewItemStore builds an ItemStore. feed may be nil when no live view is served.
func NewItemStore(
	pool Pool,
	ids queue.IDGenerator,
	clock queue.Clock,
	feed queue.ChangePublisher,
	logger *zap.Logger,
) (*ItemStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ItemStore{pool: pool, ids: ids, clock: clock, feed: feed, logger: logger}, nil
}

// Create inserts item under a fresh id.
func (s *ItemStore) Create(ctx context.Context, item queue.Item) (string, error) {
	if err := item.Validate(); err != nil {
		return "", err
	}
	item = item.Clone()
	item.ID = s.ids.NewID()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.clock.Now()
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}
	item.Revision = 1

	scrapeConfig, err := encodeScrapeConfig(item.ScrapeConfig)
	if err != nil {
		return "", err
	}
	query := `INSERT INTO queue_items (` + itemColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`
	_, err = s.pool.Exec(ctx, query,
		item.ID,
		string(item.Kind),
		string(item.Status),
		item.Target,
		nullable(item.CompanyName),
		nullable(item.SubmittedBy),
		item.RetryCount,
		item.MaxRetries,
		nullable(item.ResultMessage),
		nullable(item.ErrorDetails),
		item.CreatedAt,
		item.UpdatedAt,
		item.ProcessedAt,
		item.CompletedAt,
		scrapeConfig,
		item.Revision,
	)
	if err != nil {
		if isUniqueViolation(err, activeTargetIndex) {
			return "", queue.ErrDuplicateTarget
		}
		return "", queue.Unavailable("insert item", err)
	}
	s.publish(ctx, queue.ChangeAdded, item)
	return item.ID, nil
}

// Get fetches a single item.
func (s *ItemStore) Get(ctx context.Context, id string) (queue.Item, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = $1`, id)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return queue.Item{}, queue.ErrNotFound
		}
		return queue.Item{}, queue.Unavailable("get item", err)
	}
	return item, nil
}

// Query lists matching items ordered by createdAt.
func (s *ItemStore) Query(ctx context.Context, filter queue.Filter) ([]queue.Item, error) {
	query, args := buildQuery(filter)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, queue.Unavailable("query items", err)
	}
	defer rows.Close()

	var items []queue.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, queue.Unavailable("scan item", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, queue.Unavailable("iterate items", err)
	}
	return items, nil
}

// UpdateFields locks the row, checks the expected status and the lifecycle,
// and writes the patched row in one transaction.
func (s *ItemStore) UpdateFields(
	ctx context.Context,
	id string,
	patch queue.Patch,
	expected *queue.Status,
) (queue.Item, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return queue.Item{}, queue.Unavailable("begin update", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	current, err := scanItem(tx.QueryRow(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return queue.Item{}, queue.ErrNotFound
		}
		return queue.Item{}, queue.Unavailable("lock item", err)
	}
	if expected != nil && current.Status != *expected {
		return queue.Item{}, &queue.StatusMismatchError{ID: id, Expected: *expected, Actual: current.Status}
	}
	if err := queue.CheckPatch(current, patch); err != nil {
		return queue.Item{}, err
	}
	next := patch.Apply(current, s.clock.Now())
	if err := next.Validate(); err != nil {
		return queue.Item{}, err
	}

	_, err = tx.Exec(ctx, `UPDATE queue_items
SET status = $1, retry_count = $2, result_message = $3, error_details = $4,
	updated_at = $5, processed_at = $6, completed_at = $7, revision = $8
WHERE id = $9`,
		string(next.Status),
		next.RetryCount,
		nullable(next.ResultMessage),
		nullable(next.ErrorDetails),
		next.UpdatedAt,
		next.ProcessedAt,
		next.CompletedAt,
		next.Revision,
		id,
	)
	if err != nil {
		if isUniqueViolation(err, activeTargetIndex) {
			return queue.Item{}, queue.ErrDuplicateTarget
		}
		return queue.Item{}, queue.Unavailable("update item", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return queue.Item{}, queue.Unavailable("commit update", err)
	}
	committed = true
	s.publish(ctx, queue.ChangeModified, next)
	return next, nil
}

// Delete removes an item and reports the removal on the change feed.
func (s *ItemStore) Delete(ctx context.Context, id string) error {
	row := s.pool.QueryRow(ctx, `DELETE FROM queue_items WHERE id = $1 RETURNING `+itemColumns, id)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return queue.ErrNotFound
		}
		return queue.Unavailable("delete item", err)
	}
	s.publish(ctx, queue.ChangeRemoved, item)
	return nil
}

// Ping checks database connectivity.
func (s *ItemStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return queue.Unavailable("ping", err)
	}
	return nil
}

// publish runs after commit. A failed publish leaves the row committed; live
// subscribers converge on their next snapshot.
func (s *ItemStore) publish(ctx context.Context, kind queue.ChangeKind, item queue.Item) {
	if s.feed == nil {
		return
	}
	if err := s.feed.Publish(ctx, queue.Change{Kind: kind, Item: item}); err != nil {
		s.logger.Warn("failed to publish change",
			zap.String("item_id", item.ID),
			zap.String("change", string(kind)),
			zap.Error(err))
	}
}

func buildQuery(filter queue.Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.Kind != "" {
		args = append(args, string(filter.Kind))
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	if filter.Target != "" {
		args = append(args, filter.Target)
		where = append(where, fmt.Sprintf("target = $%d", len(args)))
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + itemColumns + ` FROM queue_items`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at, id")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args
}

func scanItem(row pgx.Row) (queue.Item, error) {
	var (
		item         queue.Item
		kind, status string
		company      *string
		submittedBy  *string
		resultMsg    *string
		errDetails   *string
		processedAt  *time.Time
		completedAt  *time.Time
		scrapeConfig []byte
	)
	err := row.Scan(
		&item.ID,
		&kind,
		&status,
		&item.Target,
		&company,
		&submittedBy,
		&item.RetryCount,
		&item.MaxRetries,
		&resultMsg,
		&errDetails,
		&item.CreatedAt,
		&item.UpdatedAt,
		&processedAt,
		&completedAt,
		&scrapeConfig,
		&item.Revision,
	)
	if err != nil {
		return queue.Item{}, err
	}
	item.Kind = queue.Kind(kind)
	item.Status = queue.Status(status)
	item.CompanyName = deref(company)
	item.SubmittedBy = deref(submittedBy)
	item.ResultMessage = deref(resultMsg)
	item.ErrorDetails = deref(errDetails)
	item.ProcessedAt = processedAt
	item.CompletedAt = completedAt
	if len(scrapeConfig) > 0 {
		var cfg queue.ScrapeConfig
		if err := json.Unmarshal(scrapeConfig, &cfg); err != nil {
			return queue.Item{}, fmt.Errorf("decode scrape_config: %w", err)
		}
		item.ScrapeConfig = &cfg
	}
	return item, nil
}

func encodeScrapeConfig(cfg *queue.ScrapeConfig) ([]byte, error) {
	if cfg == nil {
		return nil, nil
	}
	body, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode scrape_config: %w", err)
	}
	return body, nil
}

var _ queue.Store = (*ItemStore)(nil)
