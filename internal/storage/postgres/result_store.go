package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/jobqueue/internal/queue"
)

// ResultStore reads and writes the job_results table.
type ResultStore struct {
	pool Pool
}

// NewResultStore builds a ResultStore.
func NewResultStore(pool Pool) (*ResultStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &ResultStore{pool: pool}, nil
}

// FindResultByTarget returns the newest result for target.
func (s *ResultStore) FindResultByTarget(ctx context.Context, target string) (queue.Result, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, target, item_id, company_name, match_score, created_at
FROM job_results WHERE target = $1 ORDER BY created_at DESC LIMIT 1`, target)

	var (
		res     queue.Result
		itemID  *string
		company *string
	)
	if err := row.Scan(&res.ID, &res.Target, &itemID, &company, &res.MatchScore, &res.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return queue.Result{}, false, nil
		}
		return queue.Result{}, false, queue.Unavailable("find result", err)
	}
	res.ItemID = deref(itemID)
	res.CompanyName = deref(company)
	return res, true, nil
}

// RecordResult inserts a completed result.
func (s *ResultStore) RecordResult(ctx context.Context, res queue.Result) error {
	if res.ID == "" || res.Target == "" {
		return errors.New("result id and target are required")
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO job_results (id, target, item_id, company_name, match_score, created_at)
VALUES ($1,$2,$3,$4,$5,$6)`,
		res.ID, res.Target, nullable(res.ItemID), nullable(res.CompanyName), res.MatchScore, res.CreatedAt)
	if err != nil {
		return queue.Unavailable("insert result", err)
	}
	return nil
}

var _ queue.ResultStore = (*ResultStore)(nil)
