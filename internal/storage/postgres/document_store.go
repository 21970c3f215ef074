package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/jobqueue/internal/queue"
)

// DocumentStore keeps named configuration documents in config_documents.
type DocumentStore struct {
	pool  Pool
	clock queue.Clock
}

// NewDocumentStore builds a DocumentStore.
func NewDocumentStore(pool Pool, clock queue.Clock) (*DocumentStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &DocumentStore{pool: pool, clock: clock}, nil
}

// GetDocument returns the raw JSON body of name.
func (s *DocumentStore) GetDocument(ctx context.Context, name string) ([]byte, bool, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM config_documents WHERE name = $1`, name).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, queue.Unavailable("get document", err)
	}
	return body, true, nil
}

// PutDocument upserts name.
func (s *DocumentStore) PutDocument(ctx context.Context, name string, body []byte) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO config_documents (name, body, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (name) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`,
		name, body, s.clock.Now())
	if err != nil {
		return queue.Unavailable("put document", err)
	}
	return nil
}
