package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/stock-engine/idempotency"
)

// =============================================================================
// IDEMPOTENCY STORE - api_idempotency table
// =============================================================================
// Claim and Reclaim are single statements. Their affected-row count is the
// only thing that decides which request runs the handler.

var _ idempotency.Store = (*Store)(nil)

// Claim inserts an in-progress record unless (endpoint, key) already exists.
func (s *Store) Claim(ctx context.Context, endpoint, key, requestHash string) (bool, error) {
	now := s.now().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO api_idempotency (endpoint, idem_key, request_hash, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (endpoint, idem_key) DO NOTHING`),
		endpoint, key, requestHash, idempotency.StatusInProgress, now, now)
	if err != nil {
		return false, fmt.Errorf("claim idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim idempotency key: %w", err)
	}
	return n == 1, nil
}

type idempotencyRow struct {
	Endpoint     string `db:"endpoint"`
	Key          string `db:"idem_key"`
	RequestHash  string `db:"request_hash"`
	Status       string `db:"status"`
	ResponseCode int    `db:"response_code"`
	ResponseBody string `db:"response_body"`
	CreatedAt    string `db:"created_at"`
	UpdatedAt    string `db:"updated_at"`
}

func (s *Store) Get(ctx context.Context, endpoint, key string) (idempotency.Record, error) {
	var row idempotencyRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
		SELECT endpoint, idem_key, request_hash, status, response_code, response_body,
			created_at, updated_at
		FROM api_idempotency WHERE endpoint = ? AND idem_key = ?`), endpoint, key)
	if errors.Is(err, sql.ErrNoRows) {
		return idempotency.Record{}, idempotency.ErrRecordNotFound
	}
	if err != nil {
		return idempotency.Record{}, fmt.Errorf("read idempotency record: %w", err)
	}
	return idempotency.Record{
		Endpoint:     row.Endpoint,
		Key:          row.Key,
		RequestHash:  row.RequestHash,
		Status:       idempotency.Status(row.Status),
		ResponseCode: row.ResponseCode,
		ResponseBody: []byte(row.ResponseBody),
		CreatedAt:    parseTime(row.CreatedAt),
		UpdatedAt:    parseTime(row.UpdatedAt),
	}, nil
}

// Reclaim moves a failed record back to in-progress. Only one of several
// concurrent retriers sees an affected row.
func (s *Store) Reclaim(ctx context.Context, endpoint, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE api_idempotency
		SET status = ?, response_code = 0, response_body = '', updated_at = ?
		WHERE endpoint = ? AND idem_key = ? AND status = ?`),
		idempotency.StatusInProgress, s.now().Format(timeLayout),
		endpoint, key, idempotency.StatusFailed)
	if err != nil {
		return false, fmt.Errorf("reclaim idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reclaim idempotency key: %w", err)
	}
	return n == 1, nil
}

func (s *Store) Complete(ctx context.Context, endpoint, key string, code int, body []byte) error {
	return s.finish(ctx, endpoint, key, idempotency.StatusCompleted, code, body)
}

func (s *Store) Fail(ctx context.Context, endpoint, key string, code int, body []byte) error {
	return s.finish(ctx, endpoint, key, idempotency.StatusFailed, code, body)
}

func (s *Store) finish(ctx context.Context, endpoint, key string, status idempotency.Status, code int, body []byte) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE api_idempotency
		SET status = ?, response_code = ?, response_body = ?, updated_at = ?
		WHERE endpoint = ? AND idem_key = ?`),
		status, code, string(body), s.now().Format(timeLayout), endpoint, key)
	if err != nil {
		return fmt.Errorf("store idempotent response: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store idempotent response: %w", err)
	}
	if n == 0 {
		return idempotency.ErrRecordNotFound
	}
	return nil
}
