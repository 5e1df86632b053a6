package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const retryColumns = `order_id, attempts, status, next_attempt_at, last_error, created_at, updated_at`

// EnqueueRetry inserts a pending retry unless the order already has one.
func (s *Store) EnqueueRetry(ctx context.Context, orderID int64, dueAt time.Time) (bool, error) {
	res, err := s.ext(ctx).ExecContext(ctx, `
		INSERT INTO assignment_retries (order_id, attempts, status, next_attempt_at)
		VALUES ($1, 0, $2, $3)
		ON CONFLICT (order_id) DO NOTHING`,
		orderID, models.RetryStatusPending, dueAt)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue retry: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ClaimDueRetries leases up to limit due rows by pushing their next attempt
// time forward. Rows claimed by another worker are skipped.
func (s *Store) ClaimDueRetries(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]models.AssignmentRetry, error) {
	var rows []models.AssignmentRetry
	err := sqlx.SelectContext(ctx, s.ext(ctx), &rows, `
		UPDATE assignment_retries
		SET next_attempt_at = $2, updated_at = NOW()
		WHERE order_id IN (
			SELECT order_id FROM assignment_retries
			WHERE status = $3 AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+retryColumns,
		now, now.Add(lease), models.RetryStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim retries: %w", err)
	}
	return rows, nil
}

func (s *Store) GetRetry(ctx context.Context, orderID int64) (*models.AssignmentRetry, error) {
	var r models.AssignmentRetry
	err := sqlx.GetContext(ctx, s.ext(ctx), &r,
		"SELECT "+retryColumns+" FROM assignment_retries WHERE order_id = $1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("retry for order %d: %w", orderID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// RecordAttempt stores a failed attempt and the next due time of a pending row.
func (s *Store) RecordAttempt(ctx context.Context, orderID int64, attempts int, nextAt time.Time, lastErr string) error {
	_, err := s.ext(ctx).ExecContext(ctx, `
		UPDATE assignment_retries
		SET attempts = $2, next_attempt_at = $3, last_error = $4, updated_at = NOW()
		WHERE order_id = $1 AND status = $5`,
		orderID, attempts, nextAt, lastErr, models.RetryStatusPending)
	return err
}

// FinishRetry moves a pending row to a final status. It reports false when
// the row was no longer pending, so each transition happens once.
func (s *Store) FinishRetry(ctx context.Context, orderID int64, status string) (bool, error) {
	res, err := s.ext(ctx).ExecContext(ctx, `
		UPDATE assignment_retries
		SET status = $2, updated_at = NOW()
		WHERE order_id = $1 AND status = $3`,
		orderID, status, models.RetryStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to finish retry: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
