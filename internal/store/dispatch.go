package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const jobColumns = `id, order_id, courier_id, status, job_status, otp, created_at, updated_at`

// EligibleCouriers lists active, available couriers of a warehouse with
// their current number of active jobs.
func (s *Store) EligibleCouriers(ctx context.Context, warehouseID int64) ([]models.CourierCandidate, error) {
	var candidates []models.CourierCandidate
	err := sqlx.SelectContext(ctx, s.ext(ctx), &candidates, `
		SELECT c.id AS courier_id, COUNT(j.id) AS active_jobs
		FROM couriers c
		LEFT JOIN delivery_jobs j ON j.courier_id = c.id AND j.status = ANY($2)
		WHERE c.warehouse_id = $1 AND c.is_active AND c.is_available
		GROUP BY c.id
		ORDER BY c.id`,
		warehouseID, pq.Array(models.ActiveDeliveryStatuses))
	if err != nil {
		return nil, fmt.Errorf("failed to list couriers: %w", err)
	}
	return candidates, nil
}

// TryLockCourier locks a courier row without waiting. A row held by another
// transaction yields ErrLockContention; the caller's transaction is then
// aborted and must be rolled back.
func (s *Store) TryLockCourier(ctx context.Context, courierID int64) error {
	var id int64
	err := sqlx.GetContext(ctx, s.ext(ctx), &id, `
		SELECT id FROM couriers
		WHERE id = $1 AND is_active AND is_available
		FOR UPDATE NOWAIT`,
		courierID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("courier %d: %w", courierID, models.ErrNotFound)
	case isLockNotAvailable(err):
		return fmt.Errorf("courier %d: %w", courierID, models.ErrLockContention)
	case err != nil:
		return fmt.Errorf("failed to lock courier: %w", err)
	}
	return nil
}

// CountActiveJobs counts the courier's jobs that are not finished.
func (s *Store) CountActiveJobs(ctx context.Context, courierID int64) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, s.ext(ctx), &n,
		"SELECT COUNT(*) FROM delivery_jobs WHERE courier_id = $1 AND status = ANY($2)",
		courierID, pq.Array(models.ActiveDeliveryStatuses))
	return n, err
}

// LockOrCreateDeliveryJob returns the order's delivery job locked for update,
// creating it in the searching state with otp when absent.
func (s *Store) LockOrCreateDeliveryJob(ctx context.Context, orderID int64, otp string) (*models.DeliveryJob, error) {
	_, err := s.ext(ctx).ExecContext(ctx, `
		INSERT INTO delivery_jobs (order_id, status, job_status, otp)
		VALUES ($1, '', $2, $3)
		ON CONFLICT (order_id) DO NOTHING`,
		orderID, models.JobStatusSearching, otp)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery job: %w", err)
	}

	var job models.DeliveryJob
	err = sqlx.GetContext(ctx, s.ext(ctx), &job,
		"SELECT "+jobColumns+" FROM delivery_jobs WHERE order_id = $1 FOR UPDATE", orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock delivery job: %w", err)
	}
	return &job, nil
}

// LockDeliveryJob locks an existing delivery job. It returns ErrNotFound
// when the order has none.
func (s *Store) LockDeliveryJob(ctx context.Context, orderID int64) (*models.DeliveryJob, error) {
	var job models.DeliveryJob
	err := sqlx.GetContext(ctx, s.ext(ctx), &job,
		"SELECT "+jobColumns+" FROM delivery_jobs WHERE order_id = $1 FOR UPDATE", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("delivery job for order %d: %w", orderID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock delivery job: %w", err)
	}
	return &job, nil
}

// GetDeliveryJob reads the order's delivery job without locking it.
func (s *Store) GetDeliveryJob(ctx context.Context, orderID int64) (*models.DeliveryJob, error) {
	var job models.DeliveryJob
	err := sqlx.GetContext(ctx, s.ext(ctx), &job,
		"SELECT "+jobColumns+" FROM delivery_jobs WHERE order_id = $1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("delivery job for order %d: %w", orderID, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// SaveDeliveryJob writes back the mutable fields of a locked job.
func (s *Store) SaveDeliveryJob(ctx context.Context, job *models.DeliveryJob) error {
	return sqlx.GetContext(ctx, s.ext(ctx), &job.UpdatedAt, `
		UPDATE delivery_jobs
		SET courier_id = $1, status = $2, job_status = $3, otp = $4, updated_at = NOW()
		WHERE id = $5
		RETURNING updated_at`,
		job.CourierID, job.Status, job.JobStatus, job.OTP, job.ID)
}
