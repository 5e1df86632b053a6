package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/clock"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type RetryConfig struct {
	MaxAttempts int
	Delay       time.Duration
	ClaimBatch  int
	ClaimLease  time.Duration
	Parallelism int
}

type courierAssigner interface {
	Assign(ctx context.Context, order *models.Order) (*models.DeliveryJob, error)
}

// Attempt outcomes
const (
	RetryOutcomeAssigned    = "assigned"
	RetryOutcomeCancelled   = "cancelled"
	RetryOutcomeRescheduled = "rescheduled"
	RetryOutcomeEscalated   = "escalated"
	RetryOutcomeSkipped     = "skipped"
)

// AssignmentRetryScheduler keeps searching for a courier in the background
// and hands the order to a human once the attempts run out.
type AssignmentRetryScheduler struct {
	retries  RetryStore
	orders   OrderStore
	jobs     DeliveryJobStore
	assigner courierAssigner
	alerts   AlertSink
	clock    clock.Clock
	cfg      RetryConfig
	logger   *zap.Logger
}

func NewAssignmentRetryScheduler(
	retries RetryStore,
	orders OrderStore,
	jobs DeliveryJobStore,
	assigner courierAssigner,
	alerts AlertSink,
	clk clock.Clock,
	cfg RetryConfig,
	logger *zap.Logger,
) *AssignmentRetryScheduler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 30 * time.Second
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 20
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = time.Minute
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &AssignmentRetryScheduler{
		retries:  retries,
		orders:   orders,
		jobs:     jobs,
		assigner: assigner,
		alerts:   alerts,
		clock:    clk,
		cfg:      cfg,
		logger:   util.ComponentLogger(logger, "assignment_retry"),
	}
}

// ScheduleRetry queues background assignment for an order. Scheduling an
// order that already has a retry row is a no-op.
func (s *AssignmentRetryScheduler) ScheduleRetry(ctx context.Context, orderID int64) error {
	created, err := s.retries.EnqueueRetry(ctx, orderID, s.clock.Now().Add(s.cfg.Delay))
	if err != nil {
		return err
	}
	if created {
		s.logger.Info("Assignment retry scheduled",
			zap.Int64("order_id", orderID),
			zap.Duration("delay", s.cfg.Delay))
	}
	return nil
}

// RunDue claims due retries and attempts each. It returns how many were
// processed.
func (s *AssignmentRetryScheduler) RunDue(ctx context.Context) (int, error) {
	due, err := s.retries.ClaimDueRetries(ctx, s.clock.Now(), s.cfg.ClaimBatch, s.cfg.ClaimLease)
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)
	for i := range due {
		r := due[i]
		g.Go(func() error {
			if _, err := s.attempt(gctx, &r); err != nil {
				s.logger.Error("Assignment retry failed",
					zap.Int64("order_id", r.OrderID),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(due), nil
}

// Attempt runs one background assignment attempt for an order.
func (s *AssignmentRetryScheduler) Attempt(ctx context.Context, orderID int64) (string, error) {
	r, err := s.retries.GetRetry(ctx, orderID)
	if err != nil {
		return "", err
	}
	if r.Status != models.RetryStatusPending {
		return RetryOutcomeSkipped, nil
	}
	return s.attempt(ctx, r)
}

func (s *AssignmentRetryScheduler) attempt(ctx context.Context, r *models.AssignmentRetry) (outcome string, err error) {
	ctx, span := util.StartSpan(ctx, "AssignmentRetryScheduler.Attempt",
		attribute.Int64("order_id", r.OrderID),
		attribute.Int("attempts", r.Attempts))
	defer func() {
		util.EndSpan(span, err)
		if outcome != "" {
			util.AssignmentRetriesTotal.WithLabelValues(outcome).Inc()
		}
	}()

	order, err := s.orders.GetOrder(ctx, r.OrderID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		return s.finish(ctx, r.OrderID, models.RetryStatusCancelled, RetryOutcomeCancelled)
	case err != nil:
		return s.recordFailure(ctx, r, err.Error())
	case models.OrderTerminal(order.Status):
		s.logger.Info("Order no longer needs a courier",
			zap.Int64("order_id", order.ID),
			zap.String("status", order.Status))
		return s.finish(ctx, r.OrderID, models.RetryStatusCancelled, RetryOutcomeCancelled)
	}

	job, err := s.jobs.GetDeliveryJob(ctx, r.OrderID)
	if err == nil && job.HasCourier() {
		return s.finish(ctx, r.OrderID, models.RetryStatusDone, RetryOutcomeAssigned)
	}

	assigned, err := s.assigner.Assign(ctx, order)
	switch {
	case assigned != nil, errors.Is(err, ErrAlreadyAssigned):
		return s.finish(ctx, r.OrderID, models.RetryStatusDone, RetryOutcomeAssigned)
	case errors.Is(err, ErrManualIntervention):
		return s.finish(ctx, r.OrderID, models.RetryStatusEscalated, RetryOutcomeSkipped)
	case errors.Is(err, ErrDeliveryClosed):
		return s.finish(ctx, r.OrderID, models.RetryStatusCancelled, RetryOutcomeCancelled)
	case err != nil:
		return s.recordFailure(ctx, r, err.Error())
	default:
		return s.recordFailure(ctx, r, "no courier available")
	}
}

func (s *AssignmentRetryScheduler) finish(ctx context.Context, orderID int64, status, outcome string) (string, error) {
	if _, err := s.retries.FinishRetry(ctx, orderID, status); err != nil {
		return "", err
	}
	return outcome, nil
}

func (s *AssignmentRetryScheduler) recordFailure(ctx context.Context, r *models.AssignmentRetry, reason string) (string, error) {
	attempts := r.Attempts + 1
	if attempts >= s.cfg.MaxAttempts {
		return s.escalate(ctx, r.OrderID, attempts, reason)
	}

	next := s.clock.Now().Add(s.cfg.Delay)
	if err := s.retries.RecordAttempt(ctx, r.OrderID, attempts, next, reason); err != nil {
		return "", err
	}
	s.logger.Info("Assignment attempt failed, rescheduled",
		zap.Int64("order_id", r.OrderID),
		zap.Int("attempts", attempts),
		zap.Time("next_attempt_at", next),
		zap.String("reason", reason))
	return RetryOutcomeRescheduled, nil
}

// escalate flags the job for manual intervention and closes the retry row
// in one transaction. Only the caller that moves the row out of pending
// raises the alert.
func (s *AssignmentRetryScheduler) escalate(ctx context.Context, orderID int64, attempts int, reason string) (string, error) {
	otp, err := generateOTP()
	if err != nil {
		return "", err
	}

	escalated := false
	err = s.jobs.WithTx(ctx, func(ctx context.Context) error {
		escalated = false

		job, err := s.jobs.LockOrCreateDeliveryJob(ctx, orderID, otp)
		if err != nil {
			return err
		}
		if models.DeliveryClosed(job.Status) {
			_, err := s.retries.FinishRetry(ctx, orderID, models.RetryStatusCancelled)
			return err
		}
		if job.HasCourier() {
			_, err := s.retries.FinishRetry(ctx, orderID, models.RetryStatusDone)
			return err
		}

		if err := s.retries.RecordAttempt(ctx, orderID, attempts, s.clock.Now(), reason); err != nil {
			return err
		}
		ok, err := s.retries.FinishRetry(ctx, orderID, models.RetryStatusEscalated)
		if err != nil || !ok {
			return err
		}

		job.JobStatus = models.JobStatusManualIntervention
		if err := s.jobs.SaveDeliveryJob(ctx, job); err != nil {
			return err
		}
		escalated = true
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to escalate order %d: %w", orderID, err)
	}
	if !escalated {
		return RetryOutcomeSkipped, nil
	}

	util.ManualInterventionsTotal.Inc()
	s.logger.Error("Courier assignment exhausted retries, manual intervention required",
		zap.Int64("order_id", orderID),
		zap.Int("attempts", attempts),
		zap.String("last_error", reason))

	err = s.alerts.Raise(ctx, models.AlertManualIntervention, map[string]any{
		"order_id":   orderID,
		"attempts":   attempts,
		"last_error": reason,
	})
	if err != nil {
		s.logger.Error("Failed to raise manual intervention alert",
			zap.Int64("order_id", orderID),
			zap.Error(err))
	}
	return RetryOutcomeEscalated, nil
}
