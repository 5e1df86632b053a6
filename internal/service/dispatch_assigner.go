package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	mrand "math/rand"
	"sort"
	"sync"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	actorSystem = "system"

	defaultMaxActiveJobs  = 3
	defaultCandidateLimit = 5
	notifyTimeout         = 5 * time.Second
)

var errCourierAtCapacity = errors.New("courier at capacity")

type DispatchConfig struct {
	MaxActiveJobsPerCourier int
	CandidateLimit          int
}

// AssignmentEvents is told about every committed assignment.
type AssignmentEvents interface {
	CourierAssigned(ctx context.Context, job *models.DeliveryJob, actor string) error
}

// DispatchAssigner binds delivery jobs to couriers without exceeding any
// courier's concurrent job ceiling.
type DispatchAssigner struct {
	jobs     DeliveryJobStore
	couriers CourierDirectory
	audit    AuditSink
	notifier NotificationSink
	events   AssignmentEvents
	cfg      DispatchConfig
	logger   *zap.Logger

	rngMu sync.Mutex
	rng   *mrand.Rand

	pending sync.WaitGroup
}

// NewDispatchAssigner wires the assigner. notifier and events may be nil.
func NewDispatchAssigner(
	jobs DeliveryJobStore,
	couriers CourierDirectory,
	audit AuditSink,
	notifier NotificationSink,
	events AssignmentEvents,
	cfg DispatchConfig,
	logger *zap.Logger,
) *DispatchAssigner {
	if cfg.MaxActiveJobsPerCourier <= 0 {
		cfg.MaxActiveJobsPerCourier = defaultMaxActiveJobs
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = defaultCandidateLimit
	}
	return &DispatchAssigner{
		jobs:     jobs,
		couriers: couriers,
		audit:    audit,
		notifier: notifier,
		events:   events,
		cfg:      cfg,
		logger:   util.ComponentLogger(logger, "dispatch"),
		rng:      mrand.New(mrand.NewSource(time.Now().UnixNano())),
	}
}

// Assign tries the least loaded couriers in turn. It returns nil, nil when
// no courier can take the job right now.
func (a *DispatchAssigner) Assign(ctx context.Context, order *models.Order) (job *models.DeliveryJob, err error) {
	ctx, span := util.StartSpan(ctx, "DispatchAssigner.Assign",
		attribute.Int64("order_id", order.ID))
	defer func() { util.EndSpan(span, err) }()

	start := time.Now()
	defer func() { util.AssignmentLatency.Observe(time.Since(start).Seconds()) }()

	candidates, err := a.couriers.EligibleCouriers(ctx, order.WarehouseID)
	if err != nil {
		util.AssignmentsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to list couriers: %w", err)
	}

	for _, cand := range a.rank(candidates) {
		job, err := a.bind(ctx, order.ID, cand.CourierID, actorSystem, models.AuditActionAutoAssignment)
		switch {
		case err == nil:
			util.AssignmentsTotal.WithLabelValues("assigned").Inc()
			a.logger.Info("Courier assigned",
				zap.Int64("order_id", order.ID),
				zap.Int64("courier_id", cand.CourierID),
				zap.Int64("job_id", job.ID))
			a.announce(job, actorSystem)
			return job, nil
		case errors.Is(err, ErrAlreadyAssigned), errors.Is(err, ErrManualIntervention), errors.Is(err, ErrDeliveryClosed):
			util.AssignmentsTotal.WithLabelValues("skipped").Inc()
			return nil, err
		case errors.Is(err, models.ErrLockContention):
			util.CourierLockContention.Inc()
			a.logger.Debug("Courier locked by another assignment, trying next",
				zap.Int64("order_id", order.ID),
				zap.Int64("courier_id", cand.CourierID))
		case errors.Is(err, errCourierAtCapacity), errors.Is(err, models.ErrNotFound):
			a.logger.Debug("Courier no longer eligible",
				zap.Int64("courier_id", cand.CourierID),
				zap.Error(err))
		default:
			util.AssignmentsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
	}

	util.AssignmentsTotal.WithLabelValues("no_courier").Inc()
	a.logger.Info("No courier available", zap.Int64("order_id", order.ID))
	return nil, nil
}

// AssignManually binds a chosen courier, typically after escalation. The
// job ceiling still applies.
func (a *DispatchAssigner) AssignManually(ctx context.Context, order *models.Order, courierID int64, actor string) (job *models.DeliveryJob, err error) {
	ctx, span := util.StartSpan(ctx, "DispatchAssigner.AssignManually",
		attribute.Int64("order_id", order.ID),
		attribute.Int64("courier_id", courierID))
	defer func() { util.EndSpan(span, err) }()

	job, err = a.bind(ctx, order.ID, courierID, actor, models.AuditActionManualAssignment)
	if err != nil {
		if errors.Is(err, errCourierAtCapacity) {
			return nil, fmt.Errorf("courier %d already has %d active jobs: %w", courierID, a.cfg.MaxActiveJobsPerCourier, err)
		}
		return nil, err
	}

	util.AssignmentsTotal.WithLabelValues("manual").Inc()
	a.logger.Info("Courier assigned manually",
		zap.Int64("order_id", order.ID),
		zap.Int64("courier_id", courierID),
		zap.String("actor", actor))
	a.announce(job, actor)
	return job, nil
}

// EnsureJob creates the order's delivery job in the searching state.
func (a *DispatchAssigner) EnsureJob(ctx context.Context, orderID int64) (*models.DeliveryJob, error) {
	otp, err := generateOTP()
	if err != nil {
		return nil, err
	}

	var job *models.DeliveryJob
	err = a.jobs.WithTx(ctx, func(ctx context.Context) error {
		job, err = a.jobs.LockOrCreateDeliveryJob(ctx, orderID, otp)
		return err
	})
	return job, err
}

// Drain waits for pending courier notifications.
func (a *DispatchAssigner) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// rank drops couriers at the ceiling and orders the rest by load, breaking
// ties at random, keeping the first CandidateLimit.
func (a *DispatchAssigner) rank(candidates []models.CourierCandidate) []models.CourierCandidate {
	ranked := make([]models.CourierCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c.ActiveJobs < a.cfg.MaxActiveJobsPerCourier {
			ranked = append(ranked, c)
		}
	}

	a.rngMu.Lock()
	a.rng.Shuffle(len(ranked), func(i, j int) { ranked[i], ranked[j] = ranked[j], ranked[i] })
	a.rngMu.Unlock()

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].ActiveJobs < ranked[j].ActiveJobs })

	if len(ranked) > a.cfg.CandidateLimit {
		ranked = ranked[:a.cfg.CandidateLimit]
	}
	return ranked
}

// bind runs one candidate in its own transaction: lock the job, lock the
// courier without waiting, recount its load, assign and audit.
func (a *DispatchAssigner) bind(ctx context.Context, orderID, courierID int64, actor, action string) (*models.DeliveryJob, error) {
	otp, err := generateOTP()
	if err != nil {
		return nil, err
	}

	var assigned *models.DeliveryJob
	err = a.jobs.WithTx(ctx, func(ctx context.Context) error {
		job, err := a.jobs.LockOrCreateDeliveryJob(ctx, orderID, otp)
		if err != nil {
			return err
		}
		if models.DeliveryClosed(job.Status) {
			return ErrDeliveryClosed
		}
		if job.HasCourier() {
			return ErrAlreadyAssigned
		}
		if job.JobStatus == models.JobStatusManualIntervention && action == models.AuditActionAutoAssignment {
			return ErrManualIntervention
		}

		if err := a.couriers.TryLockCourier(ctx, courierID); err != nil {
			return err
		}
		active, err := a.couriers.CountActiveJobs(ctx, courierID)
		if err != nil {
			return err
		}
		if active >= a.cfg.MaxActiveJobsPerCourier {
			return errCourierAtCapacity
		}

		id := courierID
		job.CourierID = &id
		job.JobStatus = models.JobStatusAssigned
		job.Status = models.DeliveryStatusAssigned
		if job.OTP == "" {
			job.OTP = otp
		}
		if err := a.jobs.SaveDeliveryJob(ctx, job); err != nil {
			return err
		}

		err = a.audit.Record(ctx, models.AuditEntry{
			Actor:      actor,
			Action:     action,
			EntityType: "delivery_job",
			EntityID:   job.ID,
			Payload: map[string]any{
				"order_id":   orderID,
				"courier_id": courierID,
			},
		})
		if err != nil {
			return fmt.Errorf("failed to audit assignment: %w", err)
		}

		assigned = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return assigned, nil
}

// announce tells the courier and downstream consumers about a committed
// assignment. Failures are logged only.
func (a *DispatchAssigner) announce(job *models.DeliveryJob, actor string) {
	if a.notifier == nil && a.events == nil {
		return
	}
	snapshot := *job

	a.pending.Add(1)
	go func() {
		defer a.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		if a.notifier != nil {
			msg := fmt.Sprintf("Order #%d is assigned to you. Head to the warehouse for pickup.", snapshot.OrderID)
			if err := a.notifier.Push(ctx, *snapshot.CourierID, "New delivery", msg); err != nil {
				a.logger.Warn("Failed to notify courier",
					zap.Int64("courier_id", *snapshot.CourierID),
					zap.Int64("order_id", snapshot.OrderID),
					zap.Error(err))
			}
		}
		if a.events != nil {
			if err := a.events.CourierAssigned(ctx, &snapshot, actor); err != nil {
				a.logger.Warn("Failed to publish assignment",
					zap.Int64("order_id", snapshot.OrderID),
					zap.Error(err))
			}
		}
	}()
}

// generateOTP returns a six digit handover code.
func generateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("failed to generate otp: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}
