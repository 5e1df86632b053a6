package service

import (
	"context"
	"crypto/subtle"
	"fmt"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// jobTransition mutates a locked job. It reports false when the job is
// already in the target state and nothing needs saving.
type jobTransition func(job *models.DeliveryJob) (bool, error)

// MarkPickedUp records that the courier collected the order at the warehouse.
func (a *DispatchAssigner) MarkPickedUp(ctx context.Context, orderID int64, actor string) (*models.DeliveryJob, error) {
	return a.progress(ctx, "DispatchAssigner.MarkPickedUp", orderID, actor, models.AuditActionPickedUp, nil,
		func(job *models.DeliveryJob) (bool, error) {
			switch {
			case job.Status == models.DeliveryStatusPickedUp, job.Status == models.DeliveryStatusOutForDelivery:
				return false, nil
			case models.DeliveryClosed(job.Status):
				return false, ErrDeliveryClosed
			case job.Status != models.DeliveryStatusAssigned || !job.HasCourier():
				return false, fmt.Errorf("%w: %q to %s", ErrInvalidTransition, job.Status, models.DeliveryStatusPickedUp)
			}
			job.Status = models.DeliveryStatusPickedUp
			return true, nil
		})
}

// MarkDelivered completes the handover once the customer's code matches the
// job's OTP. Completing an already delivered job is a no-op.
func (a *DispatchAssigner) MarkDelivered(ctx context.Context, orderID int64, otp, actor string) (*models.DeliveryJob, error) {
	return a.progress(ctx, "DispatchAssigner.MarkDelivered", orderID, actor, models.AuditActionDelivered, nil,
		deliver(func(job *models.DeliveryJob) error {
			if subtle.ConstantTimeCompare([]byte(job.OTP), []byte(otp)) != 1 {
				return ErrInvalidOTP
			}
			return nil
		}))
}

// RecordDelivery completes a handover the order service already confirmed.
func (a *DispatchAssigner) RecordDelivery(ctx context.Context, orderID int64, actor string) (*models.DeliveryJob, error) {
	return a.progress(ctx, "DispatchAssigner.RecordDelivery", orderID, actor, models.AuditActionDelivered, nil,
		deliver(nil))
}

func deliver(verify func(job *models.DeliveryJob) error) jobTransition {
	return func(job *models.DeliveryJob) (bool, error) {
		switch {
		case job.Status == models.DeliveryStatusDelivered:
			return false, nil
		case job.Status == models.DeliveryStatusFailed:
			return false, ErrDeliveryClosed
		case !job.HasCourier():
			return false, fmt.Errorf("%w: no courier bound", ErrInvalidTransition)
		}
		if verify != nil {
			if err := verify(job); err != nil {
				return false, err
			}
		}
		job.Status = models.DeliveryStatusDelivered
		return true, nil
	}
}

// MarkFailed closes the delivery without handover, releasing the courier's
// slot. Jobs still searching for a courier are closed too, so no courier is
// bound to them later.
func (a *DispatchAssigner) MarkFailed(ctx context.Context, orderID int64, reason, actor string) (*models.DeliveryJob, error) {
	return a.progress(ctx, "DispatchAssigner.MarkFailed", orderID, actor, models.AuditActionDeliveryFailed,
		map[string]any{"reason": reason},
		func(job *models.DeliveryJob) (bool, error) {
			if models.DeliveryClosed(job.Status) {
				return false, nil
			}
			job.Status = models.DeliveryStatusFailed
			return true, nil
		})
}

// progress applies one transition under the job row lock and audits it in
// the same transaction.
func (a *DispatchAssigner) progress(
	ctx context.Context,
	op string,
	orderID int64,
	actor, action string,
	extra map[string]any,
	apply jobTransition,
) (job *models.DeliveryJob, err error) {
	ctx, span := util.StartSpan(ctx, op, attribute.Int64("order_id", orderID))
	defer func() { util.EndSpan(span, err) }()

	var from string
	changed := false
	err = a.jobs.WithTx(ctx, func(ctx context.Context) error {
		locked, err := a.jobs.LockDeliveryJob(ctx, orderID)
		if err != nil {
			return err
		}
		from = locked.Status

		changed, err = apply(locked)
		if err != nil || !changed {
			job = locked
			return err
		}
		if err := a.jobs.SaveDeliveryJob(ctx, locked); err != nil {
			return err
		}

		payload := map[string]any{
			"order_id": orderID,
			"from":     from,
			"to":       locked.Status,
		}
		if locked.CourierID != nil {
			payload["courier_id"] = *locked.CourierID
		}
		for k, v := range extra {
			payload[k] = v
		}
		err = a.audit.Record(ctx, models.AuditEntry{
			Actor:      actor,
			Action:     action,
			EntityType: "delivery_job",
			EntityID:   locked.ID,
			Payload:    payload,
		})
		if err != nil {
			return fmt.Errorf("failed to audit %s: %w", action, err)
		}
		job = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		a.logger.Info("Delivery status changed",
			zap.Int64("order_id", orderID),
			zap.String("from", from),
			zap.String("to", job.Status),
			zap.String("actor", actor))
	}
	return job, nil
}
