package worker

import (
	"context"
	"fmt"
	"time"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// OrderLifecycle reacts to order lifecycle events. *service.OrderFlow
// implements it.
type OrderLifecycle interface {
	HandleOrderCreated(ctx context.Context, orderID int64) error
	HandleOrderReady(ctx context.Context, orderID int64) error
	HandleOrderCancelled(ctx context.Context, orderID int64) error
	HandleOrderDelivered(ctx context.Context, orderID int64) error
}

// EventLog remembers which events were already applied.
type EventLog interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

type messageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// OrderWorker consumes order lifecycle events and drives the order flow
type OrderWorker struct {
	consumer     messageSource
	eventHandler *broker.EventHandler
	events       EventLog
	logger       *zap.Logger
}

// NewOrderWorker creates a new order worker
func NewOrderWorker(consumer messageSource, flow OrderLifecycle, events EventLog) *OrderWorker {
	w := &OrderWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		events:       events,
		logger:       util.GetLogger().Named("order_worker"),
	}

	w.eventHandler.OnOrderCreated(w.once(func(ctx context.Context, e *models.OrderLifecycleEvent) error {
		return flow.HandleOrderCreated(ctx, e.OrderID)
	}))
	w.eventHandler.OnOrderReady(w.once(func(ctx context.Context, e *models.OrderLifecycleEvent) error {
		return flow.HandleOrderReady(ctx, e.OrderID)
	}))
	w.eventHandler.OnOrderCancelled(w.once(func(ctx context.Context, e *models.OrderLifecycleEvent) error {
		return flow.HandleOrderCancelled(ctx, e.OrderID)
	}))
	w.eventHandler.OnOrderDelivered(w.once(func(ctx context.Context, e *models.OrderLifecycleEvent) error {
		return flow.HandleOrderDelivered(ctx, e.OrderID)
	}))
	return w
}

// once skips events already recorded in the event log and records the
// event after it was handled. The check, the handler and the mark are not
// one transaction: a crash or a failed mark after the handler committed
// redelivers the event, so delivery is at least once and every
// OrderLifecycle handler must tolerate a repeat. They do: reservation only
// runs for orders still in created status, release and commit settle
// whatever the reference still holds, closed delivery jobs ignore further
// transitions, and assignment stops at ErrAlreadyAssigned.
func (w *OrderWorker) once(handle broker.OrderEventFunc) broker.OrderEventFunc {
	return func(ctx context.Context, e *models.OrderLifecycleEvent) error {
		processed, err := w.events.IsEventProcessed(ctx, e.EventID)
		if err != nil {
			return fmt.Errorf("failed to check event processed: %w", err)
		}
		if processed {
			w.logger.Info("Event already processed", zap.String("event_id", e.EventID))
			return nil
		}

		if err := handle(ctx, e); err != nil {
			return err
		}

		if err := w.events.MarkEventProcessed(ctx, e.EventID, e.EventType); err != nil {
			w.logger.Error("Failed to mark event processed",
				zap.String("event_id", e.EventID),
				zap.Error(err))
		}
		return nil
	}
}

// Handle processes a single message. Exposed for the consumer loop.
func (w *OrderWorker) Handle(ctx context.Context, msg kafka.Message) error {
	return w.eventHandler.HandleMessage(ctx, msg)
}

// Start consumes until ctx is cancelled
func (w *OrderWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting order worker")
	return w.consumer.StartConsuming(ctx, w.Handle)
}

// Stop stops the worker
func (w *OrderWorker) Stop() error {
	w.logger.Info("Stopping order worker")
	return w.consumer.Close()
}

// DueRunner runs the assignment retries that are due.
// *service.AssignmentRetryScheduler implements it.
type DueRunner interface {
	RunDue(ctx context.Context) (int, error)
}

// RetryWorker polls for due assignment retries
type RetryWorker struct {
	runner   DueRunner
	interval time.Duration
	logger   *zap.Logger
}

// NewRetryWorker creates a new retry worker
func NewRetryWorker(runner DueRunner, interval time.Duration) *RetryWorker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &RetryWorker{
		runner:   runner,
		interval: interval,
		logger:   util.GetLogger().Named("retry_worker"),
	}
}

// Start polls until ctx is cancelled. A failed poll is logged and retried on
// the next tick.
func (w *RetryWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting retry worker", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping retry worker")
			return ctx.Err()
		case <-ticker.C:
			n, err := w.runner.RunDue(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.logger.Error("Retry poll failed", zap.Error(err))
				continue
			}
			if n > 0 {
				w.logger.Debug("Processed due retries", zap.Int("count", n))
			}
		}
	}
}
