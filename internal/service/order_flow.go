package service

import (
	"context"
	"errors"
	"fmt"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// OrderReference is the ledger reference of an order's reservation.
func OrderReference(orderID int64) string {
	return fmt.Sprintf("order:%d", orderID)
}

// OrderFlow drives an order through reservation, allocation, dispatch and
// settlement in response to lifecycle events.
type OrderFlow struct {
	orders       OrderStore
	reservations *ReservationCoordinator
	allocator    *FIFOAllocator
	assigner     *DispatchAssigner
	retries      *AssignmentRetryScheduler
	resolver     WarehouseResolver
	logger       *zap.Logger
}

func NewOrderFlow(
	orders OrderStore,
	reservations *ReservationCoordinator,
	allocator *FIFOAllocator,
	assigner *DispatchAssigner,
	retries *AssignmentRetryScheduler,
	resolver WarehouseResolver,
	logger *zap.Logger,
) *OrderFlow {
	return &OrderFlow{
		orders:       orders,
		reservations: reservations,
		allocator:    allocator,
		assigner:     assigner,
		retries:      retries,
		resolver:     resolver,
		logger:       util.ComponentLogger(logger, "order_flow"),
	}
}

// ReserveOrder reserves every line of a newly created order and records the
// reserved batches as its allocation. Any failure after the reservation
// releases it again.
func (f *OrderFlow) ReserveOrder(ctx context.Context, orderID int64) (records []models.AllocationRecord, err error) {
	ctx, span := util.StartSpan(ctx, "OrderFlow.ReserveOrder", attribute.Int64("order_id", orderID))
	defer func() { util.EndSpan(span, err) }()

	order, err := f.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusCreated {
		return nil, fmt.Errorf("order %d is %s: %w", orderID, order.Status, ErrInvalidTransition)
	}

	ref := OrderReference(orderID)
	reserved, err := f.reservations.Reserve(ctx, order.WarehouseID, order.Items(), ref)
	if err != nil {
		return nil, err
	}

	records, err = f.allocator.AllocateReserved(ctx, order, reserved)
	if err == nil {
		err = f.orders.UpdateOrderStatus(ctx, orderID, models.OrderStatusConfirmed)
	}
	if err != nil {
		if _, relErr := f.reservations.ReleaseReference(ctx, ref); relErr != nil {
			f.logger.Error("Failed to release reservation after allocation failure",
				zap.Int64("order_id", orderID),
				zap.Error(relErr))
		}
		return nil, err
	}

	f.logger.Info("Order reserved",
		zap.Int64("order_id", orderID),
		zap.Int("allocations", len(records)))
	return records, nil
}

// HandleOrderCreated reserves stock for a new order. Orders that cannot be
// fulfilled are marked failed; redelivered events for orders past creation
// are ignored.
func (f *OrderFlow) HandleOrderCreated(ctx context.Context, orderID int64) error {
	_, err := f.ReserveOrder(ctx, orderID)
	var mismatch *FulfillmentMismatchError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInvalidTransition):
		f.logger.Info("Ignoring created event for order past creation",
			zap.Int64("order_id", orderID),
			zap.Error(err))
		return nil
	case errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrItemUnavailable),
		errors.Is(err, models.ErrInvalidQuantity), errors.As(err, &mismatch):
		f.logger.Warn("Order cannot be fulfilled",
			zap.Int64("order_id", orderID),
			zap.Error(err))
		return f.orders.UpdateOrderStatus(ctx, orderID, models.OrderStatusFailed)
	default:
		return err
	}
}

// ReserveForLocation reserves items in the warehouse serving a coordinate.
func (f *OrderFlow) ReserveForLocation(ctx context.Context, lat, lng float64, items map[string]int, reference string) (int64, []BatchReservation, error) {
	warehouseID, ok, err := f.resolver.Resolve(ctx, lat, lng)
	if err != nil {
		return 0, nil, err
	}
	if !ok {
		return 0, nil, ErrNotServiceable
	}

	res, err := f.reservations.Reserve(ctx, warehouseID, items, reference)
	if err != nil {
		return warehouseID, nil, err
	}
	return warehouseID, res, nil
}

// HandleOrderReady opens the delivery job and tries to dispatch it at once,
// falling back to background retries.
func (f *OrderFlow) HandleOrderReady(ctx context.Context, orderID int64) error {
	order, err := f.orders.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if models.OrderTerminal(order.Status) {
		f.logger.Info("Ignoring ready event for finished order",
			zap.Int64("order_id", orderID),
			zap.String("status", order.Status))
		return nil
	}

	if _, err := f.assigner.EnsureJob(ctx, orderID); err != nil {
		return err
	}

	job, err := f.assigner.Assign(ctx, order)
	switch {
	case job != nil, errors.Is(err, ErrAlreadyAssigned), errors.Is(err, ErrManualIntervention), errors.Is(err, ErrDeliveryClosed):
		return nil
	case err != nil:
		f.logger.Warn("Direct assignment failed, scheduling retry",
			zap.Int64("order_id", orderID),
			zap.Error(err))
	}
	return f.retries.ScheduleRetry(ctx, orderID)
}

// HandleOrderCancelled closes the delivery job, freeing its courier, and
// releases whatever the order still holds.
func (f *OrderFlow) HandleOrderCancelled(ctx context.Context, orderID int64) error {
	if _, err := f.assigner.MarkFailed(ctx, orderID, "order cancelled", actorSystem); err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}

	released, err := f.reservations.ReleaseReference(ctx, OrderReference(orderID))
	if err != nil {
		return err
	}
	f.logger.Info("Order cancelled, stock released",
		zap.Int64("order_id", orderID),
		zap.Int("quantity", released))
	return nil
}

// HandleOrderDelivered closes the delivery job for a handover the order
// service confirmed and commits the order's reservation.
func (f *OrderFlow) HandleOrderDelivered(ctx context.Context, orderID int64) error {
	_, err := f.assigner.RecordDelivery(ctx, orderID, actorSystem)
	switch {
	case err == nil, errors.Is(err, models.ErrNotFound):
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrDeliveryClosed):
		f.logger.Warn("Delivered order has no open courier job",
			zap.Int64("order_id", orderID),
			zap.Error(err))
	default:
		return err
	}
	return f.commit(ctx, orderID)
}

// ConfirmDelivery completes a courier's handover after checking the
// customer's OTP, then marks the order delivered and commits its stock.
func (f *OrderFlow) ConfirmDelivery(ctx context.Context, orderID int64, otp, actor string) error {
	if _, err := f.assigner.MarkDelivered(ctx, orderID, otp, actor); err != nil {
		return err
	}
	if err := f.orders.UpdateOrderStatus(ctx, orderID, models.OrderStatusDelivered); err != nil {
		return err
	}
	return f.commit(ctx, orderID)
}

func (f *OrderFlow) commit(ctx context.Context, orderID int64) error {
	committed, err := f.reservations.CommitReference(ctx, OrderReference(orderID))
	if err != nil {
		return err
	}
	f.logger.Info("Order delivered, stock committed",
		zap.Int64("order_id", orderID),
		zap.Int("quantity", committed))
	return nil
}
