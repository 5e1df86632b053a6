package service

import (
	"context"
	"errors"
	"fmt"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type allocationSource interface {
	BatchesForAllocation(ctx context.Context, warehouseID int64, sku string) ([]models.InventoryBatch, error)
}

type allocationSink interface {
	Transactor
	AllocationStore
}

// FIFOAllocator decides which physical batches supply an order line,
// oldest batch first.
type FIFOAllocator struct {
	batches     allocationSource
	allocations allocationSink
	logger      *zap.Logger
}

func NewFIFOAllocator(batches allocationSource, allocations allocationSink, logger *zap.Logger) *FIFOAllocator {
	return &FIFOAllocator{
		batches:     batches,
		allocations: allocations,
		logger:      util.ComponentLogger(logger, "fifo_allocator"),
	}
}

// PayableAmount is what is owed to a consignment owner for quantity units
// taken from a batch. Stock owned by the warehouse operator owes nothing.
func PayableAmount(costPrice decimal.Decimal, quantity int, ownerID *int64) decimal.Decimal {
	if ownerID == nil {
		return decimal.Zero
	}
	return costPrice.Mul(decimal.NewFromInt(int64(quantity)))
}

// Allocate splits quantity across batches in creation order. When the
// batches run out first it returns the partial plan in a
// *FulfillmentMismatchError.
func (a *FIFOAllocator) Allocate(ctx context.Context, sku string, quantity int, warehouseID int64) (records []models.AllocationRecord, err error) {
	ctx, span := util.StartSpan(ctx, "FIFOAllocator.Allocate",
		attribute.String("sku", sku),
		attribute.Int64("warehouse_id", warehouseID))
	defer func() { util.EndSpan(span, err) }()

	if quantity <= 0 {
		return nil, fmt.Errorf("%w: allocate %d", models.ErrInvalidQuantity, quantity)
	}

	batches, err := a.batches.BatchesForAllocation(ctx, warehouseID, sku)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, fmt.Errorf("%w: %s in warehouse %d", ErrItemUnavailable, sku, warehouseID)
	}

	remaining := quantity
	for _, b := range batches {
		if remaining == 0 {
			break
		}
		take := min(b.TotalStock, remaining)
		if take <= 0 {
			continue
		}
		records = append(records, models.AllocationRecord{
			BatchID:           b.ID,
			QuantityAllocated: take,
			PayableAmount:     PayableAmount(b.CostPrice, take, b.OwnerID),
		})
		remaining -= take
	}

	if remaining > 0 {
		util.FulfillmentMismatchTotal.Inc()
		a.logger.Error("FIFO allocation ran out of batches",
			zap.String("sku", sku),
			zap.Int64("warehouse_id", warehouseID),
			zap.Int("requested", quantity),
			zap.Int("allocated", quantity-remaining))
		return nil, &FulfillmentMismatchError{
			SKU:       sku,
			Requested: quantity,
			Allocated: quantity - remaining,
			Partial:   records,
		}
	}
	return records, nil
}

// AllocateLine allocates one order line and stores the records.
func (a *FIFOAllocator) AllocateLine(ctx context.Context, line models.OrderLine, warehouseID int64) ([]models.AllocationRecord, error) {
	records, err := a.Allocate(ctx, line.SKU, line.Quantity, warehouseID)
	if err != nil {
		return nil, err
	}
	for i := range records {
		records[i].OrderLineID = line.ID
	}
	if err := a.allocations.InsertAllocations(ctx, records); err != nil {
		return nil, err
	}
	return records, nil
}

// AllocateOrder allocates every line of an order in one transaction.
func (a *FIFOAllocator) AllocateOrder(ctx context.Context, order *models.Order) ([]models.AllocationRecord, error) {
	var all []models.AllocationRecord
	err := a.allocations.WithTx(ctx, func(ctx context.Context) error {
		all = all[:0]
		for _, line := range order.Lines {
			records, err := a.AllocateLine(ctx, line, order.WarehouseID)
			if err != nil {
				return fmt.Errorf("line %d (%s): %w", line.ID, line.SKU, err)
			}
			all = append(all, records...)
		}
		return nil
	})
	if err != nil {
		var mismatch *FulfillmentMismatchError
		if errors.As(err, &mismatch) {
			a.logger.Error("Order allocation aborted",
				zap.Int64("order_id", order.ID),
				zap.Error(err))
		}
		return nil, err
	}
	return all, nil
}

// AllocateReserved stores allocation records for an order from the
// reservations the ledger made for it, so the records name exactly the
// batches whose stock is held. Reservations of one SKU are handed out to
// that SKU's lines in line order.
func (a *FIFOAllocator) AllocateReserved(ctx context.Context, order *models.Order, reserved []BatchReservation) (records []models.AllocationRecord, err error) {
	ctx, span := util.StartSpan(ctx, "FIFOAllocator.AllocateReserved",
		attribute.Int64("order_id", order.ID))
	defer func() { util.EndSpan(span, err) }()

	bySKU := make(map[string][]BatchReservation)
	for _, r := range reserved {
		bySKU[r.SKU] = append(bySKU[r.SKU], r)
	}

	batches := make(map[int64]models.InventoryBatch)
	for sku := range bySKU {
		found, err := a.batches.BatchesForAllocation(ctx, order.WarehouseID, sku)
		if err != nil {
			return nil, err
		}
		for _, b := range found {
			batches[b.ID] = b
		}
	}

	for _, line := range order.Lines {
		queue := bySKU[line.SKU]
		remaining := line.Quantity
		for remaining > 0 && len(queue) > 0 {
			r := &queue[0]
			b, ok := batches[r.BatchID]
			if !ok {
				return nil, fmt.Errorf("reserved batch %d: %w", r.BatchID, models.ErrNotFound)
			}
			take := min(r.Quantity, remaining)
			records = append(records, models.AllocationRecord{
				OrderLineID:       line.ID,
				BatchID:           b.ID,
				QuantityAllocated: take,
				PayableAmount:     PayableAmount(b.CostPrice, take, b.OwnerID),
			})
			r.Quantity -= take
			remaining -= take
			if r.Quantity == 0 {
				queue = queue[1:]
			}
		}
		bySKU[line.SKU] = queue

		if remaining > 0 {
			util.FulfillmentMismatchTotal.Inc()
			a.logger.Error("Reservation does not cover order line",
				zap.Int64("order_id", order.ID),
				zap.Int64("order_line_id", line.ID),
				zap.String("sku", line.SKU),
				zap.Int("requested", line.Quantity),
				zap.Int("allocated", line.Quantity-remaining))
			return nil, &FulfillmentMismatchError{
				SKU:       line.SKU,
				Requested: line.Quantity,
				Allocated: line.Quantity - remaining,
			}
		}
	}

	err = a.allocations.WithTx(ctx, func(ctx context.Context) error {
		return a.allocations.InsertAllocations(ctx, records)
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
