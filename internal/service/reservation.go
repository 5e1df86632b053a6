package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type ReservationConfig struct {
	ResyncTimeout     time.Duration
	ResyncConcurrency int
}

// BatchReservation is the quantity reserved on one batch.
type BatchReservation struct {
	BatchID  int64  `json:"batch_id"`
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// AddStockRequest describes an inward putaway. A zero BatchID receives the
// stock into a new batch.
type AddStockRequest struct {
	BatchID     int64
	WarehouseID int64
	SKU         string
	Location    string
	OwnerID     *int64
	CostPrice   decimal.Decimal
	Quantity    int
	Reference   string
}

// ReservationCoordinator moves stock through the ledger and keeps the cache
// gate in step with it.
type ReservationCoordinator struct {
	ledger Ledger
	cache  *StockCache
	cfg    ReservationConfig
	logger *zap.Logger

	resyncs sync.WaitGroup
}

// NewReservationCoordinator builds a coordinator. A nil cache sends every
// reservation straight to the ledger.
func NewReservationCoordinator(ledger Ledger, cache *StockCache, cfg ReservationConfig, logger *zap.Logger) *ReservationCoordinator {
	if cfg.ResyncTimeout <= 0 {
		cfg.ResyncTimeout = 5 * time.Second
	}
	if cfg.ResyncConcurrency <= 0 {
		cfg.ResyncConcurrency = 4
	}
	return &ReservationCoordinator{
		ledger: ledger,
		cache:  cache,
		cfg:    cfg,
		logger: util.ComponentLogger(logger, "reservations"),
	}
}

type cacheHold struct {
	sku      string
	quantity int
}

// Reserve gates the request on the cache, then reserves it in the ledger.
// A cache rejection fails fast; a cache failure degrades to the ledger path.
func (c *ReservationCoordinator) Reserve(ctx context.Context, warehouseID int64, items map[string]int, reference string) (res []BatchReservation, err error) {
	ctx, span := util.StartSpan(ctx, "ReservationCoordinator.Reserve",
		attribute.Int64("warehouse_id", warehouseID),
		attribute.String("reference", reference))
	defer func() { util.EndSpan(span, err) }()

	start := time.Now()
	defer func() {
		util.StockReserveLatency.WithLabelValues("reserve").Observe(time.Since(start).Seconds())
	}()

	skus, err := validateItems(items)
	if err != nil {
		return nil, err
	}

	var held []cacheHold
	if c.cache != nil {
	gate:
		for _, sku := range skus {
			qty := items[sku]
			result, err := c.cache.TryReserve(ctx, warehouseID, sku, qty)
			if err != nil {
				c.logger.Warn("Stock cache unavailable, reserving from ledger",
					zap.Int64("warehouse_id", warehouseID),
					zap.String("sku", sku),
					zap.Error(err))
				util.StockCacheFallbacks.WithLabelValues("error").Inc()
				c.rollbackCache(ctx, warehouseID, held)
				held = nil
				break gate
			}

			switch result {
			case redisclient.ReserveOK:
				held = append(held, cacheHold{sku: sku, quantity: qty})
			case redisclient.ReserveOutOfStock:
				c.rollbackCache(ctx, warehouseID, held)
				util.StockReservationsTotal.WithLabelValues("rejected_cache").Inc()
				return nil, &InsufficientStockError{Shortfalls: []Shortfall{
					{SKU: sku, Requested: qty, Available: -1},
				}}
			default:
				util.StockCacheFallbacks.WithLabelValues("miss").Inc()
			}
		}
	}

	res, err = c.ReserveAll(ctx, warehouseID, items, reference)
	if err != nil {
		c.rollbackCache(ctx, warehouseID, held)
		return nil, err
	}
	return res, nil
}

// ReserveAll reserves every item in one ledger transaction or nothing.
// Batch rows are locked in ascending id order so concurrent multi-SKU
// reservations cannot deadlock.
func (c *ReservationCoordinator) ReserveAll(ctx context.Context, warehouseID int64, items map[string]int, reference string) (res []BatchReservation, err error) {
	ctx, span := util.StartSpan(ctx, "ReservationCoordinator.ReserveAll",
		attribute.Int64("warehouse_id", warehouseID))
	defer func() { util.EndSpan(span, err) }()

	skus, err := validateItems(items)
	if err != nil {
		return nil, err
	}

	idsBySKU, err := c.ledger.BatchIDsForSKUs(ctx, warehouseID, skus)
	if err != nil {
		return nil, err
	}

	var missing []Shortfall
	var ids []int64
	for _, sku := range skus {
		if len(idsBySKU[sku]) == 0 {
			missing = append(missing, Shortfall{SKU: sku, Requested: items[sku]})
			continue
		}
		ids = append(ids, idsBySKU[sku]...)
	}
	if len(missing) > 0 {
		util.StockReservationsTotal.WithLabelValues("rejected_ledger").Inc()
		return nil, &InsufficientStockError{Shortfalls: missing}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	err = c.ledger.WithTx(ctx, func(ctx context.Context) error {
		batches, err := c.ledger.LockBatches(ctx, ids)
		if err != nil {
			return err
		}

		bySKU := make(map[string][]*models.InventoryBatch, len(skus))
		for i := range batches {
			b := &batches[i]
			bySKU[b.SKU] = append(bySKU[b.SKU], b)
		}

		var shortfalls []Shortfall
		for _, sku := range skus {
			available := 0
			for _, b := range bySKU[sku] {
				available += b.Available()
			}
			if available < items[sku] {
				shortfalls = append(shortfalls, Shortfall{SKU: sku, Requested: items[sku], Available: available})
			}
		}
		if len(shortfalls) > 0 {
			return &InsufficientStockError{Shortfalls: shortfalls}
		}

		res = res[:0]
		for _, sku := range skus {
			group := bySKU[sku]
			sort.SliceStable(group, func(i, j int) bool {
				if group[i].CreatedAt.Equal(group[j].CreatedAt) {
					return group[i].ID < group[j].ID
				}
				return group[i].CreatedAt.Before(group[j].CreatedAt)
			})

			remaining := items[sku]
			for _, b := range group {
				if remaining == 0 {
					break
				}
				take := min(b.Available(), remaining)
				if take == 0 {
					continue
				}
				if err := c.move(ctx, b, models.EntryReserve, take, reference); err != nil {
					return err
				}
				res = append(res, BatchReservation{BatchID: b.ID, SKU: sku, Quantity: take})
				remaining -= take
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientStock) {
			util.StockReservationsTotal.WithLabelValues("rejected_ledger").Inc()
		} else {
			util.StockReservationsTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	util.StockReservationsTotal.WithLabelValues("reserved").Inc()
	c.logger.Info("Stock reserved",
		zap.Int64("warehouse_id", warehouseID),
		zap.String("reference", reference),
		zap.Int("batches", len(res)))

	c.resyncAsync(warehouseID, skus)
	return res, nil
}

// Release gives back up to quantity reserved units of a batch and returns
// how many were released.
func (c *ReservationCoordinator) Release(ctx context.Context, batchID int64, quantity int, reference string) (released int, err error) {
	ctx, span := util.StartSpan(ctx, "ReservationCoordinator.Release",
		attribute.Int64("batch_id", batchID))
	defer func() { util.EndSpan(span, err) }()

	if quantity <= 0 {
		return 0, fmt.Errorf("%w: release %d", models.ErrInvalidQuantity, quantity)
	}

	var batch *models.InventoryBatch
	err = c.ledger.WithTx(ctx, func(ctx context.Context) error {
		b, err := c.ledger.LockBatch(ctx, batchID)
		if err != nil {
			return err
		}
		batch = b
		released = min(quantity, b.ReservedStock)
		if released == 0 {
			return nil
		}
		return c.move(ctx, b, models.EntryRelease, released, reference)
	})
	if err != nil {
		return 0, err
	}

	if released > 0 && c.cache != nil {
		c.cache.Rollback(ctx, batch.WarehouseID, batch.SKU, released)
	}
	return released, nil
}

// Commit turns reserved stock into shipped stock.
func (c *ReservationCoordinator) Commit(ctx context.Context, batchID int64, quantity int, reference string) (err error) {
	ctx, span := util.StartSpan(ctx, "ReservationCoordinator.Commit",
		attribute.Int64("batch_id", batchID))
	defer func() { util.EndSpan(span, err) }()

	if quantity <= 0 {
		return fmt.Errorf("%w: commit %d", models.ErrInvalidQuantity, quantity)
	}

	var batch *models.InventoryBatch
	err = c.ledger.WithTx(ctx, func(ctx context.Context) error {
		b, err := c.ledger.LockBatch(ctx, batchID)
		if err != nil {
			return err
		}
		batch = b
		return c.move(ctx, b, models.EntryCommit, -quantity, reference)
	})
	if err != nil {
		return err
	}

	c.resyncAsync(batch.WarehouseID, []string{batch.SKU})
	return nil
}

// AddStock receives stock into a batch.
func (c *ReservationCoordinator) AddStock(ctx context.Context, req AddStockRequest) (batch *models.InventoryBatch, err error) {
	ctx, span := util.StartSpan(ctx, "ReservationCoordinator.AddStock",
		attribute.String("sku", req.SKU))
	defer func() { util.EndSpan(span, err) }()

	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: add %d", models.ErrInvalidQuantity, req.Quantity)
	}

	err = c.ledger.WithTx(ctx, func(ctx context.Context) error {
		if req.BatchID != 0 {
			b, err := c.ledger.LockBatch(ctx, req.BatchID)
			if err != nil {
				return err
			}
			batch = b
		} else {
			batch = &models.InventoryBatch{
				WarehouseID: req.WarehouseID,
				SKU:         req.SKU,
				Location:    req.Location,
				OwnerID:     req.OwnerID,
				CostPrice:   req.CostPrice,
			}
			if err := c.ledger.CreateBatch(ctx, batch); err != nil {
				return err
			}
		}
		return c.move(ctx, batch, models.EntryAdd, req.Quantity, req.Reference)
	})
	if err != nil {
		return nil, err
	}

	c.resyncAsync(batch.WarehouseID, []string{batch.SKU})
	return batch, nil
}

// AdjustStock sets a batch's total to a counted value. When the count drops
// below what is reserved, the excess reservation is released first so the
// history replays cleanly.
func (c *ReservationCoordinator) AdjustStock(ctx context.Context, batchID int64, counted int, reference string) (err error) {
	ctx, span := util.StartSpan(ctx, "ReservationCoordinator.AdjustStock",
		attribute.Int64("batch_id", batchID))
	defer func() { util.EndSpan(span, err) }()

	if counted < 0 {
		return fmt.Errorf("%w: counted %d", models.ErrInvalidQuantity, counted)
	}

	var batch *models.InventoryBatch
	err = c.ledger.WithTx(ctx, func(ctx context.Context) error {
		b, err := c.ledger.LockBatch(ctx, batchID)
		if err != nil {
			return err
		}
		batch = b

		if excess := b.ReservedStock - counted; excess > 0 {
			c.logger.Warn("Cycle count below reserved stock, clamping reservation",
				zap.Int64("batch_id", b.ID),
				zap.Int("reserved", b.ReservedStock),
				zap.Int("counted", counted))
			if err := c.move(ctx, b, models.EntryRelease, excess, reference); err != nil {
				return err
			}
		}

		if delta := counted - b.TotalStock; delta != 0 {
			return c.move(ctx, b, models.EntryAdjust, delta, reference)
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.resyncAsync(batch.WarehouseID, []string{batch.SKU})
	return nil
}

// ReleaseReference releases everything still reserved under reference.
func (c *ReservationCoordinator) ReleaseReference(ctx context.Context, reference string) (int, error) {
	return c.settleReference(ctx, reference, models.EntryRelease)
}

// CommitReference commits everything still reserved under reference.
func (c *ReservationCoordinator) CommitReference(ctx context.Context, reference string) (int, error) {
	return c.settleReference(ctx, reference, models.EntryCommit)
}

func (c *ReservationCoordinator) settleReference(ctx context.Context, reference string, kind models.EntryKind) (settled int, err error) {
	ctx, span := util.StartSpan(ctx, "ReservationCoordinator.settleReference",
		attribute.String("reference", reference),
		attribute.String("kind", string(kind)))
	defer func() { util.EndSpan(span, err) }()

	held, err := c.ledger.ReservedByReference(ctx, reference)
	if err != nil {
		return 0, err
	}
	if len(held) == 0 {
		return 0, nil
	}

	ids := make([]int64, 0, len(held))
	for id := range held {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	type touched struct {
		warehouseID int64
		sku         string
		quantity    int
	}
	var moved []touched

	err = c.ledger.WithTx(ctx, func(ctx context.Context) error {
		moved, settled = moved[:0], 0

		batches, err := c.ledger.LockBatches(ctx, ids)
		if err != nil {
			return err
		}
		// Re-read under the locks so a concurrent settle of the same
		// reference is not applied twice.
		held, err := c.ledger.ReservedByReference(ctx, reference)
		if err != nil {
			return err
		}

		for i := range batches {
			b := &batches[i]
			qty := min(held[b.ID], b.ReservedStock)
			if qty <= 0 {
				continue
			}
			signed := qty
			if kind == models.EntryCommit {
				signed = -qty
			}
			if err := c.move(ctx, b, kind, signed, reference); err != nil {
				return err
			}
			moved = append(moved, touched{warehouseID: b.WarehouseID, sku: b.SKU, quantity: qty})
			settled += qty
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	skusByWarehouse := make(map[int64][]string)
	for _, m := range moved {
		if kind == models.EntryRelease && c.cache != nil {
			c.cache.Rollback(ctx, m.warehouseID, m.sku, m.quantity)
		}
		skusByWarehouse[m.warehouseID] = append(skusByWarehouse[m.warehouseID], m.sku)
	}
	if kind == models.EntryCommit {
		for wh, skus := range skusByWarehouse {
			c.resyncAsync(wh, skus)
		}
	}

	c.logger.Info("Reference settled",
		zap.String("reference", reference),
		zap.String("kind", string(kind)),
		zap.Int("quantity", settled))
	return settled, nil
}

// Drain waits for in-flight cache resyncs.
func (c *ReservationCoordinator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.resyncs.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// move applies one movement to a locked batch and records it.
func (c *ReservationCoordinator) move(ctx context.Context, b *models.InventoryBatch, kind models.EntryKind, qty int, reference string) error {
	if err := b.Apply(kind, qty); err != nil {
		return err
	}
	if err := c.ledger.SaveBatchCounters(ctx, b); err != nil {
		return fmt.Errorf("failed to save batch %d: %w", b.ID, err)
	}
	entry := &models.LedgerEntry{BatchID: b.ID, Kind: kind, Quantity: qty, Reference: reference}
	if err := c.ledger.AppendEntry(ctx, entry); err != nil {
		return fmt.Errorf("failed to append %s entry: %w", kind, err)
	}
	util.LedgerMovementsTotal.WithLabelValues(string(kind)).Inc()
	return nil
}

func (c *ReservationCoordinator) rollbackCache(ctx context.Context, warehouseID int64, held []cacheHold) {
	for _, h := range held {
		c.cache.Rollback(ctx, warehouseID, h.sku, h.quantity)
	}
}

// resyncAsync refreshes cache keys from the ledger after a commit, off the
// caller's path and detached from its context.
func (c *ReservationCoordinator) resyncAsync(warehouseID int64, skus []string) {
	if c.cache == nil || len(skus) == 0 {
		return
	}
	skus = append([]string(nil), skus...)

	c.resyncs.Add(1)
	go func() {
		defer c.resyncs.Done()

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ResyncTimeout)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.cfg.ResyncConcurrency)
		for _, sku := range skus {
			sku := sku
			g.Go(func() error {
				if err := c.cache.Resync(gctx, warehouseID, sku); err != nil {
					util.StockCacheResyncFailures.Inc()
					c.logger.Warn("Stock cache resync failed",
						zap.Int64("warehouse_id", warehouseID),
						zap.String("sku", sku),
						zap.Error(err))
				}
				return nil
			})
		}
		_ = g.Wait()
	}()
}

func validateItems(items map[string]int) ([]string, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no items", models.ErrInvalidQuantity)
	}
	skus := make([]string, 0, len(items))
	for sku, qty := range items {
		if qty <= 0 {
			return nil, fmt.Errorf("%w: %s quantity %d", models.ErrInvalidQuantity, sku, qty)
		}
		skus = append(skus, sku)
	}
	sort.Strings(skus)
	return skus, nil
}
