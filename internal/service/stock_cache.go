package service

import (
	"context"
	"fmt"

	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

type stockCounter interface {
	AvailableStock(ctx context.Context, warehouseID int64, sku string) (int, error)
}

// StockCache is the fast rejection gate in front of the ledger. Its counts
// are advisory; the ledger decides.
type StockCache struct {
	backend StockCacheBackend
	ledger  stockCounter
	logger  *zap.Logger
}

func NewStockCache(backend StockCacheBackend, ledger stockCounter, logger *zap.Logger) *StockCache {
	return &StockCache{
		backend: backend,
		ledger:  ledger,
		logger:  util.ComponentLogger(logger, "stock_cache"),
	}
}

// TryReserve decrements the cached count. A missing key is hydrated from the
// ledger once and the script retried once; a second miss is returned as
// ReserveUnavailable. Backend failures wrap ErrCacheUnavailable.
func (c *StockCache) TryReserve(ctx context.Context, warehouseID int64, sku string, quantity int) (redisclient.ReserveResult, error) {
	for attempt := 0; ; attempt++ {
		res, err := c.backend.ReserveStock(ctx, warehouseID, sku, quantity)
		if err != nil {
			util.StockCacheResults.WithLabelValues("error").Inc()
			return redisclient.ReserveUnavailable, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
		}
		util.StockCacheResults.WithLabelValues(res.String()).Inc()

		if res != redisclient.ReserveUnavailable || attempt > 0 {
			return res, nil
		}

		if err := c.Hydrate(ctx, warehouseID, sku); err != nil {
			return redisclient.ReserveUnavailable, err
		}
	}
}

// Hydrate seeds a missing key from the ledger without overwriting a
// concurrent hydration.
func (c *StockCache) Hydrate(ctx context.Context, warehouseID int64, sku string) error {
	available, err := c.ledger.AvailableStock(ctx, warehouseID, sku)
	if err != nil {
		return fmt.Errorf("failed to read ledger stock for hydration: %w", err)
	}

	if _, err := c.backend.HydrateStock(ctx, warehouseID, sku, available); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	c.logger.Debug("Hydrated stock cache",
		zap.Int64("warehouse_id", warehouseID),
		zap.String("sku", sku),
		zap.Int("available", available))
	return nil
}

// Rollback returns quantity to an existing key. Failures are logged and
// swallowed; the next resync repairs the count.
func (c *StockCache) Rollback(ctx context.Context, warehouseID int64, sku string, quantity int) {
	if quantity <= 0 {
		return
	}
	if _, err := c.backend.RollbackStock(ctx, warehouseID, sku, quantity); err != nil {
		c.logger.Warn("Stock cache rollback failed",
			zap.Int64("warehouse_id", warehouseID),
			zap.String("sku", sku),
			zap.Int("quantity", quantity),
			zap.Error(err))
	}
}

// Resync overwrites the cached count with ledger availability.
func (c *StockCache) Resync(ctx context.Context, warehouseID int64, sku string) error {
	available, err := c.ledger.AvailableStock(ctx, warehouseID, sku)
	if err != nil {
		return fmt.Errorf("failed to read ledger stock for resync: %w", err)
	}
	if err := c.backend.SetStock(ctx, warehouseID, sku, available); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}
