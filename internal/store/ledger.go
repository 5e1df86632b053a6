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

const batchColumns = `id, warehouse_id, sku, location, owner_id, cost_price, total_stock, reserved_stock, created_at, updated_at`

// CreateBatch inserts an empty batch. Stock arrives through an add entry.
func (s *Store) CreateBatch(ctx context.Context, b *models.InventoryBatch) error {
	query := `
		INSERT INTO inventory_batches (warehouse_id, sku, location, owner_id, cost_price, total_stock, reserved_stock)
		VALUES ($1, $2, $3, $4, $5, 0, 0)
		RETURNING id, created_at, updated_at`

	b.TotalStock, b.ReservedStock = 0, 0
	return sqlx.GetContext(ctx, s.ext(ctx), b, query,
		b.WarehouseID, b.SKU, b.Location, b.OwnerID, b.CostPrice)
}

// GetBatch reads a batch without locking it.
func (s *Store) GetBatch(ctx context.Context, id int64) (*models.InventoryBatch, error) {
	var b models.InventoryBatch
	err := sqlx.GetContext(ctx, s.ext(ctx), &b,
		"SELECT "+batchColumns+" FROM inventory_batches WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// BatchIDsForSKUs maps each SKU to the ids of its stocked batches in a warehouse.
// SKUs without stocked batches are absent from the result.
func (s *Store) BatchIDsForSKUs(ctx context.Context, warehouseID int64, skus []string) (map[string][]int64, error) {
	var rows []struct {
		ID  int64  `db:"id"`
		SKU string `db:"sku"`
	}
	err := sqlx.SelectContext(ctx, s.ext(ctx), &rows, `
		SELECT id, sku FROM inventory_batches
		WHERE warehouse_id = $1 AND sku = ANY($2) AND total_stock > 0
		ORDER BY id`,
		warehouseID, pq.Array(skus))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve batches: %w", err)
	}

	out := make(map[string][]int64, len(skus))
	for _, r := range rows {
		out[r.SKU] = append(out[r.SKU], r.ID)
	}
	return out, nil
}

// LockBatches takes row locks in ascending id order and returns the rows in
// that order. Must run inside WithTx.
func (s *Store) LockBatches(ctx context.Context, ids []int64) ([]models.InventoryBatch, error) {
	var batches []models.InventoryBatch
	err := sqlx.SelectContext(ctx, s.ext(ctx), &batches,
		"SELECT "+batchColumns+" FROM inventory_batches WHERE id = ANY($1) ORDER BY id FOR UPDATE",
		pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to lock batches: %w", err)
	}
	return batches, nil
}

// LockBatch locks a single batch row.
func (s *Store) LockBatch(ctx context.Context, id int64) (*models.InventoryBatch, error) {
	var b models.InventoryBatch
	err := sqlx.GetContext(ctx, s.ext(ctx), &b,
		"SELECT "+batchColumns+" FROM inventory_batches WHERE id = $1 FOR UPDATE", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock batch: %w", err)
	}
	return &b, nil
}

// SaveBatchCounters writes back counters mutated through Apply.
func (s *Store) SaveBatchCounters(ctx context.Context, b *models.InventoryBatch) error {
	_, err := s.ext(ctx).ExecContext(ctx,
		"UPDATE inventory_batches SET total_stock = $1, reserved_stock = $2, updated_at = NOW() WHERE id = $3",
		b.TotalStock, b.ReservedStock, b.ID)
	return err
}

// AppendEntry records a movement. Entries are never updated.
func (s *Store) AppendEntry(ctx context.Context, e *models.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries (batch_id, kind, quantity, reference)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	return sqlx.GetContext(ctx, s.ext(ctx), e, query, e.BatchID, e.Kind, e.Quantity, e.Reference)
}

// EntriesForBatch returns the full history of a batch in creation order.
func (s *Store) EntriesForBatch(ctx context.Context, batchID int64) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	err := sqlx.SelectContext(ctx, s.ext(ctx), &entries,
		"SELECT id, batch_id, kind, quantity, reference, created_at FROM ledger_entries WHERE batch_id = $1 ORDER BY id",
		batchID)
	return entries, err
}

// AvailableStock sums unreserved stock of a SKU across batches.
func (s *Store) AvailableStock(ctx context.Context, warehouseID int64, sku string) (int, error) {
	var available int
	err := sqlx.GetContext(ctx, s.ext(ctx), &available, `
		SELECT COALESCE(SUM(total_stock - reserved_stock), 0)
		FROM inventory_batches
		WHERE warehouse_id = $1 AND sku = $2`,
		warehouseID, sku)
	return available, err
}

// BatchesForAllocation lists batches with physical stock, oldest first.
func (s *Store) BatchesForAllocation(ctx context.Context, warehouseID int64, sku string) ([]models.InventoryBatch, error) {
	var batches []models.InventoryBatch
	err := sqlx.SelectContext(ctx, s.ext(ctx), &batches,
		"SELECT "+batchColumns+` FROM inventory_batches
		WHERE warehouse_id = $1 AND sku = $2 AND total_stock > 0
		ORDER BY created_at, id`,
		warehouseID, sku)
	return batches, err
}

// ReservedByReference returns the quantity still held per batch under a
// reference: reserved minus released minus committed.
func (s *Store) ReservedByReference(ctx context.Context, reference string) (map[int64]int, error) {
	var rows []struct {
		BatchID  int64 `db:"batch_id"`
		Quantity int   `db:"quantity"`
	}
	err := sqlx.SelectContext(ctx, s.ext(ctx), &rows, `
		SELECT batch_id, SUM(CASE kind
			WHEN 'reserve' THEN quantity
			WHEN 'release' THEN -quantity
			WHEN 'commit' THEN quantity
			ELSE 0 END) AS quantity
		FROM ledger_entries
		WHERE reference = $1
		GROUP BY batch_id
		HAVING SUM(CASE kind
			WHEN 'reserve' THEN quantity
			WHEN 'release' THEN -quantity
			WHEN 'commit' THEN quantity
			ELSE 0 END) > 0
		ORDER BY batch_id`,
		reference)
	if err != nil {
		return nil, fmt.Errorf("failed to sum reservations: %w", err)
	}

	out := make(map[int64]int, len(rows))
	for _, r := range rows {
		out[r.BatchID] = r.Quantity
	}
	return out, nil
}

// VerifyBatch replays a batch's history and compares it with the stored counters.
func (s *Store) VerifyBatch(ctx context.Context, id int64) error {
	b, err := s.GetBatch(ctx, id)
	if err != nil {
		return err
	}
	entries, err := s.EntriesForBatch(ctx, id)
	if err != nil {
		return err
	}

	total, reserved, err := models.Replay(entries)
	if err != nil {
		return err
	}
	if total != b.TotalStock || reserved != b.ReservedStock {
		return fmt.Errorf("%w: batch %d stored total=%d reserved=%d, replayed total=%d reserved=%d",
			models.ErrStockInvariant, id, b.TotalStock, b.ReservedStock, total, reserved)
	}
	return nil
}
