package service

import (
	"context"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/redisclient"
)

// Transactor runs fn in one database transaction carried by ctx.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Ledger is the authoritative stock store. Lock methods must run inside WithTx.
type Ledger interface {
	Transactor
	BatchIDsForSKUs(ctx context.Context, warehouseID int64, skus []string) (map[string][]int64, error)
	LockBatches(ctx context.Context, ids []int64) ([]models.InventoryBatch, error)
	LockBatch(ctx context.Context, id int64) (*models.InventoryBatch, error)
	SaveBatchCounters(ctx context.Context, b *models.InventoryBatch) error
	AppendEntry(ctx context.Context, e *models.LedgerEntry) error
	CreateBatch(ctx context.Context, b *models.InventoryBatch) error
	AvailableStock(ctx context.Context, warehouseID int64, sku string) (int, error)
	BatchesForAllocation(ctx context.Context, warehouseID int64, sku string) ([]models.InventoryBatch, error)
	ReservedByReference(ctx context.Context, reference string) (map[int64]int, error)
}

// StockCacheBackend is the scripted counter store in front of the ledger.
type StockCacheBackend interface {
	ReserveStock(ctx context.Context, warehouseID int64, sku string, quantity int) (redisclient.ReserveResult, error)
	RollbackStock(ctx context.Context, warehouseID int64, sku string, quantity int) (bool, error)
	HydrateStock(ctx context.Context, warehouseID int64, sku string, available int) (bool, error)
	SetStock(ctx context.Context, warehouseID int64, sku string, available int) error
}

// CourierDirectory answers which couriers can take work and locks them.
type CourierDirectory interface {
	EligibleCouriers(ctx context.Context, warehouseID int64) ([]models.CourierCandidate, error)
	TryLockCourier(ctx context.Context, courierID int64) error
	CountActiveJobs(ctx context.Context, courierID int64) (int, error)
}

// DeliveryJobStore persists the single delivery job of each order.
type DeliveryJobStore interface {
	Transactor
	LockOrCreateDeliveryJob(ctx context.Context, orderID int64, otp string) (*models.DeliveryJob, error)
	LockDeliveryJob(ctx context.Context, orderID int64) (*models.DeliveryJob, error)
	GetDeliveryJob(ctx context.Context, orderID int64) (*models.DeliveryJob, error)
	SaveDeliveryJob(ctx context.Context, job *models.DeliveryJob) error
}

// RetryStore persists background assignment state.
type RetryStore interface {
	EnqueueRetry(ctx context.Context, orderID int64, dueAt time.Time) (bool, error)
	ClaimDueRetries(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]models.AssignmentRetry, error)
	GetRetry(ctx context.Context, orderID int64) (*models.AssignmentRetry, error)
	RecordAttempt(ctx context.Context, orderID int64, attempts int, nextAt time.Time, lastErr string) error
	FinishRetry(ctx context.Context, orderID int64, status string) (bool, error)
}

// OrderStore reads orders owned by the order service.
type OrderStore interface {
	GetOrder(ctx context.Context, orderID int64) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status string) error
}

type AllocationStore interface {
	InsertAllocations(ctx context.Context, records []models.AllocationRecord) error
}

// WarehouseResolver maps a coordinate to the warehouse serving it.
type WarehouseResolver interface {
	Resolve(ctx context.Context, lat, lng float64) (warehouseID int64, ok bool, err error)
}

type AuditSink interface {
	Record(ctx context.Context, entry models.AuditEntry) error
}

type AlertSink interface {
	Raise(ctx context.Context, name string, metadata map[string]any) error
}

type NotificationSink interface {
	Push(ctx context.Context, courierID int64, title, message string) error
}
