package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// InventoryBatch is one physical lot of stock for a SKU in a warehouse bin.
// Rows are never deleted, only zeroed.
type InventoryBatch struct {
	ID            int64           `db:"id" json:"id"`
	WarehouseID   int64           `db:"warehouse_id" json:"warehouse_id"`
	SKU           string          `db:"sku" json:"sku"`
	Location      string          `db:"location" json:"location"`
	OwnerID       *int64          `db:"owner_id" json:"owner_id,omitempty"`
	CostPrice     decimal.Decimal `db:"cost_price" json:"cost_price"`
	TotalStock    int             `db:"total_stock" json:"total_stock"`
	ReservedStock int             `db:"reserved_stock" json:"reserved_stock"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// Available returns the stock that can still be reserved.
func (b InventoryBatch) Available() int {
	return b.TotalStock - b.ReservedStock
}

// Consigned reports whether the batch belongs to a third-party owner.
func (b InventoryBatch) Consigned() bool {
	return b.OwnerID != nil
}

// EntryKind classifies a ledger movement.
type EntryKind string

const (
	EntryAdd     EntryKind = "add"
	EntryReserve EntryKind = "reserve"
	EntryRelease EntryKind = "release"
	EntryCommit  EntryKind = "commit"
	EntryAdjust  EntryKind = "adjust"
)

// LedgerEntry is an immutable stock movement against one batch.
type LedgerEntry struct {
	ID        int64     `db:"id" json:"id"`
	BatchID   int64     `db:"batch_id" json:"batch_id"`
	Kind      EntryKind `db:"kind" json:"kind"`
	Quantity  int       `db:"quantity" json:"quantity"`
	Reference string    `db:"reference" json:"reference"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// AllocationRecord links an order line to the batch that supplies it.
type AllocationRecord struct {
	ID                int64           `db:"id" json:"id"`
	OrderLineID       int64           `db:"order_line_id" json:"order_line_id"`
	BatchID           int64           `db:"batch_id" json:"batch_id"`
	QuantityAllocated int             `db:"quantity_allocated" json:"quantity_allocated"`
	PayableAmount     decimal.Decimal `db:"payable_amount" json:"payable_amount"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
}

// Order is the read model of an order owned by the order store.
type Order struct {
	ID          int64       `db:"id" json:"id"`
	WarehouseID int64       `db:"warehouse_id" json:"warehouse_id"`
	Status      string      `db:"status" json:"status"`
	Lines       []OrderLine `db:"-" json:"lines"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updated_at"`
}

// OrderLine is one SKU of an order.
type OrderLine struct {
	ID       int64  `db:"id" json:"id"`
	OrderID  int64  `db:"order_id" json:"order_id"`
	SKU      string `db:"sku" json:"sku"`
	Quantity int    `db:"quantity" json:"quantity"`
}

// Items folds the lines into a SKU to quantity map.
func (o Order) Items() map[string]int {
	items := make(map[string]int, len(o.Lines))
	for _, l := range o.Lines {
		items[l.SKU] += l.Quantity
	}
	return items
}

// Order statuses
const (
	OrderStatusCreated        = "created"
	OrderStatusConfirmed      = "confirmed"
	OrderStatusPacked         = "packed"
	OrderStatusOutForDelivery = "out_for_delivery"
	OrderStatusDelivered      = "delivered"
	OrderStatusCancelled      = "cancelled"
	OrderStatusFailed         = "failed"
)

// OrderTerminal reports whether no further fulfilment work is needed for the status.
func OrderTerminal(status string) bool {
	switch status {
	case OrderStatusCancelled, OrderStatusDelivered, OrderStatusFailed:
		return true
	}
	return false
}

// Courier is a delivery partner bound to a warehouse.
type Courier struct {
	ID          int64     `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	WarehouseID int64     `db:"warehouse_id" json:"warehouse_id"`
	IsActive    bool      `db:"is_active" json:"is_active"`
	IsAvailable bool      `db:"is_available" json:"is_available"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// CourierCandidate is a courier annotated with its current load. Not persisted.
type CourierCandidate struct {
	CourierID  int64 `db:"courier_id" json:"courier_id"`
	ActiveJobs int   `db:"active_jobs" json:"active_jobs"`
}

// Delivery statuses
const (
	DeliveryStatusAssigned       = "assigned"
	DeliveryStatusPickedUp       = "picked_up"
	DeliveryStatusOutForDelivery = "out_for_delivery"
	DeliveryStatusDelivered      = "delivered"
	DeliveryStatusFailed         = "failed"
)

// DeliveryClosed reports whether the delivery reached a final status.
func DeliveryClosed(status string) bool {
	return status == DeliveryStatusDelivered || status == DeliveryStatusFailed
}

// ActiveDeliveryStatuses count towards a courier's concurrent job ceiling.
var ActiveDeliveryStatuses = []string{
	DeliveryStatusAssigned,
	DeliveryStatusPickedUp,
	DeliveryStatusOutForDelivery,
}

// Job statuses track the automation state of courier search.
const (
	JobStatusSearching          = "searching"
	JobStatusAssigned           = "assigned"
	JobStatusManualIntervention = "manual_intervention"
)

// DeliveryJob is the single delivery record of an order.
type DeliveryJob struct {
	ID        int64     `db:"id" json:"id"`
	OrderID   int64     `db:"order_id" json:"order_id"`
	CourierID *int64    `db:"courier_id" json:"courier_id,omitempty"`
	Status    string    `db:"status" json:"status"`
	JobStatus string    `db:"job_status" json:"job_status"`
	OTP       string    `db:"otp" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// HasCourier reports whether a courier is bound to the job.
func (j DeliveryJob) HasCourier() bool {
	return j.CourierID != nil && j.JobStatus == JobStatusAssigned
}

// Retry statuses
const (
	RetryStatusPending   = "pending"
	RetryStatusDone      = "done"
	RetryStatusEscalated = "escalated"
	RetryStatusCancelled = "cancelled"
)

// AssignmentRetry is the persisted attempt counter of background courier search.
type AssignmentRetry struct {
	OrderID       int64     `db:"order_id" json:"order_id"`
	Attempts      int       `db:"attempts" json:"attempts"`
	Status        string    `db:"status" json:"status"`
	NextAttemptAt time.Time `db:"next_attempt_at" json:"next_attempt_at"`
	LastError     string    `db:"last_error" json:"last_error,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

// AuditEntry is an append-only record of who changed what.
type AuditEntry struct {
	ID         int64          `db:"id" json:"id"`
	Actor      string         `db:"actor" json:"actor"`
	Action     string         `db:"action" json:"action"`
	EntityType string         `db:"entity_type" json:"entity_type"`
	EntityID   int64          `db:"entity_id" json:"entity_id"`
	Payload    map[string]any `db:"-" json:"payload,omitempty"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
}

// Audit actions
const (
	AuditActionAutoAssignment   = "auto_assignment"
	AuditActionManualAssignment = "manual_assignment"
	AuditActionPickedUp         = "delivery_picked_up"
	AuditActionDelivered        = "delivery_completed"
	AuditActionDeliveryFailed   = "delivery_failed"
)
