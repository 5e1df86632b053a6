package service

import (
	"errors"
	"fmt"
	"strings"

	"fulfillment-service/internal/models"
)

var (
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrItemUnavailable    = errors.New("item unavailable")
	ErrAlreadyAssigned    = errors.New("delivery job already has a courier")
	ErrManualIntervention = errors.New("delivery job escalated to manual intervention")
	ErrNotServiceable     = errors.New("location not served by any warehouse")
	ErrCacheUnavailable   = errors.New("stock cache unavailable")
	ErrDeliveryClosed     = errors.New("delivery job already delivered or failed")
	ErrInvalidOTP         = errors.New("invalid delivery otp")
	ErrInvalidTransition  = errors.New("invalid delivery status transition")
)

// Shortfall is one SKU that could not be covered. Available is -1 when the
// cache rejected the request without consulting the ledger.
type Shortfall struct {
	SKU       string `json:"sku"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// InsufficientStockError lists every SKU short in a reservation.
type InsufficientStockError struct {
	Shortfalls []Shortfall
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, fmt.Sprintf("%s requested=%d available=%d", s.SKU, s.Requested, s.Available))
	}
	return "insufficient stock: " + strings.Join(parts, "; ")
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// FulfillmentMismatchError means the batches ran out before the requested
// quantity was allocated. Partial holds what could be allocated; none of it
// is persisted.
type FulfillmentMismatchError struct {
	SKU       string
	Requested int
	Allocated int
	Partial   []models.AllocationRecord
}

func (e *FulfillmentMismatchError) Error() string {
	return fmt.Sprintf("fulfillment mismatch for %s: requested=%d allocated=%d", e.SKU, e.Requested, e.Allocated)
}
