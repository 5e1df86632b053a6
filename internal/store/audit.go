package store

import (
	"context"
	"encoding/json"
	"fmt"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// InsertAllocations persists allocation records, filling in their ids.
func (s *Store) InsertAllocations(ctx context.Context, records []models.AllocationRecord) error {
	for i := range records {
		r := &records[i]
		err := sqlx.GetContext(ctx, s.ext(ctx), r, `
			INSERT INTO allocation_records (order_line_id, batch_id, quantity_allocated, payable_amount)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at`,
			r.OrderLineID, r.BatchID, r.QuantityAllocated, r.PayableAmount)
		if err != nil {
			return fmt.Errorf("failed to insert allocation for batch %d: %w", r.BatchID, err)
		}
	}
	return nil
}

// Record appends an audit entry. Inside WithTx it commits or rolls back with
// the change it describes.
func (s *Store) Record(ctx context.Context, entry models.AuditEntry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal audit payload: %w", err)
	}
	if entry.Payload == nil {
		payload = []byte("{}")
	}

	_, err = s.ext(ctx).ExecContext(ctx, `
		INSERT INTO audit_logs (actor, action, entity_type, entity_id, payload)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.Actor, entry.Action, entry.EntityType, entry.EntityID, payload)
	return err
}
