package models

import "fmt"

// Apply mutates the batch counters for one movement. The batch is left
// untouched when the movement would break 0 <= reserved <= total.
//
// Quantities follow the ledger sign convention: add, reserve and release are
// positive; commit is negative and lowers both total and reserved; adjust is
// a signed delta on total.
func (b *InventoryBatch) Apply(kind EntryKind, qty int) error {
	total, reserved := b.TotalStock, b.ReservedStock

	switch kind {
	case EntryAdd:
		if qty <= 0 {
			return ErrInvalidQuantity
		}
		total += qty
	case EntryReserve:
		if qty <= 0 {
			return ErrInvalidQuantity
		}
		reserved += qty
	case EntryRelease:
		if qty <= 0 {
			return ErrInvalidQuantity
		}
		reserved -= qty
	case EntryCommit:
		if qty >= 0 {
			return ErrInvalidQuantity
		}
		if -qty > reserved {
			return ErrCommitExceedsReserved
		}
		total += qty
		reserved += qty
	case EntryAdjust:
		total += qty
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEntryKind, kind)
	}

	if reserved < 0 || reserved > total {
		return fmt.Errorf("%w: batch %d %s %d would leave total=%d reserved=%d",
			ErrStockInvariant, b.ID, kind, qty, total, reserved)
	}

	b.TotalStock, b.ReservedStock = total, reserved
	return nil
}

// Replay rebuilds batch counters from its entries in creation order.
func Replay(entries []LedgerEntry) (total, reserved int, err error) {
	var b InventoryBatch
	for _, e := range entries {
		if err := b.Apply(e.Kind, e.Quantity); err != nil {
			return 0, 0, fmt.Errorf("replay entry %d: %w", e.ID, err)
		}
	}
	return b.TotalStock, b.ReservedStock, nil
}
