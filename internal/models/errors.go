package models

import "errors"

var (
	ErrNotFound              = errors.New("not found")
	ErrLockContention        = errors.New("row locked by another transaction")
	ErrStockInvariant        = errors.New("stock invariant violated")
	ErrCommitExceedsReserved = errors.New("cannot commit more than reserved stock")
	ErrInvalidQuantity       = errors.New("invalid quantity")
	ErrUnknownEntryKind      = errors.New("unknown ledger entry kind")
)
