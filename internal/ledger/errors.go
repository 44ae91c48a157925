package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("stock record not found")
	ErrInvalidLine = errors.New("invalid stock line")

	// ErrStockBelowReserved rejects a recount that would drop stock under
	// the units currently held for orders.
	ErrStockBelowReserved = errors.New("stock below reserved holds")
)

// InsufficientStockError reports the first line a reserve could not hold.
// Unknown marks a product id with no ledger row; it is reported the same
// way as a depleted one, with zero availability.
type InsufficientStockError struct {
	ProductID string
	Name      string
	Available int
	Requested int
	Unknown   bool
}

func (e *InsufficientStockError) Error() string {
	if e.Unknown {
		return fmt.Sprintf("insufficient stock for unknown product %s: requested %d", e.ProductID, e.Requested)
	}
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

// AsInsufficientStock unwraps err into an *InsufficientStockError, if it is one.
func AsInsufficientStock(err error) (*InsufficientStockError, bool) {
	var insufficient *InsufficientStockError
	if errors.As(err, &insufficient) {
		return insufficient, true
	}
	return nil, false
}
