package ledger

import "time"

// StockRecord is one ledger row: a product at a fulfillment location.
// ID is the opaque key callers address stock by.
type StockRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Stock     int       `json:"stock"`
	Reserved  int       `json:"reservedStock"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Available is the sellable quantity. It is derived, never stored:
// stock counts physical units, reserved counts units already promised.
func (r StockRecord) Available() int {
	return r.Stock - r.Reserved
}

type Line struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}
