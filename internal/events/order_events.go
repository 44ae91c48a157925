package events

import "time"

const (
	EventTypeOrderCreated   = "OrderCreated"
	EventTypeOrderCancelled = "OrderCancelled"
	EventTypeOrderDelivered = "OrderDelivered"
)

// OrderEventPayload is the payload the order lifecycle events share.
// OrderCreated asks for holds, OrderCancelled gives them back, and
// OrderDelivered turns them into shipped units.
type OrderEventPayload struct {
	OrderID   string      `json:"orderId"`
	UserID    string      `json:"userId"`
	Reason    string      `json:"reason,omitempty"`
	Items     []OrderItem `json:"items"`
	Timestamp time.Time   `json:"timestamp"`
}

// OrderItem matches the order item contract used across services. Price is
// carried for completeness; the ledger only reads product and quantity.
type OrderItem struct {
	ProductID string  `json:"productId"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price,omitempty"`
}
