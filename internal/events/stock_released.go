package events

import "time"

const (
	EventTypeStockReleased = "StockReleased"

	stockReleasedSchema = "contracts/events/stock/StockReleased.v1.payload.schema.json"
)

type StockReleasedPayload struct {
	OrderID   string      `json:"orderId"`
	UserID    string      `json:"userId"`
	Items     []StockLine `json:"items"`
	Timestamp time.Time   `json:"timestamp"`
}

type StockReleasedEvent struct {
	EventEnvelope
	Payload StockReleasedPayload `json:"payload"`
}
