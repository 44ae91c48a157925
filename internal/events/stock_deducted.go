package events

import "time"

const (
	EventTypeStockDeducted = "StockDeducted"

	stockDeductedSchema = "contracts/events/stock/StockDeducted.v1.payload.schema.json"
)

type StockDeductedPayload struct {
	OrderID   string      `json:"orderId"`
	UserID    string      `json:"userId"`
	Items     []StockLine `json:"items"`
	Timestamp time.Time   `json:"timestamp"`
}

type StockDeductedEvent struct {
	EventEnvelope
	Payload StockDeductedPayload `json:"payload"`
}
