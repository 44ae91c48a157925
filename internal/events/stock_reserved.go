package events

import "time"

const (
	EventTypeStockReserved = "StockReserved"

	stockReservedSchema = "contracts/events/stock/StockReserved.v1.payload.schema.json"
)

type StockReservedPayload struct {
	OrderID   string      `json:"orderId"`
	UserID    string      `json:"userId"`
	Items     []StockLine `json:"items"`
	Timestamp time.Time   `json:"timestamp"`
}

type StockReservedEvent struct {
	EventEnvelope
	Payload StockReservedPayload `json:"payload"`
}

type StockLine struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}
