package events

import "time"

const (
	EventTypeStockDepleted = "StockDepleted"

	stockDepletedSchema = "contracts/events/stock/StockDepleted.v1.payload.schema.json"
)

// StockDepletedPayload reports the line that stopped a reserve. Nothing
// stays held when a reserve fails, so there is no reserved list to carry.
type StockDepletedPayload struct {
	OrderID   string         `json:"orderId"`
	UserID    string         `json:"userId"`
	Depleted  []DepletedLine `json:"depleted"`
	Timestamp time.Time      `json:"timestamp"`
}

type StockDepletedEvent struct {
	EventEnvelope
	Payload StockDepletedPayload `json:"payload"`
}

type DepletedLine struct {
	ProductID string `json:"productId"`
	Name      string `json:"name,omitempty"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}
