package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kailasramasamy/martly-sub005/internal/ledger"
	"github.com/kailasramasamy/martly-sub005/internal/sequence"
)

type Publisher struct {
	ch       *amqp.Channel
	seqRepo  *sequence.Repository
	producer string
}

type PublisherOptions struct {
	Producer string
}

func NewPublisher(conn *amqp.Connection, seqRepo *sequence.Repository, opts PublisherOptions) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := declareEventsExchange(ch); err != nil {
		return nil, fmt.Errorf("declare events exchange: %w", err)
	}

	producer := opts.Producer
	if producer == "" {
		producer = ledgerServiceName
	}

	return &Publisher{ch: ch, seqRepo: seqRepo, producer: producer}, nil
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}

// EventMeta carries correlation fields from a consumed event into the ones
// published because of it.
type EventMeta struct {
	CorrelationID string
	CausationID   string
	PartitionKey  string
}

func (p *Publisher) PublishStockReserved(ctx context.Context, meta EventMeta, orderID, userID string, reserved []ledger.Line) error {
	timestamp := time.Now().UTC()
	payload := StockReservedPayload{
		OrderID:   orderID,
		UserID:    userID,
		Items:     stockLines(reserved),
		Timestamp: timestamp,
	}

	seq, err := p.seqRepo.Next(ctx, meta.PartitionKey)
	if err != nil {
		return fmt.Errorf("reserved sequence: %w", err)
	}

	env := newStockReservedEvent(meta, seq, p.producer, payload, timestamp)
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal StockReserved envelope: %w", err)
	}
	return p.publishJSON(ctx, StockReservedRoutingKey, body)
}

func (p *Publisher) PublishStockDepleted(ctx context.Context, meta EventMeta, orderID, userID string, shortage *ledger.InsufficientStockError) error {
	timestamp := time.Now().UTC()
	payload := StockDepletedPayload{
		OrderID: orderID,
		UserID:  userID,
		Depleted: []DepletedLine{{
			ProductID: shortage.ProductID,
			Name:      shortage.Name,
			Requested: shortage.Requested,
			Available: shortage.Available,
		}},
		Timestamp: timestamp,
	}

	seq, err := p.seqRepo.Next(ctx, meta.PartitionKey)
	if err != nil {
		return fmt.Errorf("depleted sequence: %w", err)
	}

	env := newStockDepletedEvent(meta, seq, p.producer, payload, timestamp)
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal StockDepleted envelope: %w", err)
	}
	return p.publishJSON(ctx, StockDepletedRoutingKey, body)
}

func (p *Publisher) PublishStockReleased(ctx context.Context, meta EventMeta, orderID, userID string, released []ledger.Line) error {
	timestamp := time.Now().UTC()
	payload := StockReleasedPayload{
		OrderID:   orderID,
		UserID:    userID,
		Items:     stockLines(released),
		Timestamp: timestamp,
	}

	seq, err := p.seqRepo.Next(ctx, meta.PartitionKey)
	if err != nil {
		return fmt.Errorf("released sequence: %w", err)
	}

	env := newStockReleasedEvent(meta, seq, p.producer, payload, timestamp)
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal StockReleased envelope: %w", err)
	}
	return p.publishJSON(ctx, StockReleasedRoutingKey, body)
}

func (p *Publisher) PublishStockDeducted(ctx context.Context, meta EventMeta, orderID, userID string, deducted []ledger.Line) error {
	timestamp := time.Now().UTC()
	payload := StockDeductedPayload{
		OrderID:   orderID,
		UserID:    userID,
		Items:     stockLines(deducted),
		Timestamp: timestamp,
	}

	seq, err := p.seqRepo.Next(ctx, meta.PartitionKey)
	if err != nil {
		return fmt.Errorf("deducted sequence: %w", err)
	}

	env := newStockDeductedEvent(meta, seq, p.producer, payload, timestamp)
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal StockDeducted envelope: %w", err)
	}
	return p.publishJSON(ctx, StockDeductedRoutingKey, body)
}

func (p *Publisher) publishJSON(ctx context.Context, routingKey string, body []byte) error {
	pubCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return p.ch.PublishWithContext(
		pubCtx,
		EventsExchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}

func stockLines(lines []ledger.Line) []StockLine {
	out := make([]StockLine, 0, len(lines))
	for _, line := range lines {
		out = append(out, StockLine{ProductID: line.ProductID, Quantity: line.Quantity})
	}
	return out
}

func newEnvelope(eventName, schema string, meta EventMeta, seq int64, producer string, occurredAt time.Time) EventEnvelope {
	return EventEnvelope{
		EventName:     eventName,
		EventVersion:  1,
		EventID:       uuid.NewString(),
		CorrelationID: meta.CorrelationID,
		CausationID:   meta.CausationID,
		Producer:      producer,
		PartitionKey:  meta.PartitionKey,
		Sequence:      seq,
		OccurredAt:    occurredAt,
		Schema:        schema,
	}
}

func newStockReservedEvent(meta EventMeta, seq int64, producer string, payload StockReservedPayload, occurredAt time.Time) StockReservedEvent {
	return StockReservedEvent{
		EventEnvelope: newEnvelope(EventTypeStockReserved, stockReservedSchema, meta, seq, producer, occurredAt),
		Payload:       payload,
	}
}

func newStockDepletedEvent(meta EventMeta, seq int64, producer string, payload StockDepletedPayload, occurredAt time.Time) StockDepletedEvent {
	return StockDepletedEvent{
		EventEnvelope: newEnvelope(EventTypeStockDepleted, stockDepletedSchema, meta, seq, producer, occurredAt),
		Payload:       payload,
	}
}

func newStockReleasedEvent(meta EventMeta, seq int64, producer string, payload StockReleasedPayload, occurredAt time.Time) StockReleasedEvent {
	return StockReleasedEvent{
		EventEnvelope: newEnvelope(EventTypeStockReleased, stockReleasedSchema, meta, seq, producer, occurredAt),
		Payload:       payload,
	}
}

func newStockDeductedEvent(meta EventMeta, seq int64, producer string, payload StockDeductedPayload, occurredAt time.Time) StockDeductedEvent {
	return StockDeductedEvent{
		EventEnvelope: newEnvelope(EventTypeStockDeducted, stockDeductedSchema, meta, seq, producer, occurredAt),
		Payload:       payload,
	}
}
