package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kailasramasamy/martly-sub005/internal/dedup"
	"github.com/kailasramasamy/martly-sub005/internal/ledger"
)

// HandlerFunc consumes one delivery body. Returning an error NACKs the
// message.
type HandlerFunc func(ctx context.Context, body []byte) error

type StockPublisher interface {
	PublishStockReserved(ctx context.Context, meta EventMeta, orderID, userID string, reserved []ledger.Line) error
	PublishStockDepleted(ctx context.Context, meta EventMeta, orderID, userID string, shortage *ledger.InsufficientStockError) error
	PublishStockReleased(ctx context.Context, meta EventMeta, orderID, userID string, released []ledger.Line) error
	PublishStockDeducted(ctx context.Context, meta EventMeta, orderID, userID string, deducted []ledger.Line) error
}

// One checkpoint per event type: a shared one would let an out-of-order
// cancel swallow a later-delivered create for the same order.
const (
	orderCreatedConsumerName   = "inventory-ledger.order-created"
	orderCancelledConsumerName = "inventory-ledger.order-cancelled"
	orderDeliveredConsumerName = "inventory-ledger.order-delivered"
)

// OrderCreatedHandler places the order's holds and publishes StockReserved,
// or StockDepleted when the ledger refuses a line. The ledger write and the
// dedup checkpoint commit in one transaction.
func OrderCreatedHandler(repo ledger.TransactionalRepository, dedupRepo *dedup.Repository, pub StockPublisher, logger *log.Logger) HandlerFunc {
	return func(ctx context.Context, body []byte) error {
		msg, err := parseOrderEvent(body, EventTypeOrderCreated)
		if err != nil {
			return err
		}

		tx, err := repo.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		localDedup := dedupRepo.WithExecutor(tx)
		skip, err := checkDedup(ctx, localDedup, orderCreatedConsumerName, msg, logger)
		if err != nil {
			return err
		}
		if skip {
			return nil
		}

		if err := repo.ReserveTx(ctx, tx, msg.lines); err != nil {
			shortage, ok := ledger.AsInsufficientStock(err)
			if !ok {
				return fmt.Errorf("reserve for order %s: %w", msg.orderID, err)
			}
			// Give the row locks back before going near the broker. The
			// checkpoint is not advanced: a redelivery retries the reserve,
			// and a duplicate StockDepleted is harmless.
			_ = tx.Rollback(ctx)
			logger.Printf("stock depleted for order=%s product=%s requested=%d available=%d", msg.orderID, shortage.ProductID, shortage.Requested, shortage.Available)
			return pub.PublishStockDepleted(ctx, msg.meta(), msg.orderID, msg.userID, shortage)
		}

		if err := saveDedup(ctx, localDedup, orderCreatedConsumerName, msg); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit reserve: %w", err)
		}

		logger.Printf("stock reserved for order=%s lines=%d", msg.orderID, len(msg.lines))
		return pub.PublishStockReserved(ctx, msg.meta(), msg.orderID, msg.userID, msg.lines)
	}
}

// OrderCancelledHandler gives the order's holds back and publishes
// StockReleased.
func OrderCancelledHandler(repo ledger.TransactionalRepository, dedupRepo *dedup.Repository, pub StockPublisher, logger *log.Logger) HandlerFunc {
	return func(ctx context.Context, body []byte) error {
		msg, err := parseOrderEvent(body, EventTypeOrderCancelled)
		if err != nil {
			return err
		}

		tx, err := repo.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		localDedup := dedupRepo.WithExecutor(tx)
		skip, err := checkDedup(ctx, localDedup, orderCancelledConsumerName, msg, logger)
		if err != nil {
			return err
		}
		if skip {
			return nil
		}

		if err := repo.ReleaseTx(ctx, tx, msg.lines); err != nil {
			return fmt.Errorf("release for order %s: %w", msg.orderID, err)
		}
		if err := saveDedup(ctx, localDedup, orderCancelledConsumerName, msg); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit release: %w", err)
		}

		logger.Printf("stock released for order=%s lines=%d", msg.orderID, len(msg.lines))
		return pub.PublishStockReleased(ctx, msg.meta(), msg.orderID, msg.userID, msg.lines)
	}
}

// OrderDeliveredHandler turns the order's holds into shipped units and
// publishes StockDeducted.
func OrderDeliveredHandler(repo ledger.TransactionalRepository, dedupRepo *dedup.Repository, pub StockPublisher, logger *log.Logger) HandlerFunc {
	return func(ctx context.Context, body []byte) error {
		msg, err := parseOrderEvent(body, EventTypeOrderDelivered)
		if err != nil {
			return err
		}

		tx, err := repo.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		localDedup := dedupRepo.WithExecutor(tx)
		skip, err := checkDedup(ctx, localDedup, orderDeliveredConsumerName, msg, logger)
		if err != nil {
			return err
		}
		if skip {
			return nil
		}

		if err := repo.DeductTx(ctx, tx, msg.lines); err != nil {
			return fmt.Errorf("deduct for order %s: %w", msg.orderID, err)
		}
		if err := saveDedup(ctx, localDedup, orderDeliveredConsumerName, msg); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit deduct: %w", err)
		}

		logger.Printf("stock deducted for order=%s lines=%d", msg.orderID, len(msg.lines))
		return pub.PublishStockDeducted(ctx, msg.meta(), msg.orderID, msg.userID, msg.lines)
	}
}

// orderEvent is a consumed order lifecycle event, flattened for handling.
type orderEvent struct {
	envelope EventEnvelope
	orderID  string
	userID   string
	lines    []ledger.Line
}

func (m orderEvent) partitionKey() string {
	if m.envelope.PartitionKey != "" {
		return m.envelope.PartitionKey
	}
	return m.orderID
}

func (m orderEvent) meta() EventMeta {
	correlationID := m.envelope.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return EventMeta{
		CorrelationID: correlationID,
		CausationID:   m.envelope.EventID,
		PartitionKey:  m.orderID,
	}
}

func parseOrderEvent(body []byte, expectedName string) (orderEvent, error) {
	env, err := parseEnvelope(body)
	if err != nil {
		return orderEvent{}, fmt.Errorf("parse envelope: %w", err)
	}
	if err := env.Validate(expectedName, 1); err != nil {
		return orderEvent{}, err
	}

	var payload OrderEventPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return orderEvent{}, fmt.Errorf("parse %s payload: %w", expectedName, err)
	}
	if payload.OrderID == "" {
		return orderEvent{}, fmt.Errorf("missing orderId")
	}

	lines := make([]ledger.Line, 0, len(payload.Items))
	for _, it := range payload.Items {
		if it.ProductID == "" || it.Quantity <= 0 {
			continue
		}
		lines = append(lines, ledger.Line{ProductID: it.ProductID, Quantity: it.Quantity})
	}

	return orderEvent{envelope: env, orderID: payload.OrderID, userID: payload.UserID, lines: lines}, nil
}

// checkDedup reports whether the delivery was already processed. Events
// without a sequence bypass dedup entirely.
func checkDedup(ctx context.Context, dedupRepo *dedup.Repository, consumerName string, msg orderEvent, logger *log.Logger) (bool, error) {
	if msg.envelope.Sequence == 0 {
		return false, nil
	}
	lastSeq, ok, err := dedupRepo.LastSequence(ctx, consumerName, msg.partitionKey())
	if err != nil {
		return false, err
	}
	if ok {
		if msg.envelope.Sequence <= lastSeq {
			logger.Printf("skip duplicate order=%s partition=%s seq=%d last=%d", msg.orderID, msg.partitionKey(), msg.envelope.Sequence, lastSeq)
			return true, nil
		}
		if msg.envelope.Sequence > lastSeq+1 {
			logger.Printf("warning: sequence gap for partition=%s seq=%d last=%d", msg.partitionKey(), msg.envelope.Sequence, lastSeq)
		}
	}
	return false, nil
}

func saveDedup(ctx context.Context, dedupRepo *dedup.Repository, consumerName string, msg orderEvent) error {
	if msg.envelope.Sequence == 0 {
		return nil
	}
	return dedupRepo.SaveSequence(ctx, consumerName, msg.partitionKey(), msg.envelope.Sequence)
}
