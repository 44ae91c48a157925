package events

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	EventsExchange = "martly.events"

	OrderCreatedRoutingKey   = "order.created.v1"
	OrderCancelledRoutingKey = "order.cancelled.v1"
	OrderDeliveredRoutingKey = "order.delivered.v1"

	StockReservedRoutingKey = "stock.reserved.v1"
	StockDepletedRoutingKey = "stock.depleted.v1"
	StockReleasedRoutingKey = "stock.released.v1"
	StockDeductedRoutingKey = "stock.deducted.v1"

	ledgerServiceName = "inventory-ledger"
)

func serviceQueue(serviceName, routingKey string) string {
	return serviceName + "." + routingKey
}

func ledgerQueueName(routingKey string) string {
	return serviceQueue(ledgerServiceName, routingKey)
}

func declareEventsExchange(ch *amqp.Channel) error {
	return ch.ExchangeDeclare(
		EventsExchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
}

func declareAndBindQueue(ch *amqp.Channel, queueName, routingKey string) error {
	if _, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	); err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	if err := ch.QueueBind(queueName, routingKey, EventsExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", queueName, err)
	}
	return nil
}
