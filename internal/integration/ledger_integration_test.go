package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/kailasramasamy/martly-sub005/internal/db"
	"github.com/kailasramasamy/martly-sub005/internal/dedup"
	"github.com/kailasramasamy/martly-sub005/internal/events"
	httpapi "github.com/kailasramasamy/martly-sub005/internal/http"
	"github.com/kailasramasamy/martly-sub005/internal/ledger"
	"github.com/kailasramasamy/martly-sub005/internal/sequence"
	"github.com/kailasramasamy/martly-sub005/internal/testutil"
)

const (
	productA = "product-A"
	productB = "product-B"
)

func TestLedgerIntegration(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	dsn, _ := testutil.StartPostgres(t)
	conn, _ := testutil.StartRabbitMQ(t)

	logger := log.New(io.Discard, "", log.LstdFlags)
	require.NoError(t, db.RunMigrations(dsn, logger))

	app := startLedgerService(ctx, t, dsn, conn)
	defer app.stop()

	client := &http.Client{Timeout: 5 * time.Second}
	seedStock(ctx, t, client, app.baseURL, productA, "Widget A", 5)
	seedStock(ctx, t, client, app.baseURL, productB, "Widget B", 1)

	sub := subscribeStockEvents(t, conn)

	pubCh, err := conn.Channel()
	require.NoError(t, err)
	t.Cleanup(func() { _ = pubCh.Close() })

	// An order within stock places a hold and announces it.
	body := orderEnvelope(t, events.EventTypeOrderCreated, "evt-1", "order-1", 1, []events.OrderItem{
		{ProductID: productA, Quantity: 2},
	})
	publishOrderEvent(ctx, t, pubCh, events.OrderCreatedRoutingKey, body)

	reservedEnv, reserved := waitForStockEvent[events.StockReservedPayload](ctx, t, sub.ch, sub.reserved)
	require.Equal(t, "order-1", reserved.OrderID)
	require.Len(t, reserved.Items, 1)
	require.Equal(t, productA, reserved.Items[0].ProductID)
	require.Equal(t, 2, reserved.Items[0].Quantity)
	require.Equal(t, "corr-order-1", reservedEnv.CorrelationID)
	require.Equal(t, "evt-1", reservedEnv.CausationID)
	require.Equal(t, "order-1", reservedEnv.PartitionKey)

	waitForRecord(ctx, t, client, app.baseURL, productA, 5, 2)

	// An order over stock is refused whole: the first line would fit, but
	// nothing may be held back for it.
	body = orderEnvelope(t, events.EventTypeOrderCreated, "evt-2", "order-2", 1, []events.OrderItem{
		{ProductID: productA, Quantity: 2},
		{ProductID: productB, Quantity: 2},
	})
	publishOrderEvent(ctx, t, pubCh, events.OrderCreatedRoutingKey, body)

	_, depleted := waitForStockEvent[events.StockDepletedPayload](ctx, t, sub.ch, sub.depleted)
	require.Equal(t, "order-2", depleted.OrderID)
	require.Len(t, depleted.Depleted, 1)
	require.Equal(t, productB, depleted.Depleted[0].ProductID)
	require.Equal(t, 2, depleted.Depleted[0].Requested)
	require.Equal(t, 1, depleted.Depleted[0].Available)

	waitForRecord(ctx, t, client, app.baseURL, productA, 5, 2)
	waitForRecord(ctx, t, client, app.baseURL, productB, 1, 0)

	// A redelivered OrderCreated must not hold stock twice. The queue is
	// processed in order, so once order-3's event arrives the duplicate has
	// already been and gone.
	body = orderEnvelope(t, events.EventTypeOrderCreated, "evt-1", "order-1", 1, []events.OrderItem{
		{ProductID: productA, Quantity: 2},
	})
	publishOrderEvent(ctx, t, pubCh, events.OrderCreatedRoutingKey, body)

	body = orderEnvelope(t, events.EventTypeOrderCreated, "evt-3", "order-3", 1, []events.OrderItem{
		{ProductID: productA, Quantity: 1},
	})
	publishOrderEvent(ctx, t, pubCh, events.OrderCreatedRoutingKey, body)

	_, reserved = waitForStockEvent[events.StockReservedPayload](ctx, t, sub.ch, sub.reserved)
	require.Equal(t, "order-3", reserved.OrderID)
	waitForRecord(ctx, t, client, app.baseURL, productA, 5, 3)

	// Cancelling order-1 gives its hold back.
	body = orderEnvelope(t, events.EventTypeOrderCancelled, "evt-4", "order-1", 2, []events.OrderItem{
		{ProductID: productA, Quantity: 2},
	})
	publishOrderEvent(ctx, t, pubCh, events.OrderCancelledRoutingKey, body)

	_, released := waitForStockEvent[events.StockReleasedPayload](ctx, t, sub.ch, sub.released)
	require.Equal(t, "order-1", released.OrderID)
	waitForRecord(ctx, t, client, app.baseURL, productA, 5, 1)

	// Delivering order-3 turns its hold into a shipment: stock and
	// reservation drop together.
	body = orderEnvelope(t, events.EventTypeOrderDelivered, "evt-5", "order-3", 2, []events.OrderItem{
		{ProductID: productA, Quantity: 1},
	})
	publishOrderEvent(ctx, t, pubCh, events.OrderDeliveredRoutingKey, body)

	_, deducted := waitForStockEvent[events.StockDeductedPayload](ctx, t, sub.ch, sub.deducted)
	require.Equal(t, "order-3", deducted.OrderID)
	waitForRecord(ctx, t, client, app.baseURL, productA, 4, 0)
	waitForRecord(ctx, t, client, app.baseURL, productB, 1, 0)
}

func TestReserveOverHTTP(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	dsn, _ := testutil.StartPostgres(t)
	conn, _ := testutil.StartRabbitMQ(t)

	logger := log.New(io.Discard, "", log.LstdFlags)
	require.NoError(t, db.RunMigrations(dsn, logger))

	app := startLedgerService(ctx, t, dsn, conn)
	defer app.stop()

	client := &http.Client{Timeout: 5 * time.Second}
	seedStock(ctx, t, client, app.baseURL, productA, "Widget A", 3)

	resp := postJSON(ctx, t, client, app.baseURL+"/api/stock/reserve",
		`{"orderId":"order-9","items":[{"productId":"product-A","quantity":2}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	waitForRecord(ctx, t, client, app.baseURL, productA, 3, 2)

	// Second reserve overshoots what is left and reports the gap.
	resp = postJSON(ctx, t, client, app.baseURL+"/api/stock/reserve",
		`{"orderId":"order-10","items":[{"productId":"product-A","quantity":2}]}`)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var shortage struct {
		ProductID string `json:"productId"`
		Name      string `json:"name"`
		Available int    `json:"available"`
		Requested int    `json:"requested"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&shortage))
	_ = resp.Body.Close()
	require.Equal(t, productA, shortage.ProductID)
	require.Equal(t, "Widget A", shortage.Name)
	require.Equal(t, 1, shortage.Available)
	require.Equal(t, 2, shortage.Requested)

	// A recount below the held units is refused.
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, app.baseURL+"/api/stock",
		bytes.NewReader([]byte(`{"id":"product-A","name":"Widget A","stock":1}`)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err = client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()

	// Release and deduct clamp at zero instead of failing.
	resp = postJSON(ctx, t, client, app.baseURL+"/api/stock/release",
		`{"items":[{"productId":"product-A","quantity":5}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
	waitForRecord(ctx, t, client, app.baseURL, productA, 3, 0)

	resp = postJSON(ctx, t, client, app.baseURL+"/api/stock/deduct",
		`{"items":[{"productId":"product-A","quantity":5}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
	waitForRecord(ctx, t, client, app.baseURL, productA, 0, 0)
}

type ledgerApp struct {
	baseURL string
	stop    func()
}

func startLedgerService(ctx context.Context, t *testing.T, dsn string, conn *amqp.Connection) *ledgerApp {
	t.Helper()

	pool, err := db.NewPool(ctx, dsn)
	require.NoError(t, err)

	logger := log.New(io.Discard, "", log.LstdFlags)

	metrics := ledger.NewMetrics(prometheus.NewRegistry())
	repo := ledger.NewPostgresRepository(pool, metrics)
	svc := ledger.NewService(repo)

	pub, err := events.NewPublisher(conn, sequence.NewRepository(pool), events.PublisherOptions{})
	require.NoError(t, err)

	serviceCtx, cancel := context.WithCancel(ctx)
	err = events.StartConsumers(serviceCtx, conn, repo, dedup.NewRepository(pool), pub, logger)
	require.NoError(t, err)

	handler := httpapi.NewHandler(svc)
	router := httpapi.NewRouter(handler)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	return &ledgerApp{
		baseURL: fmt.Sprintf("http://%s", ln.Addr().String()),
		stop: func() {
			cancel()
			_ = pub.Close()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = server.Shutdown(shutdownCtx)
			pool.Close()

			select {
			case err := <-errCh:
				t.Logf("server error: %v", err)
			default:
			}
		},
	}
}

type stockSubscriber struct {
	ch       *amqp.Channel
	reserved string
	depleted string
	released string
	deducted string
}

func subscribeStockEvents(t *testing.T, conn *amqp.Connection) *stockSubscriber {
	t.Helper()

	ch, err := conn.Channel()
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })

	require.NoError(t, ch.ExchangeDeclare(events.EventsExchange, "topic", true, false, false, false, nil))

	bind := func(routingKey string) string {
		q, err := ch.QueueDeclare("", false, true, true, false, nil)
		require.NoError(t, err)
		require.NoError(t, ch.QueueBind(q.Name, routingKey, events.EventsExchange, false, nil))
		return q.Name
	}

	return &stockSubscriber{
		ch:       ch,
		reserved: bind(events.StockReservedRoutingKey),
		depleted: bind(events.StockDepletedRoutingKey),
		released: bind(events.StockReleasedRoutingKey),
		deducted: bind(events.StockDeductedRoutingKey),
	}
}

func orderEnvelope(t *testing.T, eventName, eventID, orderID string, seq int64, items []events.OrderItem) []byte {
	t.Helper()

	payload, err := json.Marshal(events.OrderEventPayload{
		OrderID:   orderID,
		UserID:    "user-1",
		Items:     items,
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)

	body, err := json.Marshal(events.EventEnvelope{
		EventName:     eventName,
		EventVersion:  1,
		EventID:       eventID,
		CorrelationID: "corr-" + orderID,
		Producer:      "order-service",
		PartitionKey:  orderID,
		Sequence:      seq,
		OccurredAt:    time.Now().UTC(),
		Schema:        "contracts/events/order/" + eventName + ".v1.payload.schema.json",
		Payload:       payload,
	})
	require.NoError(t, err)
	return body
}

func publishOrderEvent(ctx context.Context, t *testing.T, ch *amqp.Channel, routingKey string, body []byte) {
	t.Helper()

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	require.NoError(t, ch.PublishWithContext(pubCtx, events.EventsExchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}))
}

func waitForStockEvent[T any](ctx context.Context, t *testing.T, ch *amqp.Channel, queue string) (events.EventEnvelope, T) {
	t.Helper()

	pollCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	backoff := 50 * time.Millisecond
	for {
		select {
		case <-pollCtx.Done():
			t.Fatalf("timed out waiting for message on %s: %v", queue, pollCtx.Err())
		default:
		}

		msg, ok, err := ch.Get(queue, true)
		require.NoError(t, err)
		if ok {
			var env events.EventEnvelope
			require.NoError(t, json.Unmarshal(msg.Body, &env))
			var payload T
			require.NoError(t, json.Unmarshal(env.Payload, &payload))
			return env, payload
		}

		time.Sleep(backoff)
		if backoff < time.Second {
			backoff *= 2
			if backoff > time.Second {
				backoff = time.Second
			}
		}
	}
}

func seedStock(ctx context.Context, t *testing.T, client *http.Client, baseURL, productID, name string, stock int) {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"id":    productID,
		"name":  name,
		"stock": stock,
	})
	require.NoError(t, err)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, baseURL+"/api/stock", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func postJSON(ctx context.Context, t *testing.T, client *http.Client, url, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

type stockView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Stock     int    `json:"stock"`
	Reserved  int    `json:"reservedStock"`
	Available int    `json:"available"`
}

func waitForRecord(ctx context.Context, t *testing.T, client *http.Client, baseURL, productID string, wantStock, wantReserved int) stockView {
	t.Helper()

	pollCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	backoff := 50 * time.Millisecond
	for {
		select {
		case <-pollCtx.Done():
			t.Fatalf("timed out waiting for %s to reach stock=%d reserved=%d: %v", productID, wantStock, wantReserved, pollCtx.Err())
		default:
		}

		req, err := http.NewRequestWithContext(pollCtx, http.MethodGet, fmt.Sprintf("%s/api/stock/%s", baseURL, productID), nil)
		require.NoError(t, err)

		resp, err := client.Do(req)
		require.NoError(t, err)

		var view stockView
		func() {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
			}
		}()

		if resp.StatusCode == http.StatusOK && view.Stock == wantStock && view.Reserved == wantReserved {
			return view
		}

		time.Sleep(backoff)
		if backoff < time.Second {
			backoff *= 2
			if backoff > time.Second {
				backoff = time.Second
			}
		}
	}
}
