package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/stock-holds-and-orders/internal/adapters/postgres"
	redisadapter "github.com/robertarktes/stock-holds-and-orders/internal/adapters/redis"
	"github.com/robertarktes/stock-holds-and-orders/internal/clock"
	httphandler "github.com/robertarktes/stock-holds-and-orders/internal/http"
	"github.com/robertarktes/stock-holds-and-orders/internal/observability"
	"github.com/robertarktes/stock-holds-and-orders/internal/rateLimit"
	"github.com/robertarktes/stock-holds-and-orders/internal/service"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/sync/errgroup"
)

const schema = `
	CREATE TABLE IF NOT EXISTS products (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		price NUMERIC(12, 2) NOT NULL,
		stock INT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE TABLE IF NOT EXISTS holds (
		id BIGSERIAL PRIMARY KEY,
		product_id BIGINT NOT NULL REFERENCES products (id),
		qty INT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		order_id BIGINT,
		status TEXT NOT NULL CHECK (status IN ('reserved', 'expired', 'consumed')),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE TABLE IF NOT EXISTS orders (
		id BIGSERIAL PRIMARY KEY,
		hold_id BIGINT NOT NULL REFERENCES holds (id),
		total_amount NUMERIC(12, 2) NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending', 'paid', 'cancelled')),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE TABLE IF NOT EXISTS payment_webhooks (
		id BIGSERIAL PRIMARY KEY,
		idempotency_key TEXT NOT NULL UNIQUE,
		payload JSONB NOT NULL,
		target_order_id BIGINT NOT NULL,
		order_id BIGINT,
		status TEXT NOT NULL CHECK (status IN ('pending', 'success', 'failed')),
		processed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE TABLE IF NOT EXISTS outbox (
		id UUID PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		aggregate_id BIGINT NOT NULL,
		event_type TEXT NOT NULL,
		payload_json JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		published_at TIMESTAMPTZ,
		status TEXT NOT NULL,
		dedupe_key TEXT NOT NULL UNIQUE
	);
`

type env struct {
	server *httptest.Server
	pool   *pgxpool.Pool
}

func setup(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			Env:          map[string]string{"POSTGRES_PASSWORD": "test", "POSTGRES_DB": "sho"},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pgContainer.Terminate(ctx) })

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForExec([]string{"redis-cli", "ping"}),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { redisContainer.Terminate(ctx) })

	pgHost, err := pgContainer.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	pgPort, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatal(err)
	}
	redisHost, err := redisContainer.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	redisPort, err := redisContainer.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatal(err)
	}

	pool, err := pgxpool.New(ctx, "postgres://postgres:test@"+pgHost+":"+pgPort.Port()+"/sho?sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, schema); err != nil {
		t.Fatal(err)
	}
	repo := postgres.NewRepository(pool)

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: redisHost + ":" + redisPort.Port()})
	cache := redisadapter.NewCache(redisClient, 5*time.Second)
	rl := rateLimit.NewRateLimiter(cache)

	logger := observability.NewLogger()
	clk := clock.System()
	ledger := service.NewLedger(repo, clk)
	holds := service.NewHoldService(repo, ledger, cache, nil, clk, logger, 2*time.Minute)
	orders := service.NewOrderService(repo, holds, cache, nil, clk, logger)
	webhooks := service.NewWebhookService(repo, orders, nil, clk, logger)
	orders.SetReplayer(webhooks)
	products := service.NewProductService(repo, ledger, cache, logger)

	handlers := httphandler.NewHandlers(holds, orders, webhooks, products, logger)
	server := httptest.NewServer(httphandler.SetupRouter(handlers, logger, rl))
	t.Cleanup(server.Close)

	return &env{server: server, pool: pool}
}

func (e *env) insertProduct(t *testing.T, price string, stock int) int64 {
	t.Helper()
	var id int64
	err := e.pool.QueryRow(context.Background(), `
		INSERT INTO products (name, price, stock) VALUES ('widget', $1, $2) RETURNING id
	`, price, stock).Scan(&id)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func (e *env) post(t *testing.T, path string, body map[string]interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var decoded map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (e *env) get(t *testing.T, path string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var decoded map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestIntegration_Oversell(t *testing.T) {
	e := setup(t)
	productID := e.insertProduct(t, "10.00", 5)

	resp, _ := e.post(t, "/v1/holds", map[string]interface{}{"product_id": productID, "qty": 5})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	resp, body := e.post(t, "/v1/holds", map[string]interface{}{"product_id": productID, "qty": 1})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	if got, want := body["error"], "Insufficient stock. Available: 0, Requested: 1"; got != want {
		t.Errorf("expected error %q, got %q", want, got)
	}
}

func TestIntegration_HoldOrderPayment(t *testing.T) {
	e := setup(t)
	productID := e.insertProduct(t, "25.00", 5)

	resp, holdBody := e.post(t, "/v1/holds", map[string]interface{}{"product_id": productID, "qty": 2})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("hold failed: %d", resp.StatusCode)
	}
	holdID := int64(holdBody["hold_id"].(float64))

	resp, orderBody := e.post(t, "/v1/orders", map[string]interface{}{"hold_id": holdID})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("order failed: %d", resp.StatusCode)
	}
	orderID := int64(orderBody["order_id"].(float64))
	if orderBody["status"] != "pending" {
		t.Errorf("expected pending order, got %v", orderBody["status"])
	}

	resp, webhookBody := e.post(t, "/v1/payments/webhook", map[string]interface{}{
		"idempotency_key": "itest-paid-1",
		"order_id":        orderID,
		"status":          "paid",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook failed: %d", resp.StatusCode)
	}
	if webhookBody["message"] != "Webhook processed successfully" {
		t.Errorf("unexpected webhook message %v", webhookBody["message"])
	}

	resp, orderBody = e.get(t, fmt.Sprintf("/v1/orders/%d", orderID))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get order failed: %d", resp.StatusCode)
	}
	if orderBody["status"] != "paid" {
		t.Errorf("expected paid, got %v", orderBody["status"])
	}

	// Duplicate delivery of the same key reports the stored outcome.
	resp, webhookBody = e.post(t, "/v1/payments/webhook", map[string]interface{}{
		"idempotency_key": "itest-paid-1",
		"order_id":        orderID,
		"status":          "paid",
	})
	if resp.StatusCode != http.StatusOK || webhookBody["message"] != "Webhook already processed" {
		t.Errorf("unexpected duplicate response: %d %v", resp.StatusCode, webhookBody)
	}

	// Paid quantity stays deducted from the advisory product view.
	resp, productBody := e.get(t, fmt.Sprintf("/v1/products/%d", productID))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get product failed: %d", resp.StatusCode)
	}
	if got := int(productBody["available_stock"].(float64)); got != 3 {
		t.Errorf("expected 3 available, got %d", got)
	}
}

func TestIntegration_WebhookBeforeOrder(t *testing.T) {
	e := setup(t)
	productID := e.insertProduct(t, "10.00", 5)

	// With a fresh database the first order created will get id 1; deliver
	// its webhook before it exists.
	resp, body := e.post(t, "/v1/payments/webhook", map[string]interface{}{
		"idempotency_key": "itest-early-1",
		"order_id":        1,
		"status":          "paid",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for buffered webhook, got %d", resp.StatusCode)
	}
	if body["message"] != "Webhook received, will process when order is created" {
		t.Errorf("unexpected message %v", body["message"])
	}

	resp, holdBody := e.post(t, "/v1/holds", map[string]interface{}{"product_id": productID, "qty": 1})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("hold failed: %d", resp.StatusCode)
	}
	holdID := int64(holdBody["hold_id"].(float64))

	resp, orderBody := e.post(t, "/v1/orders", map[string]interface{}{"hold_id": holdID})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("order failed: %d", resp.StatusCode)
	}
	if orderBody["status"] != "paid" {
		t.Errorf("expected order paid via buffered webhook, got %v", orderBody["status"])
	}
}

func TestIntegration_ConcurrentHoldsNeverOversell(t *testing.T) {
	e := setup(t)
	const stock = 5
	const attempts = 12
	productID := e.insertProduct(t, "10.00", stock)

	var created, rejected atomic.Int64
	var g errgroup.Group
	for i := 0; i < attempts; i++ {
		g.Go(func() error {
			data, _ := json.Marshal(map[string]interface{}{"product_id": productID, "qty": 1})
			resp, err := http.Post(e.server.URL+"/v1/holds", "application/json", bytes.NewReader(data))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusCreated:
				created.Add(1)
			case http.StatusConflict:
				rejected.Add(1)
			default:
				return fmt.Errorf("unexpected status %d", resp.StatusCode)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if created.Load() != stock {
		t.Errorf("expected exactly %d holds created, got %d", stock, created.Load())
	}
	if rejected.Load() != attempts-stock {
		t.Errorf("expected %d rejections, got %d", attempts-stock, rejected.Load())
	}

	var reserved int
	if err := e.pool.QueryRow(context.Background(), `
		SELECT COALESCE(SUM(qty), 0) FROM holds WHERE product_id = $1 AND status = 'reserved'
	`, productID).Scan(&reserved); err != nil {
		t.Fatal(err)
	}
	if reserved != stock {
		t.Errorf("expected %d units reserved, got %d", stock, reserved)
	}
}
