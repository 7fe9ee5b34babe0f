package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/stock-holds-and-orders/internal/adapters/postgres"
	"github.com/robertarktes/stock-holds-and-orders/internal/adapters/rabbit"
	redisadapter "github.com/robertarktes/stock-holds-and-orders/internal/adapters/redis"
	"github.com/robertarktes/stock-holds-and-orders/internal/clock"
	"github.com/robertarktes/stock-holds-and-orders/internal/config"
	"github.com/robertarktes/stock-holds-and-orders/internal/domain"
	"github.com/robertarktes/stock-holds-and-orders/internal/observability"
	"github.com/robertarktes/stock-holds-and-orders/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg)
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger()

	pool, err := pgxpool.New(context.Background(), cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()
	repo := postgres.NewRepository(pool)

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	cache := redisadapter.NewCache(redisClient, cfg.ProductCacheTTL)

	clk := clock.System()
	ledger := service.NewLedger(repo, clk)
	holds := service.NewHoldService(repo, ledger, cache, nil, clk, logger, cfg.HoldTTL)
	orders := service.NewOrderService(repo, holds, cache, nil, clk, logger)
	webhooks := service.NewWebhookService(repo, orders, nil, clk, logger)
	orders.SetReplayer(webhooks)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	consumer, err := rabbit.NewConsumer(conn, "payment.events.q")
	if err != nil {
		log.Fatalf("failed to create consumer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := consumer.Consume(ctx)
	if err != nil {
		log.Fatalf("failed to consume: %v", err)
	}

	go run(ctx, deliveries, webhooks, logger)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown payment consumer")
}

type paymentMessage struct {
	IdempotencyKey string `json:"idempotency_key"`
	OrderID        int64  `json:"order_id"`
	Status         string `json:"status"`
}

func run(ctx context.Context, deliveries <-chan amqp.Delivery, webhooks *service.WebhookService, logger observability.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			handle(ctx, d, webhooks, logger)
		}
	}
}

// handle acks resolved and buffered deliveries, rejects malformed ones and
// requeues only transient failures.
func handle(ctx context.Context, d amqp.Delivery, webhooks *service.WebhookService, logger observability.Logger) {
	var msg paymentMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		logger.Error("malformed payment message: ", err)
		_ = d.Reject(false)
		return
	}

	result, err := webhooks.ProcessEvent(ctx, msg.IdempotencyKey, msg.OrderID, msg.Status)
	if err != nil {
		if domain.Retryable(err) {
			logger.WithField("order_id", msg.OrderID).Warn("transient failure, requeueing: ", err)
			_ = d.Nack(false, true)
			return
		}
		logger.WithField("order_id", msg.OrderID).Error("payment message rejected: ", err)
		_ = d.Reject(false)
		return
	}

	logger.WithField("order_id", msg.OrderID).WithField("status", string(result.Status)).Info(result.Message)
	_ = d.Ack(false)
}
