package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	mongoadapter "github.com/robertarktes/stock-holds-and-orders/internal/adapters/mongo"
	"github.com/robertarktes/stock-holds-and-orders/internal/adapters/postgres"
	redisadapter "github.com/robertarktes/stock-holds-and-orders/internal/adapters/redis"
	"github.com/robertarktes/stock-holds-and-orders/internal/clock"
	"github.com/robertarktes/stock-holds-and-orders/internal/config"
	httphandler "github.com/robertarktes/stock-holds-and-orders/internal/http"
	"github.com/robertarktes/stock-holds-and-orders/internal/observability"
	"github.com/robertarktes/stock-holds-and-orders/internal/rateLimit"
	"github.com/robertarktes/stock-holds-and-orders/internal/service"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
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
	rl := rateLimit.NewRateLimiter(cache)

	var audit service.Audit
	if cfg.MongoURI != "" {
		mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			log.Fatalf("failed to connect to mongo: %v", err)
		}
		defer mongoClient.Disconnect(context.Background())
		audit = mongoadapter.NewAuditLogger(mongoClient.Database("sho"), logger)
	}

	clk := clock.System()
	ledger := service.NewLedger(repo, clk)
	holds := service.NewHoldService(repo, ledger, cache, audit, clk, logger, cfg.HoldTTL)
	orders := service.NewOrderService(repo, holds, cache, audit, clk, logger)
	webhooks := service.NewWebhookService(repo, orders, audit, clk, logger)
	orders.SetReplayer(webhooks)
	products := service.NewProductService(repo, ledger, cache, logger)

	handlers := httphandler.NewHandlers(holds, orders, webhooks, products, logger)
	r := httphandler.SetupRouter(handlers, logger, rl)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown Server ...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server Shutdown:", err)
	}
	logger.Info("Server exiting")
}
