package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/stock-holds-and-orders/internal/adapters/postgres"
	redisadapter "github.com/robertarktes/stock-holds-and-orders/internal/adapters/redis"
	"github.com/robertarktes/stock-holds-and-orders/internal/clock"
	"github.com/robertarktes/stock-holds-and-orders/internal/config"
	"github.com/robertarktes/stock-holds-and-orders/internal/domain"
	"github.com/robertarktes/stock-holds-and-orders/internal/observability"
	"github.com/robertarktes/stock-holds-and-orders/internal/service"
	"golang.org/x/sync/errgroup"
)

const sweepBatchSize = 100

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

	worker := NewExpiryWorker(repo, holds, clk, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go worker.Run(ctx, cfg.SweepInterval)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown expiry worker")
}

// ExpiryWorker reclaims past-due reservations. ExpireHold is idempotent, so
// racing the lazy expiry checks in the API is harmless.
type ExpiryWorker struct {
	repo   *postgres.Repository
	holds  *service.HoldService
	clock  clock.Clock
	logger observability.Logger
}

func NewExpiryWorker(repo *postgres.Repository, holds *service.HoldService, clk clock.Clock, logger observability.Logger) *ExpiryWorker {
	return &ExpiryWorker{repo: repo, holds: holds, clock: clk, logger: logger}
}

func (w *ExpiryWorker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.sweep(ctx); err != nil {
				w.logger.Error("expiry sweep failed: ", err)
			}
		}
	}
}

func (w *ExpiryWorker) sweep(ctx context.Context) error {
	expired, err := w.repo.FindExpiredHolds(ctx, w.clock.Now(), sweepBatchSize)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, hold := range expired {
		hold := hold
		g.Go(func() error {
			if err := w.holds.ExpireHold(gctx, hold.ID); err != nil {
				w.logger.WithField("hold_id", hold.ID).Error("failed to expire hold: ", err)
				return nil
			}
			return w.publishExpired(gctx, hold)
		})
	}
	return g.Wait()
}

func (w *ExpiryWorker) publishExpired(ctx context.Context, hold domain.Hold) error {
	payload, _ := json.Marshal(map[string]interface{}{
		"hold_id":    hold.ID,
		"product_id": hold.ProductID,
		"qty":        hold.Qty,
	})
	return w.repo.AppendOutbox(ctx, "hold", hold.ID, "hold.expired", payload)
}
