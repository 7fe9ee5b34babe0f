package service

import (
	"context"
	"time"

	"github.com/robertarktes/stock-holds-and-orders/internal/clock"
	"github.com/robertarktes/stock-holds-and-orders/internal/domain"
)

type LedgerRepository interface {
	GetProduct(ctx context.Context, id int64) (domain.Product, error)
	SumReservedQty(ctx context.Context, productID int64, now time.Time) (int, error)
	SumPaidQty(ctx context.Context, productID int64) (int, error)
}

// Ledger derives available stock from the source rows on every call. The
// value is never stored; correctness depends on the caller's transaction,
// which the context-carried handle makes the ledger's queries join.
type Ledger struct {
	repo  LedgerRepository
	clock clock.Clock
}

func NewLedger(repo LedgerRepository, clk clock.Clock) *Ledger {
	return &Ledger{repo: repo, clock: clk}
}

// AvailableStock returns total stock minus reserved unexpired holds minus
// stock consumed by paid orders, floored at zero.
func (l *Ledger) AvailableStock(ctx context.Context, productID int64) (int, error) {
	product, err := l.repo.GetProduct(ctx, productID)
	if err != nil {
		return 0, err
	}

	reserved, err := l.repo.SumReservedQty(ctx, productID, l.clock.Now())
	if err != nil {
		return 0, err
	}

	consumed, err := l.repo.SumPaidQty(ctx, productID)
	if err != nil {
		return 0, err
	}

	available := product.Stock - reserved - consumed
	if available < 0 {
		available = 0
	}
	return available, nil
}
