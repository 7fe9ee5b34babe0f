package service

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/stock-holds-and-orders/internal/clock"
	"github.com/robertarktes/stock-holds-and-orders/internal/domain"
	"github.com/robertarktes/stock-holds-and-orders/internal/observability"
)

type HoldRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	AfterCommit(ctx context.Context, fn func())
	GetProductForUpdate(ctx context.Context, id int64) (domain.Product, error)
	CreateHold(ctx context.Context, hold domain.Hold) (domain.Hold, error)
	GetHold(ctx context.Context, id int64) (domain.Hold, error)
	GetHoldForUpdate(ctx context.Context, id int64) (domain.Hold, error)
	LinkHoldToOrder(ctx context.Context, holdID, orderID int64) error
	UpdateHoldStatus(ctx context.Context, holdID int64, status domain.HoldStatus) error
	FindExpiredHolds(ctx context.Context, now time.Time, limit int) ([]domain.Hold, error)
}

const maxCreateAttempts = 3

var createRetryDelays = [...]time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
}

// HoldService owns the hold state machine: reserved -> expired | consumed.
type HoldService struct {
	repo   HoldRepository
	ledger *Ledger
	cache  Cache
	audit  Audit
	clock  clock.Clock
	logger observability.Logger
	ttl    time.Duration
}

func NewHoldService(repo HoldRepository, ledger *Ledger, cache Cache, audit Audit, clk clock.Clock, logger observability.Logger, ttl time.Duration) *HoldService {
	return &HoldService{
		repo:   repo,
		ledger: ledger,
		cache:  cache,
		audit:  audit,
		clock:  clk,
		logger: logger,
		ttl:    ttl,
	}
}

// CreateHold reserves qty against a product under the product row lock.
// Only transient conflicts are retried; logical rejections such as
// insufficient stock surface immediately.
func (s *HoldService) CreateHold(ctx context.Context, productID int64, qty int) (domain.Hold, error) {
	if qty <= 0 {
		return domain.Hold{}, domain.ErrInvalidQuantity
	}

	for attempt := 0; ; attempt++ {
		hold, err := s.createHoldOnce(ctx, productID, qty)
		if err == nil {
			return hold, nil
		}
		if !domain.Retryable(err) || attempt == maxCreateAttempts-1 {
			if attempt == maxCreateAttempts-1 && domain.Retryable(err) {
				s.logger.WithField("product_id", productID).Error("failed to create hold after retries: ", err)
			}
			return domain.Hold{}, err
		}

		observability.HoldRetries.Inc()
		s.logger.WithField("product_id", productID).WithField("attempt", attempt+1).Warn("retrying hold creation")
		select {
		case <-ctx.Done():
			return domain.Hold{}, ctx.Err()
		case <-time.After(createRetryDelays[attempt]):
		}
	}
}

func (s *HoldService) createHoldOnce(ctx context.Context, productID int64, qty int) (domain.Hold, error) {
	var hold domain.Hold

	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		if _, err := s.repo.GetProductForUpdate(txCtx, productID); err != nil {
			return err
		}

		available, err := s.ledger.AvailableStock(txCtx, productID)
		if err != nil {
			return err
		}
		if available < qty {
			observability.InsufficientStock.Inc()
			return &domain.InsufficientStockError{Available: available, Requested: qty}
		}

		hold, err = s.repo.CreateHold(txCtx, domain.NewHold(productID, qty, s.ttl, s.clock.Now()))
		return err
	})
	if err != nil {
		return domain.Hold{}, err
	}

	s.invalidate(ctx, productID)
	observability.HoldsCreated.Inc()
	s.logger.WithField("hold_id", hold.ID).WithField("product_id", productID).WithField("qty", qty).Info("hold created")
	s.record(ctx, "hold.created", map[string]interface{}{
		"hold_id":    hold.ID,
		"product_id": productID,
		"qty":        qty,
		"expires_at": hold.ExpiresAt,
	})
	return hold, nil
}

func (s *HoldService) GetHold(ctx context.Context, holdID int64) (domain.Hold, error) {
	return s.repo.GetHold(ctx, holdID)
}

// MarkHoldUsed links a hold to its order. It is the single gate against a
// hold being consumed twice: false means missing, already linked or expired,
// never an error.
func (s *HoldService) MarkHoldUsed(ctx context.Context, holdID, orderID int64) (bool, error) {
	var used bool

	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		hold, err := s.repo.GetHoldForUpdate(txCtx, holdID)
		if errors.Is(err, domain.ErrHoldNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if hold.Status != domain.HoldReserved || hold.OrderID != nil || hold.Expired(s.clock.Now()) {
			return nil
		}
		if err := s.repo.LinkHoldToOrder(txCtx, holdID, orderID); err != nil {
			return err
		}
		used = true
		s.repo.AfterCommit(txCtx, func() { s.invalidate(ctx, hold.ProductID) })
		return nil
	})
	if err != nil {
		return false, err
	}
	return used, nil
}

// ExpireHold is idempotent: a hold that is no longer reserved, or that is
// already linked to an order, is left alone. The sweep path only; releasing
// a cancelled order's linked hold goes through ReleaseHold.
func (s *HoldService) ExpireHold(ctx context.Context, holdID int64) error {
	return s.repo.WithTx(ctx, func(txCtx context.Context) error {
		hold, err := s.repo.GetHoldForUpdate(txCtx, holdID)
		if errors.Is(err, domain.ErrHoldNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if hold.Status != domain.HoldReserved || hold.OrderID != nil {
			return nil
		}

		next, err := hold.Status.Transition(domain.HoldExpired)
		if err != nil {
			return err
		}
		if err := s.repo.UpdateHoldStatus(txCtx, holdID, next); err != nil {
			return err
		}
		s.repo.AfterCommit(txCtx, func() {
			s.invalidate(ctx, hold.ProductID)
			s.logger.WithField("hold_id", holdID).WithField("product_id", hold.ProductID).Info("hold expired")
		})
		return nil
	})
}

// ReleaseHold returns a cancelled order's reservation to available stock. It
// acts on holds already linked to their order, unlike the sweep's ExpireHold;
// consumed and already-expired holds are left alone.
func (s *HoldService) ReleaseHold(ctx context.Context, holdID int64) error {
	return s.repo.WithTx(ctx, func(txCtx context.Context) error {
		hold, err := s.repo.GetHoldForUpdate(txCtx, holdID)
		if errors.Is(err, domain.ErrHoldNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if hold.Status != domain.HoldReserved {
			return nil
		}

		next, err := hold.Status.Transition(domain.HoldExpired)
		if err != nil {
			return err
		}
		if err := s.repo.UpdateHoldStatus(txCtx, holdID, next); err != nil {
			return err
		}
		s.repo.AfterCommit(txCtx, func() {
			s.invalidate(ctx, hold.ProductID)
			s.logger.WithField("hold_id", holdID).WithField("product_id", hold.ProductID).Info("hold released")
		})
		return nil
	})
}

// MarkConsumed is called only once the owning order is confirmed paid; the
// stock stays permanently deducted.
func (s *HoldService) MarkConsumed(ctx context.Context, holdID int64) error {
	return s.repo.WithTx(ctx, func(txCtx context.Context) error {
		hold, err := s.repo.GetHold(txCtx, holdID)
		if errors.Is(err, domain.ErrHoldNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.repo.UpdateHoldStatus(txCtx, holdID, domain.HoldConsumed); err != nil {
			return err
		}
		s.repo.AfterCommit(txCtx, func() { s.invalidate(ctx, hold.ProductID) })
		return nil
	})
}

func (s *HoldService) invalidate(ctx context.Context, productID int64) {
	if err := s.cache.Invalidate(ctx, productID); err != nil {
		s.logger.WithField("product_id", productID).Warn("cache invalidation failed: ", err)
	}
}

func (s *HoldService) record(ctx context.Context, action string, data map[string]interface{}) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, action, data); err != nil {
		s.logger.Warn("audit record failed: ", err)
	}
}
