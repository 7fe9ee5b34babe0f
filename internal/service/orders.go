package service

import (
	"context"
	"encoding/json"

	"github.com/robertarktes/stock-holds-and-orders/internal/clock"
	"github.com/robertarktes/stock-holds-and-orders/internal/domain"
	"github.com/robertarktes/stock-holds-and-orders/internal/observability"
)

type OrderRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetProduct(ctx context.Context, id int64) (domain.Product, error)
	GetHoldForUpdate(ctx context.Context, id int64) (domain.Hold, error)
	CreateOrder(ctx context.Context, order domain.Order) (domain.Order, error)
	GetOrder(ctx context.Context, id int64) (domain.Order, error)
	GetOrderForUpdate(ctx context.Context, id int64) (domain.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status domain.OrderStatus) error
	AppendOutbox(ctx context.Context, aggregateType string, aggregateID int64, eventType string, payload []byte) error
}

// Replayer resolves payment events buffered before their order existed. It is
// wired after construction because the webhook processor also needs the order
// service.
type Replayer interface {
	ReplayBufferedFor(ctx context.Context, orderID int64) error
}

// OrderService converts holds into orders and drives order state transitions,
// delegating stock release and consumption back to the hold service.
type OrderService struct {
	repo     OrderRepository
	holds    *HoldService
	cache    Cache
	audit    Audit
	clock    clock.Clock
	logger   observability.Logger
	replayer Replayer
}

func NewOrderService(repo OrderRepository, holds *HoldService, cache Cache, audit Audit, clk clock.Clock, logger observability.Logger) *OrderService {
	return &OrderService{
		repo:   repo,
		holds:  holds,
		cache:  cache,
		audit:  audit,
		clock:  clk,
		logger: logger,
	}
}

func (s *OrderService) SetReplayer(r Replayer) {
	s.replayer = r
}

// CreateOrder converts a valid reserved hold into a pending order. The order
// insert, the hold linkage and the replay of buffered payment events commit
// as one transaction.
func (s *OrderService) CreateOrder(ctx context.Context, holdID int64) (domain.Order, error) {
	var order domain.Order
	var productID int64

	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		hold, err := s.repo.GetHoldForUpdate(txCtx, holdID)
		if err != nil {
			return err
		}
		if hold.Expired(s.clock.Now()) {
			return domain.ErrHoldExpired
		}
		if hold.Status != domain.HoldReserved {
			return domain.ErrHoldNotReserved
		}
		if hold.OrderID != nil {
			return domain.ErrHoldAlreadyUsed
		}

		product, err := s.repo.GetProduct(txCtx, hold.ProductID)
		if err != nil {
			return err
		}
		productID = product.ID

		order, err = s.repo.CreateOrder(txCtx, domain.NewOrder(hold, product.Price, s.clock.Now()))
		if err != nil {
			return err
		}

		used, err := s.holds.MarkHoldUsed(txCtx, holdID, order.ID)
		if err != nil {
			return err
		}
		if !used {
			return domain.ErrHoldAlreadyUsed
		}

		if s.replayer != nil {
			if err := s.replayer.ReplayBufferedFor(txCtx, order.ID); err != nil {
				return err
			}
		}

		payload, _ := json.Marshal(map[string]interface{}{"order_id": order.ID, "hold_id": holdID})
		return s.repo.AppendOutbox(txCtx, "order", order.ID, "order.created", payload)
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.invalidate(ctx, productID)
	s.logger.WithField("order_id", order.ID).WithField("hold_id", holdID).Info("order created")
	s.record(ctx, "order.created", map[string]interface{}{
		"order_id":     order.ID,
		"hold_id":      holdID,
		"total_amount": order.TotalAmount.String(),
	})

	// The replay may already have driven the order to a terminal state.
	if fresh, err := s.repo.GetOrder(ctx, order.ID); err == nil {
		order = fresh
	}
	return order, nil
}

func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (domain.Order, error) {
	return s.repo.GetOrder(ctx, orderID)
}

// MarkPaid is idempotent and absorbing: a terminal order is left untouched.
// The hold is consumed, never released, so the stock stays deducted.
func (s *OrderService) MarkPaid(ctx context.Context, orderID int64) error {
	var holdID int64

	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		order, err := s.repo.GetOrderForUpdate(txCtx, orderID)
		if err != nil {
			return err
		}
		if order.Status.Terminal() {
			return nil
		}

		next, err := order.Status.Transition(domain.OrderPaid)
		if err != nil {
			return err
		}
		if err := s.repo.UpdateOrderStatus(txCtx, orderID, next); err != nil {
			return err
		}

		if err := s.holds.MarkConsumed(txCtx, order.HoldID); err != nil {
			return err
		}
		holdID = order.HoldID

		payload, _ := json.Marshal(map[string]interface{}{"order_id": orderID})
		return s.repo.AppendOutbox(txCtx, "order", orderID, "order.paid", payload)
	})
	if err != nil {
		return err
	}

	if holdID != 0 {
		s.logger.WithField("order_id", orderID).Info("order marked as paid")
		s.record(ctx, "order.paid", map[string]interface{}{"order_id": orderID})
	}
	return nil
}

// MarkCancelled is idempotent and absorbing. A still-reserved hold is expired
// so the reservation returns to available stock.
func (s *OrderService) MarkCancelled(ctx context.Context, orderID int64) error {
	var cancelled bool

	err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
		order, err := s.repo.GetOrderForUpdate(txCtx, orderID)
		if err != nil {
			return err
		}
		if order.Status.Terminal() {
			return nil
		}

		next, err := order.Status.Transition(domain.OrderCancelled)
		if err != nil {
			return err
		}
		if err := s.repo.UpdateOrderStatus(txCtx, orderID, next); err != nil {
			return err
		}

		if err := s.holds.ReleaseHold(txCtx, order.HoldID); err != nil {
			return err
		}
		cancelled = true

		payload, _ := json.Marshal(map[string]interface{}{"order_id": orderID})
		return s.repo.AppendOutbox(txCtx, "order", orderID, "order.cancelled", payload)
	})
	if err != nil {
		return err
	}

	if cancelled {
		s.logger.WithField("order_id", orderID).Info("order marked as cancelled")
		s.record(ctx, "order.cancelled", map[string]interface{}{"order_id": orderID})
	}
	return nil
}

func (s *OrderService) invalidate(ctx context.Context, productID int64) {
	if productID == 0 {
		return
	}
	if err := s.cache.Invalidate(ctx, productID); err != nil {
		s.logger.WithField("product_id", productID).Warn("cache invalidation failed: ", err)
	}
}

func (s *OrderService) record(ctx context.Context, action string, data map[string]interface{}) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, action, data); err != nil {
		s.logger.Warn("audit record failed: ", err)
	}
}
