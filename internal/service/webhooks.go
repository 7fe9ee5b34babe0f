package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/stock-holds-and-orders/internal/clock"
	"github.com/robertarktes/stock-holds-and-orders/internal/domain"
	"github.com/robertarktes/stock-holds-and-orders/internal/observability"
)

type WebhookRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	WithSavepoint(ctx context.Context, fn func(ctx context.Context) error) error
	GetEventByKeyForUpdate(ctx context.Context, key string) (*domain.PaymentEvent, error)
	UpsertEvent(ctx context.Context, event domain.PaymentEvent) (domain.PaymentEvent, error)
	MarkEventResolved(ctx context.Context, eventID int64, status domain.EventStatus, orderID *int64, processedAt time.Time) error
	FindPendingEventsForOrder(ctx context.Context, orderID int64) ([]domain.PaymentEvent, error)
}

// WebhookResult is the caller-visible outcome of one delivery.
type WebhookResult struct {
	Message string
	Status  domain.EventStatus
}

// WebhookService makes payment notifications safe to deliver any number of
// times, in any order, including before the referenced order exists.
type WebhookService struct {
	repo   WebhookRepository
	orders *OrderService
	audit  Audit
	clock  clock.Clock
	logger observability.Logger
}

func NewWebhookService(repo WebhookRepository, orders *OrderService, audit Audit, clk clock.Clock, logger observability.Logger) *WebhookService {
	return &WebhookService{
		repo:   repo,
		orders: orders,
		audit:  audit,
		clock:  clk,
		logger: logger,
	}
}

type webhookPayload struct {
	IdempotencyKey string `json:"idempotency_key"`
	OrderID        int64  `json:"order_id"`
	Status         string `json:"status"`
}

// ProcessEvent ingests one delivery. Duplicates of a resolved key return the
// stored outcome without re-executing side effects. An event for an order
// that does not exist yet is left pending and reported as buffered, not as an
// error. Any other resolution failure is persisted onto the event record and
// re-raised after commit.
func (s *WebhookService) ProcessEvent(ctx context.Context, key string, orderID int64, status string) (WebhookResult, error) {
	if key == "" {
		return WebhookResult{}, domain.ErrMissingIdempotencyKey
	}
	if orderID == 0 {
		return WebhookResult{}, domain.ErrMissingOrderID
	}
	paymentStatus, err := domain.ParsePaymentStatus(status)
	if err != nil {
		return WebhookResult{}, err
	}

	var result WebhookResult
	var resolveErr error

	err = s.repo.WithTx(ctx, func(txCtx context.Context) error {
		existing, err := s.repo.GetEventByKeyForUpdate(txCtx, key)
		if err != nil {
			return err
		}
		if existing != nil && existing.Processed() {
			s.logger.WithField("idempotency_key", key).WithField("order_id", orderID).Info("webhook already processed")
			result = WebhookResult{Message: "Webhook already processed", Status: existing.Status}
			return nil
		}

		payload, _ := json.Marshal(webhookPayload{IdempotencyKey: key, OrderID: orderID, Status: status})
		event, err := s.repo.UpsertEvent(txCtx, domain.PaymentEvent{
			IdempotencyKey: key,
			Payload:        payload,
			TargetOrderID:  orderID,
			Status:         domain.EventPending,
		})
		if err != nil {
			return err
		}

		// Resolution runs in a savepoint so a failure rolls back its
		// order and hold writes while the event record survives.
		err = s.repo.WithSavepoint(txCtx, func(spCtx context.Context) error {
			return s.resolve(spCtx, orderID, paymentStatus, event.ID)
		})
		if errors.Is(err, domain.ErrOrderNotFound) {
			observability.WebhooksBuffered.Inc()
			s.logger.WithField("idempotency_key", key).WithField("order_id", orderID).Info("webhook received before order creation, will process later")
			result = WebhookResult{Message: "Webhook received, will process when order is created", Status: domain.EventPending}
			return nil
		}
		if err != nil {
			// The savepoint already rolled the partial writes back;
			// persist the failure on the record, commit, re-raise.
			if markErr := s.repo.MarkEventResolved(txCtx, event.ID, domain.EventFailed, nil, s.clock.Now()); markErr != nil {
				return markErr
			}
			resolveErr = err
			return nil
		}

		result = WebhookResult{Message: "Webhook processed successfully", Status: domain.EventSuccess}
		return nil
	})
	if err != nil {
		return WebhookResult{}, err
	}
	if resolveErr != nil {
		return WebhookResult{}, resolveErr
	}

	s.record(ctx, "webhook.processed", map[string]interface{}{
		"idempotency_key": key,
		"order_id":        orderID,
		"status":          string(result.Status),
	})
	return result, nil
}

// resolve applies the payment outcome to the order and stamps the event
// record. A transition to an already-reached terminal state records success
// without re-invoking the transition.
func (s *WebhookService) resolve(ctx context.Context, orderID int64, status domain.PaymentStatus, eventID int64) error {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}

	now := s.clock.Now()

	if status == domain.PaymentPaid && order.Status == domain.OrderPaid {
		s.logger.WithField("order_id", orderID).Info("order already paid, skipping webhook processing")
		return s.repo.MarkEventResolved(ctx, eventID, domain.EventSuccess, &order.ID, now)
	}
	if status == domain.PaymentFailed && order.Status == domain.OrderCancelled {
		s.logger.WithField("order_id", orderID).Info("order already cancelled, skipping webhook processing")
		return s.repo.MarkEventResolved(ctx, eventID, domain.EventSuccess, &order.ID, now)
	}

	if status == domain.PaymentPaid {
		err = s.orders.MarkPaid(ctx, order.ID)
	} else {
		err = s.orders.MarkCancelled(ctx, order.ID)
	}
	if err != nil {
		return err
	}

	s.logger.WithField("order_id", orderID).WithField("status", string(status)).Info("webhook processed")
	return s.repo.MarkEventResolved(ctx, eventID, domain.EventSuccess, &order.ID, s.clock.Now())
}

// ReplayBufferedFor resolves events that arrived before the order existed.
// It runs inside the order-creation transaction; an individual bad event is
// logged and skipped so it cannot block the others or the order itself.
func (s *WebhookService) ReplayBufferedFor(ctx context.Context, orderID int64) error {
	events, err := s.repo.FindPendingEventsForOrder(ctx, orderID)
	if err != nil {
		return err
	}

	for _, event := range events {
		var payload webhookPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			s.logger.WithField("event_id", event.ID).Error("failed to decode buffered webhook payload: ", err)
			continue
		}
		status, err := domain.ParsePaymentStatus(payload.Status)
		if err != nil {
			s.logger.WithField("event_id", event.ID).Error("buffered webhook has invalid status: ", err)
			continue
		}
		err = s.repo.WithSavepoint(ctx, func(spCtx context.Context) error {
			return s.resolve(spCtx, orderID, status, event.ID)
		})
		if err != nil {
			s.logger.WithField("event_id", event.ID).WithField("order_id", orderID).Error("failed to process buffered webhook: ", err)
		}
	}
	return nil
}

func (s *WebhookService) record(ctx context.Context, action string, data map[string]interface{}) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, action, data); err != nil {
		s.logger.Warn("audit record failed: ", err)
	}
}
