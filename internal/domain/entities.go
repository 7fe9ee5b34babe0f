package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product stock is the authoritative physical quantity. It is only changed by
// out-of-band replenishment; availability is always derived, never stored.
type Product struct {
	ID        int64
	Name      string
	Price     decimal.Decimal
	Stock     int
	CreatedAt time.Time
}

// Hold is a time-bounded reservation of qty against a product's stock.
// OrderID is set exactly once, when the hold is converted into an order.
type Hold struct {
	ID        int64
	ProductID int64
	Qty       int
	ExpiresAt time.Time
	OrderID   *int64
	Status    HoldStatus
	CreatedAt time.Time
}

func (h Hold) Expired(now time.Time) bool {
	return !h.ExpiresAt.After(now)
}

// Active reports whether the hold still counts against available stock.
func (h Hold) Active(now time.Time) bool {
	return h.Status == HoldReserved && !h.Expired(now)
}

type Order struct {
	ID          int64
	HoldID      int64
	TotalAmount decimal.Decimal
	Status      OrderStatus
	CreatedAt   time.Time
}

// PaymentEvent records one webhook delivery keyed by its idempotency key.
// TargetOrderID is the order the event claims to belong to; OrderID is set
// once the event is actually matched. ProcessedAt is nil until resolved.
type PaymentEvent struct {
	ID             int64
	IdempotencyKey string
	Payload        []byte
	TargetOrderID  int64
	OrderID        *int64
	Status         EventStatus
	ProcessedAt    *time.Time
	CreatedAt      time.Time
}

func (e PaymentEvent) Processed() bool {
	return e.ProcessedAt != nil
}
