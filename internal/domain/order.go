package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// NewOrder prices the order once at creation: price at conversion time times
// the held quantity. The total is never recalculated afterwards.
func NewOrder(hold Hold, price decimal.Decimal, now time.Time) Order {
	return Order{
		HoldID:      hold.ID,
		TotalAmount: price.Mul(decimal.NewFromInt(int64(hold.Qty))),
		Status:      OrderPending,
		CreatedAt:   now,
	}
}
