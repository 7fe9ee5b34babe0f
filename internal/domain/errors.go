package domain

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	ErrProductNotFound       = errors.New("product not found")
	ErrHoldNotFound          = errors.New("hold not found")
	ErrOrderNotFound         = errors.New("order not found")
	ErrEventNotFound         = errors.New("payment event not found")
	ErrHoldExpired           = errors.New("hold has expired")
	ErrHoldNotReserved       = errors.New("hold is not in reserved status")
	ErrHoldAlreadyUsed       = errors.New("hold has already been used")
	ErrInvalidQuantity       = errors.New("quantity must be a positive integer")
	ErrMissingIdempotencyKey = errors.New("idempotency_key is required")
	ErrMissingOrderID        = errors.New("order_id is required")
	ErrInvalidPaymentStatus  = errors.New("invalid status, must be 'paid' or 'failed'")
	ErrInvalidTransition     = errors.New("invalid status transition")

	// ErrTransient marks lock/serialization conflicts that are safe to retry.
	ErrTransient = errors.New("transient conflict")
)

type InsufficientStockError struct {
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("Insufficient stock. Available: %d, Requested: %d", e.Available, e.Requested)
}

// Retryable reports whether an operation may be re-run as a whole. Logical
// rejections (not found, validation, state conflicts) are never retryable.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

func NotFound(err error) bool {
	return errors.Is(err, ErrProductNotFound) ||
		errors.Is(err, ErrHoldNotFound) ||
		errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrEventNotFound)
}
