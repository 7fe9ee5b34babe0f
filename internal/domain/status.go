package domain

import "github.com/cockroachdb/errors"

type HoldStatus string

const (
	HoldReserved HoldStatus = "reserved"
	HoldExpired  HoldStatus = "expired"
	HoldConsumed HoldStatus = "consumed"
)

var holdTransitions = map[HoldStatus][]HoldStatus{
	HoldReserved: {HoldExpired, HoldConsumed},
}

// Transition returns the target status, or ErrInvalidTransition when the
// source state does not allow it. Expired and consumed are terminal.
func (s HoldStatus) Transition(to HoldStatus) (HoldStatus, error) {
	for _, allowed := range holdTransitions[s] {
		if allowed == to {
			return to, nil
		}
	}
	return s, errors.Wrapf(ErrInvalidTransition, "hold %s -> %s", s, to)
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPaid      OrderStatus = "paid"
	OrderCancelled OrderStatus = "cancelled"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending: {OrderPaid, OrderCancelled},
}

func (s OrderStatus) Transition(to OrderStatus) (OrderStatus, error) {
	for _, allowed := range orderTransitions[s] {
		if allowed == to {
			return to, nil
		}
	}
	return s, errors.Wrapf(ErrInvalidTransition, "order %s -> %s", s, to)
}

func (s OrderStatus) Terminal() bool {
	return s == OrderPaid || s == OrderCancelled
}

type EventStatus string

const (
	EventPending EventStatus = "pending"
	EventSuccess EventStatus = "success"
	EventFailed  EventStatus = "failed"
)

// PaymentStatus is the status claimed by an inbound webhook payload.
type PaymentStatus string

const (
	PaymentPaid   PaymentStatus = "paid"
	PaymentFailed PaymentStatus = "failed"
)

func ParsePaymentStatus(s string) (PaymentStatus, error) {
	switch PaymentStatus(s) {
	case PaymentPaid, PaymentFailed:
		return PaymentStatus(s), nil
	}
	return "", errors.Wrapf(ErrInvalidPaymentStatus, "got %q", s)
}
