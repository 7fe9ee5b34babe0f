package domain

import "time"

func NewHold(productID int64, qty int, ttl time.Duration, now time.Time) Hold {
	return Hold{
		ProductID: productID,
		Qty:       qty,
		ExpiresAt: now.Add(ttl),
		Status:    HoldReserved,
		CreatedAt: now,
	}
}
