package service

import "context"

// Cache is the write-invalidated product cache port. The cache is advisory
// soft-state: it is never consulted for stock accounting.
type Cache interface {
	Invalidate(ctx context.Context, productID int64) error
}

// Audit receives best-effort lifecycle records. Implementations must not
// block business transactions; failures are logged and dropped.
type Audit interface {
	Record(ctx context.Context, action string, data map[string]interface{}) error
}
