package postgres

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/robertarktes/stock-holds-and-orders/internal/domain"
)

func (r *Repository) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	return r.scanProduct(ctx, `
		SELECT id, name, price, stock, created_at FROM products WHERE id = $1
	`, id)
}

// GetProductForUpdate takes the row-level exclusive lock that serializes
// concurrent hold creation for the same product.
func (r *Repository) GetProductForUpdate(ctx context.Context, id int64) (domain.Product, error) {
	return r.scanProduct(ctx, `
		SELECT id, name, price, stock, created_at FROM products WHERE id = $1 FOR UPDATE
	`, id)
}

func (r *Repository) scanProduct(ctx context.Context, sql string, id int64) (domain.Product, error) {
	var p domain.Product
	err := r.q(ctx).QueryRow(ctx, sql, id).Scan(&p.ID, &p.Name, &p.Price, &p.Stock, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Product{}, domain.ErrProductNotFound
	}
	if err != nil {
		return domain.Product{}, mapError(err)
	}
	return p, nil
}

func (r *Repository) CreateHold(ctx context.Context, hold domain.Hold) (domain.Hold, error) {
	err := r.q(ctx).QueryRow(ctx, `
		INSERT INTO holds (product_id, qty, expires_at, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, hold.ProductID, hold.Qty, hold.ExpiresAt, hold.Status).Scan(&hold.ID, &hold.CreatedAt)
	if err != nil {
		return domain.Hold{}, mapError(err)
	}
	return hold, nil
}

func (r *Repository) GetHold(ctx context.Context, id int64) (domain.Hold, error) {
	return r.scanHold(ctx, `
		SELECT id, product_id, qty, expires_at, order_id, status, created_at
		FROM holds WHERE id = $1
	`, id)
}

func (r *Repository) GetHoldForUpdate(ctx context.Context, id int64) (domain.Hold, error) {
	return r.scanHold(ctx, `
		SELECT id, product_id, qty, expires_at, order_id, status, created_at
		FROM holds WHERE id = $1 FOR UPDATE
	`, id)
}

func (r *Repository) scanHold(ctx context.Context, sql string, id int64) (domain.Hold, error) {
	var h domain.Hold
	err := r.q(ctx).QueryRow(ctx, sql, id).
		Scan(&h.ID, &h.ProductID, &h.Qty, &h.ExpiresAt, &h.OrderID, &h.Status, &h.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Hold{}, domain.ErrHoldNotFound
	}
	if err != nil {
		return domain.Hold{}, mapError(err)
	}
	return h, nil
}

func (r *Repository) LinkHoldToOrder(ctx context.Context, holdID, orderID int64) error {
	_, err := r.q(ctx).Exec(ctx, `
		UPDATE holds SET order_id = $2 WHERE id = $1
	`, holdID, orderID)
	return mapError(err)
}

func (r *Repository) UpdateHoldStatus(ctx context.Context, holdID int64, status domain.HoldStatus) error {
	result, err := r.q(ctx).Exec(ctx, `
		UPDATE holds SET status = $2 WHERE id = $1
	`, holdID, status)
	if err != nil {
		return mapError(err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrHoldNotFound
	}
	return nil
}

// SumReservedQty totals reserved, unexpired holds for a product. Must run in
// the caller's transaction to share lock visibility with the product row.
func (r *Repository) SumReservedQty(ctx context.Context, productID int64, now time.Time) (int, error) {
	var qty int
	err := r.q(ctx).QueryRow(ctx, `
		SELECT COALESCE(SUM(qty), 0) FROM holds
		WHERE product_id = $1 AND status = $2 AND expires_at > $3
	`, productID, domain.HoldReserved, now).Scan(&qty)
	if err != nil {
		return 0, mapError(err)
	}
	return qty, nil
}

// SumPaidQty totals hold quantities already consumed by paid orders.
func (r *Repository) SumPaidQty(ctx context.Context, productID int64) (int, error) {
	var qty int
	err := r.q(ctx).QueryRow(ctx, `
		SELECT COALESCE(SUM(h.qty), 0)
		FROM orders o JOIN holds h ON o.hold_id = h.id
		WHERE h.product_id = $1 AND o.status = $2
	`, productID, domain.OrderPaid).Scan(&qty)
	if err != nil {
		return 0, mapError(err)
	}
	return qty, nil
}

func (r *Repository) FindExpiredHolds(ctx context.Context, now time.Time, limit int) ([]domain.Hold, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT id, product_id, qty, expires_at, order_id, status, created_at
		FROM holds
		WHERE status = $1 AND expires_at <= $2 AND order_id IS NULL
		ORDER BY expires_at ASC
		LIMIT $3
	`, domain.HoldReserved, now, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var holds []domain.Hold
	for rows.Next() {
		var h domain.Hold
		if err := rows.Scan(&h.ID, &h.ProductID, &h.Qty, &h.ExpiresAt, &h.OrderID, &h.Status, &h.CreatedAt); err != nil {
			return nil, err
		}
		holds = append(holds, h)
	}
	return holds, rows.Err()
}

func (r *Repository) CreateOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	err := r.q(ctx).QueryRow(ctx, `
		INSERT INTO orders (hold_id, total_amount, status)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, order.HoldID, order.TotalAmount, order.Status).Scan(&order.ID, &order.CreatedAt)
	if err != nil {
		return domain.Order{}, mapError(err)
	}
	return order, nil
}

func (r *Repository) GetOrder(ctx context.Context, id int64) (domain.Order, error) {
	return r.scanOrder(ctx, `
		SELECT id, hold_id, total_amount, status, created_at FROM orders WHERE id = $1
	`, id)
}

func (r *Repository) GetOrderForUpdate(ctx context.Context, id int64) (domain.Order, error) {
	return r.scanOrder(ctx, `
		SELECT id, hold_id, total_amount, status, created_at FROM orders WHERE id = $1 FOR UPDATE
	`, id)
}

func (r *Repository) scanOrder(ctx context.Context, sql string, id int64) (domain.Order, error) {
	var o domain.Order
	err := r.q(ctx).QueryRow(ctx, sql, id).
		Scan(&o.ID, &o.HoldID, &o.TotalAmount, &o.Status, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.Order{}, mapError(err)
	}
	return o, nil
}

func (r *Repository) UpdateOrderStatus(ctx context.Context, orderID int64, status domain.OrderStatus) error {
	result, err := r.q(ctx).Exec(ctx, `
		UPDATE orders SET status = $2 WHERE id = $1
	`, orderID, status)
	if err != nil {
		return mapError(err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

// GetEventByKeyForUpdate locks the event row for an idempotency key so
// concurrent duplicate deliveries serialize. Returns nil when the key has
// never been seen.
func (r *Repository) GetEventByKeyForUpdate(ctx context.Context, key string) (*domain.PaymentEvent, error) {
	var e domain.PaymentEvent
	err := r.q(ctx).QueryRow(ctx, `
		SELECT id, idempotency_key, payload, target_order_id, order_id, status, processed_at, created_at
		FROM payment_webhooks WHERE idempotency_key = $1 FOR UPDATE
	`, key).Scan(&e.ID, &e.IdempotencyKey, &e.Payload, &e.TargetOrderID, &e.OrderID, &e.Status, &e.ProcessedAt, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &e, nil
}

func (r *Repository) UpsertEvent(ctx context.Context, event domain.PaymentEvent) (domain.PaymentEvent, error) {
	err := r.q(ctx).QueryRow(ctx, `
		INSERT INTO payment_webhooks (idempotency_key, payload, target_order_id, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET payload = EXCLUDED.payload, target_order_id = EXCLUDED.target_order_id, status = EXCLUDED.status
		RETURNING id, created_at
	`, event.IdempotencyKey, event.Payload, event.TargetOrderID, event.Status).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return domain.PaymentEvent{}, mapError(err)
	}
	return event, nil
}

func (r *Repository) MarkEventResolved(ctx context.Context, eventID int64, status domain.EventStatus, orderID *int64, processedAt time.Time) error {
	result, err := r.q(ctx).Exec(ctx, `
		UPDATE payment_webhooks SET status = $2, order_id = $3, processed_at = $4 WHERE id = $1
	`, eventID, status, orderID, processedAt)
	if err != nil {
		return mapError(err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrEventNotFound
	}
	return nil
}

// FindPendingEventsForOrder locks the buffered events targeting an order so a
// concurrent duplicate delivery cannot race the replay.
func (r *Repository) FindPendingEventsForOrder(ctx context.Context, orderID int64) ([]domain.PaymentEvent, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT id, idempotency_key, payload, target_order_id, order_id, status, processed_at, created_at
		FROM payment_webhooks
		WHERE status = $1 AND (target_order_id = $2 OR order_id = $2)
		ORDER BY created_at ASC
		FOR UPDATE
	`, domain.EventPending, orderID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var events []domain.PaymentEvent
	for rows.Next() {
		var e domain.PaymentEvent
		if err := rows.Scan(&e.ID, &e.IdempotencyKey, &e.Payload, &e.TargetOrderID, &e.OrderID, &e.Status, &e.ProcessedAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
