package service

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/stock-holds-and-orders/internal/clock"
	"github.com/robertarktes/stock-holds-and-orders/internal/domain"
	"github.com/robertarktes/stock-holds-and-orders/internal/observability"
	"github.com/shopspring/decimal"
)

// fakeRepo is an in-memory stand-in for the postgres repository. WithTx runs
// the closure directly; nested service calls share the same state, which
// mirrors how the context-carried transaction behaves. Commit hooks queue
// until the outermost WithTx returns, and WithSavepoint restores a snapshot
// on failure, matching the real adapter's semantics.
type fakeRepo struct {
	mu              sync.Mutex
	products        map[int64]domain.Product
	holds           map[int64]*domain.Hold
	orders          map[int64]*domain.Order
	events          map[int64]*domain.PaymentEvent
	outbox          []string
	nextHoldID      int64
	nextOrderID     int64
	nextEventID     int64
	transientLeft   int
	failOutboxEvent string
	txDepth         int
	afterCommit     []func()
}

func newFakeRepo(products ...domain.Product) *fakeRepo {
	r := &fakeRepo{
		products: make(map[int64]domain.Product),
		holds:    make(map[int64]*domain.Hold),
		orders:   make(map[int64]*domain.Order),
		events:   make(map[int64]*domain.PaymentEvent),
	}
	for _, p := range products {
		r.products[p.ID] = p
	}
	return r
}

func (r *fakeRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	if r.transientLeft > 0 {
		r.transientLeft--
		r.mu.Unlock()
		return errors.Mark(errors.New("serialization failure"), domain.ErrTransient)
	}
	r.txDepth++
	r.mu.Unlock()

	err := fn(ctx)

	r.mu.Lock()
	r.txDepth--
	var hooks []func()
	if r.txDepth == 0 {
		if err == nil {
			hooks = r.afterCommit
		}
		r.afterCommit = nil
	}
	r.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}
	return err
}

func (r *fakeRepo) WithSavepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	snap := r.snapshot()
	if err := fn(ctx); err != nil {
		r.restore(snap)
		return err
	}
	return nil
}

func (r *fakeRepo) AfterCommit(ctx context.Context, fn func()) {
	r.mu.Lock()
	if r.txDepth > 0 {
		r.afterCommit = append(r.afterCommit, fn)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	fn()
}

type fakeSnapshot struct {
	holds       map[int64]*domain.Hold
	orders      map[int64]*domain.Order
	events      map[int64]*domain.PaymentEvent
	outbox      []string
	nextHoldID  int64
	nextOrderID int64
	nextEventID int64
	hookCount   int
}

func (r *fakeRepo) snapshot() fakeSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := fakeSnapshot{
		holds:       make(map[int64]*domain.Hold, len(r.holds)),
		orders:      make(map[int64]*domain.Order, len(r.orders)),
		events:      make(map[int64]*domain.PaymentEvent, len(r.events)),
		outbox:      append([]string(nil), r.outbox...),
		nextHoldID:  r.nextHoldID,
		nextOrderID: r.nextOrderID,
		nextEventID: r.nextEventID,
		hookCount:   len(r.afterCommit),
	}
	for id, h := range r.holds {
		copied := *h
		snap.holds[id] = &copied
	}
	for id, o := range r.orders {
		copied := *o
		snap.orders[id] = &copied
	}
	for id, e := range r.events {
		copied := *e
		snap.events[id] = &copied
	}
	return snap
}

func (r *fakeRepo) restore(snap fakeSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.holds = snap.holds
	r.orders = snap.orders
	r.events = snap.events
	r.outbox = snap.outbox
	r.nextHoldID = snap.nextHoldID
	r.nextOrderID = snap.nextOrderID
	r.nextEventID = snap.nextEventID
	if len(r.afterCommit) > snap.hookCount {
		r.afterCommit = r.afterCommit[:snap.hookCount]
	}
}

func (r *fakeRepo) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[id]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return p, nil
}

func (r *fakeRepo) GetProductForUpdate(ctx context.Context, id int64) (domain.Product, error) {
	return r.GetProduct(ctx, id)
}

func (r *fakeRepo) SumReservedQty(ctx context.Context, productID int64, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, h := range r.holds {
		if h.ProductID == productID && h.Status == domain.HoldReserved && h.ExpiresAt.After(now) {
			total += h.Qty
		}
	}
	return total, nil
}

func (r *fakeRepo) SumPaidQty(ctx context.Context, productID int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, o := range r.orders {
		if o.Status != domain.OrderPaid {
			continue
		}
		if h, ok := r.holds[o.HoldID]; ok && h.ProductID == productID {
			total += h.Qty
		}
	}
	return total, nil
}

func (r *fakeRepo) CreateHold(ctx context.Context, hold domain.Hold) (domain.Hold, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextHoldID++
	hold.ID = r.nextHoldID
	h := hold
	r.holds[hold.ID] = &h
	return hold, nil
}

func (r *fakeRepo) GetHold(ctx context.Context, id int64) (domain.Hold, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.holds[id]
	if !ok {
		return domain.Hold{}, domain.ErrHoldNotFound
	}
	return *h, nil
}

func (r *fakeRepo) GetHoldForUpdate(ctx context.Context, id int64) (domain.Hold, error) {
	return r.GetHold(ctx, id)
}

func (r *fakeRepo) LinkHoldToOrder(ctx context.Context, holdID, orderID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.holds[holdID]; ok {
		id := orderID
		h.OrderID = &id
	}
	return nil
}

func (r *fakeRepo) UpdateHoldStatus(ctx context.Context, holdID int64, status domain.HoldStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.holds[holdID]
	if !ok {
		return domain.ErrHoldNotFound
	}
	h.Status = status
	return nil
}

func (r *fakeRepo) FindExpiredHolds(ctx context.Context, now time.Time, limit int) ([]domain.Hold, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Hold
	for _, h := range r.holds {
		if h.Status == domain.HoldReserved && !h.ExpiresAt.After(now) && h.OrderID == nil {
			out = append(out, *h)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *fakeRepo) CreateOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextOrderID++
	order.ID = r.nextOrderID
	o := order
	r.orders[order.ID] = &o
	return order, nil
}

func (r *fakeRepo) GetOrder(ctx context.Context, id int64) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return *o, nil
}

func (r *fakeRepo) GetOrderForUpdate(ctx context.Context, id int64) (domain.Order, error) {
	return r.GetOrder(ctx, id)
}

func (r *fakeRepo) UpdateOrderStatus(ctx context.Context, orderID int64, status domain.OrderStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	o.Status = status
	return nil
}

func (r *fakeRepo) AppendOutbox(ctx context.Context, aggregateType string, aggregateID int64, eventType string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOutboxEvent != "" && r.failOutboxEvent == eventType {
		return errors.New("outbox insert failed")
	}
	r.outbox = append(r.outbox, eventType)
	return nil
}

func (r *fakeRepo) GetEventByKeyForUpdate(ctx context.Context, key string) (*domain.PaymentEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.IdempotencyKey == key {
			copied := *e
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *fakeRepo) UpsertEvent(ctx context.Context, event domain.PaymentEvent) (domain.PaymentEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.IdempotencyKey == event.IdempotencyKey {
			e.Payload = event.Payload
			e.TargetOrderID = event.TargetOrderID
			e.Status = event.Status
			return *e, nil
		}
	}
	r.nextEventID++
	event.ID = r.nextEventID
	e := event
	r.events[event.ID] = &e
	return event, nil
}

func (r *fakeRepo) MarkEventResolved(ctx context.Context, eventID int64, status domain.EventStatus, orderID *int64, processedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[eventID]
	if !ok {
		return domain.ErrEventNotFound
	}
	e.Status = status
	e.OrderID = orderID
	e.ProcessedAt = &processedAt
	return nil
}

func (r *fakeRepo) FindPendingEventsForOrder(ctx context.Context, orderID int64) ([]domain.PaymentEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.PaymentEvent
	for _, e := range r.events {
		if e.Status != domain.EventPending {
			continue
		}
		if e.TargetOrderID == orderID || (e.OrderID != nil && *e.OrderID == orderID) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (r *fakeRepo) eventByKey(key string) *domain.PaymentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.IdempotencyKey == key {
			copied := *e
			return &copied
		}
	}
	return nil
}

type fakeCache struct {
	mu          sync.Mutex
	invalidated []int64
}

func (c *fakeCache) Invalidate(ctx context.Context, productID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, productID)
	return nil
}

// testEnv wires the full service graph over the fake repo, the way cmd/api
// does over the real one.
type testEnv struct {
	repo     *fakeRepo
	cache    *fakeCache
	clock    *clock.Fixed
	holds    *HoldService
	orders   *OrderService
	webhooks *WebhookService
}

func newTestEnv(products ...domain.Product) *testEnv {
	repo := newFakeRepo(products...)
	cache := &fakeCache{}
	clk := clock.NewFixed(time.Date(2025, 11, 29, 12, 0, 0, 0, time.UTC))
	logger := observability.NewLogger()

	ledger := NewLedger(repo, clk)
	holds := NewHoldService(repo, ledger, cache, nil, clk, logger, 2*time.Minute)
	orders := NewOrderService(repo, holds, cache, nil, clk, logger)
	webhooks := NewWebhookService(repo, orders, nil, clk, logger)
	orders.SetReplayer(webhooks)

	return &testEnv{
		repo:     repo,
		cache:    cache,
		clock:    clk,
		holds:    holds,
		orders:   orders,
		webhooks: webhooks,
	}
}

func product(id int64, price string, stock int) domain.Product {
	return domain.Product{
		ID:    id,
		Name:  "widget",
		Price: decimal.RequireFromString(price),
		Stock: stock,
	}
}
