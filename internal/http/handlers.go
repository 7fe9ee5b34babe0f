package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/robertarktes/stock-holds-and-orders/internal/domain"
	"github.com/robertarktes/stock-holds-and-orders/internal/observability"
	"github.com/robertarktes/stock-holds-and-orders/internal/service"
)

type Handlers struct {
	holds    *service.HoldService
	orders   *service.OrderService
	webhooks *service.WebhookService
	products *service.ProductService
	logger   observability.Logger
}

func NewHandlers(holds *service.HoldService, orders *service.OrderService, webhooks *service.WebhookService, products *service.ProductService, logger observability.Logger) *Handlers {
	return &Handlers{
		holds:    holds,
		orders:   orders,
		webhooks: webhooks,
		products: products,
		logger:   logger,
	}
}

func (h *Handlers) CreateHold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductID int64 `json:"product_id"`
		Qty       int   `json:"qty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	hold, err := h.holds.CreateHold(r.Context(), req.ProductID, req.Qty)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"hold_id":    hold.ID,
		"expires_at": hold.ExpiresAt.Format(time.RFC3339),
	})
}

func (h *Handlers) GetHold(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	hold, err := h.holds.GetHold(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hold_id":    hold.ID,
		"product_id": hold.ProductID,
		"qty":        hold.Qty,
		"status":     hold.Status,
		"expires_at": hold.ExpiresAt.Format(time.RFC3339),
	})
}

func (h *Handlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HoldID int64 `json:"hold_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := h.orders.CreateOrder(r.Context(), req.HoldID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"order_id":     order.ID,
		"total_amount": order.TotalAmount,
		"status":       order.Status,
	})
}

func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"order_id":     order.ID,
		"hold_id":      order.HoldID,
		"total_amount": order.TotalAmount,
		"status":       order.Status,
	})
}

func (h *Handlers) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IdempotencyKey string `json:"idempotency_key"`
		OrderID        int64  `json:"order_id"`
		Status         string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.webhooks.ProcessEvent(r.Context(), req.IdempotencyKey, req.OrderID, req.Status)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": result.Message,
		"status":  result.Status,
	})
}

func (h *Handlers) GetProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	view, err := h.products.GetProduct(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Ready"))
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeDomainError(w http.ResponseWriter, err error) {
	var insufficient *domain.InsufficientStockError
	switch {
	case errors.As(err, &insufficient):
		writeError(w, http.StatusConflict, insufficient.Error())
	case domain.NotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrHoldExpired):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, domain.ErrHoldAlreadyUsed), errors.Is(err, domain.ErrHoldNotReserved):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrMissingIdempotencyKey),
		errors.Is(err, domain.ErrMissingOrderID),
		errors.Is(err, domain.ErrInvalidPaymentStatus):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case domain.Retryable(err):
		writeError(w, http.StatusConflict, "conflict, try again")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
