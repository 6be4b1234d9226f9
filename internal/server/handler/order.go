package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/collectex/internal/domain"
)

// OrderHandler serves order placement, fills, cancellation and claims.
type OrderHandler struct {
	api    ExchangeAPI
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(api ExchangeAPI, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{api: api, logger: logHandler(logger, "orders")}
}

type idsRequest struct {
	IDs []uint64 `json:"ids"`
}

type fillRequest struct {
	IDs     []uint64        `json:"ids"`
	Amounts []domain.Amount `json:"amounts"`
}

// PlaceOrder creates a buy or sell order for the caller.
// POST /api/orders
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req domain.PlaceOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	order, err := h.api.PlaceOrder(r.Context(), caller, req)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// GetOrder returns one order.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := parseUint("order id", r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	order, err := h.api.GetOrder(id)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// ListOrders lists orders, optionally filtered by owner, status and item.
// GET /api/orders?owner=&status=&item=
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	f, err := parseOrderFilter(r)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	orders := h.api.ListOrders(f)
	opts := parseListOpts(r)
	total := len(orders)
	start := min(opts.Offset, total)
	end := min(start+opts.Limit, total)
	writeJSON(w, http.StatusOK, map[string]any{
		"orders": orders[start:end],
		"total":  total,
	})
}

func parseOrderFilter(r *http.Request) (domain.OrderFilter, error) {
	var f domain.OrderFilter
	q := r.URL.Query()
	if v := q.Get("owner"); v != "" {
		owner, err := parseAddress(v)
		if err != nil {
			return f, err
		}
		f.Owner = &owner
	}
	if v := q.Get("status"); v != "" {
		switch s := domain.OrderStatus(v); s {
		case domain.OrderStatusOpen, domain.OrderStatusPartiallyFilled,
			domain.OrderStatusFilled, domain.OrderStatusCancelled:
			f.Status = s
		default:
			return f, fmt.Errorf("%w: unknown order status %q", domain.ErrValidation, v)
		}
	}
	if v := q.Get("item"); v != "" {
		id, err := parseUint("item", v)
		if err != nil {
			return f, err
		}
		item := domain.ItemID(id)
		f.Item = &item
	}
	return f, nil
}

// CancelOrders cancels the caller's orders.
// POST /api/orders/cancel
func (h *OrderHandler) CancelOrders(w http.ResponseWriter, r *http.Request) {
	h.withIDs(w, r, h.api.CancelOrders, "cancelled")
}

// ClaimOrders releases the proceeds of the caller's orders.
// POST /api/orders/claim
func (h *OrderHandler) ClaimOrders(w http.ResponseWriter, r *http.Request) {
	h.withIDs(w, r, h.api.ClaimOrders, "claimed")
}

// FillBuyOrders sells items into buy orders.
// POST /api/orders/fill-buy
func (h *OrderHandler) FillBuyOrders(w http.ResponseWriter, r *http.Request) {
	h.withFills(w, r, h.api.FillBuyOrders)
}

// FillSellOrders buys items out of sell orders.
// POST /api/orders/fill-sell
func (h *OrderHandler) FillSellOrders(w http.ResponseWriter, r *http.Request) {
	h.withFills(w, r, h.api.FillSellOrders)
}

type idsOp = func(ctx context.Context, caller common.Address, ids []uint64) error

type fillOp = func(ctx context.Context, caller common.Address, ids []uint64, amounts []domain.Amount) error

func (h *OrderHandler) withIDs(w http.ResponseWriter, r *http.Request, op idsOp, result string) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req idsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if err := op(r.Context(), caller, req.IDs); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{result: req.IDs})
}

func (h *OrderHandler) withFills(w http.ResponseWriter, r *http.Request, op fillOp) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req fillRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if err := op(r.Context(), caller, req.IDs, req.Amounts); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	orders := make([]domain.Order, 0, len(req.IDs))
	for _, id := range req.IDs {
		if o, err := h.api.GetOrder(id); err == nil {
			orders = append(orders, o)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}
