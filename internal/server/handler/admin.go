package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// AdminHandler serves exchange parameters and the audit surfaces.
type AdminHandler struct {
	api    ExchangeAPI
	logger *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(api ExchangeAPI, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{api: api, logger: logHandler(logger, "admin")}
}

// Params reports the platform fee and accepted payment tokens.
// GET /api/exchange
func (h *AdminHandler) Params(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"platform_fee_rate": h.api.PlatformFee(),
		"payment_tokens":    nonNil(h.api.PaymentTokens()),
		"total_staked":      h.api.TotalStaked(),
	})
}

type paymentTokenRequest struct {
	Token common.Address `json:"token"`
}

// AddPaymentToken accepts a new order currency.
// POST /api/admin/payment-tokens
func (h *AdminHandler) AddPaymentToken(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req paymentTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if err := h.api.AddPaymentToken(r.Context(), caller, req.Token); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payment_tokens": h.api.PaymentTokens()})
}

type platformFeeRequest struct {
	Rate uint64 `json:"rate"`
}

// SetPlatformFee changes the fee rate applied to future fills.
// PUT /api/admin/platform-fee
func (h *AdminHandler) SetPlatformFee(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req platformFeeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if err := h.api.SetPlatformFee(r.Context(), caller, req.Rate); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"platform_fee_rate": h.api.PlatformFee()})
}

// Audit runs the conservation audit. A failing audit still answers 200 with
// ok=false.
// GET /api/admin/audit
func (h *AdminHandler) Audit(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	report, err := h.api.Audit(r.Context(), caller)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// AuditLog lists audit log entries.
// GET /api/admin/audit-log?limit=&offset=&since=&until=&event=&actor=
func (h *AdminHandler) AuditLog(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	entries, err := h.api.AuditLog(r.Context(), caller, parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": nonNil(entries)})
}

// Events pages through the persisted event log.
// GET /api/events?after=&limit=
func (h *AdminHandler) Events(w http.ResponseWriter, r *http.Request) {
	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		var err error
		if after, err = parseUint("after", v); err != nil {
			writeDomainError(w, r, h.logger, err)
			return
		}
	}
	limit := 100
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		limit = min(n, 1000)
	}
	events, err := h.api.Events(r.Context(), after, limit)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": nonNil(events)})
}
