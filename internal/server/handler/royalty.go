package handler

import (
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/collectex/internal/domain"
)

// RoyaltyHandler serves royalty claims, quotes and registration.
type RoyaltyHandler struct {
	api    ExchangeAPI
	logger *slog.Logger
}

// NewRoyaltyHandler creates a RoyaltyHandler.
func NewRoyaltyHandler(api ExchangeAPI, logger *slog.Logger) *RoyaltyHandler {
	return &RoyaltyHandler{api: api, logger: logHandler(logger, "royalties")}
}

// Claim pays out every royalty balance owed to the caller.
// POST /api/royalties/claim
func (h *RoyaltyHandler) Claim(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	paid, err := h.api.ClaimRoyalties(r.Context(), caller)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"claimed": nonNil(paid)})
}

// Claimable lists the royalty balances owed to owner.
// GET /api/royalties/{owner}
func (h *RoyaltyHandler) Claimable(w http.ResponseWriter, r *http.Request) {
	owner, err := parseAddress(r.PathValue("owner"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner":     owner,
		"claimable": nonNil(h.api.ClaimableRoyalties(owner)),
	})
}

// Quote returns what each receiver would be owed for a sale.
// GET /api/items/{id}/royalties?sale=
func (h *RoyaltyHandler) Quote(w http.ResponseWriter, r *http.Request) {
	item, err := parseItem(r)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	sale := domain.NewAmount(domain.RateCap)
	if v := r.URL.Query().Get("sale"); v != "" {
		if sale, err = domain.ParseAmount(v); err != nil {
			writeDomainError(w, r, h.logger, err)
			return
		}
	}
	payouts, err := h.api.MultiRoyaltyInfo(r.Context(), item, sale)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"item":    item,
		"sale":    sale,
		"payouts": nonNil(payouts),
	})
}

type registerRoyaltyRequest struct {
	Shares []domain.RoyaltyShare `json:"shares"`
}

// Register replaces the additional royalty receivers of an item.
// PUT /api/items/{id}/royalties
func (h *RoyaltyHandler) Register(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	item, err := parseItem(r)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	var req registerRoyaltyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if err := h.api.RegisterRoyalty(r.Context(), caller, item, req.Shares); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item, "shares": nonNil(req.Shares)})
}

type registerManagerRequest struct {
	Manager common.Address `json:"manager"`
}

// RegisterManager sets the account allowed to register royalties for an
// item.
// PUT /api/items/{id}/manager
func (h *RoyaltyHandler) RegisterManager(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	item, err := parseItem(r)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	var req registerManagerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if err := h.api.RegisterManager(r.Context(), caller, item, req.Manager); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item, "manager": req.Manager})
}

func parseItem(r *http.Request) (domain.ItemID, error) {
	id, err := parseUint("item id", r.PathValue("id"))
	if err != nil {
		return 0, err
	}
	return domain.ItemID(id), nil
}

// nonNil keeps empty lists rendering as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

