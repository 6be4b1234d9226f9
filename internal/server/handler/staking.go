package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/collectex/internal/domain"
)

// StakingHandler serves governance staking and fee reward claims.
type StakingHandler struct {
	api    ExchangeAPI
	logger *slog.Logger
}

// NewStakingHandler creates a StakingHandler.
func NewStakingHandler(api ExchangeAPI, logger *slog.Logger) *StakingHandler {
	return &StakingHandler{api: api, logger: logHandler(logger, "staking")}
}

type amountRequest struct {
	Amount domain.Amount `json:"amount"`
}

// Stake deposits governance tokens.
// POST /api/staking/stake
func (h *StakingHandler) Stake(w http.ResponseWriter, r *http.Request) {
	h.withAmount(w, r, h.api.Stake)
}

// Withdraw returns governance tokens to the caller.
// POST /api/staking/withdraw
func (h *StakingHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.withAmount(w, r, h.api.Withdraw)
}

func (h *StakingHandler) withAmount(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, caller common.Address, amount domain.Amount) error) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if err := op(r.Context(), caller, req.Amount); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"staker":       caller,
		"stake":        h.api.StakeOf(caller),
		"total_staked": h.api.TotalStaked(),
	})
}

// Claim pays out the caller's accrued fee rewards.
// POST /api/staking/claim
func (h *StakingHandler) Claim(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	paid, err := h.api.ClaimRewards(r.Context(), caller)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"claimed": nonNil(paid)})
}

// Rewards reports a staker's stake and claimable rewards per fee token.
// GET /api/staking/{staker}/rewards
func (h *StakingHandler) Rewards(w http.ResponseWriter, r *http.Request) {
	staker, err := parseAddress(r.PathValue("staker"))
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	rewards, err := h.api.ClaimableRewards(staker)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"staker":       staker,
		"stake":        h.api.StakeOf(staker),
		"total_staked": h.api.TotalStaked(),
		"rewards":      nonNil(rewards),
	})
}
