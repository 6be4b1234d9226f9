package handler

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/collectex/internal/domain"
	"github.com/alanyoungcy/collectex/internal/exchange"
)

// ExchangeAPI is the subset of the exchange service the HTTP handlers use.
type ExchangeAPI interface {
	PlaceOrder(ctx context.Context, caller common.Address, req domain.PlaceOrderRequest) (domain.Order, error)
	CancelOrders(ctx context.Context, caller common.Address, ids []uint64) error
	FillBuyOrders(ctx context.Context, caller common.Address, ids []uint64, amounts []domain.Amount) error
	FillSellOrders(ctx context.Context, caller common.Address, ids []uint64, amounts []domain.Amount) error
	ClaimOrders(ctx context.Context, caller common.Address, ids []uint64) error
	GetOrder(id uint64) (domain.Order, error)
	ListOrders(f domain.OrderFilter) []domain.Order

	ClaimRoyalties(ctx context.Context, caller common.Address) ([]domain.TokenAmount, error)
	ClaimableRoyalties(owner common.Address) []domain.TokenAmount
	MultiRoyaltyInfo(ctx context.Context, item domain.ItemID, saleAmount domain.Amount) ([]domain.RoyaltyPayout, error)
	RegisterRoyalty(ctx context.Context, caller common.Address, item domain.ItemID, shares []domain.RoyaltyShare) error
	RegisterManager(ctx context.Context, caller common.Address, item domain.ItemID, manager common.Address) error

	Stake(ctx context.Context, caller common.Address, amount domain.Amount) error
	Withdraw(ctx context.Context, caller common.Address, amount domain.Amount) error
	ClaimRewards(ctx context.Context, caller common.Address) ([]domain.TokenAmount, error)
	ClaimableRewards(staker common.Address) ([]domain.TokenAmount, error)
	StakeOf(staker common.Address) domain.Amount
	TotalStaked() domain.Amount

	AddPaymentToken(ctx context.Context, caller, token common.Address) error
	SetPlatformFee(ctx context.Context, caller common.Address, rate uint64) error
	PlatformFee() uint64
	PaymentTokens() []common.Address
	Audit(ctx context.Context, caller common.Address) (exchange.AuditReport, error)
	AuditLog(ctx context.Context, caller common.Address, opts domain.ListOpts) ([]domain.AuditEntry, error)
	Events(ctx context.Context, afterSeq uint64, limit int) ([]domain.Event, error)
}
