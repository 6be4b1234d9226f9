package domain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// AssetRegistry is the external registry that mints collectible items, holds
// their balances, and reports their base royalty.
type AssetRegistry interface {
	ItemExists(ctx context.Context, item ItemID) (bool, error)
	TransferItem(ctx context.Context, item ItemID, from, to common.Address, amount Amount) error
	ItemBalanceOf(ctx context.Context, owner common.Address, item ItemID) (Amount, error)
	// RoyaltyInfo returns the single base royalty receiver and the amount owed
	// on saleAmount.
	RoyaltyInfo(ctx context.Context, item ItemID, saleAmount Amount) (common.Address, Amount, error)
	// MultiRoyaltyInfo returns every receiver the registry knows about for the
	// item. Index 0, when present, is the base royalty.
	MultiRoyaltyInfo(ctx context.Context, item ItemID, saleAmount Amount) ([]common.Address, []Amount, error)
}

// TokenLedger moves fungible payment and governance tokens.
type TokenLedger interface {
	TransferToken(ctx context.Context, token, from, to common.Address, amount Amount) error
	TokenBalanceOf(ctx context.Context, token, owner common.Address) (Amount, error)
}

// Capability names a privileged operation class.
type Capability string

const (
	CapabilityAdmin        Capability = "admin"
	CapabilityTokenAdmin   Capability = "token_admin"
	CapabilityFeeAdmin     Capability = "fee_admin"
	CapabilityRoyaltyAdmin Capability = "royalty_admin"
)

// Authorizer answers whether caller holds a capability.
type Authorizer interface {
	IsAuthorized(ctx context.Context, caller common.Address, capability Capability) (bool, error)
}
