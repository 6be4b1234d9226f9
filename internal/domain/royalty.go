package domain

import "github.com/ethereum/go-ethereum/common"

// RoyaltyShare is one receiver's rate in RateCap units.
type RoyaltyShare struct {
	Receiver common.Address `json:"receiver"`
	Rate     uint64         `json:"rate"`
}

// RoyaltyPayout is the amount owed to one receiver for a particular sale.
type RoyaltyPayout struct {
	Receiver common.Address `json:"receiver"`
	Amount   Amount         `json:"amount"`
}

// TokenAmount pairs a token with an amount of it.
type TokenAmount struct {
	Token  common.Address `json:"token"`
	Amount Amount         `json:"amount"`
}
