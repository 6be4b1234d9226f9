package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/collectex/internal/domain"
)

type account struct {
	token common.Address
	owner common.Address
}

// Bank is an in-memory ledger of fungible token balances.
type Bank struct {
	mu       sync.RWMutex
	balances map[account]domain.Amount
}

// NewBank creates an empty Bank.
func NewBank() *Bank {
	return &Bank{balances: make(map[account]domain.Amount)}
}

// Mint credits amount of token to owner.
func (b *Bank) Mint(token, owner common.Address, amount domain.Amount) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := account{token: token, owner: owner}
	next, err := b.balances[k].Add(amount)
	if err != nil {
		return fmt.Errorf("bank: mint: %w", err)
	}
	b.balances[k] = next
	return nil
}

// Set overwrites owner's balance of token.
func (b *Bank) Set(token, owner common.Address, amount domain.Amount) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[account{token: token, owner: owner}] = amount
}

// TransferToken moves amount of token between owners.
func (b *Bank) TransferToken(_ context.Context, token, from, to common.Address, amount domain.Amount) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	src := account{token: token, owner: from}
	left, err := b.balances[src].Sub(amount)
	if err != nil {
		return fmt.Errorf("bank: transfer %s: %w", token.Hex(), err)
	}
	dst := account{token: token, owner: to}
	next, err := b.balances[dst].Add(amount)
	if err != nil {
		return fmt.Errorf("bank: transfer %s: %w", token.Hex(), err)
	}
	b.balances[src] = left
	b.balances[dst] = next
	return nil
}

// TokenBalanceOf returns owner's balance of token.
func (b *Bank) TokenBalanceOf(_ context.Context, token, owner common.Address) (domain.Amount, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balances[account{token: token, owner: owner}], nil
}

var _ domain.TokenLedger = (*Bank)(nil)
