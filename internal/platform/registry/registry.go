// Package registry provides in-memory implementations of the collaborators
// the exchange consumes: an item registry, a token bank and an access
// control list. They back standalone deployments (seeded from the genesis
// config section) and tests.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/collectex/internal/domain"
)

type itemInfo struct {
	royalty    domain.RoyaltyShare
	additional []domain.RoyaltyShare
}

type holding struct {
	owner common.Address
	item  domain.ItemID
}

// Registry is an in-memory multi-asset item registry.
type Registry struct {
	mu       sync.RWMutex
	items    map[domain.ItemID]itemInfo
	balances map[holding]domain.Amount
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		items:    make(map[domain.ItemID]itemInfo),
		balances: make(map[holding]domain.Amount),
	}
}

// CreateItem registers an item kind with its base royalty and any
// additional receivers the registry itself reports.
func (r *Registry) CreateItem(item domain.ItemID, royalty domain.RoyaltyShare, additional ...domain.RoyaltyShare) error {
	if royalty.Rate > domain.RateCap {
		return fmt.Errorf("registry: create item %d: %w: royalty rate %d", item, domain.ErrRateCap, royalty.Rate)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[item]; ok {
		return fmt.Errorf("registry: create item %d: %w: already exists", item, domain.ErrValidation)
	}
	r.items[item] = itemInfo{royalty: royalty, additional: append([]domain.RoyaltyShare(nil), additional...)}
	return nil
}

// Mint credits amount units of item to owner.
func (r *Registry) Mint(owner common.Address, item domain.ItemID, amount domain.Amount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[item]; !ok {
		return fmt.Errorf("registry: mint: %w: unknown item %d", domain.ErrValidation, item)
	}
	k := holding{owner: owner, item: item}
	next, err := r.balances[k].Add(amount)
	if err != nil {
		return fmt.Errorf("registry: mint: %w", err)
	}
	r.balances[k] = next
	return nil
}

// Set overwrites owner's balance of item.
func (r *Registry) Set(owner common.Address, item domain.ItemID, amount domain.Amount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[item]; !ok {
		return fmt.Errorf("registry: set: %w: unknown item %d", domain.ErrValidation, item)
	}
	r.balances[holding{owner: owner, item: item}] = amount
	return nil
}

// ItemExists reports whether item was created.
func (r *Registry) ItemExists(_ context.Context, item domain.ItemID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.items[item]
	return ok, nil
}

// TransferItem moves amount units of item between owners.
func (r *Registry) TransferItem(_ context.Context, item domain.ItemID, from, to common.Address, amount domain.Amount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[item]; !ok {
		return fmt.Errorf("registry: transfer: %w: unknown item %d", domain.ErrValidation, item)
	}
	src := holding{owner: from, item: item}
	left, err := r.balances[src].Sub(amount)
	if err != nil {
		return fmt.Errorf("registry: transfer item %d: %w", item, err)
	}
	dst := holding{owner: to, item: item}
	next, err := r.balances[dst].Add(amount)
	if err != nil {
		return fmt.Errorf("registry: transfer item %d: %w", item, err)
	}
	r.balances[src] = left
	r.balances[dst] = next
	return nil
}

// ItemBalanceOf returns owner's balance of item.
func (r *Registry) ItemBalanceOf(_ context.Context, owner common.Address, item domain.ItemID) (domain.Amount, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.balances[holding{owner: owner, item: item}], nil
}

// RoyaltyInfo returns the base royalty receiver and its cut of saleAmount.
func (r *Registry) RoyaltyInfo(_ context.Context, item domain.ItemID, saleAmount domain.Amount) (common.Address, domain.Amount, error) {
	r.mu.RLock()
	info, ok := r.items[item]
	r.mu.RUnlock()
	if !ok {
		return common.Address{}, domain.Amount{}, fmt.Errorf("registry: royalty info: %w: unknown item %d", domain.ErrValidation, item)
	}
	amt, err := cut(saleAmount, info.royalty.Rate)
	if err != nil {
		return common.Address{}, domain.Amount{}, fmt.Errorf("registry: royalty info: %w", err)
	}
	return info.royalty.Receiver, amt, nil
}

// MultiRoyaltyInfo returns the base royalty followed by the additional
// receivers, each with its uncapped cut of saleAmount. Items without any
// royalty return empty slices.
func (r *Registry) MultiRoyaltyInfo(_ context.Context, item domain.ItemID, saleAmount domain.Amount) ([]common.Address, []domain.Amount, error) {
	r.mu.RLock()
	info, ok := r.items[item]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("registry: multi royalty info: %w: unknown item %d", domain.ErrValidation, item)
	}
	if info.royalty.Receiver == (common.Address{}) && len(info.additional) == 0 {
		return nil, nil, nil
	}
	shares := append([]domain.RoyaltyShare{info.royalty}, info.additional...)
	receivers := make([]common.Address, len(shares))
	amounts := make([]domain.Amount, len(shares))
	for i, s := range shares {
		amt, err := cut(saleAmount, s.Rate)
		if err != nil {
			return nil, nil, fmt.Errorf("registry: multi royalty info: %w", err)
		}
		receivers[i], amounts[i] = s.Receiver, amt
	}
	return receivers, amounts, nil
}

func cut(sale domain.Amount, rate uint64) (domain.Amount, error) {
	return sale.MulDiv(domain.NewAmount(rate), domain.NewAmount(domain.RateCap))
}

var _ domain.AssetRegistry = (*Registry)(nil)
