package registry

import (
	"fmt"

	"github.com/alanyoungcy/collectex/internal/domain"
)

// Replay overwrites bank and registry balances with the last balances a
// ledger observed, so a restarted process sees the same custody holdings
// the persisted ledger was written against.
func Replay(reg *Registry, bank *Bank, balances []domain.ObservedBalance) error {
	for _, b := range balances {
		switch {
		case b.Token != nil:
			bank.Set(*b.Token, b.Owner, b.Amount)
		case b.Item != nil:
			if err := reg.Set(b.Owner, *b.Item, b.Amount); err != nil {
				return fmt.Errorf("registry: replay: %w", err)
			}
		default:
			return fmt.Errorf("registry: replay: %w: balance for %s names no asset", domain.ErrValidation, b.Owner.Hex())
		}
	}
	return nil
}
