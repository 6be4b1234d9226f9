package exchange

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/collectex/internal/domain"
)

// assetEscrow holds item units per order in its custody account.
type assetEscrow struct {
	l       *ledger
	custody *custody
	account common.Address
}

func (a *assetEscrow) balance(orderID uint64) domain.Amount {
	v, _ := a.l.assetEscrow.get(orderID)
	return v
}

func (a *assetEscrow) deposit(tx *txn, item domain.ItemID, orderID uint64, from common.Address, amount domain.Amount) error {
	if err := a.custody.moveItem(tx, item, from, a.account, amount); err != nil {
		return fmt.Errorf("asset escrow deposit for order %d: %w", orderID, err)
	}
	next, err := a.balance(orderID).Add(amount)
	if err != nil {
		return err
	}
	a.l.assetEscrow.put(tx, orderID, next)
	return nil
}

func (a *assetEscrow) withdraw(tx *txn, orderID uint64, to common.Address, amount domain.Amount) error {
	o, ok := a.l.orders.get(orderID)
	if !ok {
		return fmt.Errorf("%w: order %d: %w", domain.ErrInvalidState, orderID, domain.ErrNotFound)
	}
	bal := a.balance(orderID)
	if amount.Gt(bal) {
		return fmt.Errorf("%w: asset escrow of order %d holds %s, need %s",
			domain.ErrInsufficientBalance, orderID, bal, amount)
	}
	next, _ := bal.Sub(amount)
	a.l.assetEscrow.put(tx, orderID, next)
	if err := a.custody.moveItem(tx, o.Item, a.account, to, amount); err != nil {
		return fmt.Errorf("asset escrow withdraw for order %d: %w", orderID, err)
	}
	return nil
}
