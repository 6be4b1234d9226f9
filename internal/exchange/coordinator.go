package exchange

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/collectex/internal/domain"
)

// coordinator drives the order state machine across the orderbook, both
// escrows, the royalty calculator and the fee pool.
//
//	open -> partially_filled -> filled
//	open | partially_filled -> cancelled
type coordinator struct {
	l         *ledger
	registry  domain.AssetRegistry
	book      *orderbook
	payments  *paymentEscrow
	assets    *assetEscrow
	royalties *royaltyCalculator
}

func (c *coordinator) validatePlacement(tx *txn, req domain.PlaceOrderRequest) (domain.Amount, error) {
	if !req.Side.Valid() {
		return domain.Amount{}, fmt.Errorf("%w: unknown order side %q", domain.ErrValidation, req.Side)
	}
	if req.Amount.IsZero() {
		return domain.Amount{}, fmt.Errorf("%w: order amount is zero", domain.ErrValidation)
	}
	if req.UnitPrice.IsZero() {
		return domain.Amount{}, fmt.Errorf("%w: unit price is zero", domain.ErrValidation)
	}
	if !c.l.supportsToken(req.PaymentToken) {
		return domain.Amount{}, fmt.Errorf("%w: unsupported payment token %s", domain.ErrValidation, req.PaymentToken.Hex())
	}
	ok, err := c.registry.ItemExists(tx.ctx, req.Item)
	if err != nil {
		return domain.Amount{}, fmt.Errorf("item lookup: %w", err)
	}
	if !ok {
		return domain.Amount{}, fmt.Errorf("%w: unknown item %d", domain.ErrValidation, req.Item)
	}
	return req.UnitPrice.Mul(req.Amount)
}

func (c *coordinator) placeBuyOrder(tx *txn, owner common.Address, req domain.PlaceOrderRequest) (domain.Order, error) {
	total, err := c.validatePlacement(tx, req)
	if err != nil {
		return domain.Order{}, err
	}
	o := c.book.place(tx, owner, req)
	if err := c.payments.deposit(tx, o.PaymentToken, o.ID, owner, total); err != nil {
		return domain.Order{}, err
	}
	c.emitPlaced(tx, o)
	return o, nil
}

func (c *coordinator) placeSellOrder(tx *txn, owner common.Address, req domain.PlaceOrderRequest) (domain.Order, error) {
	if _, err := c.validatePlacement(tx, req); err != nil {
		return domain.Order{}, err
	}
	o := c.book.place(tx, owner, req)
	if err := c.assets.deposit(tx, o.Item, o.ID, owner, o.Amount); err != nil {
		return domain.Order{}, err
	}
	c.emitPlaced(tx, o)
	return o, nil
}

func (c *coordinator) emitPlaced(tx *txn, o domain.Order) {
	item, amount := o.Item, o.Amount
	tx.emit(domain.Event{
		Type:    domain.EventOrderPlaced,
		OrderID: o.ID,
		Account: &o.Owner,
		Token:   &o.PaymentToken,
		Item:    &item,
		Amount:  &amount,
	})
}

// validateBatch checks the shape of a fill batch before anything moves.
func (c *coordinator) validateBatch(ids []uint64, payments, amounts []domain.Amount, item domain.ItemID, side domain.OrderSide) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: empty order batch", domain.ErrValidation)
	}
	if len(ids) != len(payments) || len(ids) != len(amounts) {
		return fmt.Errorf("%w: batch lengths differ (%d ids, %d payments, %d amounts)",
			domain.ErrValidation, len(ids), len(payments), len(amounts))
	}
	for i, id := range ids {
		o, err := c.book.get(id)
		if err != nil {
			return err
		}
		if o.Side != side {
			return fmt.Errorf("%w: order %d is a %s order", domain.ErrValidation, id, o.Side)
		}
		if o.Item != item {
			return fmt.Errorf("%w: order %d trades item %d, not %d", domain.ErrValidation, id, o.Item, item)
		}
		want, err := o.UnitPrice.Mul(amounts[i])
		if err != nil {
			return err
		}
		if !payments[i].Eq(want) {
			return fmt.Errorf("%w: payment for order %d is %s, want %s", domain.ErrValidation, id, payments[i], want)
		}
	}
	return nil
}

// charges returns the platform fee and royalty payouts of a payment and
// rejects splits that would exceed it.
func (c *coordinator) charges(tx *txn, item domain.ItemID, payment domain.Amount) (domain.Amount, []domain.RoyaltyPayout, domain.Amount, error) {
	rate := c.l.params.get().PlatformFeeRate
	fee, err := payment.MulDiv(domain.NewAmount(rate), rateCap)
	if err != nil {
		return domain.Amount{}, nil, domain.Amount{}, err
	}
	payouts, err := c.royalties.compute(tx.ctx, item, payment)
	if err != nil {
		return domain.Amount{}, nil, domain.Amount{}, err
	}
	taken := fee
	for _, p := range payouts {
		if taken, err = taken.Add(p.Amount); err != nil {
			return domain.Amount{}, nil, domain.Amount{}, err
		}
	}
	rest, err := payment.Sub(taken)
	if err != nil {
		return domain.Amount{}, nil, domain.Amount{}, fmt.Errorf("%w: fee %s plus royalties exceed payment %s",
			domain.ErrRateCap, fee, payment)
	}
	return fee, payouts, rest, nil
}

// executeBuyOrder fills buy orders: the filler delivers items into escrow
// for each buyer and is paid from the buyer's payment escrow net of the
// platform fee and royalties.
func (c *coordinator) executeBuyOrder(tx *txn, filler common.Address, ids []uint64, payments, amounts []domain.Amount, item domain.ItemID) error {
	if err := c.validateBatch(ids, payments, amounts, item, domain.OrderSideBuy); err != nil {
		return err
	}
	for i, id := range ids {
		o, err := c.book.fill(tx, id, amounts[i])
		if err != nil {
			return err
		}
		if err := c.assets.deposit(tx, item, id, filler, amounts[i]); err != nil {
			return err
		}
		fee, payouts, rest, err := c.charges(tx, item, payments[i])
		if err != nil {
			return err
		}
		if err := c.payments.feeFromOrder(tx, id, fee); err != nil {
			return err
		}
		for _, p := range payouts {
			if err := c.payments.royaltyFromOrder(tx, id, p.Receiver, p.Amount); err != nil {
				return err
			}
		}
		if err := c.payments.withdraw(tx, id, filler, rest); err != nil {
			return err
		}
		c.emitFilled(tx, o, filler, amounts[i])
	}
	return nil
}

// executeSellOrder fills sell orders: the filler pays the fee and royalties
// directly, the rest lands in the sell order's payment escrow for its owner,
// and the escrowed items go to the filler.
func (c *coordinator) executeSellOrder(tx *txn, filler common.Address, ids []uint64, payments, amounts []domain.Amount, item domain.ItemID) error {
	if err := c.validateBatch(ids, payments, amounts, item, domain.OrderSideSell); err != nil {
		return err
	}
	for i, id := range ids {
		o, err := c.book.fill(tx, id, amounts[i])
		if err != nil {
			return err
		}
		fee, payouts, rest, err := c.charges(tx, item, payments[i])
		if err != nil {
			return err
		}
		if err := c.payments.feeFromPayer(tx, o.PaymentToken, filler, fee); err != nil {
			return err
		}
		for _, p := range payouts {
			if err := c.payments.royaltyFromPayer(tx, id, o.PaymentToken, filler, p.Receiver, p.Amount); err != nil {
				return err
			}
		}
		if err := c.payments.deposit(tx, o.PaymentToken, id, filler, rest); err != nil {
			return err
		}
		if err := c.assets.withdraw(tx, id, filler, amounts[i]); err != nil {
			return err
		}
		c.emitFilled(tx, o, filler, amounts[i])
	}
	return nil
}

func (c *coordinator) emitFilled(tx *txn, o domain.Order, filler common.Address, amount domain.Amount) {
	item := o.Item
	tx.emit(domain.Event{
		Type:         domain.EventOrderFilled,
		OrderID:      o.ID,
		Account:      &o.Owner,
		Counterparty: &filler,
		Token:        &o.PaymentToken,
		Item:         &item,
		Amount:       &amount,
	})
}

func (c *coordinator) owned(owner common.Address, ids []uint64) ([]domain.Order, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: empty order batch", domain.ErrValidation)
	}
	orders := make([]domain.Order, 0, len(ids))
	for _, id := range ids {
		o, err := c.book.get(id)
		if err != nil {
			return nil, err
		}
		if o.Owner != owner {
			return nil, fmt.Errorf("%w: order %d belongs to %s", domain.ErrUnauthorized, id, o.Owner.Hex())
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// claimOrders releases fill proceeds: items for buy orders, payment for
// sell orders. Claiming again with nothing escrowed is a no-op.
func (c *coordinator) claimOrders(tx *txn, owner common.Address, ids []uint64) error {
	orders, err := c.owned(owner, ids)
	if err != nil {
		return err
	}
	for _, o := range orders {
		var amount domain.Amount
		if o.IsBuy() {
			amount = c.assets.balance(o.ID)
			err = c.assets.withdraw(tx, o.ID, owner, amount)
		} else {
			amount = c.payments.balance(o.ID)
			err = c.payments.withdraw(tx, o.ID, owner, amount)
		}
		if err != nil {
			return err
		}
		if amount.IsZero() {
			continue
		}
		tx.emit(domain.Event{Type: domain.EventOrderClaimed, OrderID: o.ID, Account: &o.Owner, Amount: &amount})
	}
	return nil
}

// cancelOrders cancels each order and returns everything escrowed for it,
// on both sides, to the owner.
func (c *coordinator) cancelOrders(tx *txn, owner common.Address, ids []uint64) error {
	if _, err := c.owned(owner, ids); err != nil {
		return err
	}
	for _, id := range ids {
		o, err := c.book.cancel(tx, id)
		if err != nil {
			return err
		}
		if err := c.payments.withdraw(tx, id, owner, c.payments.balance(id)); err != nil {
			return err
		}
		if err := c.assets.withdraw(tx, id, owner, c.assets.balance(id)); err != nil {
			return err
		}
		tx.emit(domain.Event{Type: domain.EventOrderCancelled, OrderID: id, Account: &o.Owner})
	}
	return nil
}
