package exchange

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/collectex/internal/domain"
)

// orderbook owns the order table and its lifecycle transitions.
type orderbook struct {
	l *ledger
}

func (b *orderbook) place(tx *txn, owner common.Address, req domain.PlaceOrderRequest) domain.Order {
	p := b.l.params.get()
	id := p.NextOrderID
	p.NextOrderID++
	b.l.params.set(tx, p)

	o := domain.Order{
		ID:              id,
		Item:            req.Item,
		Owner:           owner,
		PaymentToken:    req.PaymentToken,
		UnitPrice:       req.UnitPrice,
		Amount:          req.Amount,
		RemainingAmount: req.Amount,
		Side:            req.Side,
		Status:          domain.OrderStatusOpen,
		CreatedAt:       tx.now,
		UpdatedAt:       tx.now,
	}
	b.l.orders.put(tx, id, o)
	return o
}

func (b *orderbook) get(id uint64) (domain.Order, error) {
	o, ok := b.l.orders.get(id)
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: order %d: %w", domain.ErrInvalidState, id, domain.ErrNotFound)
	}
	return o, nil
}

// fill consumes amount from the order's remaining quantity.
func (b *orderbook) fill(tx *txn, id uint64, amount domain.Amount) (domain.Order, error) {
	o, err := b.get(id)
	if err != nil {
		return domain.Order{}, err
	}
	if !o.Status.Fillable() {
		return domain.Order{}, fmt.Errorf("%w: order %d is %s", domain.ErrInvalidState, id, o.Status)
	}
	if amount.IsZero() {
		return domain.Order{}, fmt.Errorf("%w: fill amount for order %d is zero", domain.ErrValidation, id)
	}
	if amount.Gt(o.RemainingAmount) {
		return domain.Order{}, fmt.Errorf("%w: order %d has %s remaining, fill asks %s",
			domain.ErrInsufficientBalance, id, o.RemainingAmount, amount)
	}
	o.RemainingAmount, _ = o.RemainingAmount.Sub(amount)
	if o.RemainingAmount.IsZero() {
		o.Status = domain.OrderStatusFilled
	} else {
		o.Status = domain.OrderStatusPartiallyFilled
	}
	o.UpdatedAt = tx.now
	b.l.orders.put(tx, id, o)
	return o, nil
}

func (b *orderbook) cancel(tx *txn, id uint64) (domain.Order, error) {
	o, err := b.get(id)
	if err != nil {
		return domain.Order{}, err
	}
	if !o.Status.Fillable() {
		return domain.Order{}, fmt.Errorf("%w: order %d is %s", domain.ErrInvalidState, id, o.Status)
	}
	o.RemainingAmount = domain.Amount{}
	o.Status = domain.OrderStatusCancelled
	o.UpdatedAt = tx.now
	b.l.orders.put(tx, id, o)
	return o, nil
}

func (b *orderbook) list(f domain.OrderFilter) []domain.Order {
	var out []domain.Order
	b.l.orders.each(func(_ uint64, o domain.Order) {
		if f.Owner != nil && o.Owner != *f.Owner {
			return
		}
		if f.Status != "" && o.Status != f.Status {
			return
		}
		if f.Item != nil && o.Item != *f.Item {
			return
		}
		out = append(out, o)
	})
	slices.SortFunc(out, func(a, b domain.Order) int { return cmp.Compare(a.ID, b.ID) })
	return out
}
