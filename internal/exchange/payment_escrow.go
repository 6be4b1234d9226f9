package exchange

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/collectex/internal/domain"
)

// paymentEscrow holds payment tokens per order plus the claimable royalty
// balances. Everything it tracks sits in the custody account.
type paymentEscrow struct {
	l       *ledger
	custody *custody
	pool    *feePool
	account common.Address
}

func (p *paymentEscrow) balance(orderID uint64) domain.Amount {
	v, _ := p.l.paymentEscrow.get(orderID)
	return v
}

func (p *paymentEscrow) deposit(tx *txn, token common.Address, orderID uint64, payer common.Address, amount domain.Amount) error {
	if err := p.custody.moveToken(tx, token, payer, p.account, amount); err != nil {
		return fmt.Errorf("payment escrow deposit for order %d: %w", orderID, err)
	}
	return p.credit(tx, orderID, amount)
}

func (p *paymentEscrow) credit(tx *txn, orderID uint64, amount domain.Amount) error {
	next, err := p.balance(orderID).Add(amount)
	if err != nil {
		return err
	}
	p.l.paymentEscrow.put(tx, orderID, next)
	return nil
}

// debit removes amount from the order's escrow without moving tokens.
func (p *paymentEscrow) debit(tx *txn, orderID uint64, amount domain.Amount) (common.Address, error) {
	o, ok := p.l.orders.get(orderID)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: order %d: %w", domain.ErrInvalidState, orderID, domain.ErrNotFound)
	}
	bal := p.balance(orderID)
	if amount.Gt(bal) {
		return common.Address{}, fmt.Errorf("%w: payment escrow of order %d holds %s, need %s",
			domain.ErrInsufficientBalance, orderID, bal, amount)
	}
	next, _ := bal.Sub(amount)
	p.l.paymentEscrow.put(tx, orderID, next)
	return o.PaymentToken, nil
}

func (p *paymentEscrow) withdraw(tx *txn, orderID uint64, to common.Address, amount domain.Amount) error {
	token, err := p.debit(tx, orderID, amount)
	if err != nil {
		return err
	}
	if err := p.custody.moveToken(tx, token, p.account, to, amount); err != nil {
		return fmt.Errorf("payment escrow withdraw for order %d: %w", orderID, err)
	}
	return nil
}

// royaltyFromOrder moves a royalty out of an order's escrow into the
// receiver's claimable balance. The tokens stay in custody.
func (p *paymentEscrow) royaltyFromOrder(tx *txn, orderID uint64, receiver common.Address, amount domain.Amount) error {
	token, err := p.debit(tx, orderID, amount)
	if err != nil {
		return err
	}
	return p.creditClaimable(tx, orderID, receiver, token, amount)
}

// royaltyFromPayer pulls a royalty straight from payer into the receiver's
// claimable balance.
func (p *paymentEscrow) royaltyFromPayer(tx *txn, orderID uint64, token, payer, receiver common.Address, amount domain.Amount) error {
	if err := p.custody.moveToken(tx, token, payer, p.account, amount); err != nil {
		return fmt.Errorf("royalty payment: %w", err)
	}
	return p.creditClaimable(tx, orderID, receiver, token, amount)
}

func (p *paymentEscrow) creditClaimable(tx *txn, orderID uint64, receiver, token common.Address, amount domain.Amount) error {
	if amount.IsZero() {
		return nil
	}
	k := claimKey{recipient: receiver, token: token}
	cur, _ := p.l.claimables.get(k)
	next, err := cur.Add(amount)
	if err != nil {
		return err
	}
	p.l.claimables.put(tx, k, next)
	tx.emit(domain.Event{
		Type:    domain.EventRoyaltyCredited,
		OrderID: orderID,
		Account: &receiver,
		Token:   &token,
		Amount:  &amount,
	})
	return nil
}

// feeFromOrder routes a platform fee out of an order's escrow into the fee
// pool.
func (p *paymentEscrow) feeFromOrder(tx *txn, orderID uint64, amount domain.Amount) error {
	if amount.IsZero() {
		return nil
	}
	token, err := p.debit(tx, orderID, amount)
	if err != nil {
		return err
	}
	if err := p.custody.moveToken(tx, token, p.account, p.pool.account, amount); err != nil {
		return fmt.Errorf("platform fee for order %d: %w", orderID, err)
	}
	return p.pool.depositFees(tx, token, amount)
}

// feeFromPayer pulls a platform fee from payer into the fee pool.
func (p *paymentEscrow) feeFromPayer(tx *txn, token, payer common.Address, amount domain.Amount) error {
	if amount.IsZero() {
		return nil
	}
	if err := p.custody.moveToken(tx, token, payer, p.pool.account, amount); err != nil {
		return fmt.Errorf("platform fee: %w", err)
	}
	return p.pool.depositFees(tx, token, amount)
}

// claimRoyalties pays every non-zero claimable balance of owner.
func (p *paymentEscrow) claimRoyalties(tx *txn, owner common.Address) ([]domain.TokenAmount, error) {
	var paid []domain.TokenAmount
	for _, token := range p.l.sortedTokens() {
		k := claimKey{recipient: owner, token: token}
		amt, _ := p.l.claimables.get(k)
		if amt.IsZero() {
			continue
		}
		p.l.claimables.put(tx, k, domain.Amount{})
		if err := p.custody.moveToken(tx, token, p.account, owner, amt); err != nil {
			return nil, fmt.Errorf("claim royalties: %w", err)
		}
		tx.emit(domain.Event{
			Type:    domain.EventRoyaltiesClaimed,
			Account: &owner,
			Token:   &token,
			Amount:  &amt,
		})
		paid = append(paid, domain.TokenAmount{Token: token, Amount: amt})
	}
	return paid, nil
}

func (p *paymentEscrow) claimable(owner common.Address) ([]common.Address, []domain.Amount) {
	var (
		tokens  []common.Address
		amounts []domain.Amount
	)
	for _, token := range p.l.sortedTokens() {
		amt, _ := p.l.claimables.get(claimKey{recipient: owner, token: token})
		if amt.IsZero() {
			continue
		}
		tokens = append(tokens, token)
		amounts = append(amounts, amt)
	}
	return tokens, amounts
}
