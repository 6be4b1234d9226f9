package exchange

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/collectex/internal/domain"
)

// stakingLedger tracks governance token weight. Every weight change is
// preceded by updateUserRewards in the same transaction.
type stakingLedger struct {
	l          *ledger
	custody    *custody
	pool       *feePool
	governance common.Address
	account    common.Address
}

func (s *stakingLedger) stake(tx *txn, staker common.Address, amount domain.Amount) error {
	if amount.IsZero() {
		return fmt.Errorf("%w: stake amount is zero", domain.ErrValidation)
	}
	if err := s.pool.updateUserRewards(tx, staker); err != nil {
		return err
	}
	if err := s.custody.moveToken(tx, s.governance, staker, s.account, amount); err != nil {
		return fmt.Errorf("stake: %w", err)
	}
	cur := s.pool.stakeOf(staker)
	next, err := cur.Add(amount)
	if err != nil {
		return err
	}
	s.l.stakes.put(tx, staker, next)

	p := s.l.params.get()
	if p.TotalStaked, err = p.TotalStaked.Add(amount); err != nil {
		return err
	}
	s.l.params.set(tx, p)

	if err := s.pool.flush(tx); err != nil {
		return err
	}
	gov := s.governance
	tx.emit(domain.Event{Type: domain.EventStaked, Account: &staker, Token: &gov, Amount: &amount})
	return nil
}

func (s *stakingLedger) withdraw(tx *txn, staker common.Address, amount domain.Amount) error {
	if amount.IsZero() {
		return fmt.Errorf("%w: withdraw amount is zero", domain.ErrValidation)
	}
	cur := s.pool.stakeOf(staker)
	if amount.Gt(cur) {
		return fmt.Errorf("%w: %s staked, withdraw asks %s", domain.ErrInsufficientBalance, cur, amount)
	}
	if err := s.pool.updateUserRewards(tx, staker); err != nil {
		return err
	}
	next, _ := cur.Sub(amount)
	s.l.stakes.put(tx, staker, next)

	p := s.l.params.get()
	total, err := p.TotalStaked.Sub(amount)
	if err != nil {
		return err
	}
	p.TotalStaked = total
	s.l.params.set(tx, p)

	if err := s.custody.moveToken(tx, s.governance, s.account, staker, amount); err != nil {
		return fmt.Errorf("withdraw stake: %w", err)
	}
	gov := s.governance
	tx.emit(domain.Event{Type: domain.EventWithdrawn, Account: &staker, Token: &gov, Amount: &amount})
	return nil
}

func (s *stakingLedger) totalStaked() domain.Amount {
	return s.l.params.get().TotalStaked
}
