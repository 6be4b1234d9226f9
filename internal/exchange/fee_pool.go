package exchange

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/collectex/internal/domain"
)

// accScale is the fixed-point scale of AccPerShare.
var accScale = domain.MustAmount("1000000000000000000")

// feePool distributes platform fees to stakers with an accumulator per unit
// of stake. Nothing in here iterates over stakers.
type feePool struct {
	l       *ledger
	custody *custody
	account common.Address
}

func (f *feePool) pool(token common.Address) domain.FeePool {
	p, ok := f.l.feePools.get(token)
	if !ok {
		p.Token = token
	}
	return p
}

// depositFees books amount already moved into the pool's custody account.
func (f *feePool) depositFees(tx *txn, token common.Address, amount domain.Amount) error {
	if amount.IsZero() {
		return nil
	}
	p := f.pool(token)
	var err error
	if p.TotalFees, err = p.TotalFees.Add(amount); err != nil {
		return err
	}
	if p.Held, err = p.Held.Add(amount); err != nil {
		return err
	}
	total := f.l.params.get().TotalStaked
	if total.IsZero() {
		if p.Undistributed, err = p.Undistributed.Add(amount); err != nil {
			return err
		}
	} else if err := accrue(&p, amount, total); err != nil {
		return err
	}
	f.l.feePools.put(tx, token, p)
	tx.emit(domain.Event{Type: domain.EventFeesDeposited, Token: &token, Amount: &amount})
	return nil
}

func accrue(p *domain.FeePool, amount, totalStaked domain.Amount) error {
	inc, err := amount.MulDiv(accScale, totalStaked)
	if err != nil {
		return err
	}
	p.AccPerShare, err = p.AccPerShare.Add(inc)
	return err
}

// flush distributes fees that arrived while nothing was staked. Called right
// after a stake raises the total weight.
func (f *feePool) flush(tx *txn) error {
	total := f.l.params.get().TotalStaked
	if total.IsZero() {
		return nil
	}
	for _, token := range f.l.feeTokens() {
		p := f.pool(token)
		if p.Undistributed.IsZero() {
			continue
		}
		if err := accrue(&p, p.Undistributed, total); err != nil {
			return err
		}
		p.Undistributed = domain.Amount{}
		f.l.feePools.put(tx, token, p)
	}
	return nil
}

func (f *feePool) stakeOf(staker common.Address) domain.Amount {
	v, _ := f.l.stakes.get(staker)
	return v
}

// pending is what staker has accrued on token since its last checkpoint.
func pending(staked domain.Amount, p domain.FeePool, r reward) (domain.Amount, error) {
	delta, err := p.AccPerShare.Sub(r.debt)
	if err != nil {
		return domain.Amount{}, fmt.Errorf("reward debt above accumulator: %w", err)
	}
	return staked.MulDiv(delta, accScale)
}

// updateUserRewards locks the staker's accrual at its current weight. It
// must run before any change to that weight.
func (f *feePool) updateUserRewards(tx *txn, staker common.Address) error {
	staked := f.stakeOf(staker)
	for _, token := range f.l.feeTokens() {
		p := f.pool(token)
		k := rewardKey{staker: staker, token: token}
		r, _ := f.l.rewards.get(k)
		owed, err := pending(staked, p, r)
		if err != nil {
			return err
		}
		if owed.IsZero() && r.debt.Eq(p.AccPerShare) {
			continue
		}
		if r.locked, err = r.locked.Add(owed); err != nil {
			return err
		}
		r.debt = p.AccPerShare
		f.l.rewards.put(tx, k, r)
	}
	return nil
}

// claim pays staker everything locked plus the fresh accrual.
func (f *feePool) claim(tx *txn, staker common.Address) ([]domain.TokenAmount, error) {
	if err := f.updateUserRewards(tx, staker); err != nil {
		return nil, err
	}
	var paid []domain.TokenAmount
	for _, token := range f.l.feeTokens() {
		k := rewardKey{staker: staker, token: token}
		r, _ := f.l.rewards.get(k)
		if r.locked.IsZero() {
			continue
		}
		p := f.pool(token)
		held, err := p.Held.Sub(r.locked)
		if err != nil {
			return nil, fmt.Errorf("fee pool for %s: %w", token.Hex(), err)
		}
		p.Held = held
		f.l.feePools.put(tx, token, p)
		amt := r.locked
		r.locked = domain.Amount{}
		f.l.rewards.put(tx, k, r)
		if err := f.custody.moveToken(tx, token, f.account, staker, amt); err != nil {
			return nil, fmt.Errorf("claim rewards: %w", err)
		}
		tx.emit(domain.Event{Type: domain.EventRewardsClaimed, Account: &staker, Token: &token, Amount: &amt})
		paid = append(paid, domain.TokenAmount{Token: token, Amount: amt})
	}
	return paid, nil
}

// claimable reports staker's claimable amount for every token that ever
// received fees, in token address order.
func (f *feePool) claimable(staker common.Address) ([]domain.TokenAmount, error) {
	staked := f.stakeOf(staker)
	tokens := f.l.feeTokens()
	out := make([]domain.TokenAmount, 0, len(tokens))
	for _, token := range tokens {
		r, _ := f.l.rewards.get(rewardKey{staker: staker, token: token})
		owed, err := pending(staked, f.pool(token), r)
		if err != nil {
			return nil, err
		}
		total, err := r.locked.Add(owed)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.TokenAmount{Token: token, Amount: total})
	}
	return out, nil
}
