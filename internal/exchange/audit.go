package exchange

import (
	"context"
	"fmt"
	"slices"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/collectex/internal/domain"
)

// AuditCheck compares one ledger total with the custody balance backing it.
type AuditCheck struct {
	Name    string          `json:"name"`
	Token   *common.Address `json:"token,omitempty"`
	Item    *domain.ItemID  `json:"item,omitempty"`
	Ledger  domain.Amount   `json:"ledger"`
	Custody domain.Amount   `json:"custody"`
	OK      bool            `json:"ok"`
}

// AuditReport is the outcome of a conservation audit.
type AuditReport struct {
	OK     bool         `json:"ok"`
	Checks []AuditCheck `json:"checks"`
}

// Audit checks every conservation invariant against the collaborators:
// per payment token, order escrow plus claimable royalties equals the
// payment escrow's holdings; per item, order escrow equals the asset
// escrow's holdings; per fee token, the pool's held amount equals the fee
// account's holdings and covers every staker's claim; total stake equals
// the staking account's holdings.
func (e *Exchange) Audit(ctx context.Context) (AuditReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		report    = AuditReport{OK: true}
		byToken   = make(map[common.Address]domain.Amount)
		byItem    = make(map[domain.ItemID]domain.Amount)
		addFailed error
	)
	add := func(m map[common.Address]domain.Amount, k common.Address, v domain.Amount) {
		sum, err := m[k].Add(v)
		if err != nil && addFailed == nil {
			addFailed = err
		}
		m[k] = sum
	}
	for _, t := range e.l.sortedTokens() {
		byToken[t] = domain.Amount{}
	}
	e.l.orders.each(func(id uint64, o domain.Order) {
		pay, _ := e.l.paymentEscrow.get(id)
		add(byToken, o.PaymentToken, pay)
		items, _ := e.l.assetEscrow.get(id)
		sum, err := byItem[o.Item].Add(items)
		if err != nil && addFailed == nil {
			addFailed = err
		}
		byItem[o.Item] = sum
	})
	e.l.claimables.each(func(k claimKey, v domain.Amount) {
		add(byToken, k.token, v)
	})
	if addFailed != nil {
		return AuditReport{}, fmt.Errorf("exchange: audit: %w", addFailed)
	}

	record := func(c AuditCheck) {
		c.OK = c.Ledger.Eq(c.Custody)
		if !c.OK {
			report.OK = false
		}
		report.Checks = append(report.Checks, c)
	}

	tokens := make([]common.Address, 0, len(byToken))
	for t := range byToken {
		tokens = append(tokens, t)
	}
	slices.SortFunc(tokens, compareAddr)
	for _, t := range tokens {
		held, err := e.custody.tokens.TokenBalanceOf(ctx, t, e.cfg.PaymentEscrowAccount)
		if err != nil {
			return AuditReport{}, fmt.Errorf("exchange: audit: payment escrow balance: %w", err)
		}
		token := t
		record(AuditCheck{Name: "payment_escrow", Token: &token, Ledger: byToken[t], Custody: held})
	}

	items := make([]domain.ItemID, 0, len(byItem))
	for it := range byItem {
		items = append(items, it)
	}
	slices.Sort(items)
	for _, it := range items {
		held, err := e.custody.registry.ItemBalanceOf(ctx, e.cfg.AssetEscrowAccount, it)
		if err != nil {
			return AuditReport{}, fmt.Errorf("exchange: audit: asset escrow balance: %w", err)
		}
		item := it
		record(AuditCheck{Name: "asset_escrow", Item: &item, Ledger: byItem[it], Custody: held})
	}

	for _, t := range e.l.feeTokens() {
		p := e.pool.pool(t)
		held, err := e.custody.tokens.TokenBalanceOf(ctx, t, e.cfg.FeePoolAccount)
		if err != nil {
			return AuditReport{}, fmt.Errorf("exchange: audit: fee pool balance: %w", err)
		}
		token := t
		record(AuditCheck{Name: "fee_pool", Token: &token, Ledger: p.Held, Custody: held})

		owed, err := e.owedRewards(p)
		if err != nil {
			return AuditReport{}, fmt.Errorf("exchange: audit: %w", err)
		}
		solvent := AuditCheck{Name: "fee_pool_solvency", Token: &token, Ledger: owed, Custody: p.Held}
		solvent.OK = !owed.Gt(p.Held)
		if !solvent.OK {
			report.OK = false
		}
		report.Checks = append(report.Checks, solvent)
	}

	var staked domain.Amount
	e.l.stakes.each(func(_ common.Address, v domain.Amount) {
		sum, err := staked.Add(v)
		if err != nil && addFailed == nil {
			addFailed = err
		}
		staked = sum
	})
	if addFailed != nil {
		return AuditReport{}, fmt.Errorf("exchange: audit: %w", addFailed)
	}
	if !staked.Eq(e.staking.totalStaked()) {
		report.OK = false
		report.Checks = append(report.Checks, AuditCheck{Name: "total_staked", Ledger: e.staking.totalStaked(), Custody: staked})
	}
	held, err := e.custody.tokens.TokenBalanceOf(ctx, e.cfg.GovernanceToken, e.cfg.StakingAccount)
	if err != nil {
		return AuditReport{}, fmt.Errorf("exchange: audit: staking balance: %w", err)
	}
	gov := e.cfg.GovernanceToken
	record(AuditCheck{Name: "staking", Token: &gov, Ledger: staked, Custody: held})
	return report, nil
}

// owedRewards sums every staker's claimable amount for the pool's token.
// It walks every staker.
func (e *Exchange) owedRewards(p domain.FeePool) (domain.Amount, error) {
	var (
		total domain.Amount
		err   error
	)
	seen := make(map[common.Address]struct{})
	visit := func(staker common.Address) {
		if err != nil {
			return
		}
		if _, ok := seen[staker]; ok {
			return
		}
		seen[staker] = struct{}{}
		r, _ := e.l.rewards.get(rewardKey{staker: staker, token: p.Token})
		var owed domain.Amount
		if owed, err = pending(e.pool.stakeOf(staker), p, r); err != nil {
			return
		}
		if owed, err = owed.Add(r.locked); err != nil {
			return
		}
		total, err = total.Add(owed)
	}
	e.l.stakes.each(func(s common.Address, _ domain.Amount) { visit(s) })
	e.l.rewards.each(func(k rewardKey, _ reward) {
		if k.token == p.Token {
			visit(k.staker)
		}
	})
	return total, err
}
