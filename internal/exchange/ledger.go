package exchange

import (
	"bytes"
	"cmp"
	"slices"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/collectex/internal/domain"
)

type claimKey struct {
	recipient common.Address
	token     common.Address
}

type rewardKey struct {
	staker common.Address
	token  common.Address
}

type reward struct {
	debt   domain.Amount
	locked domain.Amount
}

// ledger is the complete in-memory ledger state shared by every component.
type ledger struct {
	params        cell[domain.LedgerParams]
	paymentTokens *table[common.Address, bool]
	orders        *table[uint64, domain.Order]
	paymentEscrow *table[uint64, domain.Amount]
	assetEscrow   *table[uint64, domain.Amount]
	claimables    *table[claimKey, domain.Amount]
	royalties     *table[domain.ItemID, []domain.RoyaltyShare]
	managers      *table[domain.ItemID, common.Address]
	feePools      *table[common.Address, domain.FeePool]
	stakes        *table[common.Address, domain.Amount]
	rewards       *table[rewardKey, reward]
}

func newLedger() *ledger {
	return &ledger{
		params:        cell[domain.LedgerParams]{v: domain.LedgerParams{NextOrderID: 1}},
		paymentTokens: newTable[common.Address, bool](),
		orders:        newTable[uint64, domain.Order](),
		paymentEscrow: newTable[uint64, domain.Amount](),
		assetEscrow:   newTable[uint64, domain.Amount](),
		claimables:    newTable[claimKey, domain.Amount](),
		royalties:     newTable[domain.ItemID, []domain.RoyaltyShare](),
		managers:      newTable[domain.ItemID, common.Address](),
		feePools:      newTable[common.Address, domain.FeePool](),
		stakes:        newTable[common.Address, domain.Amount](),
		rewards:       newTable[rewardKey, reward](),
	}
}

func (l *ledger) supportsToken(token common.Address) bool {
	ok, _ := l.paymentTokens.get(token)
	return ok
}

// sortedTokens returns the supported payment tokens in address order.
func (l *ledger) sortedTokens() []common.Address {
	var out []common.Address
	l.paymentTokens.each(func(t common.Address, ok bool) {
		if ok {
			out = append(out, t)
		}
	})
	slices.SortFunc(out, compareAddr)
	return out
}

// feeTokens returns every token that ever received fees, in address order.
func (l *ledger) feeTokens() []common.Address {
	var out []common.Address
	l.feePools.each(func(t common.Address, _ domain.FeePool) {
		out = append(out, t)
	})
	slices.SortFunc(out, compareAddr)
	return out
}

// drain collects the rows written since the previous drain.
func (l *ledger) drain() domain.LedgerState {
	var st domain.LedgerState
	st.Params = l.params.get()
	l.params.dirty = false
	l.collect(&st, true)
	return st
}

// discard forgets the dirty markers of a rolled-back transaction.
func (l *ledger) discard() {
	l.params.dirty = false
	l.paymentTokens.discard()
	l.orders.discard()
	l.paymentEscrow.discard()
	l.assetEscrow.discard()
	l.claimables.discard()
	l.royalties.discard()
	l.managers.discard()
	l.feePools.discard()
	l.stakes.discard()
	l.rewards.discard()
}

// snapshot copies every row.
func (l *ledger) snapshot() domain.LedgerState {
	var st domain.LedgerState
	st.Params = l.params.get()
	l.collect(&st, false)
	return st
}

func (l *ledger) collect(st *domain.LedgerState, dirtyOnly bool) {
	rangeTable(dirtyOnly, l.paymentTokens, func(t common.Address, ok bool) {
		if ok {
			st.PaymentTokens = append(st.PaymentTokens, t)
		}
	})
	rangeTable(dirtyOnly, l.orders, func(_ uint64, o domain.Order) {
		st.Orders = append(st.Orders, o)
	})
	rangeTable(dirtyOnly, l.paymentEscrow, func(id uint64, a domain.Amount) {
		st.PaymentEscrow = append(st.PaymentEscrow, domain.EscrowBalance{OrderID: id, Amount: a})
	})
	rangeTable(dirtyOnly, l.assetEscrow, func(id uint64, a domain.Amount) {
		st.AssetEscrow = append(st.AssetEscrow, domain.EscrowBalance{OrderID: id, Amount: a})
	})
	rangeTable(dirtyOnly, l.claimables, func(k claimKey, a domain.Amount) {
		st.Claimables = append(st.Claimables, domain.ClaimableBalance{Recipient: k.recipient, Token: k.token, Amount: a})
	})
	rangeTable(dirtyOnly, l.royalties, func(item domain.ItemID, shares []domain.RoyaltyShare) {
		st.Royalties = append(st.Royalties, domain.RoyaltyRegistration{Item: item, Shares: slices.Clone(shares)})
	})
	rangeTable(dirtyOnly, l.managers, func(item domain.ItemID, m common.Address) {
		st.Managers = append(st.Managers, domain.ItemManager{Item: item, Manager: m})
	})
	rangeTable(dirtyOnly, l.feePools, func(_ common.Address, p domain.FeePool) {
		st.FeePools = append(st.FeePools, p)
	})
	rangeTable(dirtyOnly, l.stakes, func(s common.Address, a domain.Amount) {
		st.Stakers = append(st.Stakers, domain.StakerPosition{Staker: s, Staked: a})
	})
	rangeTable(dirtyOnly, l.rewards, func(k rewardKey, r reward) {
		st.Rewards = append(st.Rewards, domain.StakerReward{Staker: k.staker, Token: k.token, RewardDebt: r.debt, Locked: r.locked})
	})
	sortState(st)
}

func rangeTable[K comparable, V any](dirtyOnly bool, t *table[K, V], fn func(K, V)) {
	if dirtyOnly {
		t.drain(fn)
		return
	}
	t.each(fn)
}

// load replaces the whole state with st.
func (l *ledger) load(st domain.LedgerState) {
	l.params = cell[domain.LedgerParams]{v: st.Params}
	if l.params.v.NextOrderID == 0 {
		l.params.v.NextOrderID = 1
	}
	l.paymentTokens.reset()
	for _, t := range st.PaymentTokens {
		l.paymentTokens.rows[t] = true
	}
	l.orders.reset()
	for _, o := range st.Orders {
		l.orders.rows[o.ID] = o
	}
	l.paymentEscrow.reset()
	for _, e := range st.PaymentEscrow {
		l.paymentEscrow.rows[e.OrderID] = e.Amount
	}
	l.assetEscrow.reset()
	for _, e := range st.AssetEscrow {
		l.assetEscrow.rows[e.OrderID] = e.Amount
	}
	l.claimables.reset()
	for _, c := range st.Claimables {
		l.claimables.rows[claimKey{recipient: c.Recipient, token: c.Token}] = c.Amount
	}
	l.royalties.reset()
	for _, r := range st.Royalties {
		l.royalties.rows[r.Item] = slices.Clone(r.Shares)
	}
	l.managers.reset()
	for _, m := range st.Managers {
		l.managers.rows[m.Item] = m.Manager
	}
	l.feePools.reset()
	for _, p := range st.FeePools {
		l.feePools.rows[p.Token] = p
	}
	l.stakes.reset()
	for _, s := range st.Stakers {
		l.stakes.rows[s.Staker] = s.Staked
	}
	l.rewards.reset()
	for _, r := range st.Rewards {
		l.rewards.rows[rewardKey{staker: r.Staker, token: r.Token}] = reward{debt: r.RewardDebt, locked: r.Locked}
	}
}

func sortState(st *domain.LedgerState) {
	slices.SortFunc(st.PaymentTokens, compareAddr)
	slices.SortFunc(st.Orders, func(a, b domain.Order) int { return cmp.Compare(a.ID, b.ID) })
	byOrder := func(a, b domain.EscrowBalance) int { return cmp.Compare(a.OrderID, b.OrderID) }
	slices.SortFunc(st.PaymentEscrow, byOrder)
	slices.SortFunc(st.AssetEscrow, byOrder)
	slices.SortFunc(st.Claimables, func(a, b domain.ClaimableBalance) int {
		if c := compareAddr(a.Recipient, b.Recipient); c != 0 {
			return c
		}
		return compareAddr(a.Token, b.Token)
	})
	slices.SortFunc(st.Royalties, func(a, b domain.RoyaltyRegistration) int { return cmp.Compare(a.Item, b.Item) })
	slices.SortFunc(st.Managers, func(a, b domain.ItemManager) int { return cmp.Compare(a.Item, b.Item) })
	slices.SortFunc(st.FeePools, func(a, b domain.FeePool) int { return compareAddr(a.Token, b.Token) })
	slices.SortFunc(st.Stakers, func(a, b domain.StakerPosition) int { return compareAddr(a.Staker, b.Staker) })
	slices.SortFunc(st.Rewards, func(a, b domain.StakerReward) int {
		if c := compareAddr(a.Staker, b.Staker); c != 0 {
			return c
		}
		return compareAddr(a.Token, b.Token)
	})
}

func compareAddr(a, b common.Address) int {
	return bytes.Compare(a[:], b[:])
}
