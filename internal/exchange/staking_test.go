package exchange

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/collectex/internal/domain"
)

func (f *fixture) stake(t *testing.T, staker common.Address, v uint64) {
	t.Helper()
	f.mintToken(t, govToken, staker, v)
	require.NoError(t, f.ex.Stake(ctx, staker, amt(v)))
}

func (f *fixture) claimableOf(t *testing.T, staker, token common.Address) string {
	t.Helper()
	rewards, err := f.ex.ClaimableRewards(staker)
	require.NoError(t, err)
	for _, r := range rewards {
		if r.Token == token {
			return r.Amount.String()
		}
	}
	return "0"
}

func TestAccumulatorFairness(t *testing.T) {
	f := newFixture(t)
	f.stake(t, alice, 25)
	f.stake(t, bob, 75)
	f.depositFees(t, tokenT, 10_000)

	assert.Equal(t, "2500", f.claimableOf(t, alice, tokenT))
	assert.Equal(t, "7500", f.claimableOf(t, bob, tokenT))

	f.stake(t, carol, 50)
	assert.Equal(t, "0", f.claimableOf(t, carol, tokenT))
	assert.Equal(t, "2500", f.claimableOf(t, alice, tokenT))
	assert.Equal(t, "150", f.ex.TotalStaked().String())
	f.requireAudit(t)
}

func TestStakingClaimOrdering(t *testing.T) {
	f := newFixture(t)
	f.stake(t, alice, 25)

	f.depositFees(t, tokenT, 250)
	paid, err := f.ex.ClaimRewards(ctx, alice)
	require.NoError(t, err)
	require.Len(t, paid, 1)
	assert.Equal(t, "250", paid[0].Amount.String())

	f.depositFees(t, tokenT, 4_000)
	paid, err = f.ex.ClaimRewards(ctx, alice)
	require.NoError(t, err)
	require.Len(t, paid, 1)
	assert.Equal(t, "4000", paid[0].Amount.String())
	assert.Equal(t, uint64(4_250), f.tokenBalance(t, tokenT, alice))

	paid, err = f.ex.ClaimRewards(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, paid)
	assert.Equal(t, uint64(4_250), f.tokenBalance(t, tokenT, alice))
	f.requireAudit(t)
}

func TestUndistributedFeesGoToNextStake(t *testing.T) {
	f := newFixture(t)
	f.depositFees(t, tokenT, 100)
	assert.Equal(t, "100", f.ex.FeePool(tokenT).Undistributed.String())

	f.stake(t, alice, 10)
	assert.True(t, f.ex.FeePool(tokenT).Undistributed.IsZero())
	assert.Equal(t, "100", f.claimableOf(t, alice, tokenT))

	f.stake(t, bob, 10)
	assert.Equal(t, "0", f.claimableOf(t, bob, tokenT))
	f.requireAudit(t)
}

func TestWithdrawLocksAccruedRewards(t *testing.T) {
	f := newFixture(t)
	f.stake(t, alice, 10)
	f.stake(t, bob, 10)
	f.depositFees(t, tokenT, 100)

	require.NoError(t, f.ex.Withdraw(ctx, alice, amt(10)))
	assert.True(t, f.ex.StakeOf(alice).IsZero())
	assert.Equal(t, uint64(10), f.tokenBalance(t, govToken, alice))

	f.depositFees(t, tokenT, 100)
	assert.Equal(t, "50", f.claimableOf(t, alice, tokenT))
	assert.Equal(t, "150", f.claimableOf(t, bob, tokenT))

	paid, err := f.ex.ClaimRewards(ctx, alice)
	require.NoError(t, err)
	require.Len(t, paid, 1)
	assert.Equal(t, "50", paid[0].Amount.String())
	f.requireAudit(t)
}

func TestStakingValidation(t *testing.T) {
	f := newFixture(t)
	f.stake(t, alice, 10)

	err := f.ex.Withdraw(ctx, alice, amt(11))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	err = f.ex.Stake(ctx, alice, amt(0))
	require.ErrorIs(t, err, domain.ErrValidation)
	err = f.ex.Stake(ctx, bob, amt(5))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Equal(t, "10", f.ex.TotalStaked().String())
}

func TestFeesFromFillsReachStakers(t *testing.T) {
	f := newFixture(t)
	f.stake(t, carol, 1)
	f.mintToken(t, tokenT, alice, 1_000)
	f.mintItem(t, bob, itemSword, 1)

	o, err := f.ex.PlaceOrder(ctx, alice, buyReq(itemSword, 1_000, 1))
	require.NoError(t, err)
	require.NoError(t, f.ex.FillBuyOrders(ctx, bob, []uint64{o.ID}, []domain.Amount{amt(1)}))

	assert.Equal(t, "3", f.claimableOf(t, carol, tokenT))
	_, err = f.ex.ClaimRewards(ctx, carol)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), f.tokenBalance(t, tokenT, carol))
	assert.True(t, f.ex.FeePool(tokenT).Held.IsZero())
	f.requireAudit(t)
}
