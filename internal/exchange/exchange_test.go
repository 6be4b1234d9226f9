package exchange

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/collectex/internal/domain"
)

func TestNewRejectsBadConfig(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing governance token", cfg: Config{}},
		{name: "fee above cap", cfg: Config{GovernanceToken: govToken, PlatformFeeRate: domain.RateCap + 1}},
		{name: "shared custody", cfg: Config{GovernanceToken: govToken, FeePoolAccount: bob, StakingAccount: bob}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, f.reg, f.bank, f.acl, nil)
			require.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestCustodyDefaults(t *testing.T) {
	f := newFixture(t)
	cfg := f.ex.Config()
	assert.Equal(t, CustodyAddress("payment-escrow"), cfg.PaymentEscrowAccount)
	assert.Equal(t, CustodyAddress("asset-escrow"), cfg.AssetEscrowAccount)
	assert.NotEqual(t, cfg.FeePoolAccount, cfg.StakingAccount)
}

func TestCommitterReceivesDelta(t *testing.T) {
	f := newFixture(t)
	f.mintToken(t, tokenT, alice, 1_000)

	var deltas []domain.LedgerState
	f.ex.WithCommitter(CommitFunc(func(_ context.Context, delta domain.LedgerState) error {
		deltas = append(deltas, delta)
		return nil
	}))

	o, err := f.ex.PlaceOrder(ctx, alice, buyReq(itemSword, 1_000, 1))
	require.NoError(t, err)
	require.Len(t, deltas, 1)

	d := deltas[0]
	require.Len(t, d.Orders, 1)
	assert.Equal(t, o.ID, d.Orders[0].ID)
	require.Len(t, d.PaymentEscrow, 1)
	assert.Equal(t, "1000", d.PaymentEscrow[0].Amount.String())
	assert.Equal(t, uint64(2), d.Params.NextOrderID)
	assert.Empty(t, d.Claimables)

	require.Len(t, d.Events, 1)
	assert.Equal(t, domain.EventOrderPlaced, d.Events[0].Type)
	assert.Equal(t, uint64(1), d.Events[0].Seq)
	assert.NotEmpty(t, d.Events[0].ID)

	balances := make(map[common.Address]string)
	for _, b := range d.Balances {
		require.NotNil(t, b.Token)
		balances[b.Owner] = b.Amount.String()
	}
	assert.Equal(t, "0", balances[alice])
	assert.Equal(t, "1000", balances[f.ex.cfg.PaymentEscrowAccount])

	// Reads do not commit.
	_ = f.ex.ListOrders(domain.OrderFilter{})
	assert.Len(t, deltas, 1)
}

func TestCommitFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.mintToken(t, tokenT, alice, 1_000)
	before := f.ex.Snapshot()

	boom := errors.New("disk full")
	f.ex.WithCommitter(CommitFunc(func(context.Context, domain.LedgerState) error { return boom }))

	_, err := f.ex.PlaceOrder(ctx, alice, buyReq(itemSword, 1_000, 1))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, before, f.ex.Snapshot())
	assert.Equal(t, uint64(1_000), f.tokenBalance(t, tokenT, alice))

	// The next successful commit carries nothing from the failed one.
	var delta domain.LedgerState
	f.ex.WithCommitter(CommitFunc(func(_ context.Context, d domain.LedgerState) error {
		delta = d
		return nil
	}))
	require.NoError(t, f.ex.AddPaymentToken(ctx, admin, govToken))
	assert.Empty(t, delta.Orders)
	assert.Empty(t, delta.PaymentEscrow)
	assert.Equal(t, []common.Address{govToken}, delta.PaymentTokens)
	f.requireAudit(t)
}

func TestAdminOperations(t *testing.T) {
	f := newFixture(t)

	err := f.ex.AddPaymentToken(ctx, bob, govToken)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	err = f.ex.SetPlatformFee(ctx, bob, 1)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	f.acl.Grant(bob, domain.CapabilityFeeAdmin)
	require.NoError(t, f.ex.SetPlatformFee(ctx, bob, 5_000))
	assert.Equal(t, uint64(5_000), f.ex.PlatformFee())
	err = f.ex.SetPlatformFee(ctx, bob, domain.RateCap+1)
	require.ErrorIs(t, err, domain.ErrValidation)

	require.NoError(t, f.ex.AddPaymentToken(ctx, admin, govToken))
	assert.Contains(t, f.ex.PaymentTokens(), govToken)
	err = f.ex.AddPaymentToken(ctx, admin, common.Address{})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestSnapshotRestore(t *testing.T) {
	f := newFixture(t)
	f.mintToken(t, tokenT, alice, 2_000)
	f.mintItem(t, bob, itemSword, 1)
	f.stake(t, carol, 4)

	o, err := f.ex.PlaceOrder(ctx, alice, buyReq(itemSword, 1_000, 2))
	require.NoError(t, err)
	require.NoError(t, f.ex.FillBuyOrders(ctx, bob, []uint64{o.ID}, []domain.Amount{amt(1)}))
	require.NoError(t, f.ex.RegisterManager(ctx, admin, itemShield, carol))

	snap := f.ex.Snapshot()

	restored, err := New(f.ex.Config(), f.reg, f.bank, f.acl, nil)
	require.NoError(t, err)
	require.NoError(t, restored.Restore(snap))
	assert.Equal(t, snap, restored.Snapshot())

	report, err := restored.Audit(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK)

	f.mintToken(t, tokenT, alice, 1_000)
	next, err := restored.PlaceOrder(ctx, alice, buyReq(itemSword, 1_000, 1))
	require.NoError(t, err)
	assert.Equal(t, o.ID+1, next.ID)
}

func TestAuditDetectsMismatch(t *testing.T) {
	f := newFixture(t)
	f.mintToken(t, tokenT, alice, 1_000)
	_, err := f.ex.PlaceOrder(ctx, alice, buyReq(itemSword, 1_000, 1))
	require.NoError(t, err)
	f.requireAudit(t)

	f.mintToken(t, tokenT, f.ex.cfg.PaymentEscrowAccount, 1)
	report, err := f.ex.Audit(ctx)
	require.NoError(t, err)
	assert.False(t, report.OK)

	var failed []string
	for _, c := range report.Checks {
		if !c.OK {
			failed = append(failed, c.Name)
		}
	}
	assert.Equal(t, []string{"payment_escrow"}, failed)
}
