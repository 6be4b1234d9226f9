package exchange

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/collectex/internal/domain"
)

func amountStrings(payouts []domain.RoyaltyPayout) []string {
	out := make([]string, len(payouts))
	for i, p := range payouts {
		out[i] = p.Amount.String()
	}
	return out
}

func TestWaterfall(t *testing.T) {
	tests := []struct {
		name       string
		sale       uint64
		primary    domain.RoyaltyShare
		additional []domain.RoyaltyShare
		want       []string
		wantScaled bool
	}{
		{
			name:    "primary only",
			sale:    1_000,
			primary: domain.RoyaltyShare{Receiver: artist, Rate: 20_000},
			want:    []string{"20"},
		},
		{
			name:       "within headroom",
			sale:       1_000_000,
			primary:    domain.RoyaltyShare{Receiver: artist, Rate: 100_000},
			additional: []domain.RoyaltyShare{{Receiver: curator, Rate: 200_000}, {Receiver: collector, Rate: 100_000}},
			want:       []string{"100000", "200000", "100000"},
		},
		{
			name:       "additional scaled to headroom",
			sale:       1_000_000,
			primary:    domain.RoyaltyShare{Receiver: artist, Rate: 600_000},
			additional: []domain.RoyaltyShare{{Receiver: curator, Rate: 300_000}, {Receiver: collector, Rate: 300_000}},
			want:       []string{"600000", "200000", "200000"},
			wantScaled: true,
		},
		{
			name:       "primary above cap",
			sale:       1_000,
			primary:    domain.RoyaltyShare{Receiver: artist, Rate: 1_500_000},
			additional: []domain.RoyaltyShare{{Receiver: curator, Rate: 100_000}},
			want:       []string{"1000", "0"},
			wantScaled: true,
		},
		{
			name:       "no primary",
			sale:       1_000_000,
			additional: []domain.RoyaltyShare{{Receiver: curator, Rate: 200_000}, {Receiver: collector, Rate: 100_000}},
			want:       []string{"200000", "100000"},
		},
		{
			name:    "rounds down",
			sale:    49,
			primary: domain.RoyaltyShare{Receiver: artist, Rate: 20_000},
			want:    []string{"0"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, scaled, err := waterfall(amt(tt.sale), tt.primary, tt.additional)
			require.NoError(t, err)
			assert.Equal(t, tt.want, amountStrings(got))
			assert.Equal(t, tt.wantScaled, scaled)
		})
	}
}

func TestRoyaltyTwoReceivers(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ex.RegisterManager(ctx, admin, itemShield, carol))
	require.NoError(t, f.ex.RegisterRoyalty(ctx, carol, itemShield, []domain.RoyaltyShare{
		{Receiver: curator, Rate: 200_000},
		{Receiver: collector, Rate: 100_000},
	}))

	receivers, amounts, err := f.ex.MultiRoyaltyInfo(ctx, itemShield, amt(1_000_000))
	require.NoError(t, err)
	assert.Equal(t, []common.Address{curator, collector}, receivers)
	require.Len(t, amounts, 2)
	assert.Equal(t, "200000", amounts[0].String())
	assert.Equal(t, "100000", amounts[1].String())

	f.mintItem(t, alice, itemShield, 1)
	f.mintToken(t, tokenT, bob, 1_000_000)
	o, err := f.ex.PlaceOrder(ctx, alice, sellReq(itemShield, 1_000_000, 1))
	require.NoError(t, err)
	require.NoError(t, f.ex.FillSellOrders(ctx, bob, []uint64{o.ID}, []domain.Amount{amt(1)}))

	_, c1 := f.ex.ClaimableRoyalties(curator)
	_, c2 := f.ex.ClaimableRoyalties(collector)
	require.Len(t, c1, 1)
	require.Len(t, c2, 1)
	assert.Equal(t, "200000", c1[0].String())
	assert.Equal(t, "100000", c2[0].String())

	paid, err := f.ex.ClaimRoyalties(ctx, curator)
	require.NoError(t, err)
	require.Len(t, paid, 1)
	assert.Equal(t, tokenT, paid[0].Token)
	_, err = f.ex.ClaimRoyalties(ctx, collector)
	require.NoError(t, err)

	tokens, _ := f.ex.ClaimableRoyalties(curator)
	assert.Empty(t, tokens)
	tokens, _ = f.ex.ClaimableRoyalties(collector)
	assert.Empty(t, tokens)
	assert.Equal(t, uint64(200_000), f.tokenBalance(t, tokenT, curator))
	assert.Equal(t, uint64(100_000), f.tokenBalance(t, tokenT, collector))
	f.requireAudit(t)
}

func TestClaimZeroRoyaltiesIsNoop(t *testing.T) {
	f := newFixture(t)
	before := f.ex.Snapshot()

	paid, err := f.ex.ClaimRoyalties(ctx, curator)
	require.NoError(t, err)
	assert.Empty(t, paid)
	assert.Equal(t, before, f.ex.Snapshot())
	assert.Equal(t, uint64(0), f.tokenBalance(t, tokenT, curator))
}

func TestRegisterRoyalty(t *testing.T) {
	f := newFixture(t)

	err := f.ex.RegisterRoyalty(ctx, bob, itemSword, []domain.RoyaltyShare{{Receiver: curator, Rate: 10_000}})
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	err = f.ex.RegisterManager(ctx, bob, itemSword, bob)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	require.NoError(t, f.ex.RegisterManager(ctx, admin, itemSword, bob))

	// Sword already pays 2% to artist, so 98% is the most left.
	err = f.ex.RegisterRoyalty(ctx, bob, itemSword, []domain.RoyaltyShare{
		{Receiver: curator, Rate: 500_000},
		{Receiver: collector, Rate: 490_000},
	})
	require.ErrorIs(t, err, domain.ErrRateCap)

	tests := []struct {
		name   string
		shares []domain.RoyaltyShare
	}{
		{name: "zero receiver", shares: []domain.RoyaltyShare{{Rate: 1}}},
		{name: "zero rate", shares: []domain.RoyaltyShare{{Receiver: curator}}},
		{name: "duplicate", shares: []domain.RoyaltyShare{{Receiver: curator, Rate: 1}, {Receiver: curator, Rate: 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.ex.RegisterRoyalty(ctx, bob, itemSword, tt.shares)
			require.ErrorIs(t, err, domain.ErrValidation)
		})
	}

	require.NoError(t, f.ex.RegisterRoyalty(ctx, bob, itemSword, []domain.RoyaltyShare{
		{Receiver: curator, Rate: 500_000},
		{Receiver: collector, Rate: 480_000},
	}))
	// Replacing the registration only counts the new shares.
	require.NoError(t, f.ex.RegisterRoyalty(ctx, bob, itemSword, []domain.RoyaltyShare{
		{Receiver: curator, Rate: 980_000},
	}))

	receivers, amounts, err := f.ex.MultiRoyaltyInfo(ctx, itemSword, amt(1_000))
	require.NoError(t, err)
	assert.Equal(t, []common.Address{artist, curator}, receivers)
	assert.Equal(t, "20", amounts[0].String())
	assert.Equal(t, "980", amounts[1].String())

	err = f.ex.RegisterRoyalty(ctx, admin, 99, []domain.RoyaltyShare{{Receiver: curator, Rate: 1}})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestRoyaltyFromRegistryAdditionalReceivers(t *testing.T) {
	f := newFixture(t)
	const itemBanner domain.ItemID = 3
	require.NoError(t, f.reg.CreateItem(itemBanner,
		domain.RoyaltyShare{Receiver: artist, Rate: 700_000},
		domain.RoyaltyShare{Receiver: curator, Rate: 400_000},
		domain.RoyaltyShare{Receiver: collector, Rate: 200_000},
	))

	receivers, amounts, err := f.ex.MultiRoyaltyInfo(ctx, itemBanner, amt(1_000_000))
	require.NoError(t, err)
	assert.Equal(t, []common.Address{artist, curator, collector}, receivers)
	// 30% headroom split 2:1.
	assert.Equal(t, "700000", amounts[0].String())
	assert.Equal(t, "200000", amounts[1].String())
	assert.Equal(t, "100000", amounts[2].String())
}
