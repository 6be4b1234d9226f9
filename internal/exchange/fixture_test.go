package exchange

import (
	"context"
	"io"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/collectex/internal/domain"
	"github.com/alanyoungcy/collectex/internal/platform/registry"
)

var (
	tokenT   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tokenU   = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	govToken = common.HexToAddress("0x00000000000000000000000000000000000000b1")

	admin     = common.HexToAddress("0x0000000000000000000000000000000000000001")
	alice     = common.HexToAddress("0x0000000000000000000000000000000000000011")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000012")
	carol     = common.HexToAddress("0x0000000000000000000000000000000000000013")
	artist    = common.HexToAddress("0x0000000000000000000000000000000000000021")
	curator   = common.HexToAddress("0x0000000000000000000000000000000000000022")
	collector = common.HexToAddress("0x0000000000000000000000000000000000000023")
)

const (
	// itemSword carries a 2% base royalty to artist.
	itemSword domain.ItemID = 1
	// itemShield has no base royalty.
	itemShield domain.ItemID = 2
)

var ctx = context.Background()

type fixture struct {
	ex   *Exchange
	reg  *registry.Registry
	bank *registry.Bank
	acl  *registry.ACL
}

func newFixture(t require.TestingT) *fixture {
	reg := registry.NewRegistry()
	bank := registry.NewBank()
	acl := registry.NewACL()
	acl.Grant(admin, domain.CapabilityAdmin)
	require.NoError(t, reg.CreateItem(itemSword, domain.RoyaltyShare{Receiver: artist, Rate: 20_000}))
	require.NoError(t, reg.CreateItem(itemShield, domain.RoyaltyShare{}))

	ex, err := New(Config{
		PlatformFeeRate: DefaultPlatformFeeRate,
		PaymentTokens:   []common.Address{tokenT, tokenU},
		GovernanceToken: govToken,
	}, reg, bank, acl, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return &fixture{ex: ex, reg: reg, bank: bank, acl: acl}
}

func amt(v uint64) domain.Amount {
	return domain.NewAmount(v)
}

func (f *fixture) mintToken(t require.TestingT, token, owner common.Address, v uint64) {
	require.NoError(t, f.bank.Mint(token, owner, amt(v)))
}

func (f *fixture) mintItem(t require.TestingT, owner common.Address, item domain.ItemID, v uint64) {
	require.NoError(t, f.reg.Mint(owner, item, amt(v)))
}

func (f *fixture) tokenBalance(t require.TestingT, token, owner common.Address) uint64 {
	bal, err := f.bank.TokenBalanceOf(ctx, token, owner)
	require.NoError(t, err)
	v, ok := bal.Uint64()
	require.True(t, ok)
	return v
}

func (f *fixture) itemBalance(t require.TestingT, owner common.Address, item domain.ItemID) uint64 {
	bal, err := f.reg.ItemBalanceOf(ctx, owner, item)
	require.NoError(t, err)
	v, ok := bal.Uint64()
	require.True(t, ok)
	return v
}

// depositFees books fees for token as if a fill had routed them to the pool.
func (f *fixture) depositFees(t require.TestingT, token common.Address, v uint64) {
	f.mintToken(t, token, f.ex.cfg.FeePoolAccount, v)
	require.NoError(t, f.ex.run(ctx, "deposit fees", func(tx *txn) error {
		return f.ex.pool.depositFees(tx, token, amt(v))
	}))
}

func (f *fixture) requireAudit(t require.TestingT) {
	report, err := f.ex.Audit(ctx)
	require.NoError(t, err)
	require.True(t, report.OK, "audit failed: %+v", report.Checks)
}

func buyReq(item domain.ItemID, price, amount uint64) domain.PlaceOrderRequest {
	return domain.PlaceOrderRequest{
		Item:         item,
		PaymentToken: tokenT,
		UnitPrice:    amt(price),
		Amount:       amt(amount),
		Side:         domain.OrderSideBuy,
	}
}

func sellReq(item domain.ItemID, price, amount uint64) domain.PlaceOrderRequest {
	req := buyReq(item, price, amount)
	req.Side = domain.OrderSideSell
	return req
}
