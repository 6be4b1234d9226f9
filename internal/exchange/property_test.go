package exchange

import (
	"reflect"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"pgregory.net/rapid"

	"github.com/alanyoungcy/collectex/internal/domain"
)

func TestProperty_RoyaltyNeverExceedsSale(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		sale := domain.NewAmount(rapid.Uint64().Draw(t, "sale"))
		primary := domain.RoyaltyShare{
			Receiver: artist,
			Rate:     rapid.Uint64Range(0, 2*domain.RateCap).Draw(t, "primaryRate"),
		}
		rates := rapid.SliceOfN(rapid.Uint64Range(1, domain.RateCap), 0, 8).Draw(t, "additionalRates")
		additional := make([]domain.RoyaltyShare, len(rates))
		var requested uint64
		for i, r := range rates {
			additional[i] = domain.RoyaltyShare{Receiver: common.BytesToAddress([]byte{0x30, byte(i)}), Rate: r}
			requested += r
		}

		payouts, scaled, err := waterfall(sale, primary, additional)
		if err != nil {
			t.Fatalf("waterfall: %v", err)
		}
		var total domain.Amount
		for _, p := range payouts {
			if total, err = total.Add(p.Amount); err != nil {
				t.Fatalf("sum: %v", err)
			}
		}
		if total.Gt(sale) {
			t.Fatalf("royalties %s exceed sale %s", total, sale)
		}

		headroom := domain.RateCap - min(primary.Rate, domain.RateCap)
		if scaled != (len(rates) > 0 && requested > headroom) {
			t.Fatalf("scaled=%v with requested %d and headroom %d", scaled, requested, headroom)
		}
		if !scaled {
			for i, r := range rates {
				want, _ := sale.MulDiv(domain.NewAmount(r), rateCap)
				if got := payouts[i+1].Amount; !got.Eq(want) {
					t.Fatalf("receiver %d got %s, want unscaled %s", i, got, want)
				}
			}
		}
	})
}

func TestProperty_RandomOperationsConserve(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := newFixture(t)
		actors := []common.Address{alice, bob, carol}
		for _, a := range actors {
			f.mintToken(t, tokenT, a, 1_000_000)
			f.mintToken(t, tokenU, a, 1_000_000)
			f.mintToken(t, govToken, a, 1_000)
			f.mintItem(t, a, itemSword, 50)
			f.mintItem(t, a, itemShield, 50)
		}
		claimers := append([]common.Address{artist}, actors...)

		pickOrder := func() uint64 {
			next := f.ex.Snapshot().Params.NextOrderID
			return rapid.Uint64Range(1, next).Draw(t, "order")
		}
		remaining := make(map[uint64]domain.Amount)

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for range steps {
			actor := rapid.SampledFrom(actors).Draw(t, "actor")
			before := f.ex.Snapshot()

			var err error
			switch rapid.IntRange(0, 8).Draw(t, "op") {
			case 0:
				_, err = f.ex.PlaceOrder(ctx, actor, domain.PlaceOrderRequest{
					Item:         rapid.SampledFrom([]domain.ItemID{itemSword, itemShield}).Draw(t, "item"),
					PaymentToken: rapid.SampledFrom([]common.Address{tokenT, tokenU}).Draw(t, "token"),
					UnitPrice:    amt(rapid.Uint64Range(1, 5_000).Draw(t, "price")),
					Amount:       amt(rapid.Uint64Range(1, 5).Draw(t, "amount")),
					Side:         rapid.SampledFrom([]domain.OrderSide{domain.OrderSideBuy, domain.OrderSideSell}).Draw(t, "side"),
				})
			case 1:
				err = f.ex.FillBuyOrders(ctx, actor, []uint64{pickOrder()}, []domain.Amount{amt(rapid.Uint64Range(1, 5).Draw(t, "fill"))})
			case 2:
				err = f.ex.FillSellOrders(ctx, actor, []uint64{pickOrder()}, []domain.Amount{amt(rapid.Uint64Range(1, 5).Draw(t, "fill"))})
			case 3:
				err = f.ex.CancelOrders(ctx, actor, []uint64{pickOrder()})
			case 4:
				err = f.ex.ClaimOrders(ctx, actor, []uint64{pickOrder()})
			case 5:
				_, err = f.ex.ClaimRoyalties(ctx, rapid.SampledFrom(claimers).Draw(t, "claimer"))
			case 6:
				err = f.ex.Stake(ctx, actor, amt(rapid.Uint64Range(1, 100).Draw(t, "stake")))
			case 7:
				err = f.ex.Withdraw(ctx, actor, amt(rapid.Uint64Range(1, 100).Draw(t, "withdraw")))
			case 8:
				_, err = f.ex.ClaimRewards(ctx, actor)
			}

			after := f.ex.Snapshot()
			if err != nil {
				if domain.ErrorCode(err) == "internal" {
					t.Fatalf("untyped error: %v", err)
				}
				if !reflect.DeepEqual(before, after) {
					t.Fatalf("failed operation changed the ledger: %v", err)
				}
			}
			for _, o := range after.Orders {
				if prev, ok := remaining[o.ID]; ok && o.RemainingAmount.Gt(prev) {
					t.Fatalf("order %d remaining grew from %s to %s", o.ID, prev, o.RemainingAmount)
				}
				remaining[o.ID] = o.RemainingAmount
			}
			report, err := f.ex.Audit(ctx)
			if err != nil {
				t.Fatalf("audit: %v", err)
			}
			if !report.OK {
				t.Fatalf("conservation broken: %+v", report.Checks)
			}
		}
	})
}
