package exchange

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/collectex/internal/domain"
)

var rateCap = domain.NewAmount(domain.RateCap)

// royaltyCalculator resolves an item's receivers and splits a sale between
// them.
type royaltyCalculator struct {
	l        *ledger
	registry domain.AssetRegistry
	logger   *slog.Logger
}

// receivers returns the item's primary royalty (zero when the registry has
// none) and every additional receiver: registry-provided first, then the
// locally registered ones.
func (r *royaltyCalculator) receivers(ctx context.Context, item domain.ItemID) (domain.RoyaltyShare, []domain.RoyaltyShare, error) {
	var (
		primary    domain.RoyaltyShare
		additional []domain.RoyaltyShare
	)
	addrs, rates, err := r.registry.MultiRoyaltyInfo(ctx, item, rateCap)
	if err != nil {
		return primary, nil, fmt.Errorf("multi royalty info for item %d: %w", item, err)
	}
	if len(addrs) != len(rates) {
		return primary, nil, fmt.Errorf("%w: registry returned %d receivers and %d amounts for item %d",
			domain.ErrValidation, len(addrs), len(rates), item)
	}
	if len(addrs) == 0 {
		recv, rate, err := r.registry.RoyaltyInfo(ctx, item, rateCap)
		if err != nil {
			return primary, nil, fmt.Errorf("royalty info for item %d: %w", item, err)
		}
		addrs, rates = []common.Address{recv}, []domain.Amount{rate}
	}
	for i, addr := range addrs {
		share := domain.RoyaltyShare{Receiver: addr, Rate: clampRate(rates[i])}
		if i == 0 {
			if addr != (common.Address{}) {
				primary = share
			}
			continue
		}
		if addr == (common.Address{}) || share.Rate == 0 {
			continue
		}
		additional = append(additional, share)
	}
	local, _ := r.l.royalties.get(item)
	additional = append(additional, local...)
	return primary, additional, nil
}

func clampRate(a domain.Amount) uint64 {
	v, ok := a.Uint64()
	if !ok || v > domain.RateCap {
		return domain.RateCap
	}
	return v
}

// compute returns the payout of every receiver for a sale of saleAmount.
func (r *royaltyCalculator) compute(ctx context.Context, item domain.ItemID, saleAmount domain.Amount) ([]domain.RoyaltyPayout, error) {
	primary, additional, err := r.receivers(ctx, item)
	if err != nil {
		return nil, err
	}
	payouts, scaled, err := waterfall(saleAmount, primary, additional)
	if err != nil {
		return nil, fmt.Errorf("royalty waterfall for item %d: %w", item, err)
	}
	if scaled {
		r.logger.Warn("exchange: additional royalties exceed headroom, scaled down",
			slog.Uint64("item", uint64(item)),
			slog.Uint64("primary_rate", primary.Rate),
			slog.Int("additional_receivers", len(additional)),
		)
	}
	return payouts, nil
}

// waterfall splits saleAmount. The primary share is honored first up to
// RateCap. The remaining headroom is shared by the additional receivers,
// scaled by headroom/sum when they ask for more. The returned payouts keep
// receiver order, include zero amounts, and never sum above saleAmount.
func waterfall(saleAmount domain.Amount, primary domain.RoyaltyShare, additional []domain.RoyaltyShare) ([]domain.RoyaltyPayout, bool, error) {
	out := make([]domain.RoyaltyPayout, 0, len(additional)+1)
	primaryRate := min(primary.Rate, domain.RateCap)
	if primary.Receiver != (common.Address{}) {
		amt, err := saleAmount.MulDiv(domain.NewAmount(primaryRate), rateCap)
		if err != nil {
			return nil, false, err
		}
		out = append(out, domain.RoyaltyPayout{Receiver: primary.Receiver, Amount: amt})
	}
	if len(additional) == 0 {
		return out, false, nil
	}

	headroom := domain.NewAmount(domain.RateCap - primaryRate)
	var sum domain.Amount
	for _, s := range additional {
		var err error
		if sum, err = sum.Add(domain.NewAmount(s.Rate)); err != nil {
			return nil, false, err
		}
	}
	scaled := sum.Gt(headroom)

	var den domain.Amount
	if scaled {
		var err error
		if den, err = sum.Mul(rateCap); err != nil {
			return nil, false, err
		}
	}
	for _, s := range additional {
		var (
			amt domain.Amount
			err error
		)
		if scaled {
			num, _ := domain.NewAmount(s.Rate).Mul(headroom)
			amt, err = saleAmount.MulDiv(num, den)
		} else {
			amt, err = saleAmount.MulDiv(domain.NewAmount(s.Rate), rateCap)
		}
		if err != nil {
			return nil, false, err
		}
		out = append(out, domain.RoyaltyPayout{Receiver: s.Receiver, Amount: amt})
	}
	return out, scaled, nil
}

// register replaces the locally registered receivers of item. The combined
// rate of every receiver the item would end up with must stay within
// RateCap.
func (r *royaltyCalculator) register(tx *txn, item domain.ItemID, shares []domain.RoyaltyShare) error {
	seen := make(map[common.Address]struct{}, len(shares))
	for _, s := range shares {
		if s.Receiver == (common.Address{}) {
			return fmt.Errorf("%w: royalty receiver is the zero address", domain.ErrValidation)
		}
		if s.Rate == 0 {
			return fmt.Errorf("%w: royalty rate for %s is zero", domain.ErrValidation, s.Receiver.Hex())
		}
		if s.Rate > domain.RateCap {
			return fmt.Errorf("%w: royalty rate %d for %s", domain.ErrRateCap, s.Rate, s.Receiver.Hex())
		}
		if _, dup := seen[s.Receiver]; dup {
			return fmt.Errorf("%w: duplicate royalty receiver %s", domain.ErrValidation, s.Receiver.Hex())
		}
		seen[s.Receiver] = struct{}{}
	}

	primary, additional, err := r.receivers(tx.ctx, item)
	if err != nil {
		return err
	}
	// Drop the current local registration: it is being replaced.
	local, _ := r.l.royalties.get(item)
	additional = additional[:len(additional)-len(local)]

	total := primary.Rate
	for _, s := range append(additional, shares...) {
		total += s.Rate
		if total > domain.RateCap {
			return fmt.Errorf("%w: item %d royalties would total more than %d", domain.ErrRateCap, item, domain.RateCap)
		}
	}
	r.l.royalties.put(tx, item, append([]domain.RoyaltyShare(nil), shares...))
	return nil
}
