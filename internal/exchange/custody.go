package exchange

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/collectex/internal/domain"
)

// custody moves value on the external collaborators and journals the
// compensating transfer.
type custody struct {
	registry domain.AssetRegistry
	tokens   domain.TokenLedger
	logger   *slog.Logger
}

func (c *custody) moveToken(tx *txn, token, from, to common.Address, amount domain.Amount) error {
	if amount.IsZero() || from == to {
		return nil
	}
	if err := c.tokens.TransferToken(tx.ctx, token, from, to, amount); err != nil {
		return fmt.Errorf("transfer %s of token %s from %s: %w", amount, token.Hex(), from.Hex(), err)
	}
	tx.touchToken(token, from, to)
	tx.onUndo(func() {
		if err := c.tokens.TransferToken(context.WithoutCancel(tx.ctx), token, to, from, amount); err != nil {
			c.logger.Error("exchange: compensating token transfer failed",
				slog.String("token", token.Hex()),
				slog.String("from", to.Hex()),
				slog.String("to", from.Hex()),
				slog.String("amount", amount.String()),
				slog.String("error", err.Error()),
			)
		}
	})
	return nil
}

func (c *custody) moveItem(tx *txn, item domain.ItemID, from, to common.Address, amount domain.Amount) error {
	if amount.IsZero() || from == to {
		return nil
	}
	if err := c.registry.TransferItem(tx.ctx, item, from, to, amount); err != nil {
		return fmt.Errorf("transfer %s of item %d from %s: %w", amount, item, from.Hex(), err)
	}
	tx.touchItem(item, from, to)
	tx.onUndo(func() {
		if err := c.registry.TransferItem(context.WithoutCancel(tx.ctx), item, to, from, amount); err != nil {
			c.logger.Error("exchange: compensating item transfer failed",
				slog.Uint64("item", uint64(item)),
				slog.String("from", to.Hex()),
				slog.String("to", from.Hex()),
				slog.String("amount", amount.String()),
				slog.String("error", err.Error()),
			)
		}
	})
	return nil
}

// observe reads back every balance the transaction touched.
func (c *custody) observe(ctx context.Context, tx *txn) ([]domain.ObservedBalance, error) {
	out := make([]domain.ObservedBalance, 0, len(tx.touched))
	for ref := range tx.touched {
		ob := domain.ObservedBalance{Owner: ref.owner}
		if ref.isItem {
			bal, err := c.registry.ItemBalanceOf(ctx, ref.owner, ref.item)
			if err != nil {
				return nil, fmt.Errorf("item balance of %s: %w", ref.owner.Hex(), err)
			}
			item := ref.item
			ob.Item = &item
			ob.Amount = bal
		} else {
			bal, err := c.tokens.TokenBalanceOf(ctx, ref.token, ref.owner)
			if err != nil {
				return nil, fmt.Errorf("token balance of %s: %w", ref.owner.Hex(), err)
			}
			token := ref.token
			ob.Token = &token
			ob.Amount = bal
		}
		out = append(out, ob)
	}
	return out, nil
}
