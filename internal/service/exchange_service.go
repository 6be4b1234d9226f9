package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/collectex/internal/domain"
	"github.com/alanyoungcy/collectex/internal/exchange"
)

// EventsChannel is the pub/sub channel and stream committed events go to.
const EventsChannel = "events"

// ExchangeService wraps the exchange core with persistence, event
// publication, auditing, rate limiting and logging.
type ExchangeService struct {
	ex      *exchange.Exchange
	ledger  domain.LedgerStore
	bus     domain.SignalBus
	audit   domain.AuditStore
	limiter domain.RateLimiter
	logger  *slog.Logger

	// mutations per caller per second; zero disables limiting.
	rateLimit int

	// onRestore sees persisted state before it is loaded into the exchange.
	onRestore func(context.Context, domain.LedgerState) error

	mu        sync.RWMutex
	listeners []func(domain.Event)
}

// NewExchangeService creates an ExchangeService. ledger, bus, audit and
// limiter may be nil for standalone use.
func NewExchangeService(
	ex *exchange.Exchange,
	ledger domain.LedgerStore,
	bus domain.SignalBus,
	audit domain.AuditStore,
	limiter domain.RateLimiter,
	logger *slog.Logger,
) *ExchangeService {
	return &ExchangeService{
		ex:      ex,
		ledger:  ledger,
		bus:     bus,
		audit:   audit,
		limiter: limiter,
		logger:  logger.With(slog.String("component", "exchange_service")),
	}
}

// WithRateLimit caps mutations per caller per second.
func (s *ExchangeService) WithRateLimit(perSecond int) *ExchangeService {
	s.rateLimit = perSecond
	return s
}

// WithRestoreHook runs fn on persisted state during Bootstrap, before the
// exchange is restored from it.
func (s *ExchangeService) WithRestoreHook(fn func(context.Context, domain.LedgerState) error) *ExchangeService {
	s.onRestore = fn
	return s
}

// OnEvent registers fn to receive every committed event in order.
func (s *ExchangeService) OnEvent(fn func(domain.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Bootstrap restores persisted state into the exchange, or seeds the store
// from the exchange's initial state, and then routes every commit through
// the service.
func (s *ExchangeService) Bootstrap(ctx context.Context) error {
	if s.ledger != nil {
		state, ok, err := s.ledger.Load(ctx)
		if err != nil {
			return fmt.Errorf("exchange_service: load ledger: %w", err)
		}
		if ok {
			if s.onRestore != nil {
				if err := s.onRestore(ctx, state); err != nil {
					return fmt.Errorf("exchange_service: restore hook: %w", err)
				}
			}
			if err := s.ex.Restore(state); err != nil {
				return fmt.Errorf("exchange_service: restore: %w", err)
			}
		} else if err := s.ledger.Replace(ctx, s.ex.Snapshot()); err != nil {
			return fmt.Errorf("exchange_service: seed ledger: %w", err)
		}
		s.logger.InfoContext(ctx, "exchange_service: ledger ready",
			slog.Bool("restored", ok),
			slog.Int("orders", len(state.Orders)),
		)
	}
	s.ex.WithCommitter(s)
	return nil
}

// Commit persists a transaction's changes and then fans its events out. It
// runs under the exchange lock.
func (s *ExchangeService) Commit(ctx context.Context, delta domain.LedgerState) error {
	if s.ledger != nil {
		if err := s.ledger.Apply(ctx, delta); err != nil {
			return fmt.Errorf("exchange_service: apply: %w", err)
		}
	}
	for _, ev := range delta.Events {
		s.publish(ctx, ev)
	}
	return nil
}

func (s *ExchangeService) publish(ctx context.Context, ev domain.Event) {
	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.WarnContext(ctx, "exchange_service: marshal event failed",
			slog.String("event", string(ev.Type)),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := s.bus.Publish(ctx, EventsChannel, payload); err != nil {
		s.logger.WarnContext(ctx, "exchange_service: publish event failed",
			slog.Uint64("seq", ev.Seq),
			slog.String("error", err.Error()),
		)
	}
	if err := s.bus.StreamAppend(ctx, EventsChannel, payload); err != nil {
		s.logger.WarnContext(ctx, "exchange_service: stream append failed",
			slog.Uint64("seq", ev.Seq),
			slog.String("error", err.Error()),
		)
	}
}

func (s *ExchangeService) allow(ctx context.Context, caller common.Address) error {
	if s.limiter == nil || s.rateLimit <= 0 {
		return nil
	}
	d, err := s.limiter.Allow(ctx, "mutations:"+caller.Hex(), s.rateLimit, time.Second)
	if err != nil {
		return fmt.Errorf("exchange_service: rate limiter: %w", err)
	}
	if !d.Allowed {
		return fmt.Errorf("exchange_service: %s: retry in %s: %w", caller.Hex(), d.RetryAfter, domain.ErrRateLimited)
	}
	return nil
}

func (s *ExchangeService) record(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "exchange_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// mutate runs op for caller with rate limiting, logging and auditing.
func (s *ExchangeService) mutate(ctx context.Context, caller common.Address, event string, detail map[string]any, op func() error) error {
	if err := s.allow(ctx, caller); err != nil {
		return err
	}
	if err := op(); err != nil {
		s.logger.DebugContext(ctx, "exchange_service: rejected",
			slog.String("op", event),
			slog.String("caller", caller.Hex()),
			slog.String("reason", domain.ErrorCode(err)),
			slog.String("error", err.Error()),
		)
		return err
	}
	if detail == nil {
		detail = make(map[string]any)
	}
	detail["caller"] = caller.Hex()
	s.record(ctx, event, detail)
	s.logger.InfoContext(ctx, "exchange_service: "+event, slog.String("caller", caller.Hex()))
	return nil
}

// PlaceOrder opens an order for caller.
func (s *ExchangeService) PlaceOrder(ctx context.Context, caller common.Address, req domain.PlaceOrderRequest) (domain.Order, error) {
	var o domain.Order
	err := s.mutate(ctx, caller, "order_placed", nil, func() error {
		var err error
		o, err = s.ex.PlaceOrder(ctx, caller, req)
		return err
	})
	if err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

// CancelOrders cancels caller's orders.
func (s *ExchangeService) CancelOrders(ctx context.Context, caller common.Address, ids []uint64) error {
	return s.mutate(ctx, caller, "orders_cancelled", map[string]any{"ids": ids}, func() error {
		return s.ex.CancelOrders(ctx, caller, ids)
	})
}

// FillBuyOrders fills buy orders with caller's items.
func (s *ExchangeService) FillBuyOrders(ctx context.Context, caller common.Address, ids []uint64, amounts []domain.Amount) error {
	return s.mutate(ctx, caller, "buy_orders_filled", map[string]any{"ids": ids, "amounts": amounts}, func() error {
		return s.ex.FillBuyOrders(ctx, caller, ids, amounts)
	})
}

// FillSellOrders fills sell orders with caller's payment.
func (s *ExchangeService) FillSellOrders(ctx context.Context, caller common.Address, ids []uint64, amounts []domain.Amount) error {
	return s.mutate(ctx, caller, "sell_orders_filled", map[string]any{"ids": ids, "amounts": amounts}, func() error {
		return s.ex.FillSellOrders(ctx, caller, ids, amounts)
	})
}

// ClaimOrders releases fill proceeds of caller's orders.
func (s *ExchangeService) ClaimOrders(ctx context.Context, caller common.Address, ids []uint64) error {
	return s.mutate(ctx, caller, "orders_claimed", map[string]any{"ids": ids}, func() error {
		return s.ex.ClaimOrders(ctx, caller, ids)
	})
}

// ClaimRoyalties pays caller's royalty balances.
func (s *ExchangeService) ClaimRoyalties(ctx context.Context, caller common.Address) ([]domain.TokenAmount, error) {
	var paid []domain.TokenAmount
	err := s.mutate(ctx, caller, "royalties_claimed", nil, func() error {
		var err error
		paid, err = s.ex.ClaimRoyalties(ctx, caller)
		return err
	})
	return paid, err
}

// ClaimableRoyalties lists owner's royalty balances.
func (s *ExchangeService) ClaimableRoyalties(owner common.Address) []domain.TokenAmount {
	tokens, amounts := s.ex.ClaimableRoyalties(owner)
	out := make([]domain.TokenAmount, len(tokens))
	for i := range tokens {
		out[i] = domain.TokenAmount{Token: tokens[i], Amount: amounts[i]}
	}
	return out
}

// GetOrder returns one order.
func (s *ExchangeService) GetOrder(id uint64) (domain.Order, error) {
	return s.ex.GetOrder(id)
}

// ListOrders returns orders matching f.
func (s *ExchangeService) ListOrders(f domain.OrderFilter) []domain.Order {
	return s.ex.ListOrders(f)
}

// Stake adds governance weight for caller.
func (s *ExchangeService) Stake(ctx context.Context, caller common.Address, amount domain.Amount) error {
	return s.mutate(ctx, caller, "staked", map[string]any{"amount": amount.String()}, func() error {
		return s.ex.Stake(ctx, caller, amount)
	})
}

// Withdraw removes governance weight for caller.
func (s *ExchangeService) Withdraw(ctx context.Context, caller common.Address, amount domain.Amount) error {
	return s.mutate(ctx, caller, "withdrawn", map[string]any{"amount": amount.String()}, func() error {
		return s.ex.Withdraw(ctx, caller, amount)
	})
}

// ClaimRewards pays caller's fee share.
func (s *ExchangeService) ClaimRewards(ctx context.Context, caller common.Address) ([]domain.TokenAmount, error) {
	var paid []domain.TokenAmount
	err := s.mutate(ctx, caller, "rewards_claimed", nil, func() error {
		var err error
		paid, err = s.ex.ClaimRewards(ctx, caller)
		return err
	})
	return paid, err
}

// ClaimableRewards reports staker's fee share per token.
func (s *ExchangeService) ClaimableRewards(staker common.Address) ([]domain.TokenAmount, error) {
	return s.ex.ClaimableRewards(staker)
}

// MultiRoyaltyInfo returns item's receivers and their cut of saleAmount.
func (s *ExchangeService) MultiRoyaltyInfo(ctx context.Context, item domain.ItemID, saleAmount domain.Amount) ([]domain.RoyaltyPayout, error) {
	receivers, amounts, err := s.ex.MultiRoyaltyInfo(ctx, item, saleAmount)
	if err != nil {
		return nil, err
	}
	out := make([]domain.RoyaltyPayout, len(receivers))
	for i := range receivers {
		out[i] = domain.RoyaltyPayout{Receiver: receivers[i], Amount: amounts[i]}
	}
	return out, nil
}

// RegisterRoyalty replaces item's locally registered receivers.
func (s *ExchangeService) RegisterRoyalty(ctx context.Context, caller common.Address, item domain.ItemID, shares []domain.RoyaltyShare) error {
	return s.mutate(ctx, caller, "royalty_registered", map[string]any{"item": uint64(item), "shares": shares}, func() error {
		return s.ex.RegisterRoyalty(ctx, caller, item, shares)
	})
}

// RegisterManager names item's royalty manager.
func (s *ExchangeService) RegisterManager(ctx context.Context, caller common.Address, item domain.ItemID, manager common.Address) error {
	return s.mutate(ctx, caller, "manager_registered", map[string]any{"item": uint64(item), "manager": manager.Hex()}, func() error {
		return s.ex.RegisterManager(ctx, caller, item, manager)
	})
}

// AddPaymentToken allows a new order currency.
func (s *ExchangeService) AddPaymentToken(ctx context.Context, caller, token common.Address) error {
	return s.mutate(ctx, caller, "payment_token_added", map[string]any{"token": token.Hex()}, func() error {
		return s.ex.AddPaymentToken(ctx, caller, token)
	})
}

// SetPlatformFee changes the platform fee rate.
func (s *ExchangeService) SetPlatformFee(ctx context.Context, caller common.Address, rate uint64) error {
	return s.mutate(ctx, caller, "platform_fee_set", map[string]any{"rate": rate}, func() error {
		return s.ex.SetPlatformFee(ctx, caller, rate)
	})
}

// Audit runs the conservation audit. It requires the admin capability.
func (s *ExchangeService) Audit(ctx context.Context, caller common.Address) (exchange.AuditReport, error) {
	if err := s.ex.Authorize(ctx, caller, domain.CapabilityAdmin); err != nil {
		return exchange.AuditReport{}, fmt.Errorf("exchange_service: audit: %w", err)
	}
	report, err := s.ex.Audit(ctx)
	if err != nil {
		return exchange.AuditReport{}, err
	}
	if !report.OK {
		s.logger.ErrorContext(ctx, "exchange_service: conservation audit failed",
			slog.Int("checks", len(report.Checks)),
		)
	}
	s.record(ctx, "conservation_audit", map[string]any{"ok": report.OK, "caller": caller.Hex()})
	return report, nil
}

// AuditLog lists audit entries. It requires the admin capability.
func (s *ExchangeService) AuditLog(ctx context.Context, caller common.Address, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	if err := s.ex.Authorize(ctx, caller, domain.CapabilityAdmin); err != nil {
		return nil, fmt.Errorf("exchange_service: audit log: %w", err)
	}
	if s.audit == nil {
		return nil, nil
	}
	entries, err := s.audit.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("exchange_service: audit log: %w", err)
	}
	return entries, nil
}

// PlatformFee returns the current platform fee rate.
func (s *ExchangeService) PlatformFee() uint64 {
	return s.ex.PlatformFee()
}

// PaymentTokens lists the accepted order currencies.
func (s *ExchangeService) PaymentTokens() []common.Address {
	return s.ex.PaymentTokens()
}

// StakeOf returns staker's governance weight.
func (s *ExchangeService) StakeOf(staker common.Address) domain.Amount {
	return s.ex.StakeOf(staker)
}

// TotalStaked returns the sum of all stakes.
func (s *ExchangeService) TotalStaked() domain.Amount {
	return s.ex.TotalStaked()
}

// Events returns committed events after seq from the store.
func (s *ExchangeService) Events(ctx context.Context, afterSeq uint64, limit int) ([]domain.Event, error) {
	if s.ledger == nil {
		return nil, nil
	}
	evs, err := s.ledger.ListEvents(ctx, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("exchange_service: list events: %w", err)
	}
	return evs, nil
}

// Snapshot copies the full ledger state.
func (s *ExchangeService) Snapshot() domain.LedgerState {
	return s.ex.Snapshot()
}

var _ exchange.Committer = (*ExchangeService)(nil)
