// Package exchange is the marketplace core: the order ledger, both escrows,
// the royalty waterfall, the fee accumulator pool and staking, composed
// behind the Exchange facade. Every mutation is one serialized, journaled
// transaction that either applies in full or not at all.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/alanyoungcy/collectex/internal/domain"
)

// DefaultPlatformFeeRate is 0.3% in RateCap units.
const DefaultPlatformFeeRate uint64 = 3_000

// CustodyAddress derives the deterministic account of a named custody role.
func CustodyAddress(label string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("collectex/custody/" + label)))
}

// Config holds the static settings of an Exchange.
type Config struct {
	PlatformFeeRate uint64
	PaymentTokens   []common.Address
	GovernanceToken common.Address

	// Custody accounts on the collaborators. Zero values are replaced by
	// CustodyAddress of the role name.
	PaymentEscrowAccount common.Address
	AssetEscrowAccount   common.Address
	FeePoolAccount       common.Address
	StakingAccount       common.Address
}

func (c *Config) applyDefaults() {
	fill := func(a *common.Address, label string) {
		if *a == (common.Address{}) {
			*a = CustodyAddress(label)
		}
	}
	fill(&c.PaymentEscrowAccount, "payment-escrow")
	fill(&c.AssetEscrowAccount, "asset-escrow")
	fill(&c.FeePoolAccount, "fee-pool")
	fill(&c.StakingAccount, "staking")
}

func (c Config) validate() error {
	var errs []error
	if c.PlatformFeeRate > domain.RateCap {
		errs = append(errs, fmt.Errorf("platform fee rate %d above %d", c.PlatformFeeRate, domain.RateCap))
	}
	if c.GovernanceToken == (common.Address{}) {
		errs = append(errs, errors.New("governance token is required"))
	}
	accounts := []common.Address{c.PaymentEscrowAccount, c.AssetEscrowAccount, c.FeePoolAccount, c.StakingAccount}
	for i := range accounts {
		for j := i + 1; j < len(accounts); j++ {
			if accounts[i] == accounts[j] {
				errs = append(errs, fmt.Errorf("custody account %s used for two roles", accounts[i].Hex()))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", domain.ErrValidation, errors.Join(errs...))
	}
	return nil
}

// Committer makes a transaction's changes durable. It runs while the
// Exchange lock is held; a non-nil error rolls the transaction back.
type Committer interface {
	Commit(ctx context.Context, delta domain.LedgerState) error
}

// CommitFunc adapts a function to Committer.
type CommitFunc func(ctx context.Context, delta domain.LedgerState) error

// Commit implements Committer.
func (f CommitFunc) Commit(ctx context.Context, delta domain.LedgerState) error {
	return f(ctx, delta)
}

// Exchange is the single entry point of the marketplace core.
type Exchange struct {
	mu sync.Mutex

	cfg       Config
	l         *ledger
	custody   *custody
	auth      domain.Authorizer
	book      *orderbook
	payments  *paymentEscrow
	assets    *assetEscrow
	royalties *royaltyCalculator
	pool      *feePool
	staking   *stakingLedger
	coord     *coordinator
	committer Committer
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an Exchange over the given collaborators.
func New(cfg Config, registry domain.AssetRegistry, tokens domain.TokenLedger, auth domain.Authorizer, logger *slog.Logger) (*Exchange, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("exchange: config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "exchange"))

	l := newLedger()
	l.params.v.PlatformFeeRate = cfg.PlatformFeeRate
	for _, t := range cfg.PaymentTokens {
		l.paymentTokens.rows[t] = true
	}

	cust := &custody{registry: registry, tokens: tokens, logger: logger}
	book := &orderbook{l: l}
	pool := &feePool{l: l, custody: cust, account: cfg.FeePoolAccount}
	payments := &paymentEscrow{l: l, custody: cust, pool: pool, account: cfg.PaymentEscrowAccount}
	assets := &assetEscrow{l: l, custody: cust, account: cfg.AssetEscrowAccount}
	royalties := &royaltyCalculator{l: l, registry: registry, logger: logger}

	return &Exchange{
		cfg:       cfg,
		l:         l,
		custody:   cust,
		auth:      auth,
		book:      book,
		payments:  payments,
		assets:    assets,
		royalties: royalties,
		pool:      pool,
		staking: &stakingLedger{
			l:          l,
			custody:    cust,
			pool:       pool,
			governance: cfg.GovernanceToken,
			account:    cfg.StakingAccount,
		},
		coord: &coordinator{
			l:         l,
			registry:  registry,
			book:      book,
			payments:  payments,
			assets:    assets,
			royalties: royalties,
		},
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithCommitter installs c as the durability hook of every transaction.
func (e *Exchange) WithCommitter(c Committer) *Exchange {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.committer = c
	return e
}

// Config returns the effective configuration, custody defaults included.
func (e *Exchange) Config() Config {
	cfg := e.cfg
	cfg.PaymentTokens = slices.Clone(cfg.PaymentTokens)
	return cfg
}

// run executes fn as one transaction.
func (e *Exchange) run(ctx context.Context, op string, fn func(tx *txn) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx := newTxn(ctx, e.now())
	fail := func(err error) error {
		tx.rollback()
		e.l.discard()
		return fmt.Errorf("exchange: %s: %w", op, err)
	}
	if err := fn(tx); err != nil {
		return fail(err)
	}

	if len(tx.events) > 0 {
		p := e.l.params.get()
		for i := range tx.events {
			p.EventSeq++
			tx.events[i].Seq = p.EventSeq
			tx.events[i].ID = uuid.NewString()
		}
		e.l.params.set(tx, p)
	}

	if e.committer == nil {
		e.l.discard()
		return nil
	}
	delta := e.l.drain()
	delta.Events = tx.events
	balances, err := e.custody.observe(ctx, tx)
	if err != nil {
		return fail(err)
	}
	slices.SortFunc(balances, compareObserved)
	delta.Balances = balances
	if err := e.committer.Commit(ctx, delta); err != nil {
		return fail(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func compareObserved(a, b domain.ObservedBalance) int {
	if c := compareAddr(a.Owner, b.Owner); c != 0 {
		return c
	}
	switch {
	case a.Token != nil && b.Token != nil:
		return compareAddr(*a.Token, *b.Token)
	case a.Token != nil:
		return -1
	case b.Token != nil:
		return 1
	case *a.Item < *b.Item:
		return -1
	case *a.Item > *b.Item:
		return 1
	}
	return 0
}

// Authorize returns nil when caller holds capability or admin, and an error
// wrapping domain.ErrUnauthorized otherwise.
func (e *Exchange) Authorize(ctx context.Context, caller common.Address, capability domain.Capability) error {
	return e.authorize(ctx, caller, capability)
}

func (e *Exchange) authorize(ctx context.Context, caller common.Address, capability domain.Capability) error {
	for _, c := range []domain.Capability{capability, domain.CapabilityAdmin} {
		ok, err := e.auth.IsAuthorized(ctx, caller, c)
		if err != nil {
			return fmt.Errorf("authorize %s: %w", capability, err)
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("%w: %s lacks %s", domain.ErrUnauthorized, caller.Hex(), capability)
}

// PlaceOrder escrows the caller's payment (buy) or items (sell) and opens
// an order.
func (e *Exchange) PlaceOrder(ctx context.Context, caller common.Address, req domain.PlaceOrderRequest) (domain.Order, error) {
	var o domain.Order
	err := e.run(ctx, "place order", func(tx *txn) error {
		var err error
		if req.Side == domain.OrderSideBuy {
			o, err = e.coord.placeBuyOrder(tx, caller, req)
		} else {
			o, err = e.coord.placeSellOrder(tx, caller, req)
		}
		return err
	})
	return o, err
}

// CancelOrders cancels the caller's orders and refunds their escrow.
func (e *Exchange) CancelOrders(ctx context.Context, caller common.Address, ids []uint64) error {
	return e.run(ctx, "cancel orders", func(tx *txn) error {
		return e.coord.cancelOrders(tx, caller, ids)
	})
}

// fillArgs derives the traded item and per-order payments of a fill batch.
func (e *Exchange) fillArgs(ids []uint64, amounts []domain.Amount) (domain.ItemID, []domain.Amount, error) {
	if len(ids) == 0 {
		return 0, nil, fmt.Errorf("%w: empty order batch", domain.ErrValidation)
	}
	if len(ids) != len(amounts) {
		return 0, nil, fmt.Errorf("%w: %d ids but %d amounts", domain.ErrValidation, len(ids), len(amounts))
	}
	first, err := e.book.get(ids[0])
	if err != nil {
		return 0, nil, err
	}
	payments := make([]domain.Amount, len(ids))
	for i, id := range ids {
		o, err := e.book.get(id)
		if err != nil {
			return 0, nil, err
		}
		if payments[i], err = o.UnitPrice.Mul(amounts[i]); err != nil {
			return 0, nil, err
		}
	}
	return first.Item, payments, nil
}

// FillBuyOrders sells amounts[i] items into buy order ids[i] at its unit
// price.
func (e *Exchange) FillBuyOrders(ctx context.Context, caller common.Address, ids []uint64, amounts []domain.Amount) error {
	return e.run(ctx, "fill buy orders", func(tx *txn) error {
		item, payments, err := e.fillArgs(ids, amounts)
		if err != nil {
			return err
		}
		return e.coord.executeBuyOrder(tx, caller, ids, payments, amounts, item)
	})
}

// FillSellOrders buys amounts[i] items out of sell order ids[i] at its unit
// price.
func (e *Exchange) FillSellOrders(ctx context.Context, caller common.Address, ids []uint64, amounts []domain.Amount) error {
	return e.run(ctx, "fill sell orders", func(tx *txn) error {
		item, payments, err := e.fillArgs(ids, amounts)
		if err != nil {
			return err
		}
		return e.coord.executeSellOrder(tx, caller, ids, payments, amounts, item)
	})
}

// ClaimOrders releases the fill proceeds of the caller's orders.
func (e *Exchange) ClaimOrders(ctx context.Context, caller common.Address, ids []uint64) error {
	return e.run(ctx, "claim orders", func(tx *txn) error {
		return e.coord.claimOrders(tx, caller, ids)
	})
}

// ClaimRoyalties pays out every royalty credited to the caller.
func (e *Exchange) ClaimRoyalties(ctx context.Context, caller common.Address) ([]domain.TokenAmount, error) {
	var paid []domain.TokenAmount
	err := e.run(ctx, "claim royalties", func(tx *txn) error {
		var err error
		paid, err = e.payments.claimRoyalties(tx, caller)
		return err
	})
	return paid, err
}

// ClaimableRoyalties lists the non-zero royalty balances of owner.
func (e *Exchange) ClaimableRoyalties(owner common.Address) ([]common.Address, []domain.Amount) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.payments.claimable(owner)
}

// GetOrder returns order id.
func (e *Exchange) GetOrder(id uint64) (domain.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, err := e.book.get(id)
	if err != nil {
		return domain.Order{}, fmt.Errorf("exchange: get order: %w", err)
	}
	return o, nil
}

// ListOrders returns the orders matching f in id order.
func (e *Exchange) ListOrders(f domain.OrderFilter) []domain.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.list(f)
}

// EscrowOf reports what the payment and asset escrows hold for an order.
func (e *Exchange) EscrowOf(id uint64) (payment, items domain.Amount) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.payments.balance(id), e.assets.balance(id)
}

// Stake deposits governance tokens as staking weight.
func (e *Exchange) Stake(ctx context.Context, caller common.Address, amount domain.Amount) error {
	return e.run(ctx, "stake", func(tx *txn) error {
		return e.staking.stake(tx, caller, amount)
	})
}

// Withdraw returns staked governance tokens.
func (e *Exchange) Withdraw(ctx context.Context, caller common.Address, amount domain.Amount) error {
	return e.run(ctx, "withdraw", func(tx *txn) error {
		return e.staking.withdraw(tx, caller, amount)
	})
}

// ClaimRewards pays the caller's accrued fee share in every fee token.
func (e *Exchange) ClaimRewards(ctx context.Context, caller common.Address) ([]domain.TokenAmount, error) {
	var paid []domain.TokenAmount
	err := e.run(ctx, "claim rewards", func(tx *txn) error {
		var err error
		paid, err = e.pool.claim(tx, caller)
		return err
	})
	return paid, err
}

// ClaimableRewards reports the staker's claimable fee share per fee token.
func (e *Exchange) ClaimableRewards(staker common.Address) ([]domain.TokenAmount, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out, err := e.pool.claimable(staker)
	if err != nil {
		return nil, fmt.Errorf("exchange: claimable rewards: %w", err)
	}
	return out, nil
}

// StakeOf returns the staker's weight.
func (e *Exchange) StakeOf(staker common.Address) domain.Amount {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.stakeOf(staker)
}

// TotalStaked returns the sum of all staking weight.
func (e *Exchange) TotalStaked() domain.Amount {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.staking.totalStaked()
}

// FeePool returns the accumulator state of token.
func (e *Exchange) FeePool(token common.Address) domain.FeePool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.pool(token)
}

// MultiRoyaltyInfo returns every royalty receiver of item and what each is
// owed on a sale of saleAmount.
func (e *Exchange) MultiRoyaltyInfo(ctx context.Context, item domain.ItemID, saleAmount domain.Amount) ([]common.Address, []domain.Amount, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	payouts, err := e.royalties.compute(ctx, item, saleAmount)
	if err != nil {
		return nil, nil, fmt.Errorf("exchange: multi royalty info: %w", err)
	}
	receivers := make([]common.Address, len(payouts))
	amounts := make([]domain.Amount, len(payouts))
	for i, p := range payouts {
		receivers[i], amounts[i] = p.Receiver, p.Amount
	}
	return receivers, amounts, nil
}

// PlatformFee returns the current platform fee rate.
func (e *Exchange) PlatformFee() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.l.params.get().PlatformFeeRate
}

// PaymentTokens returns the supported payment tokens.
func (e *Exchange) PaymentTokens() []common.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.l.sortedTokens()
}

// AddPaymentToken allows token as an order currency.
func (e *Exchange) AddPaymentToken(ctx context.Context, caller, token common.Address) error {
	return e.run(ctx, "add payment token", func(tx *txn) error {
		if err := e.authorize(ctx, caller, domain.CapabilityTokenAdmin); err != nil {
			return err
		}
		if token == (common.Address{}) {
			return fmt.Errorf("%w: payment token is the zero address", domain.ErrValidation)
		}
		if e.l.supportsToken(token) {
			return nil
		}
		e.l.paymentTokens.put(tx, token, true)
		tx.emit(domain.Event{Type: domain.EventPaymentTokenAdded, Account: &caller, Token: &token})
		return nil
	})
}

// SetPlatformFee changes the platform fee rate for future fills.
func (e *Exchange) SetPlatformFee(ctx context.Context, caller common.Address, rate uint64) error {
	return e.run(ctx, "set platform fee", func(tx *txn) error {
		if err := e.authorize(ctx, caller, domain.CapabilityFeeAdmin); err != nil {
			return err
		}
		if rate > domain.RateCap {
			return fmt.Errorf("%w: platform fee rate %d above %d", domain.ErrValidation, rate, domain.RateCap)
		}
		p := e.l.params.get()
		p.PlatformFeeRate = rate
		e.l.params.set(tx, p)
		amount := domain.NewAmount(rate)
		tx.emit(domain.Event{Type: domain.EventPlatformFeeSet, Account: &caller, Amount: &amount})
		return nil
	})
}

// RegisterManager names the account allowed to register royalties for item.
func (e *Exchange) RegisterManager(ctx context.Context, caller common.Address, item domain.ItemID, manager common.Address) error {
	return e.run(ctx, "register manager", func(tx *txn) error {
		if err := e.authorize(ctx, caller, domain.CapabilityRoyaltyAdmin); err != nil {
			return err
		}
		if manager == (common.Address{}) {
			return fmt.Errorf("%w: manager is the zero address", domain.ErrValidation)
		}
		if err := e.requireItem(ctx, item); err != nil {
			return err
		}
		e.l.managers.put(tx, item, manager)
		tx.emit(domain.Event{Type: domain.EventManagerRegistered, Account: &manager, Item: &item})
		return nil
	})
}

// RegisterRoyalty replaces the locally registered royalty receivers of item.
// The caller must be the item's manager or hold royalty_admin.
func (e *Exchange) RegisterRoyalty(ctx context.Context, caller common.Address, item domain.ItemID, shares []domain.RoyaltyShare) error {
	return e.run(ctx, "register royalty", func(tx *txn) error {
		if m, ok := e.l.managers.get(item); !ok || m != caller {
			if err := e.authorize(ctx, caller, domain.CapabilityRoyaltyAdmin); err != nil {
				return err
			}
		}
		if err := e.requireItem(ctx, item); err != nil {
			return err
		}
		if err := e.royalties.register(tx, item, shares); err != nil {
			return err
		}
		tx.emit(domain.Event{Type: domain.EventRoyaltyRegistered, Account: &caller, Item: &item})
		return nil
	})
}

func (e *Exchange) requireItem(ctx context.Context, item domain.ItemID) error {
	ok, err := e.coord.registry.ItemExists(ctx, item)
	if err != nil {
		return fmt.Errorf("item lookup: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: unknown item %d", domain.ErrValidation, item)
	}
	return nil
}

// Snapshot copies the full ledger state.
func (e *Exchange) Snapshot() domain.LedgerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.l.snapshot()
}

// Restore replaces the full ledger state with st. Custody balances on the
// collaborators are not touched; run Audit afterwards to confirm they match.
func (e *Exchange) Restore(st domain.LedgerState) error {
	for _, p := range st.FeePools {
		if p.Token == (common.Address{}) {
			return fmt.Errorf("exchange: restore: %w: fee pool without token", domain.ErrValidation)
		}
	}
	if st.Params.PlatformFeeRate > domain.RateCap {
		return fmt.Errorf("exchange: restore: %w: platform fee rate %d", domain.ErrValidation, st.Params.PlatformFeeRate)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.l.load(st)
	e.logger.Info("exchange: ledger restored",
		slog.Int("orders", len(st.Orders)),
		slog.Uint64("next_order_id", e.l.params.get().NextOrderID),
	)
	return nil
}
