package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/collectex/internal/domain"
)

// LedgerStore implements domain.LedgerStore using PostgreSQL.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a new LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

const (
	upsertParams = `
		INSERT INTO ledger_params (id, next_order_id, platform_fee_rate, total_staked, event_seq, updated_at)
		VALUES (1, $1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE SET
			next_order_id     = EXCLUDED.next_order_id,
			platform_fee_rate = EXCLUDED.platform_fee_rate,
			total_staked      = EXCLUDED.total_staked,
			event_seq         = EXCLUDED.event_seq,
			updated_at        = NOW()`

	insertPaymentToken = `INSERT INTO payment_tokens (token) VALUES ($1) ON CONFLICT (token) DO NOTHING`

	upsertOrder = `
		INSERT INTO orders (
			id, item, owner, payment_token, unit_price, amount,
			remaining_amount, side, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			remaining_amount = EXCLUDED.remaining_amount,
			status           = EXCLUDED.status,
			updated_at       = EXCLUDED.updated_at`

	upsertPaymentEscrow = `
		INSERT INTO payment_escrow (order_id, amount) VALUES ($1, $2)
		ON CONFLICT (order_id) DO UPDATE SET amount = EXCLUDED.amount`

	upsertAssetEscrow = `
		INSERT INTO asset_escrow (order_id, amount) VALUES ($1, $2)
		ON CONFLICT (order_id) DO UPDATE SET amount = EXCLUDED.amount`

	upsertClaimable = `
		INSERT INTO claimable_balances (recipient, token, amount) VALUES ($1, $2, $3)
		ON CONFLICT (recipient, token) DO UPDATE SET amount = EXCLUDED.amount`

	deleteRoyaltyShares = `DELETE FROM royalty_shares WHERE item = $1`
	insertRoyaltyShare  = `INSERT INTO royalty_shares (item, position, receiver, rate) VALUES ($1, $2, $3, $4)`

	upsertManager = `
		INSERT INTO item_managers (item, manager) VALUES ($1, $2)
		ON CONFLICT (item) DO UPDATE SET manager = EXCLUDED.manager`

	upsertFeePool = `
		INSERT INTO fee_pools (token, total_fees, acc_per_share, undistributed, held)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (token) DO UPDATE SET
			total_fees    = EXCLUDED.total_fees,
			acc_per_share = EXCLUDED.acc_per_share,
			undistributed = EXCLUDED.undistributed,
			held          = EXCLUDED.held`

	upsertStaker = `
		INSERT INTO stakers (staker, staked) VALUES ($1, $2)
		ON CONFLICT (staker) DO UPDATE SET staked = EXCLUDED.staked`

	upsertReward = `
		INSERT INTO staker_rewards (staker, token, reward_debt, locked) VALUES ($1, $2, $3, $4)
		ON CONFLICT (staker, token) DO UPDATE SET
			reward_debt = EXCLUDED.reward_debt,
			locked      = EXCLUDED.locked`

	upsertObserved = `
		INSERT INTO observed_balances (owner, kind, asset, amount, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (owner, kind, asset) DO UPDATE SET
			amount     = EXCLUDED.amount,
			updated_at = NOW()`

	insertEvent = `
		INSERT INTO ledger_events (seq, id, type, order_id, payload, at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	truncateLedger = `
		TRUNCATE ledger_params, payment_tokens, payment_escrow, asset_escrow, orders,
			claimable_balances, royalty_shares, item_managers, fee_pools, stakers,
			staker_rewards, observed_balances`
)

// Apply upserts every row of delta and appends its events in one
// transaction.
func (s *LedgerStore) Apply(ctx context.Context, delta domain.LedgerState) error {
	return s.inTx(ctx, "apply", func(tx pgx.Tx) error {
		return sendState(ctx, tx, delta)
	})
}

// Replace overwrites every ledger table with st. The event log is kept.
func (s *LedgerStore) Replace(ctx context.Context, st domain.LedgerState) error {
	return s.inTx(ctx, "replace", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, truncateLedger); err != nil {
			return fmt.Errorf("truncate: %w", err)
		}
		return sendState(ctx, tx, st)
	})
}

func (s *LedgerStore) inTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: ledger %s: begin: %w", op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("postgres: ledger %s: %w", op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: ledger %s: commit: %w", op, err)
	}
	return nil
}

// sendState queues every row of st in one batch and checks each result.
func sendState(ctx context.Context, tx pgx.Tx, st domain.LedgerState) error {
	batch, err := queueState(st)
	if err != nil {
		return err
	}
	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("batch item %d: %w", i, err)
		}
	}
	return br.Close()
}

func queueState(st domain.LedgerState) (*pgx.Batch, error) {
	b := &pgx.Batch{}
	p := st.Params
	b.Queue(upsertParams, int64(p.NextOrderID), int64(p.PlatformFeeRate), p.TotalStaked.String(), int64(p.EventSeq))

	for _, t := range st.PaymentTokens {
		b.Queue(insertPaymentToken, t.Hex())
	}
	for _, o := range st.Orders {
		b.Queue(upsertOrder,
			int64(o.ID), int64(o.Item), o.Owner.Hex(), o.PaymentToken.Hex(),
			o.UnitPrice.String(), o.Amount.String(), o.RemainingAmount.String(),
			string(o.Side), string(o.Status), o.CreatedAt, o.UpdatedAt,
		)
	}
	for _, e := range st.PaymentEscrow {
		b.Queue(upsertPaymentEscrow, int64(e.OrderID), e.Amount.String())
	}
	for _, e := range st.AssetEscrow {
		b.Queue(upsertAssetEscrow, int64(e.OrderID), e.Amount.String())
	}
	for _, c := range st.Claimables {
		b.Queue(upsertClaimable, c.Recipient.Hex(), c.Token.Hex(), c.Amount.String())
	}
	for _, r := range st.Royalties {
		b.Queue(deleteRoyaltyShares, int64(r.Item))
		for i, sh := range r.Shares {
			b.Queue(insertRoyaltyShare, int64(r.Item), i, sh.Receiver.Hex(), int64(sh.Rate))
		}
	}
	for _, m := range st.Managers {
		b.Queue(upsertManager, int64(m.Item), m.Manager.Hex())
	}
	for _, fp := range st.FeePools {
		b.Queue(upsertFeePool, fp.Token.Hex(),
			fp.TotalFees.String(), fp.AccPerShare.String(), fp.Undistributed.String(), fp.Held.String())
	}
	for _, sp := range st.Stakers {
		b.Queue(upsertStaker, sp.Staker.Hex(), sp.Staked.String())
	}
	for _, r := range st.Rewards {
		b.Queue(upsertReward, r.Staker.Hex(), r.Token.Hex(), r.RewardDebt.String(), r.Locked.String())
	}
	for _, ob := range st.Balances {
		kind, asset := observedKey(ob)
		b.Queue(upsertObserved, ob.Owner.Hex(), kind, asset, ob.Amount.String())
	}
	for _, ev := range st.Events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("marshal event %d: %w", ev.Seq, err)
		}
		var orderID *int64
		if ev.OrderID != 0 {
			id := int64(ev.OrderID)
			orderID = &id
		}
		b.Queue(insertEvent, int64(ev.Seq), ev.ID, string(ev.Type), orderID, payload, ev.At)
	}
	return b, nil
}

func observedKey(ob domain.ObservedBalance) (kind, asset string) {
	if ob.Item != nil {
		return "item", strconv.FormatUint(uint64(*ob.Item), 10)
	}
	if ob.Token != nil {
		return "token", ob.Token.Hex()
	}
	return "token", common.Address{}.Hex()
}

// Load reads the full persisted state. ok is false when the ledger has never
// been written.
func (s *LedgerStore) Load(ctx context.Context) (domain.LedgerState, bool, error) {
	var st domain.LedgerState
	var (
		next, rate, seq int64
		staked          string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT next_order_id, platform_fee_rate, total_staked, event_seq FROM ledger_params WHERE id = 1`,
	).Scan(&next, &rate, &staked, &seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.LedgerState{}, false, nil
	}
	if err != nil {
		return domain.LedgerState{}, false, fmt.Errorf("postgres: load params: %w", err)
	}
	st.Params = domain.LedgerParams{NextOrderID: uint64(next), PlatformFeeRate: uint64(rate), EventSeq: uint64(seq)}
	if st.Params.TotalStaked, err = domain.ParseAmount(staked); err != nil {
		return domain.LedgerState{}, false, fmt.Errorf("postgres: load params: %w", err)
	}

	loaders := []struct {
		name string
		fn   func(context.Context, *domain.LedgerState) error
	}{
		{"payment tokens", s.loadPaymentTokens},
		{"orders", s.loadOrders},
		{"escrow", s.loadEscrow},
		{"claimables", s.loadClaimables},
		{"royalties", s.loadRoyalties},
		{"managers", s.loadManagers},
		{"fee pools", s.loadFeePools},
		{"stakers", s.loadStakers},
		{"rewards", s.loadRewards},
		{"observed balances", s.loadObserved},
	}
	for _, l := range loaders {
		if err := l.fn(ctx, &st); err != nil {
			return domain.LedgerState{}, false, fmt.Errorf("postgres: load %s: %w", l.name, err)
		}
	}
	return st, true, nil
}

// amounts parses each decimal string into its destination.
func amounts(pairs ...any) error {
	for i := 0; i < len(pairs); i += 2 {
		dst := pairs[i].(*domain.Amount)
		a, err := domain.ParseAmount(pairs[i+1].(string))
		if err != nil {
			return err
		}
		*dst = a
	}
	return nil
}

func (s *LedgerStore) loadPaymentTokens(ctx context.Context, st *domain.LedgerState) error {
	rows, err := s.pool.Query(ctx, `SELECT token FROM payment_tokens ORDER BY token`)
	if err != nil {
		return err
	}
	tokens, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (common.Address, error) {
		var t string
		err := row.Scan(&t)
		return common.HexToAddress(t), err
	})
	st.PaymentTokens = tokens
	return err
}

func (s *LedgerStore) loadOrders(ctx context.Context, st *domain.LedgerState) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, item, owner, payment_token, unit_price, amount, remaining_amount,
			side, status, created_at, updated_at
		FROM orders ORDER BY id`)
	if err != nil {
		return err
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	st.Orders = orders
	return err
}

func scanOrder(row pgx.CollectableRow) (domain.Order, error) {
	var (
		o                          domain.Order
		id, item                   int64
		owner, token, side, status string
		price, amount, remaining   string
	)
	if err := row.Scan(&id, &item, &owner, &token, &price, &amount, &remaining,
		&side, &status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return domain.Order{}, err
	}
	o.ID, o.Item = uint64(id), domain.ItemID(item)
	o.Owner, o.PaymentToken = common.HexToAddress(owner), common.HexToAddress(token)
	o.Side, o.Status = domain.OrderSide(side), domain.OrderStatus(status)
	if err := amounts(&o.UnitPrice, price, &o.Amount, amount, &o.RemainingAmount, remaining); err != nil {
		return domain.Order{}, fmt.Errorf("order %d: %w", id, err)
	}
	return o, nil
}

func (s *LedgerStore) loadEscrow(ctx context.Context, st *domain.LedgerState) error {
	for _, t := range []struct {
		table string
		dst   *[]domain.EscrowBalance
	}{
		{"payment_escrow", &st.PaymentEscrow},
		{"asset_escrow", &st.AssetEscrow},
	} {
		rows, err := s.pool.Query(ctx, `SELECT order_id, amount FROM `+t.table+` ORDER BY order_id`)
		if err != nil {
			return err
		}
		balances, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.EscrowBalance, error) {
			var (
				id int64
				a  string
				e  domain.EscrowBalance
			)
			if err := row.Scan(&id, &a); err != nil {
				return e, err
			}
			e.OrderID = uint64(id)
			return e, amounts(&e.Amount, a)
		})
		if err != nil {
			return fmt.Errorf("%s: %w", t.table, err)
		}
		*t.dst = balances
	}
	return nil
}

func (s *LedgerStore) loadClaimables(ctx context.Context, st *domain.LedgerState) error {
	rows, err := s.pool.Query(ctx, `SELECT recipient, token, amount FROM claimable_balances ORDER BY recipient, token`)
	if err != nil {
		return err
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ClaimableBalance, error) {
		var recipient, token, a string
		var c domain.ClaimableBalance
		if err := row.Scan(&recipient, &token, &a); err != nil {
			return c, err
		}
		c.Recipient, c.Token = common.HexToAddress(recipient), common.HexToAddress(token)
		return c, amounts(&c.Amount, a)
	})
	st.Claimables = out
	return err
}

func (s *LedgerStore) loadRoyalties(ctx context.Context, st *domain.LedgerState) error {
	rows, err := s.pool.Query(ctx, `SELECT item, receiver, rate FROM royalty_shares ORDER BY item, position`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			item, rate int64
			receiver   string
		)
		if err := rows.Scan(&item, &receiver, &rate); err != nil {
			return err
		}
		share := domain.RoyaltyShare{Receiver: common.HexToAddress(receiver), Rate: uint64(rate)}
		n := len(st.Royalties)
		if n > 0 && st.Royalties[n-1].Item == domain.ItemID(item) {
			st.Royalties[n-1].Shares = append(st.Royalties[n-1].Shares, share)
			continue
		}
		st.Royalties = append(st.Royalties, domain.RoyaltyRegistration{
			Item:   domain.ItemID(item),
			Shares: []domain.RoyaltyShare{share},
		})
	}
	return rows.Err()
}

func (s *LedgerStore) loadManagers(ctx context.Context, st *domain.LedgerState) error {
	rows, err := s.pool.Query(ctx, `SELECT item, manager FROM item_managers ORDER BY item`)
	if err != nil {
		return err
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ItemManager, error) {
		var (
			item    int64
			manager string
		)
		err := row.Scan(&item, &manager)
		return domain.ItemManager{Item: domain.ItemID(item), Manager: common.HexToAddress(manager)}, err
	})
	st.Managers = out
	return err
}

func (s *LedgerStore) loadFeePools(ctx context.Context, st *domain.LedgerState) error {
	rows, err := s.pool.Query(ctx, `
		SELECT token, total_fees, acc_per_share, undistributed, held
		FROM fee_pools ORDER BY token`)
	if err != nil {
		return err
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.FeePool, error) {
		var token, total, acc, undistributed, held string
		var p domain.FeePool
		if err := row.Scan(&token, &total, &acc, &undistributed, &held); err != nil {
			return p, err
		}
		p.Token = common.HexToAddress(token)
		return p, amounts(&p.TotalFees, total, &p.AccPerShare, acc, &p.Undistributed, undistributed, &p.Held, held)
	})
	st.FeePools = out
	return err
}

func (s *LedgerStore) loadStakers(ctx context.Context, st *domain.LedgerState) error {
	rows, err := s.pool.Query(ctx, `SELECT staker, staked FROM stakers ORDER BY staker`)
	if err != nil {
		return err
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.StakerPosition, error) {
		var staker, a string
		var p domain.StakerPosition
		if err := row.Scan(&staker, &a); err != nil {
			return p, err
		}
		p.Staker = common.HexToAddress(staker)
		return p, amounts(&p.Staked, a)
	})
	st.Stakers = out
	return err
}

func (s *LedgerStore) loadRewards(ctx context.Context, st *domain.LedgerState) error {
	rows, err := s.pool.Query(ctx, `
		SELECT staker, token, reward_debt, locked
		FROM staker_rewards ORDER BY staker, token`)
	if err != nil {
		return err
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.StakerReward, error) {
		var staker, token, debt, locked string
		var r domain.StakerReward
		if err := row.Scan(&staker, &token, &debt, &locked); err != nil {
			return r, err
		}
		r.Staker, r.Token = common.HexToAddress(staker), common.HexToAddress(token)
		return r, amounts(&r.RewardDebt, debt, &r.Locked, locked)
	})
	st.Rewards = out
	return err
}

func (s *LedgerStore) loadObserved(ctx context.Context, st *domain.LedgerState) error {
	rows, err := s.pool.Query(ctx, `
		SELECT owner, kind, asset, amount
		FROM observed_balances ORDER BY owner, kind, asset`)
	if err != nil {
		return err
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ObservedBalance, error) {
		var owner, kind, asset, a string
		var ob domain.ObservedBalance
		if err := row.Scan(&owner, &kind, &asset, &a); err != nil {
			return ob, err
		}
		ob.Owner = common.HexToAddress(owner)
		if kind == "item" {
			v, err := strconv.ParseUint(asset, 10, 64)
			if err != nil {
				return ob, fmt.Errorf("item %q: %w", asset, err)
			}
			item := domain.ItemID(v)
			ob.Item = &item
		} else {
			token := common.HexToAddress(asset)
			ob.Token = &token
		}
		return ob, amounts(&ob.Amount, a)
	})
	st.Balances = out
	return err
}

// ListEvents returns up to limit events with a sequence number above
// afterSeq, oldest first.
func (s *LedgerStore) ListEvents(ctx context.Context, afterSeq uint64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM ledger_events WHERE seq > $1 ORDER BY seq LIMIT $2`,
		int64(afterSeq), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Event, error) {
		var payload []byte
		var ev domain.Event
		if err := row.Scan(&payload); err != nil {
			return ev, err
		}
		return ev, json.Unmarshal(payload, &ev)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	return events, nil
}

var _ domain.LedgerStore = (*LedgerStore)(nil)
