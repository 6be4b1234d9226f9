package exchange

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/collectex/internal/domain"
)

// txn is one serialized ledger transaction. Every table write and every
// external transfer registers its inverse so a failure anywhere can restore
// the state seen when the transaction began.
type txn struct {
	ctx     context.Context
	now     time.Time
	undo    []func()
	events  []domain.Event
	touched map[balanceRef]struct{}
}

// balanceRef names a collaborator balance moved by a transaction.
type balanceRef struct {
	owner  common.Address
	token  common.Address
	item   domain.ItemID
	isItem bool
}

func newTxn(ctx context.Context, now time.Time) *txn {
	return &txn{
		ctx:     ctx,
		now:     now,
		touched: make(map[balanceRef]struct{}),
	}
}

func (tx *txn) onUndo(fn func()) {
	tx.undo = append(tx.undo, fn)
}

// rollback replays the journal newest first.
func (tx *txn) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.events = nil
}

func (tx *txn) emit(ev domain.Event) {
	ev.At = tx.now
	tx.events = append(tx.events, ev)
}

func (tx *txn) touchToken(token common.Address, owners ...common.Address) {
	for _, o := range owners {
		tx.touched[balanceRef{owner: o, token: token}] = struct{}{}
	}
}

func (tx *txn) touchItem(item domain.ItemID, owners ...common.Address) {
	for _, o := range owners {
		tx.touched[balanceRef{owner: o, item: item, isItem: true}] = struct{}{}
	}
}

// table is a journaled map. Keys written since the last drain are tracked
// so a commit can persist only the rows it changed.
type table[K comparable, V any] struct {
	rows  map[K]V
	dirty map[K]struct{}
}

func newTable[K comparable, V any]() *table[K, V] {
	return &table[K, V]{
		rows:  make(map[K]V),
		dirty: make(map[K]struct{}),
	}
}

func (t *table[K, V]) get(k K) (V, bool) {
	v, ok := t.rows[k]
	return v, ok
}

func (t *table[K, V]) put(tx *txn, k K, v V) {
	old, had := t.rows[k]
	tx.onUndo(func() {
		if had {
			t.rows[k] = old
		} else {
			delete(t.rows, k)
		}
	})
	t.rows[k] = v
	t.dirty[k] = struct{}{}
}

func (t *table[K, V]) each(fn func(K, V)) {
	for k, v := range t.rows {
		fn(k, v)
	}
}

// drain hands every dirty row that still exists to fn and clears the dirty
// set.
func (t *table[K, V]) drain(fn func(K, V)) {
	for k := range t.dirty {
		if v, ok := t.rows[k]; ok {
			fn(k, v)
		}
	}
	clear(t.dirty)
}

func (t *table[K, V]) discard() {
	clear(t.dirty)
}

func (t *table[K, V]) reset() {
	clear(t.rows)
	clear(t.dirty)
}

// cell is a journaled single value.
type cell[T any] struct {
	v     T
	dirty bool
}

func (c *cell[T]) get() T {
	return c.v
}

func (c *cell[T]) set(tx *txn, v T) {
	old := c.v
	tx.onUndo(func() { c.v = old })
	c.v = v
	c.dirty = true
}
