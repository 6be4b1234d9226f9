package domain

import (
	"context"
	"time"
)

// ListOpts pages and filters list queries. Event and Actor only apply to
// the audit log.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
	Event  string
	Actor  string
}

// LedgerStore persists the tabular ledger state.
type LedgerStore interface {
	// Apply upserts every row of delta and appends its events in one
	// database transaction.
	Apply(ctx context.Context, delta LedgerState) error
	// Load returns the full persisted state. ok is false when nothing has
	// been persisted yet.
	Load(ctx context.Context) (state LedgerState, ok bool, err error)
	// Replace overwrites every table with state.
	Replace(ctx context.Context, state LedgerState) error
	ListEvents(ctx context.Context, afterSeq uint64, limit int) ([]Event, error)
}

// AuditEntry is a single audit log row. Actor is the checksummed address
// that caused the entry, empty for system events such as archiving.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Actor     string         `json:"actor,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
