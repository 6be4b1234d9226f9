package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/collectex/internal/domain"
)

const defaultAuditLimit = 100

// AuditStore is the append-only audit_log table.
type AuditStore struct {
	pool *pgxpool.Pool
}

func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends one entry. A string "caller" in detail is lifted into the
// indexed actor column.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: audit %s: marshal detail: %w", event, err)
	}
	actor, _ := detail["caller"].(string)

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (event, actor, detail) VALUES ($1, $2, $3)`,
		event, actor, raw,
	); err != nil {
		return fmt.Errorf("postgres: audit %s: %w", event, err)
	}
	return nil
}

// List returns entries newest first. Empty filters match everything.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, event, actor, detail, created_at FROM audit_log
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
		  AND ($2::timestamptz IS NULL OR created_at <= $2)
		  AND ($3 = '' OR event = $3)
		  AND ($4 = '' OR actor = $4)
		ORDER BY id DESC
		LIMIT $5 OFFSET $6`,
		opts.Since, opts.Until, opts.Event, opts.Actor, limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanAuditEntry)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit entries: %w", err)
	}
	return entries, nil
}

func scanAuditEntry(row pgx.CollectableRow) (domain.AuditEntry, error) {
	var (
		e      domain.AuditEntry
		detail []byte
	)
	if err := row.Scan(&e.ID, &e.Event, &e.Actor, &detail, &e.CreatedAt); err != nil {
		return e, err
	}
	if len(detail) > 0 {
		if err := json.Unmarshal(detail, &e.Detail); err != nil {
			return e, fmt.Errorf("entry %d detail: %w", e.ID, err)
		}
	}
	return e, nil
}

var _ domain.AuditStore = (*AuditStore)(nil)
