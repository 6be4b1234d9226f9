package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/collectex/internal/domain"
)

// ReplayGuard implements domain.ReplayGuard with SET NX, so every replica
// sharing the database rejects a key the others have seen.
type ReplayGuard struct {
	c *Client
}

func NewReplayGuard(c *Client) *ReplayGuard {
	return &ReplayGuard{c: c}
}

// Claim stores key with ttl unless it is already present.
func (g *ReplayGuard) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := g.c.rdb.SetNX(ctx, g.c.key("replay", key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: replay claim %s: %w", key, err)
	}
	return ok, nil
}

var _ domain.ReplayGuard = (*ReplayGuard)(nil)
