package redis

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/collectex/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

// RateLimiter implements domain.RateLimiter with a sorted-set sliding window
// updated atomically by a Lua script. Every replica sharing the Redis
// database shares the counters.
type RateLimiter struct {
	c      *Client
	script *redis.Script
	now    func() time.Time
}

func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{c: c, script: redis.NewScript(slidingWindowLua), now: time.Now}
}

// Allow counts one request for key when it fits in limit per window. A
// non-positive limit denies everything.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (domain.RateDecision, error) {
	if limit <= 0 {
		return domain.RateDecision{RetryAfter: window}, nil
	}
	now := rl.now().UnixMicro()
	res, err := rl.script.Run(ctx, rl.c.rdb,
		[]string{rl.c.key("ratelimit", key)},
		now, window.Microseconds(), limit,
	).Int64Slice()
	if err != nil {
		return domain.RateDecision{}, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}
	if len(res) != 3 {
		return domain.RateDecision{}, fmt.Errorf("redis: rate limit %s: script returned %d values", key, len(res))
	}
	return decide(res[0] == 1, int(res[1]), limit, now, res[2], window), nil
}

// decide turns the script result into a RateDecision. Times are in
// microseconds.
func decide(allowed bool, count, limit int, now, oldest int64, window time.Duration) domain.RateDecision {
	d := domain.RateDecision{Allowed: allowed, Remaining: max(limit-count, 0)}
	if !allowed {
		wait := time.Duration(oldest+window.Microseconds()-now) * time.Microsecond
		d.RetryAfter = max(wait, time.Millisecond)
	}
	return d
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
