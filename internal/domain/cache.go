package domain

import (
	"context"
	"time"
)

// RateDecision is the outcome of one rate-limited request.
type RateDecision struct {
	Allowed bool
	// Remaining is how many more requests fit in the current window.
	Remaining int
	// RetryAfter is set on denial: the time until the oldest counted request
	// leaves the window.
	RetryAfter time.Duration
}

// RateLimiter counts requests per key over a sliding window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (RateDecision, error)
}

// ReplayGuard remembers request keys for a bounded time.
type ReplayGuard interface {
	// Claim records key for ttl. It reports false when key was already
	// recorded and has not expired.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Lease is a held distributed lock.
type Lease interface {
	// Refresh extends the lease. It returns ErrLockLost when another holder
	// has taken the key.
	Refresh(ctx context.Context, ttl time.Duration) error
	// Release gives the lock up. Safe to call more than once.
	Release()
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
