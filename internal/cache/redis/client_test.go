package redis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJoinKey(t *testing.T) {
	assert.Equal(t, "collectex:lock:ledger-writer", joinKey("collectex", "lock", "ledger-writer"))
	assert.Equal(t, "ratelimit:0xabc", joinKey("", "ratelimit", "0xabc"))
}

func TestHasPattern(t *testing.T) {
	assert.True(t, hasPattern("collectex:*"))
	assert.True(t, hasPattern("events.[ab]"))
	assert.False(t, hasPattern("collectex:events"))
}

func TestPayloadBytes(t *testing.T) {
	b, ok := payloadBytes("abc")
	assert.True(t, ok)
	assert.Equal(t, []byte("abc"), b)

	b, ok = payloadBytes([]byte{1, 2})
	assert.True(t, ok)
	assert.Equal(t, []byte{1, 2}, b)

	_, ok = payloadBytes(42)
	assert.False(t, ok)
}

func TestScriptsEmbedded(t *testing.T) {
	assert.Contains(t, slidingWindowLua, "ZREMRANGEBYSCORE")
	assert.Contains(t, refreshLua, "PEXPIRE")
	assert.Contains(t, unlockLua, "DEL")
}

func TestDecide(t *testing.T) {
	d := decide(true, 3, 5, 1_000_000, 1_000_000, time.Second)
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, d.Remaining)
	assert.Zero(t, d.RetryAfter)

	// Oldest request at t=0.2s in a 1s window: free again at t=1.2s.
	d = decide(false, 5, 5, 1_000_000, 200_000, time.Second)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 200*time.Millisecond, d.RetryAfter)

	d = decide(false, 5, 5, 2_000_000, 200_000, time.Second)
	assert.Equal(t, time.Millisecond, d.RetryAfter)
}
