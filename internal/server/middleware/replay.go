package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/collectex/internal/domain"
)

// MemoryReplayGuard is a process-local domain.ReplayGuard for deployments
// without Redis.
type MemoryReplayGuard struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	lastSweep time.Time
	now       func() time.Time
}

func NewMemoryReplayGuard() *MemoryReplayGuard {
	return &MemoryReplayGuard{seen: make(map[string]time.Time), now: time.Now}
}

// Claim records key until now+ttl. Expired keys are swept at most once per
// ttl.
func (g *MemoryReplayGuard) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now.Sub(g.lastSweep) >= ttl {
		for k, exp := range g.seen {
			if !now.Before(exp) {
				delete(g.seen, k)
			}
		}
		g.lastSweep = now
	}
	if exp, ok := g.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	g.seen[key] = now.Add(ttl)
	return true, nil
}

var _ domain.ReplayGuard = (*MemoryReplayGuard)(nil)
