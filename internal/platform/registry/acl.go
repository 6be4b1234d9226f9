package registry

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/collectex/internal/domain"
)

// ACL is an in-memory capability table.
type ACL struct {
	mu     sync.RWMutex
	grants map[common.Address]map[domain.Capability]struct{}
}

// NewACL creates an empty ACL.
func NewACL() *ACL {
	return &ACL{grants: make(map[common.Address]map[domain.Capability]struct{})}
}

// Grant gives account the capability.
func (a *ACL) Grant(account common.Address, capability domain.Capability) {
	a.mu.Lock()
	defer a.mu.Unlock()
	caps, ok := a.grants[account]
	if !ok {
		caps = make(map[domain.Capability]struct{})
		a.grants[account] = caps
	}
	caps[capability] = struct{}{}
}

// Revoke removes the capability from account.
func (a *ACL) Revoke(account common.Address, capability domain.Capability) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.grants[account], capability)
}

// IsAuthorized reports whether caller holds capability directly.
func (a *ACL) IsAuthorized(_ context.Context, caller common.Address, capability domain.Capability) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.grants[caller][capability]
	return ok, nil
}

var _ domain.Authorizer = (*ACL)(nil)
