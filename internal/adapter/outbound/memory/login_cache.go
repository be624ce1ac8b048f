package memory

import (
	"context"
	"sync"

	"github.com/coder/quartz"

	"github.com/Sentinel-Gate/Syncgate/internal/domain/auth"
)

// LoginCache implements auth.LoginCache with an in-memory map.
// Expired entries are dropped on read.
type LoginCache struct {
	mu      sync.RWMutex
	entries map[string]*auth.CachedLogin
	clock   quartz.Clock
}

// NewLoginCache creates an empty login cache.
func NewLoginCache(clock quartz.Clock) *LoginCache {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &LoginCache{
		entries: make(map[string]*auth.CachedLogin),
		clock:   clock,
	}
}

// Get implements auth.LoginCache.
func (c *LoginCache) Get(_ context.Context, name string) (*auth.CachedLogin, error) {
	c.mu.RLock()
	entry, ok := c.entries[name]
	c.mu.RUnlock()

	if !ok {
		return nil, auth.ErrLoginNotCached
	}
	if entry.IsExpired(c.clock.Now()) {
		c.mu.Lock()
		if c.entries[name] == entry {
			delete(c.entries, name)
		}
		c.mu.Unlock()
		return nil, auth.ErrLoginNotCached
	}
	return copyLogin(entry), nil
}

// Put implements auth.LoginCache.
func (c *LoginCache) Put(_ context.Context, name string, login *auth.CachedLogin) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = copyLogin(login)
	return nil
}

// Delete implements auth.LoginCache.
func (c *LoginCache) Delete(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, name)
	return nil
}

// Size returns the number of cached logins, expired ones included.
func (c *LoginCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// copyLogin creates a deep copy so callers cannot mutate cached identities.
func copyLogin(l *auth.CachedLogin) *auth.CachedLogin {
	out := *l
	out.Identity = l.Identity.Clone()
	return &out
}

// Compile-time interface verification.
var _ auth.LoginCache = (*LoginCache)(nil)
