// Package directory resolves user display summaries for the feed.
package directory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/matheus3301/chatsync/internal/store"
)

// DefaultTTL is how long a resolved user is served from memory.
const DefaultTTL = 5 * time.Minute

// Lookup fetches users by id. Missing ids are absent from the result.
type Lookup interface {
	GetUsers(ctx context.Context, ids []string) (map[string]store.User, error)
}

type entry struct {
	user    store.User
	fetched time.Time
}

// Cache is a TTL cache in front of a Lookup. Concurrent lookups for the same
// set of ids share one backend call.
type Cache struct {
	lookup Lookup
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]entry
	group   singleflight.Group
}

// New creates a cache. A non-positive ttl uses DefaultTTL.
func New(lookup Lookup, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		lookup:  lookup,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
		entries: make(map[string]entry),
	}
}

// GetUsers returns the users known for ids, fetching expired or unknown ones.
func (c *Cache) GetUsers(ctx context.Context, ids []string) (map[string]store.User, error) {
	out := make(map[string]store.User, len(ids))
	var missing []string
	now := c.now()

	c.mu.RLock()
	for _, id := range ids {
		if e, ok := c.entries[id]; ok && now.Sub(e.fetched) < c.ttl {
			out[id] = e.user
			continue
		}
		missing = append(missing, id)
	}
	c.mu.RUnlock()

	if len(missing) == 0 {
		return out, nil
	}
	slices.Sort(missing)
	missing = slices.Compact(missing)

	v, err, shared := c.group.Do(strings.Join(missing, ","), func() (any, error) {
		return c.lookup.GetUsers(ctx, missing)
	})
	if err != nil {
		return out, err
	}
	if shared {
		c.logger.Debug("directory lookup shared", zap.Int("ids", len(missing)))
	}
	fetched := v.(map[string]store.User)

	c.mu.Lock()
	for id, u := range fetched {
		c.entries[id] = entry{user: u, fetched: now}
		out[id] = u
	}
	c.mu.Unlock()
	return out, nil
}

// Get returns a single user.
func (c *Cache) Get(ctx context.Context, id string) (store.User, bool, error) {
	users, err := c.GetUsers(ctx, []string{id})
	if err != nil {
		return store.User{}, false, err
	}
	u, ok := users[id]
	return u, ok, nil
}

// Invalidate drops cached entries for ids.
func (c *Cache) Invalidate(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.entries, id)
	}
}
