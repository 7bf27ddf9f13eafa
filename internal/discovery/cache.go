package discovery

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Linzell/BrokeAgent-sub001/internal/backend"
)

const redisKey = "dispatch:candidates"

// Source produces the current default candidate set, typically from the
// backend registry.
type Source interface {
	Discover(ctx context.Context) ([]backend.ID, error)
}

// RegistrySource discovers candidates from the backend registry.
type RegistrySource struct {
	Registry *backend.Registry
}

func (s *RegistrySource) Discover(ctx context.Context) ([]backend.ID, error) {
	return s.Registry.All(), nil
}

// Cache is a TTL-bounded cache over candidate discovery, with an optional
// Redis tier shared across processes. Redis failures fall back to the source
// (fail open); the in-memory tier always applies.
type Cache struct {
	mu        sync.Mutex
	source    Source
	ttl       time.Duration
	rdb       *redis.Client
	cached    []backend.ID
	fetchedAt time.Time

	now func() time.Time
}

// NewCache creates a discovery cache. rdb may be nil for in-memory only.
func NewCache(source Source, ttl time.Duration, rdb *redis.Client) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{
		source: source,
		ttl:    ttl,
		rdb:    rdb,
		now:    time.Now,
	}
}

// Candidates returns the default candidate set, refreshing when the TTL has
// elapsed.
func (c *Cache) Candidates(ctx context.Context) ([]backend.ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.cached != nil && now.Sub(c.fetchedAt) < c.ttl {
		return c.cached, nil
	}

	// Try the shared Redis tier first
	if c.rdb != nil {
		data, err := c.rdb.Get(ctx, redisKey).Bytes()
		if err == nil {
			var ids []backend.ID
			if err := json.Unmarshal(data, &ids); err == nil {
				c.cached = ids
				c.fetchedAt = now
				return ids, nil
			}
		}
	}

	ids, err := c.source.Discover(ctx)
	if err != nil {
		// Serve stale on discovery failure rather than nothing
		if c.cached != nil {
			slog.Warn("candidate discovery failed, serving stale set", "error", err)
			return c.cached, nil
		}
		return nil, err
	}

	c.cached = ids
	c.fetchedAt = now

	if c.rdb != nil {
		if data, err := json.Marshal(ids); err == nil {
			c.rdb.Set(ctx, redisKey, data, c.ttl)
		}
	}
	return ids, nil
}

// Invalidate drops both cache tiers; the next call re-discovers.
func (c *Cache) Invalidate(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = nil
	c.fetchedAt = time.Time{}
	if c.rdb != nil {
		c.rdb.Del(ctx, redisKey)
	}
}
