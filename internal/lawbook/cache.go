package lawbook

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache is a short-TTL read-through cache over a Source. It is owned by the
// caller that constructs it; concurrent misses share one load and errors
// are never cached.
type Cache struct {
	src Source
	ttl time.Duration
	now func() time.Time

	group singleflight.Group

	mu        sync.Mutex
	entry     *Loaded
	fetchedAt time.Time
}

func NewCache(src Source, ttl time.Duration) *Cache {
	return &Cache{src: src, ttl: ttl, now: time.Now}
}

func (c *Cache) Active(ctx context.Context) (Loaded, error) {
	if c.ttl <= 0 {
		return c.src.Active(ctx)
	}

	c.mu.Lock()
	if c.entry != nil && c.now().Sub(c.fetchedAt) < c.ttl {
		loaded := *c.entry
		c.mu.Unlock()
		return loaded, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("active", func() (any, error) {
		loaded, err := c.src.Active(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entry = &loaded
		c.fetchedAt = c.now()
		c.mu.Unlock()
		return loaded, nil
	})
	if err != nil {
		return Loaded{}, err
	}
	return v.(Loaded), nil
}

// Invalidate drops the cached lawbook, e.g. after activation.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.entry = nil
	c.mu.Unlock()
}
