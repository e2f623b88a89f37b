package store

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
)

// SubscriptionLister is the read side of SubscriptionStore used by the cache.
type SubscriptionLister interface {
	ListSubscriptions(ctx context.Context, activeOnly bool) ([]event.Subscription, error)
}

// DefaultCacheTTL is how long active subscriptions are served from memory.
const DefaultCacheTTL = 5 * time.Second

// SubscriptionCache serves active subscriptions from memory and reloads
// them from the store once the TTL passes. Concurrent reloads collapse into
// one query. If a reload fails the previous snapshot keeps being served.
type SubscriptionCache struct {
	src SubscriptionLister
	ttl time.Duration
	now func() time.Time

	group singleflight.Group

	mu       sync.RWMutex
	subs     []event.Subscription
	loadedAt time.Time
	loaded   bool
	gen      uint64
}

// NewSubscriptionCache creates a cache over src. A ttl <= 0 uses DefaultCacheTTL.
func NewSubscriptionCache(src SubscriptionLister, ttl time.Duration) *SubscriptionCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &SubscriptionCache{src: src, ttl: ttl, now: time.Now}
}

// Active returns the active subscriptions. The returned slice is a copy.
func (c *SubscriptionCache) Active(ctx context.Context) ([]event.Subscription, error) {
	c.mu.RLock()
	fresh := c.loaded && c.now().Sub(c.loadedAt) < c.ttl
	gen := c.gen
	if fresh {
		out := slices.Clone(c.subs)
		c.mu.RUnlock()
		return out, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do(strconv.FormatUint(gen, 10), func() (any, error) {
		c.mu.RLock()
		if c.loaded && c.gen == gen && c.now().Sub(c.loadedAt) < c.ttl {
			subs := c.subs
			c.mu.RUnlock()
			return subs, nil
		}
		c.mu.RUnlock()

		subs, err := c.src.ListSubscriptions(ctx, true)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.gen == gen {
			c.subs = subs
			c.loadedAt = c.now()
			c.loaded = true
		}
		c.mu.Unlock()
		return subs, nil
	})
	if err != nil {
		c.mu.RLock()
		defer c.mu.RUnlock()
		if c.loaded {
			return slices.Clone(c.subs), nil
		}
		return nil, err
	}
	return slices.Clone(v.([]event.Subscription)), nil
}

// Invalidate forces the next Active call to reload.
func (c *SubscriptionCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.loadedAt = time.Time{}
}
