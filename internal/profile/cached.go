package profile

import (
	"context"
	"fmt"
	"time"

	"github.com/OCAP2/livemap/internal/cache"
	"github.com/OCAP2/livemap/pkg/core"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// CachedConfig tunes CachedLookup.
type CachedConfig struct {
	TTL       time.Duration
	Timeout   time.Duration
	RateLimit rate.Limit
	Burst     int
}

// DefaultCachedConfig returns a 10 minute cache, a 3 second timeout and
// 20 upstream requests per second.
func DefaultCachedConfig() CachedConfig {
	return CachedConfig{
		TTL:       10 * time.Minute,
		Timeout:   3 * time.Second,
		RateLimit: 20,
		Burst:     5,
	}
}

// CachedLookup fronts a slow Lookup with a TTL cache. Concurrent lookups of
// the same user share one upstream request, and upstream requests are rate
// limited.
type CachedLookup struct {
	next    Lookup
	cache   *cache.ProfileCache
	group   singleflight.Group
	limiter *rate.Limiter
	timeout time.Duration
}

// NewCachedLookup wraps next.
func NewCachedLookup(next Lookup, cfg CachedConfig) *CachedLookup {
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &CachedLookup{
		next:    next,
		cache:   cache.NewProfileCache(cfg.TTL),
		limiter: rate.NewLimiter(limit, burst),
		timeout: cfg.Timeout,
	}
}

func (c *CachedLookup) Lookup(ctx context.Context, userID string) (core.Profile, error) {
	if p, ok := c.cache.Get(userID); ok {
		return p, nil
	}

	ch := c.group.DoChan(userID, func() (any, error) {
		// shared by every waiter, so one caller giving up must not cancel it
		fetchCtx := context.WithoutCancel(ctx)
		if c.timeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(fetchCtx, c.timeout)
			defer cancel()
		}

		if err := c.limiter.Wait(fetchCtx); err != nil {
			return core.Profile{}, fmt.Errorf("profile rate limit: %w", err)
		}
		p, err := c.next.Lookup(fetchCtx, userID)
		if err != nil {
			return core.Profile{}, err
		}
		c.cache.Add(p)
		return p, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return core.Profile{}, res.Err
		}
		return res.Val.(core.Profile), nil
	case <-ctx.Done():
		return core.Profile{}, ctx.Err()
	}
}

// Forget drops every cached profile.
func (c *CachedLookup) Forget() {
	c.cache.Reset()
}
