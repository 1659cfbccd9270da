package matcher

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/pricewatch/internal/pricing"
)

// lookupCache deduplicates adapter lookups within one run. Concurrent callers
// for the same (strategy, key) share one adapter call and later callers reuse
// the stored outcome, failures included.
type lookupCache struct {
	adapter pricing.SiteAdapter
	group   singleflight.Group

	mu      sync.RWMutex
	results map[string]cachedResult

	calls atomic.Int64
}

func newLookupCache(adapter pricing.SiteAdapter) *lookupCache {
	return &lookupCache{
		adapter: adapter,
		results: make(map[string]cachedResult),
	}
}

type cachedResult struct {
	listing *pricing.CandidateListing
	err     error
}

func cacheKey(site string, strategy pricing.LookupStrategy, key string) string {
	return site + "\x00" + string(strategy) + "\x00" + pricing.NormalizeKey(key)
}

func (c *lookupCache) lookup(ctx context.Context, strategy pricing.LookupStrategy, key string) (*pricing.CandidateListing, error) {
	k := cacheKey(c.adapter.SiteCode(), strategy, key)
	c.mu.RLock()
	res, ok := c.results[k]
	c.mu.RUnlock()
	if ok {
		return res.listing, res.err
	}
	v, _, _ := c.group.Do(k, func() (any, error) {
		c.mu.RLock()
		cached, ok := c.results[k]
		c.mu.RUnlock()
		if ok {
			return cached, nil
		}
		c.calls.Add(1)
		found, err := c.adapter.Lookup(ctx, strategy, key)
		res := cachedResult{listing: found, err: err}
		c.mu.Lock()
		c.results[k] = res
		c.mu.Unlock()
		return res, nil
	})
	res = v.(cachedResult)
	return res.listing, res.err
}
