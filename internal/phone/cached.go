package phone

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const defaultCacheTTL = 24 * time.Hour

// CachedNormalizer memoizes Normalize results keyed by raw input.
type CachedNormalizer struct {
	cache *gocache.Cache
}

// NewCachedNormalizer builds a memoizing normalizer; ttl <= 0 uses 24h.
func NewCachedNormalizer(ttl time.Duration) *CachedNormalizer {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachedNormalizer{cache: gocache.New(ttl, 2*ttl)}
}

// Normalize returns the cached result for raw or computes and stores it.
func (c *CachedNormalizer) Normalize(raw string) Number {
	if v, ok := c.cache.Get(raw); ok {
		return v.(Number)
	}
	n := Normalize(raw)
	c.cache.SetDefault(raw, n)
	return n
}

// Len reports how many inputs are currently memoized.
func (c *CachedNormalizer) Len() int {
	return c.cache.ItemCount()
}
