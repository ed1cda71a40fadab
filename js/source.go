package js

import (
	"os"
	"time"

	cache "github.com/go-pkgz/expirable-cache/v3"
	"github.com/zond/mudbridge"
)

// SourceCache caches script sources read from disk with a TTL, so repeated
// loads of the same module during a reload burst stay cheap.
type SourceCache struct {
	cache cache.Cache[string, string]
}

func NewSourceCache(ttl time.Duration) *SourceCache {
	return &SourceCache{
		cache: cache.NewCache[string, string]().WithTTL(ttl),
	}
}

// Get returns the source at path, reading it on a cache miss.
func (c *SourceCache) Get(path string) (string, error) {
	if source, found := c.cache.Get(path); found {
		return source, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", mudbridge.WithStack(err)
	}
	source := string(b)
	c.cache.Set(path, source, 0)
	return source, nil
}

// Invalidate drops path from the cache, forcing the next Get to re-read.
func (c *SourceCache) Invalidate(path string) {
	c.cache.Remove(path)
}

// Len returns the number of cached sources.
func (c *SourceCache) Len() int {
	return c.cache.Len()
}
