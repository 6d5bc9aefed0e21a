package api

import (
	"sync"
	"time"

	"github.com/JakeFAU/crawl-broker/internal/crawler"
)

type cacheEntry struct {
	resp    crawler.FetchResponse
	expires time.Time
}

// responseCache holds pushed responses keyed by crawler.CoalesceKey.
type responseCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

func newResponseCache(ttl time.Duration) *responseCache {
	return &responseCache{ttl: ttl, entries: map[string]cacheEntry{}}
}

func (c *responseCache) put(resp crawler.FetchResponse, now time.Time) {
	if c.ttl <= 0 {
		return
	}
	key := resp.RequestURL
	if key == "" {
		key = resp.URL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[crawler.CoalesceKey(key)] = cacheEntry{resp: resp, expires: now.Add(c.ttl)}
}

// get returns a live entry and drops expired ones along the way.
func (c *responseCache) get(rawURL string, now time.Time) (crawler.FetchResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
	e, ok := c.entries[crawler.CoalesceKey(rawURL)]
	return e.resp, ok
}

func (c *responseCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
