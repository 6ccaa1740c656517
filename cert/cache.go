package cert

import (
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
)

type cacheEntry struct {
	cert    *HostCertificate
	expires time.Time
}

// certCache is an LRU bounded by size whose entries also expire after ttl.
type certCache struct {
	mu  sync.Mutex
	lru *lru.Cache
	ttl time.Duration
	now func() time.Time
}

func newCertCache(size int, ttl time.Duration) *certCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &certCache{
		lru: lru.New(size),
		ttl: ttl,
		now: time.Now,
	}
}

func (c *certCache) resize(size int) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru = lru.New(size)
}

func (c *certCache) get(host string) (*HostCertificate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.lru.Get(host)
	if !ok {
		return nil, false
	}
	entry := v.(*cacheEntry)
	if !c.now().Before(entry.expires) {
		c.lru.Remove(host)
		return nil, false
	}
	return entry.cert, true
}

func (c *certCache) add(host string, hc *HostCertificate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(host, &cacheEntry{cert: hc, expires: c.now().Add(c.ttl)})
}

func (c *certCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
