package pipeline

import (
	"sync"
	"time"
)

// ByteCache holds source bytes for on-demand re-analysis, keyed by content
// hash. Entries expire after a TTL so completed documents do not accumulate
// in memory.
type ByteCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
	stop    chan struct{}
	once    sync.Once
}

type cacheEntry struct {
	data    []byte
	expires time.Time
}

// NewByteCache builds a cache with the given TTL (minimum one minute) and
// starts its eviction loop.
func NewByteCache(ttl time.Duration) *ByteCache {
	if ttl < time.Minute {
		ttl = time.Minute
	}
	c := &ByteCache{
		ttl:     ttl,
		entries: map[string]cacheEntry{},
		stop:    make(chan struct{}),
	}
	go c.janitor()
	return c
}

// Put stores bytes under the content hash, resetting the TTL.
func (c *ByteCache) Put(contentHash string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[contentHash] = cacheEntry{data: data, expires: time.Now().Add(c.ttl)}
}

// Get returns cached bytes if present and unexpired.
func (c *ByteCache) Get(contentHash string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[contentHash]
	if !ok || time.Now().After(e.expires) {
		delete(c.entries, contentHash)
		return nil, false
	}
	return e.data, true
}

// Drop removes an entry immediately, releasing the bytes.
func (c *ByteCache) Drop(contentHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, contentHash)
}

// Len reports the live entry count.
func (c *ByteCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the eviction loop.
func (c *ByteCache) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *ByteCache) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, e := range c.entries {
				if now.After(e.expires) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		case <-c.stop:
			return
		}
	}
}
