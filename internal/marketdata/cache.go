// Package marketdata serves quotes and OHLCV history from a TTL cache in
// front of the broker adapter, with an optional Redis warm tier and a
// conflated streaming fan-out.
package marketdata

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// FetchFunc loads a value on cache miss.
type FetchFunc func(ctx context.Context) (interface{}, error)

type cacheEntry struct {
	key       string
	value     interface{}
	expiresAt time.Time
	element   *list.Element
}

type inflightCall struct {
	done chan struct{}
	val  interface{}
	err  error
}

// CacheStats is a point-in-time counter snapshot.
type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Dedupes   uint64
	Evictions uint64
	Size      int
}

// Cache is a capacity-bounded TTL cache with LRU eviction. Concurrent misses
// for the same key are collapsed into a single upstream fetch: followers block
// on the leader's in-flight call and share its result.
type Cache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	entries  map[string]*cacheEntry
	lru      *list.List // front = most recently used
	inflight map[string]*inflightCall
	now      func() time.Time

	hits      uint64
	misses    uint64
	dedupes   uint64
	evictions uint64
}

// NewCache builds a cache with the given entry TTL and capacity.
func NewCache(ttl time.Duration, capacity int) *Cache {
	return &Cache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*cacheEntry),
		lru:      list.New(),
		inflight: make(map[string]*inflightCall),
		now:      time.Now,
	}
}

// GetOrFetch returns the cached value for key, or runs fetch exactly once
// per miss generation. Errors are not cached.
func (c *Cache) GetOrFetch(ctx context.Context, key string, fetch FetchFunc) (interface{}, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Before(e.expiresAt) {
		c.lru.MoveToFront(e.element)
		c.hits++
		v := e.value
		c.mu.Unlock()
		return v, nil
	}

	if call, ok := c.inflight[key]; ok {
		c.dedupes++
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-call.done:
		}
		if call.err != nil {
			return nil, call.err
		}
		return call.val, nil
	}

	call := &inflightCall{done: make(chan struct{})}
	c.inflight[key] = call
	c.misses++
	c.mu.Unlock()

	call.val, call.err = fetch(ctx)

	c.mu.Lock()
	delete(c.inflight, key)
	if call.err == nil {
		c.storeLocked(key, call.val)
	}
	c.mu.Unlock()
	close(call.done)

	return call.val, call.err
}

// Get returns a cached value without fetching.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expiresAt) {
		c.misses++
		return nil, false
	}
	c.lru.MoveToFront(e.element)
	c.hits++
	return e.value, true
}

// Put inserts or refreshes a value directly.
func (c *Cache) Put(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(key, value)
}

func (c *Cache) storeLocked(key string, value interface{}) {
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expiresAt = c.now().Add(c.ttl)
		c.lru.MoveToFront(e.element)
		return
	}
	for len(c.entries) >= c.capacity {
		if !c.evictOneLocked() {
			break
		}
	}
	e := &cacheEntry{key: key, value: value, expiresAt: c.now().Add(c.ttl)}
	e.element = c.lru.PushFront(e)
	c.entries[key] = e
}

// evictOneLocked drops a single entry to make room: the least recently used
// expired entry if any exist, otherwise the plain LRU victim.
func (c *Cache) evictOneLocked() bool {
	now := c.now()
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*cacheEntry)
		if !now.Before(e.expiresAt) {
			c.removeLocked(e)
			c.evictions++
			return true
		}
	}
	oldest := c.lru.Back()
	if oldest == nil {
		return false
	}
	c.removeLocked(oldest.Value.(*cacheEntry))
	c.evictions++
	return true
}

func (c *Cache) removeLocked(e *cacheEntry) {
	c.lru.Remove(e.element)
	delete(c.entries, e.key)
}

// Len returns the number of live entries, expired included until swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats snapshots the counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Dedupes:   c.dedupes,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}

// StartCleanup sweeps expired entries on a ticker until ctx is cancelled.
func (c *Cache) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := c.sweep()
				if removed > 0 {
					log.Debug().Int("removed", removed).Msg("market-data cache sweep")
				}
			}
		}
	}()
}

func (c *Cache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for _, e := range c.entries {
		if !now.Before(e.expiresAt) {
			c.removeLocked(e)
			removed++
		}
	}
	return removed
}
