package zarr

import (
	"container/list"
	"sync"

	"github.com/cockroachdb/swiss"
)

type cacheEntry struct {
	linear int64
	data   []byte
}

// chunkCache is an LRU of decoded chunks keyed by linear chunk index.
// Values are copied on the way in and out, so callers may mutate what they
// get back. A capacity of zero disables the cache.
type chunkCache struct {
	capacity int

	mu    sync.Mutex
	index swiss.Map[int64, *list.Element]
	lru   list.List

	metrics *Metrics
}

func newChunkCache(capacity int, m *Metrics) *chunkCache {
	c := &chunkCache{capacity: capacity, metrics: m}
	c.index.Init(min(capacity, 64))
	return c
}

func (c *chunkCache) get(linear int64) ([]byte, bool) {
	if c.capacity <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index.Get(linear)
	if !ok {
		c.metrics.cacheMiss()
		return nil, false
	}
	c.metrics.cacheHit()
	c.lru.MoveToFront(el)
	return append([]byte(nil), el.Value.(*cacheEntry).data...), true
}

func (c *chunkCache) put(linear int64, data []byte) {
	if c.capacity <= 0 {
		return
	}
	d := append([]byte(nil), data...)
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index.Get(linear); ok {
		el.Value.(*cacheEntry).data = d
		c.lru.MoveToFront(el)
		return
	}
	c.index.Put(linear, c.lru.PushFront(&cacheEntry{linear: linear, data: d}))
	for c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		c.index.Delete(oldest.Value.(*cacheEntry).linear)
	}
}

func (c *chunkCache) invalidate(linear int64) {
	if c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index.Get(linear); ok {
		c.lru.Remove(el)
		c.index.Delete(linear)
	}
}

func (c *chunkCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *chunkCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.lru.Front(); el != nil; el = el.Next() {
		c.index.Delete(el.Value.(*cacheEntry).linear)
	}
	c.lru.Init()
}
