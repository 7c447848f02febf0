package chunk

import (
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/shirou/gopsutil/v3/mem"
)

// Payload is the set of materialized arrays for one cache entry, keyed
// by role name.
type Payload map[string]*NDArray

// NBytes returns the total byte size of all arrays in the payload.
func (p Payload) NBytes() int64 {
	var n int64
	for _, nd := range p {
		n += int64(nd.NBytes())
	}
	return n
}

// Entry count passed to simplelru. The real bound is bytes, enforced in
// Put, so this only needs to be effectively unlimited.
const lruMaxEntries = 1 << 30

// CacheConfig contains cache configuration.
type CacheConfig struct {
	// Enabled turns the cache on. When disabled Put is a no-op and Get
	// always misses.
	Enabled bool

	// MemFraction sizes the cache as a fraction of total system memory.
	MemFraction float64

	// Capacity, if non-zero, is an explicit byte capacity overriding
	// MemFraction. Used by tests.
	Capacity int64
}

// Cache is a byte-bounded least-recently-used store of previously
// loaded chunk payloads. Capacity is computed once at construction and
// not revisited; resizing under memory pressure is future work.
type Cache struct {
	mu       sync.Mutex
	enabled  bool
	capacity int64
	used     int64
	lru      *simplelru.LRU[Key, Payload]
}

// NewCache creates a Cache sized from the configuration.
func NewCache(cfg CacheConfig) (*Cache, error) {
	capacity := cfg.Capacity
	if capacity == 0 {
		if cfg.MemFraction <= 0 || cfg.MemFraction > 1 {
			return nil, fmt.Errorf("invalid cache mem_fraction %v", cfg.MemFraction)
		}
		vm, err := mem.VirtualMemory()
		if err != nil {
			return nil, fmt.Errorf("failed to size chunk cache: %w", err)
		}
		capacity = int64(float64(vm.Total) * cfg.MemFraction)
	}

	c := &Cache{
		enabled:  cfg.Enabled,
		capacity: capacity,
	}

	lru, err := simplelru.NewLRU[Key, Payload](lruMaxEntries, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk cache: %w", err)
	}
	c.lru = lru
	return c, nil
}

// onEvict runs under c.mu via RemoveOldest and Purge.
func (c *Cache) onEvict(_ Key, p Payload) {
	c.used -= p.NBytes()
}

// Put inserts or overwrites the payload for a key, then evicts
// least-recently-used entries until total size fits the capacity. The
// entry just inserted is never evicted, so a single payload larger
// than the whole cache is still accepted.
func (c *Cache) Put(key Key, p Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return
	}

	if old, ok := c.lru.Peek(key); ok {
		c.used -= old.NBytes()
	}
	c.lru.Add(key, p)
	c.used += p.NBytes()

	for c.used > c.capacity && c.lru.Len() > 1 {
		c.lru.RemoveOldest()
	}
}

// Get returns the cached payload for a key, refreshing its recency. A
// miss is not an error, only a signal to load.
func (c *Cache) Get(key Key) (Payload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return nil, false
	}
	return c.lru.Get(key)
}

// RemoveSource drops every entry belonging to a source, used when a
// source is destroyed and its chunks can never be requested again.
func (c *Cache) RemoveSource(sourceID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range c.lru.Keys() {
		if key.SourceID == sourceID {
			c.lru.Remove(key)
		}
	}
}

// Enabled reports whether the cache is on.
func (c *Cache) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Stats describes the cache's current occupancy.
type CacheStats struct {
	Enabled   bool  `json:"enabled"`
	Entries   int   `json:"entries"`
	UsedBytes int64 `json:"used_bytes"`
	Capacity  int64 `json:"capacity_bytes"`
}

// Stats returns a snapshot of cache occupancy.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Enabled:   c.enabled,
		Entries:   c.lru.Len(),
		UsedBytes: c.used,
		Capacity:  c.capacity,
	}
}
