// Package cache provides caching for encoded tile images.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
)

// Config contains tile cache configuration.
type Config struct {
	TileCacheSizeMB int
	TileTTL         time.Duration
}

// Manager caches encoded PNG tiles served over HTTP, so repeated views
// of the same region skip re-encoding. Raw decoded chunks live in the
// loader's chunk cache; this one only holds bytes on their way out.
type Manager struct {
	tileCache *bigcache.BigCache
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.TileTTL <= 0 {
		cfg.TileTTL = 10 * time.Minute
	}

	tileCacheConfig := bigcache.Config{
		Shards:             1024,
		LifeWindow:         cfg.TileTTL,
		CleanWindow:        cfg.TileTTL / 2,
		MaxEntriesInWindow: 100000,
		MaxEntrySize:       512 * 1024, // 512KB per encoded tile
		HardMaxCacheSize:   cfg.TileCacheSizeMB,
		Verbose:            false,
	}

	tileCache, err := bigcache.New(context.Background(), tileCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create tile cache: %w", err)
	}

	return &Manager{tileCache: tileCache}, nil
}

// GetTile retrieves an encoded tile from cache.
func (m *Manager) GetTile(key string) ([]byte, bool) {
	data, err := m.tileCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetTile stores an encoded tile in cache.
func (m *Manager) SetTile(key string, data []byte) error {
	return m.tileCache.Set(key, data)
}

// TileKey generates a cache key for a tile.
func TileKey(level, row, col int) string {
	return fmt.Sprintf("tile:%d/%d/%d", level, row, col)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"tile_cache_len": m.tileCache.Len(),
		"tile_cache_cap": m.tileCache.Capacity(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.tileCache.Close()
}
