package octree

import (
	"testing"
	"time"

	"github.com/gigaview/server/internal/chunk"
)

func newSyncLoader(t *testing.T, cacheEnabled bool) *chunk.Loader {
	t.Helper()
	cache, err := chunk.NewCache(chunk.CacheConfig{Enabled: cacheEnabled, Capacity: 1 << 20})
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}
	l, err := chunk.NewLoader(chunk.LoaderConfig{Synchronous: true, Cache: cache})
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}
	t.Cleanup(l.Stop)
	return l
}

func newAsyncLoader(t *testing.T) *chunk.Loader {
	t.Helper()
	cache, err := chunk.NewCache(chunk.CacheConfig{Enabled: true, Capacity: 1 << 20})
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}
	l, err := chunk.NewLoader(chunk.LoaderConfig{Synchronous: false, Delay: time.Millisecond, Cache: cache})
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}
	t.Cleanup(l.Stop)
	return l
}

func TestDrawableChunksSynchronous(t *testing.T) {
	loader := newSyncLoader(t, true)
	src := newGridSource(1000, 100, 2)
	tree, _ := New(1, src, 100)
	sourceID := loader.RegisterSource(src)
	cl := NewChunkLoader(loader, tree, sourceID)

	in := NewIntersection(tree.Level(0), [2][2]float64{{150, 150}, {350, 350}})
	visible := in.Chunks(true)

	drawable := cl.DrawableChunks(visible)
	if len(drawable) != 9 {
		t.Fatalf("expected all 9 tiles drawable synchronously, got %d", len(drawable))
	}
	for _, c := range drawable {
		if !c.InMemory() {
			t.Fatalf("drawable tile %s not in memory", c.Location)
		}
		if c.Data() == nil {
			t.Fatalf("drawable tile %s has nil data", c.Location)
		}
	}
	if src.loads.Load() != 9 {
		t.Fatalf("expected 9 loads, got %d", src.loads.Load())
	}

	// A second pass reuses the in-memory tiles without reloading.
	drawable = cl.DrawableChunks(visible)
	if len(drawable) != 9 {
		t.Fatalf("expected 9 drawable tiles on second pass, got %d", len(drawable))
	}
	if src.loads.Load() != 9 {
		t.Fatalf("expected no additional loads, got %d", src.loads.Load())
	}
}

func TestDrawableChunksAsyncNeverDoubleSubmits(t *testing.T) {
	loader := newAsyncLoader(t)
	src := newGridSource(1000, 100, 2)
	tree, _ := New(1, src, 100)
	sourceID := loader.RegisterSource(src)
	cl := NewChunkLoader(loader, tree, sourceID)

	in := NewIntersection(tree.Level(0), [2][2]float64{{0, 0}, {99, 99}})
	visible := in.Chunks(true)

	drawable := cl.DrawableChunks(visible)
	if len(drawable) != 0 {
		t.Fatalf("expected nothing drawable before async completion, got %d", len(drawable))
	}
	if !visible[0].Loading() {
		t.Fatal("expected the tile to be marked loading")
	}

	// Reconciling again while the load is in flight must not submit a
	// second request for the same tile.
	cl.DrawableChunks(visible)

	ev := <-loader.Events()
	if ev.Err != nil {
		t.Fatalf("load failed: %v", ev.Err)
	}
	if err := visible[0].SetData(ev.Request.Data()); err != nil {
		t.Fatalf("SetData failed: %v", err)
	}

	drawable = cl.DrawableChunks(visible)
	if len(drawable) != 1 {
		t.Fatalf("expected 1 drawable tile after completion, got %d", len(drawable))
	}

	// Exactly one materialization for the tile.
	if src.loads.Load() != 1 {
		t.Fatalf("expected 1 load, got %d", src.loads.Load())
	}
}

func TestDrawableChunksDisabledCacheReloads(t *testing.T) {
	loader := newSyncLoader(t, false)
	src := newGridSource(1000, 100, 2)
	tree, _ := New(1, src, 100)
	sourceID := loader.RegisterSource(src)
	cl := NewChunkLoader(loader, tree, sourceID)

	in := NewIntersection(tree.Level(0), [2][2]float64{{0, 0}, {99, 99}})
	visible := in.Chunks(true)

	cl.DrawableChunks(visible)
	if src.loads.Load() != 1 {
		t.Fatalf("expected 1 load, got %d", src.loads.Load())
	}

	// While continuously visible the tile is not reloaded.
	cl.DrawableChunks(visible)
	if src.loads.Load() != 1 {
		t.Fatalf("expected no reload while visible, got %d loads", src.loads.Load())
	}

	// Scroll away, then back: with the cache disabled the tile must be
	// cleared and loaded fresh.
	elsewhere := NewIntersection(tree.Level(0), [2][2]float64{{500, 500}, {599, 599}}).Chunks(true)
	cl.DrawableChunks(elsewhere)

	drawable := cl.DrawableChunks(visible)
	if len(drawable) != 1 {
		t.Fatalf("expected 1 drawable tile, got %d", len(drawable))
	}
	if src.loads.Load() != 3 {
		t.Fatalf("expected a fresh load after returning, got %d loads", src.loads.Load())
	}
}

func TestDrawableChunksLoadErrorLeavesTileUnloaded(t *testing.T) {
	loader := newSyncLoader(t, true)
	src := newGridSource(1000, 100, 2)
	src.failAll = true
	tree, _ := New(1, src, 100)
	sourceID := loader.RegisterSource(src)
	cl := NewChunkLoader(loader, tree, sourceID)

	visible := NewIntersection(tree.Level(0), [2][2]float64{{0, 0}, {99, 99}}).Chunks(true)

	drawable := cl.DrawableChunks(visible)
	if len(drawable) != 0 {
		t.Fatalf("expected no drawable tiles, got %d", len(drawable))
	}
	if !visible[0].NeedsLoad() {
		t.Fatalf("failed tile must be reset for retry, got %s", visible[0].Status())
	}
}
