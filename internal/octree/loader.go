package octree

import (
	"log"

	"github.com/gigaview/server/internal/chunk"
)

// ChunkLoader reconciles the visible tile set against loader and cache
// state each frame, deciding which tiles are drawable now, which are
// still loading, and which need a load initiated.
type ChunkLoader struct {
	loader   *chunk.Loader
	tree     *Tree
	sourceID uint64

	// lastVisible holds the tiles drawn last frame, so tiles that just
	// came (back) into view can be recognized. Needed for the
	// disabled-cache reload behavior.
	lastVisible map[chunk.Location]struct{}
}

// NewChunkLoader creates a reconciler feeding requests for one tree's
// source into the shared loader.
func NewChunkLoader(loader *chunk.Loader, tree *Tree, sourceID uint64) *ChunkLoader {
	return &ChunkLoader{
		loader:      loader,
		tree:        tree,
		sourceID:    sourceID,
		lastVisible: make(map[chunk.Location]struct{}),
	}
}

// DrawableChunks walks the visible tiles in view order and returns
// exactly the ones safe to draw this frame, initiating loads for tiles
// that need them. Tiles whose loads complete synchronously (cache hit,
// in-memory data, synchronous mode) are drawable immediately; tiles
// left loading become drawable on a later frame via the completion
// event. Output order follows input order.
func (cl *ChunkLoader) DrawableChunks(visible []*Chunk) []*Chunk {
	visibleSet := make(map[chunk.Location]struct{}, len(visible))
	for _, c := range visible {
		visibleSet[c.Location] = struct{}{}
	}

	// Forget tiles that scrolled out of view; if they come back they
	// count as newly visible again.
	for loc := range cl.lastVisible {
		if _, ok := visibleSet[loc]; !ok {
			delete(cl.lastVisible, loc)
		}
	}

	cacheEnabled := cl.loader.Cache().Enabled()

	var drawable []*Chunk
	for _, c := range visible {
		if !cacheEnabled {
			// With the cache off, a tile that just came into view must
			// reflect a fresh load even if the tile object persisted
			// with old data.
			_, seen := cl.lastVisible[c.Location]
			if !seen && c.InMemory() {
				c.Clear()
			}
		}

		switch {
		case c.InMemory():
			drawable = append(drawable, c)
		case c.Loading():
			// Already requested; never double-submit in one frame.
		default:
			if cl.loadChunk(c) {
				drawable = append(drawable, c)
			}
		}
	}

	for _, c := range drawable {
		cl.lastVisible[c.Location] = struct{}{}
	}
	return drawable
}

// loadChunk initiates a load for one tile and reports whether it
// completed synchronously.
func (cl *ChunkLoader) loadChunk(c *Chunk) bool {
	info := cl.tree.Level(c.Location.Level).Info
	key, err := tileKey(cl.sourceID, info, c.Location)
	if err != nil {
		log.Printf("[octree] bad tile key for %s: %v", c.Location, err)
		return false
	}

	req, err := chunk.NewRequest(key, map[string]chunk.Array{chunk.RoleData: c.SourceArray()}, &c.Location)
	if err != nil {
		log.Printf("[octree] bad request for %s: %v", c.Location, err)
		return false
	}

	c.MarkLoading()

	done, err := cl.loader.Load(req)
	if err != nil {
		// The tile stays unloaded; a later pass may retry.
		log.Printf("[octree] load failed for %s: %v", c.Location, err)
		c.Clear()
		return false
	}
	if done == nil {
		// Async load started; completion arrives via the event pump.
		return false
	}

	if err := c.SetData(done.Data()); err != nil {
		log.Printf("[octree] %v", err)
		c.Clear()
		return false
	}
	return true
}

// tileKey derives the chunk key for a tile from its pixel extents at
// its level.
func tileKey(sourceID uint64, info LevelInfo, loc chunk.Location) (chunk.Key, error) {
	rowStart, rowStop := info.TileExtent(0, loc.Row)
	colStart, colStop := info.TileExtent(1, loc.Col)
	return chunk.NewKey(sourceID, loc.Level, []chunk.Index{
		chunk.Span(rowStart, rowStop, 1),
		chunk.Span(colStart, colStop, 1),
	})
}
