package octree

import (
	"github.com/gigaview/server/internal/chunk"
)

// LevelInfo is the static geometry of one resolution level.
type LevelInfo struct {
	// LevelIndex is the level's position in the pyramid, 0 = finest.
	LevelIndex int

	// Scale is the downsampling factor relative to level 0, 2^index.
	Scale int

	// LevelShape is the (height, width) of the image at this level.
	LevelShape [2]int

	// ShapeInTiles is the number of tile rows and columns.
	ShapeInTiles [2]int

	// TileSize is the tile edge length in pixels.
	TileSize int
}

func newLevelInfo(index, height, width, tileSize int) LevelInfo {
	ceilDiv := func(a, b int) int { return (a + b - 1) / b }
	return LevelInfo{
		LevelIndex:   index,
		Scale:        1 << index,
		LevelShape:   [2]int{height, width},
		ShapeInTiles: [2]int{ceilDiv(height, tileSize), ceilDiv(width, tileSize)},
		TileSize:     tileSize,
	}
}

// TileExtent returns the pixel range [start, stop) a tile covers on
// one axis, clipped to the level shape.
func (info LevelInfo) TileExtent(axis, index int) (int, int) {
	start := index * info.TileSize
	stop := start + info.TileSize
	if stop > info.LevelShape[axis] {
		stop = info.LevelShape[axis]
	}
	return start, stop
}

// Level is one resolution level: an implicit grid of tiles. The grid
// can be huge and mostly unvisited, so tiles live in a sparse map and
// are instantiated only through GetChunk, preserving identity across
// repeated lookups.
type Level struct {
	SliceID uint64
	Info    LevelInfo

	source TileSource
	tiles  map[[2]int]*Chunk
}

func newLevel(sliceID uint64, source TileSource, info LevelInfo) *Level {
	return &Level{
		SliceID: sliceID,
		Info:    info,
		source:  source,
		tiles:   make(map[[2]int]*Chunk),
	}
}

// GetChunk returns the tile at (row, col). With create it lazily
// instantiates the Chunk object (not its data) on first reference;
// otherwise it returns the existing instance or nil. Out-of-range
// locations are nil either way.
func (lv *Level) GetChunk(row, col int, create bool) *Chunk {
	if row < 0 || row >= lv.Info.ShapeInTiles[0] || col < 0 || col >= lv.Info.ShapeInTiles[1] {
		return nil
	}

	key := [2]int{row, col}
	if c, ok := lv.tiles[key]; ok {
		return c
	}
	if !create {
		return nil
	}

	loc := chunk.Location{
		SliceID: lv.SliceID,
		Level:   lv.Info.LevelIndex,
		Row:     row,
		Col:     col,
	}
	c := newChunk(loc, lv.source.TileArray(lv.Info.LevelIndex, row, col))
	lv.tiles[key] = c
	return c
}

// NumTracked returns how many tile objects have been instantiated.
func (lv *Level) NumTracked() int {
	return len(lv.tiles)
}

// resetLoading returns every tile waiting on a request back to
// UNLOADED. Called after the level's outstanding loads are cancelled;
// cancelled requests never complete, so without the reset those tiles
// would stay LOADING forever.
func (lv *Level) resetLoading() {
	for _, c := range lv.tiles {
		if c.Loading() {
			c.Clear()
		}
	}
}
