package octree

import (
	"fmt"

	"github.com/gigaview/server/internal/chunk"
)

// TileSource provides the lazily loadable tiles of one multiscale
// image. Level 0 is the full resolution image; level i is downsampled
// by 2^i on each axis.
type TileSource interface {
	chunk.Source

	// NumLevels returns the number of resolution levels.
	NumLevels() int

	// LevelShape returns the (height, width) of the image at a level.
	LevelShape(level int) (int, int)

	// TileArray returns an array-like handle for one tile. For lazily
	// stored data, materializing it performs the actual I/O or
	// computation.
	TileArray(level, row, col int) chunk.Array
}

// Tree is the octree index for one slice of a multiscale image: one
// Level per resolution, tiles created on demand.
type Tree struct {
	sliceID  uint64
	source   TileSource
	tileSize int
	levels   []*Level
}

// New builds the tree for one slice. Only level geometry is computed;
// no tile objects or data are materialized.
func New(sliceID uint64, source TileSource, tileSize int) (*Tree, error) {
	n := source.NumLevels()
	if n <= 0 {
		return nil, fmt.Errorf("octree: source %q has no levels", source.Describe())
	}
	if tileSize <= 0 {
		return nil, fmt.Errorf("octree: invalid tile size %d", tileSize)
	}

	t := &Tree{
		sliceID:  sliceID,
		source:   source,
		tileSize: tileSize,
		levels:   make([]*Level, n),
	}
	for i := 0; i < n; i++ {
		h, w := source.LevelShape(i)
		if h <= 0 || w <= 0 {
			return nil, fmt.Errorf("octree: level %d of %q has shape (%d, %d)", i, source.Describe(), h, w)
		}
		t.levels[i] = newLevel(sliceID, source, newLevelInfo(i, h, w, tileSize))
	}
	return t, nil
}

// NumLevels returns how many resolution levels the tree has.
func (t *Tree) NumLevels() int { return len(t.levels) }

// TileSize returns the tile edge length in pixels.
func (t *Tree) TileSize() int { return t.tileSize }

// Level returns one resolution level, or nil if out of range.
func (t *Tree) Level(i int) *Level {
	if i < 0 || i >= len(t.levels) {
		return nil
	}
	return t.levels[i]
}

// GetChunk returns the tile at (level, row, col), creating it if
// requested. Nil for out-of-range locations.
func (t *Tree) GetChunk(level, row, col int, create bool) *Chunk {
	lv := t.Level(level)
	if lv == nil {
		return nil
	}
	return lv.GetChunk(row, col, create)
}

// AutoLevel picks the coarsest level that keeps the view under
// maxTiles across its width: the first level where
// (span_width / tile_size) / scale < maxTiles. Falls back to the
// coarsest available level when none qualifies. Trading resolution
// for tile count bounds the work done per frame.
func (t *Tree) AutoLevel(corners [2][2]float64, maxTiles int) int {
	width := corners[1][1] - corners[0][1]
	numTiles := width / float64(t.tileSize)

	for i, lv := range t.levels {
		if numTiles/float64(lv.Info.Scale) < float64(maxTiles) {
			return i
		}
	}
	return len(t.levels) - 1
}
