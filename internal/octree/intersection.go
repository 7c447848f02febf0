package octree

// Intersection maps a view rectangle onto the tile rows and columns of
// one level that must be considered for drawing.
type Intersection struct {
	Level *Level

	// rowRange and colRange are half-open [start, stop) tile ranges.
	rowRange [2]int
	colRange [2]int
}

// NewIntersection computes the intersection of a view rectangle with a
// level. Corners are (row, col) data coordinates of the lower-left and
// upper-right of the view at full resolution.
func NewIntersection(level *Level, corners [2][2]float64) *Intersection {
	scale := float64(level.Info.Scale)

	rows := [2]float64{corners[0][0] / scale, corners[1][0] / scale}
	cols := [2]float64{corners[0][1] / scale, corners[1][1] / scale}

	return &Intersection{
		Level:    level,
		rowRange: tileRange(rows, level.Info.ShapeInTiles[0], level.Info.TileSize),
		colRange: tileRange(cols, level.Info.ShapeInTiles[1], level.Info.TileSize),
	}
}

// tileRange converts a pixel span at level resolution into a half-open
// tile index range. The upper bound is widened by one tile so tiles
// the span only partially overlaps are included; truncation (never
// rounding) keeps the lower bound inside the first overlapped tile.
func tileRange(span [2]float64, numTiles, tileSize int) [2]int {
	clamp := func(v, lo, hi float64) float64 {
		if v < lo {
			return lo
		}
		if v > hi {
			return hi
		}
		return v
	}

	max := float64(numTiles - 1)
	lo := clamp(span[0]/float64(tileSize), 0, max)
	hi := clamp(span[1]/float64(tileSize), 0, max) + 1

	return [2]int{int(lo), int(hi)}
}

// RowRange returns the half-open tile row range.
func (in *Intersection) RowRange() (int, int) {
	return in.rowRange[0], in.rowRange[1]
}

// ColRange returns the half-open tile column range.
func (in *Intersection) ColRange() (int, int) {
	return in.colRange[0], in.colRange[1]
}

// IsVisible reports whether the tile at (row, col) is inside the
// intersection.
func (in *Intersection) IsVisible(row, col int) bool {
	inside := func(v int, r [2]int) bool { return r[0] <= v && v < r[1] }
	return inside(row, in.rowRange) && inside(col, in.colRange)
}

// Chunks enumerates every tile in the intersection in row-major order:
// the full visible set, loaded or not. With create, tile objects are
// instantiated at any location that does not already have one.
func (in *Intersection) Chunks(create bool) []*Chunk {
	var chunks []*Chunk
	for row := in.rowRange[0]; row < in.rowRange[1]; row++ {
		for col := in.colRange[0]; col < in.colRange[1]; col++ {
			if c := in.Level.GetChunk(row, col, create); c != nil {
				chunks = append(chunks, c)
			}
		}
	}
	return chunks
}
