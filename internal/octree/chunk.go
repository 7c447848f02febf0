// Package octree indexes one multiscale image as a set of resolution
// levels, each an implicit grid of tiles, and reconciles the visible
// tile set against the chunk loader each frame.
package octree

import (
	"fmt"

	"github.com/gigaview/server/internal/chunk"
)

// Status is the load state of one tile.
type Status int

const (
	// StatusUnloaded means no data is available and no load is running.
	StatusUnloaded Status = iota
	// StatusLoading means a request was submitted and has not yet
	// completed or been cancelled.
	StatusLoading
	// StatusInMemory means the tile's data is materialized and drawable.
	StatusInMemory
)

func (s Status) String() string {
	switch s {
	case StatusUnloaded:
		return "UNLOADED"
	case StatusLoading:
		return "LOADING"
	case StatusInMemory:
		return "IN_MEMORY"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Chunk is one tile of the octree. It is mutated in exactly two
// places: the reconciliation pass and the completion handler; both run
// under the owning slice's lock.
//
// Invariant: StatusInMemory implies Data() is non-nil. A chunk moves
// UNLOADED -> LOADING -> IN_MEMORY, or is reset to UNLOADED by Clear,
// and never holds stale data tagged as current.
type Chunk struct {
	// Location fixes the tile's position within the octree.
	Location chunk.Location

	source chunk.Array
	data   *chunk.NDArray
	status Status
}

func newChunk(loc chunk.Location, source chunk.Array) *Chunk {
	c := &Chunk{Location: loc, source: source}
	if nd, ok := source.(*chunk.NDArray); ok {
		// Eagerly provided data needs no load.
		c.data = nd
		c.status = StatusInMemory
	}
	return c
}

// Status returns the tile's load state.
func (c *Chunk) Status() Status { return c.status }

// InMemory reports whether the tile is drawable right now.
func (c *Chunk) InMemory() bool { return c.status == StatusInMemory }

// Loading reports whether a load is in flight for the tile.
func (c *Chunk) Loading() bool { return c.status == StatusLoading }

// NeedsLoad reports whether a load should be initiated.
func (c *Chunk) NeedsLoad() bool { return c.status == StatusUnloaded }

// Data returns the materialized tile data, nil unless InMemory.
func (c *Chunk) Data() *chunk.NDArray { return c.data }

// SourceArray returns the lazily loadable array for the tile.
func (c *Chunk) SourceArray() chunk.Array { return c.source }

// MarkLoading records that a request was submitted for the tile.
func (c *Chunk) MarkLoading() {
	c.status = StatusLoading
}

// SetData stores the loaded data and makes the tile drawable.
func (c *Chunk) SetData(nd *chunk.NDArray) error {
	if nd == nil {
		return fmt.Errorf("octree chunk %s: nil data", c.Location)
	}
	c.data = nd
	c.status = StatusInMemory
	return nil
}

// Clear drops any loaded data and resets the tile to UNLOADED, so the
// next reconciliation pass reloads it from the source. Used when the
// cache is disabled or the data was superseded.
func (c *Chunk) Clear() {
	c.data = nil
	c.status = StatusUnloaded
}

func (c *Chunk) String() string {
	return fmt.Sprintf("chunk(%s %s)", c.Location, c.status)
}
