package octree

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/gigaview/server/internal/chunk"
)

// sliceIDs hands out process-unique slice identities so completions
// for a superseded slice can be recognized.
var sliceIDs atomic.Uint64

// MultiscaleSlice views one slice of a multiscale image through an
// octree. It owns the tree, the current level, and the per-frame
// reconciler, and it is where asynchronous completions land.
//
// All tile state transitions happen under the slice's mutex: Frame
// runs on the consuming goroutine, OnChunkLoaded on whichever
// goroutine pumps loader events, and the lock is the handoff
// discipline between them.
type MultiscaleSlice struct {
	mu sync.Mutex

	sliceID  uint64
	source   TileSource
	loader   *chunk.Loader
	sourceID uint64

	tree        *Tree
	level       int
	maxTiles    int
	chunkLoader *ChunkLoader

	closed bool
}

// SliceConfig contains slice configuration.
type SliceConfig struct {
	// Source provides the multiscale image's tiles.
	Source TileSource

	// Loader is the process-wide chunk loader.
	Loader *chunk.Loader

	// TileSize is the tile edge length in pixels (default 256).
	TileSize int

	// MaxTiles bounds how many tiles the auto level spans across the
	// view width (default 5).
	MaxTiles int
}

const (
	defaultTileSize = 256
	defaultMaxTiles = 5
)

// NewMultiscaleSlice builds the octree for one slice and registers its
// source with the loader.
func NewMultiscaleSlice(cfg SliceConfig) (*MultiscaleSlice, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("octree slice: nil source")
	}
	if cfg.Loader == nil {
		return nil, fmt.Errorf("octree slice: nil loader")
	}
	if cfg.TileSize <= 0 {
		cfg.TileSize = defaultTileSize
	}
	if cfg.MaxTiles <= 0 {
		cfg.MaxTiles = defaultMaxTiles
	}

	sliceID := sliceIDs.Add(1)
	tree, err := New(sliceID, cfg.Source, cfg.TileSize)
	if err != nil {
		return nil, err
	}

	sourceID := cfg.Loader.RegisterSource(cfg.Source)

	return &MultiscaleSlice{
		sliceID:     sliceID,
		source:      cfg.Source,
		loader:      cfg.Loader,
		sourceID:    sourceID,
		tree:        tree,
		level:       tree.NumLevels() - 1,
		maxTiles:    cfg.MaxTiles,
		chunkLoader: NewChunkLoader(cfg.Loader, tree, sourceID),
	}, nil
}

// SliceID returns the slice's unique identity.
func (s *MultiscaleSlice) SliceID() uint64 { return s.sliceID }

// SourceID returns the loader identity of the slice's source.
func (s *MultiscaleSlice) SourceID() uint64 { return s.sourceID }

// Tree returns the slice's octree.
func (s *MultiscaleSlice) Tree() *Tree { return s.tree }

// Level returns the currently displayed octree level.
func (s *MultiscaleSlice) Level() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

// SetLevel selects the octree level to display when auto level is off.
func (s *MultiscaleSlice) SetLevel(level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if level < 0 || level >= s.tree.NumLevels() {
		return fmt.Errorf("octree slice: level %d out of range [0, %d)", level, s.tree.NumLevels())
	}
	s.changeLevel(level)
	return nil
}

// changeLevel switches the current level, cancelling loads for the
// outgoing level. Must be called with s.mu held. Tiles whose requests
// were cancelled go back to UNLOADED so a return to the level
// resubmits them; loads already executing finish and deliver valid
// data through the normal completion path.
func (s *MultiscaleSlice) changeLevel(level int) {
	if level == s.level {
		return
	}
	s.loader.ClearPending(s.sourceID)
	s.tree.Level(s.level).resetLoading()
	s.level = level
}

// LevelInfo returns the geometry of the current level.
func (s *MultiscaleSlice) LevelInfo() LevelInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Level(s.level).Info
}

// FrameResult is one reconciliation pass over a view rectangle.
type FrameResult struct {
	// Level is the octree level the frame used.
	Level int

	// Drawable holds the tiles safe to draw now, in view order.
	Drawable []*Chunk

	// Loading holds visible tiles whose loads are still in flight.
	Loading []*Chunk
}

// Frame computes the visible tile set for a view rectangle and
// reconciles it against loader and cache state. With autoLevel the
// level is chosen from the view span and becomes the current level.
func (s *MultiscaleSlice) Frame(corners [2][2]float64, autoLevel bool) FrameResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	level := s.level
	if autoLevel {
		level = s.tree.AutoLevel(corners, s.maxTiles)
		s.changeLevel(level)
	}

	intersection := NewIntersection(s.tree.Level(level), corners)
	visible := intersection.Chunks(true)
	drawable := s.chunkLoader.DrawableChunks(visible)

	var loading []*Chunk
	for _, c := range visible {
		if c.Loading() {
			loading = append(loading, c)
		}
	}

	return FrameResult{Level: level, Drawable: drawable, Loading: loading}
}

// VisibleChunks returns the tiles a view rectangle covers without
// initiating any loads.
func (s *MultiscaleSlice) VisibleChunks(corners [2][2]float64, autoLevel bool) []*Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()

	level := s.level
	if autoLevel {
		level = s.tree.AutoLevel(corners, s.maxTiles)
		s.changeLevel(level)
	}
	return NewIntersection(s.tree.Level(level), corners).Chunks(true)
}

// ChunkAt returns the existing tile at a location, or nil. No tile
// object is created.
func (s *MultiscaleSlice) ChunkAt(level, row, col int) *Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.GetChunk(level, row, col, false)
}

// DataAt returns the materialized data for a tile if it is drawable
// right now. Status and data are read together under the slice's
// lock, so callers on other goroutines (the HTTP handlers) never race
// the completion handler's writes.
func (s *MultiscaleSlice) DataAt(level, row, col int) (*chunk.NDArray, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.tree.GetChunk(level, row, col, false)
	if c == nil || !c.InMemory() {
		return nil, false
	}
	return c.Data(), true
}

// OnChunkLoaded delivers one completed load into the octree. It
// returns true if the tile accepted the data. Stale results (slice
// changed since submission) and results for locations that no longer
// hold a tile are dropped; both are expected races, not errors.
func (s *MultiscaleSlice) OnChunkLoaded(ev chunk.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := ev.Request
	if r == nil || r.Location == nil {
		return false
	}
	loc := *r.Location

	if ev.Err != nil {
		// Failed load: reset the tile so a later pass can retry.
		if c := s.tree.GetChunk(loc.Level, loc.Row, loc.Col, false); c != nil && loc.SliceID == s.sliceID {
			c.Clear()
		}
		return false
	}

	if loc.SliceID != s.sliceID {
		// A load was in progress when the slice changed. The old load
		// finished but its data belongs to the previous slice.
		log.Printf("[octree] stale chunk dropped: %s", loc)
		return false
	}

	c := s.tree.GetChunk(loc.Level, loc.Row, loc.Col, false)
	if c == nil {
		// Load initiation always creates the tile, so this is
		// unexpected; log and keep going.
		log.Printf("[octree] no tile at completed location %s", loc)
		return false
	}

	if err := c.SetData(r.Data()); err != nil {
		log.Printf("[octree] %v", err)
		return false
	}
	return true
}

// Close unregisters the slice's source from the loader. In-flight
// loads finish and are dropped by the loader's nil-source path.
func (s *MultiscaleSlice) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.loader.UnregisterSource(s.sourceID)
	s.loader.Cache().RemoveSource(s.sourceID)
}
