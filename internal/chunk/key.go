// Package chunk implements the loading and caching core of the viewer:
// chunk identity (Key), load requests (Request), the byte-bounded LRU
// cache (Cache) and the asynchronous loader (Loader).
//
// There is one Loader and one Cache per process. The cache is sized as
// a fraction of system memory and the worker pool is sized for the
// whole process, so per-view instances would fight over both limits.
// Both are constructed explicitly at startup and injected into
// consumers.
package chunk

import (
	"fmt"
	"strconv"
	"strings"
)

// Key is the immutable identity of one load request. Two keys are equal
// iff source, level and indices are all equal, so Key works directly as
// a Go map key.
type Key struct {
	// SourceID is the loader-assigned identity of the data source. It
	// identifies the source by registration, never by the value of its
	// contents.
	SourceID uint64

	// Level is the resolution level the request addresses.
	Level int

	// Indices is the canonical form of the requested sub-region, built
	// only by NewKey so that equal regions always produce equal strings.
	Indices string
}

// Index is one axis of a sub-region: either a single integer position
// or a (start, stop, step) span. The zero value is position 0.
type Index struct {
	start  int
	stop   int
	step   int
	isSpan bool
}

// At returns an Index selecting a single position on an axis.
func At(pos int) Index {
	return Index{start: pos}
}

// Span returns an Index selecting the half-open range [start, stop)
// with the given step.
func Span(start, stop, step int) Index {
	return Index{start: start, stop: stop, step: step, isSpan: true}
}

func (ix Index) validate() error {
	if !ix.isSpan {
		if ix.start < 0 {
			return fmt.Errorf("negative index %d", ix.start)
		}
		return nil
	}
	if ix.start < 0 || ix.stop < ix.start {
		return fmt.Errorf("invalid span [%d, %d)", ix.start, ix.stop)
	}
	if ix.step < 1 {
		return fmt.Errorf("invalid span step %d", ix.step)
	}
	return nil
}

func (ix Index) canonical() string {
	if !ix.isSpan {
		return strconv.Itoa(ix.start)
	}
	return fmt.Sprintf("%d:%d:%d", ix.start, ix.stop, ix.step)
}

// NewKey builds a Key, canonicalizing the indices up front. Malformed
// indices are a programming error and fail immediately; they are never
// silently coerced.
func NewKey(sourceID uint64, level int, indices []Index) (Key, error) {
	if level < 0 {
		return Key{}, fmt.Errorf("chunk key: negative level %d", level)
	}
	if len(indices) == 0 {
		return Key{}, fmt.Errorf("chunk key: no indices")
	}

	parts := make([]string, len(indices))
	for i, ix := range indices {
		if err := ix.validate(); err != nil {
			return Key{}, fmt.Errorf("chunk key: axis %d: %w", i, err)
		}
		parts[i] = ix.canonical()
	}

	return Key{
		SourceID: sourceID,
		Level:    level,
		Indices:  strings.Join(parts, ","),
	}, nil
}

func (k Key) String() string {
	return fmt.Sprintf("source=%d level=%d indices=(%s)", k.SourceID, k.Level, k.Indices)
}
