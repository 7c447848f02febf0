// Package zarr provides a reader for Zarr v2 image pyramid stores.
//
// The store is a directory with a metadata.json describing the pyramid
// and one sub-directory per resolution level ("0" is full resolution).
// Each level is a Zarr v2 array: a .zarray JSON document plus one file
// per chunk named "row.col". Chunks may be zstd or gzip compressed.
package zarr

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/klauspost/compress/zstd"

	"github.com/gigaview/server/internal/chunk"
)

// Metadata describes the pyramid store.
type Metadata struct {
	DatasetName string `json:"dataset_name"`
	NumLevels   int    `json:"num_levels"`
	TileSize    int    `json:"tile_size"`
}

// arrayMeta is the Zarr v2 .zarray document for one level.
type arrayMeta struct {
	Shape      []int  `json:"shape"`
	Chunks     []int  `json:"chunks"`
	DType      string `json:"dtype"`
	Compressor *struct {
		ID string `json:"id"`
	} `json:"compressor"`
	FillValue  float64 `json:"fill_value"`
	Order      string  `json:"order"`
	ZarrFormat int     `json:"zarr_format"`
}

// Reader provides access to one pyramid store. It implements
// octree.TileSource: TileArray hands out lazy arrays whose
// materialization reads and decompresses the chunk file.
type Reader struct {
	basePath string
	metadata *Metadata
	levels   []arrayMeta
	decoder  *zstd.Decoder
}

// NewReader opens a pyramid store and reads all level metadata.
func NewReader(basePath string) (*Reader, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	r := &Reader{
		basePath: basePath,
		decoder:  decoder,
	}

	if err := r.loadMetadata(); err != nil {
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}

	for level := 0; level < r.metadata.NumLevels; level++ {
		meta, err := r.loadArrayMeta(level)
		if err != nil {
			return nil, fmt.Errorf("failed to load level %d: %w", level, err)
		}
		r.levels = append(r.levels, *meta)
	}

	return r, nil
}

func (r *Reader) loadMetadata() error {
	data, err := os.ReadFile(filepath.Join(r.basePath, "metadata.json"))
	if err != nil {
		return fmt.Errorf("failed to read metadata.json: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return fmt.Errorf("failed to parse metadata.json: %w", err)
	}
	if metadata.NumLevels <= 0 {
		return fmt.Errorf("metadata.json: num_levels %d", metadata.NumLevels)
	}

	r.metadata = &metadata
	return nil
}

func (r *Reader) loadArrayMeta(level int) (*arrayMeta, error) {
	path := filepath.Join(r.levelPath(level), ".zarray")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta arrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if len(meta.Shape) != 2 || len(meta.Chunks) != 2 {
		return nil, fmt.Errorf("level %d: only 2-D arrays are supported", level)
	}
	switch meta.DType {
	case "|u1", "<u1", ">u1":
	default:
		return nil, fmt.Errorf("level %d: unsupported dtype %q", level, meta.DType)
	}
	if meta.Compressor != nil {
		switch meta.Compressor.ID {
		case "zstd", "gzip":
		default:
			return nil, fmt.Errorf("level %d: unsupported compressor %q", level, meta.Compressor.ID)
		}
	}
	return &meta, nil
}

func (r *Reader) levelPath(level int) string {
	return filepath.Join(r.basePath, strconv.Itoa(level))
}

// Metadata returns the pyramid metadata.
func (r *Reader) Metadata() *Metadata {
	return r.metadata
}

// Describe returns the dataset name for logs and stats.
func (r *Reader) Describe() string {
	if r.metadata.DatasetName != "" {
		return r.metadata.DatasetName
	}
	return filepath.Base(r.basePath)
}

// NumLevels returns the number of resolution levels.
func (r *Reader) NumLevels() int {
	return r.metadata.NumLevels
}

// LevelShape returns the (height, width) of one level.
func (r *Reader) LevelShape(level int) (int, int) {
	meta := r.levels[level]
	return meta.Shape[0], meta.Shape[1]
}

// TileArray returns a lazy array for one tile. No I/O happens until
// the array is materialized.
func (r *Reader) TileArray(level, row, col int) chunk.Array {
	return chunk.ArrayFunc(func(ctx context.Context) (*chunk.NDArray, error) {
		return r.readChunk(level, row, col)
	})
}

// readChunk reads, decompresses and crops one stored chunk. A missing
// chunk file is not an error in Zarr: the chunk is entirely fill
// value.
func (r *Reader) readChunk(level, row, col int) (*chunk.NDArray, error) {
	meta := r.levels[level]
	chunkH, chunkW := meta.Chunks[0], meta.Chunks[1]

	// Edge chunks are stored padded to the full chunk shape; the
	// in-memory tile is cropped to what the level actually covers.
	outH := meta.Shape[0] - row*chunkH
	if outH > chunkH {
		outH = chunkH
	}
	outW := meta.Shape[1] - col*chunkW
	if outW > chunkW {
		outW = chunkW
	}
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("zarr: chunk (%d, %d) outside level %d", row, col, level)
	}

	path := filepath.Join(r.levelPath(level), fmt.Sprintf("%d.%d", row, col))
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		fill := byte(meta.FillValue)
		data := make([]byte, outH*outW)
		if fill != 0 {
			for i := range data {
				data[i] = fill
			}
		}
		return &chunk.NDArray{Shape: []int{outH, outW}, DType: "uint8", Data: data}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("zarr: read chunk %s: %w", path, err)
	}

	raw, err = r.decompress(meta, raw)
	if err != nil {
		return nil, fmt.Errorf("zarr: chunk %s: %w", path, err)
	}
	if len(raw) != chunkH*chunkW {
		return nil, fmt.Errorf("zarr: chunk %s: got %d bytes, want %d", path, len(raw), chunkH*chunkW)
	}

	data := make([]byte, outH*outW)
	for y := 0; y < outH; y++ {
		copy(data[y*outW:(y+1)*outW], raw[y*chunkW:y*chunkW+outW])
	}
	return &chunk.NDArray{Shape: []int{outH, outW}, DType: "uint8", Data: data}, nil
}

func (r *Reader) decompress(meta arrayMeta, raw []byte) ([]byte, error) {
	if meta.Compressor == nil {
		return raw, nil
	}
	switch meta.Compressor.ID {
	case "zstd":
		return r.decoder.DecodeAll(raw, nil)
	case "gzip":
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		return io.ReadAll(gz)
	}
	return nil, fmt.Errorf("unsupported compressor %q", meta.Compressor.ID)
}

// Close releases the decoder.
func (r *Reader) Close() {
	r.decoder.Close()
}
