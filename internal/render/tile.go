// Package render turns decoded chunks into PNG tiles.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"sync"

	"github.com/gigaview/server/internal/chunk"
	"github.com/gigaview/server/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	TileSize        int
	DefaultColormap string
}

// TileRenderer encodes chunk data as PNG, applying a colormap to
// grayscale tiles.
type TileRenderer struct {
	config     Config
	bufferPool sync.Pool
}

// NewTileRenderer creates a new tile renderer.
func NewTileRenderer(cfg Config) *TileRenderer {
	return &TileRenderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// RenderChunk encodes one decoded chunk as a PNG tile. The chunk must
// be 2-D uint8; values are mapped through the named colormap.
func (r *TileRenderer) RenderChunk(nd *chunk.NDArray, colormapName string) ([]byte, error) {
	if nd == nil {
		return nil, fmt.Errorf("render: nil chunk")
	}
	if len(nd.Shape) != 2 {
		return nil, fmt.Errorf("render: chunk has %d dimensions, want 2", len(nd.Shape))
	}
	h, w := nd.Shape[0], nd.Shape[1]
	if len(nd.Data) != h*w {
		return nil, fmt.Errorf("render: chunk has %d bytes, want %d", len(nd.Data), h*w)
	}

	if colormapName == "" {
		colormapName = r.config.DefaultColormap
	}
	cmap := colormap.ByName(colormapName)

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := cmap.At(float64(nd.Data[y*w+x]) / 255.0)
			img.Set(x, y, c)
		}
	}

	return r.encode(img)
}

// CreateEmptyTile creates a transparent tile for locations still
// loading.
func (r *TileRenderer) CreateEmptyTile() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, r.config.TileSize, r.config.TileSize))
	return r.encode(img)
}

func (r *TileRenderer) encode(img image.Image) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, img); err != nil {
		return nil, err
	}

	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
