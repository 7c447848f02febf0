package render

import (
	"context"
	"fmt"
	"time"

	"github.com/fogleman/gg"

	"github.com/gigaview/server/internal/chunk"
)

// TestImage is a synthetic multiscale image. Every tile is drawn on
// demand with its level, row and column labelled, which makes it easy
// to see which tiles the octree chose and when they arrived. An
// optional per-tile delay simulates slow storage.
type TestImage struct {
	name     string
	tileSize int
	delay    time.Duration
	shapes   [][2]int
}

// TestImageConfig contains synthetic image settings.
type TestImageConfig struct {
	// Name shows up in logs and loader stats.
	Name string

	// Size is the full-resolution image edge length in pixels.
	Size int

	// TileSize is the tile edge length in pixels.
	TileSize int

	// Delay is an artificial per-tile draw delay.
	Delay time.Duration
}

// NewTestImage builds the level pyramid for a synthetic image. Levels
// halve until one tile covers the whole image.
func NewTestImage(cfg TestImageConfig) (*TestImage, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("test image: size %d", cfg.Size)
	}
	if cfg.TileSize <= 0 {
		return nil, fmt.Errorf("test image: tile size %d", cfg.TileSize)
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("test-image-%d", cfg.Size)
	}

	shapes := [][2]int{{cfg.Size, cfg.Size}}
	for h, w := cfg.Size, cfg.Size; h > cfg.TileSize || w > cfg.TileSize; {
		h = (h + 1) / 2
		w = (w + 1) / 2
		shapes = append(shapes, [2]int{h, w})
	}

	return &TestImage{
		name:     cfg.Name,
		tileSize: cfg.TileSize,
		delay:    cfg.Delay,
		shapes:   shapes,
	}, nil
}

// Describe returns the image name for logs and stats.
func (t *TestImage) Describe() string {
	return t.name
}

// NumLevels returns the number of pyramid levels.
func (t *TestImage) NumLevels() int {
	return len(t.shapes)
}

// LevelShape returns the (height, width) of one level.
func (t *TestImage) LevelShape(level int) (int, int) {
	shape := t.shapes[level]
	return shape[0], shape[1]
}

// TileArray returns a lazy array that draws the tile when
// materialized.
func (t *TestImage) TileArray(level, row, col int) chunk.Array {
	return chunk.ArrayFunc(func(ctx context.Context) (*chunk.NDArray, error) {
		if t.delay > 0 {
			select {
			case <-time.After(t.delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return t.drawTile(level, row, col)
	})
}

// drawTile renders one labelled tile: a level-shaded background, a
// border, and the tile's coordinates in the middle.
func (t *TestImage) drawTile(level, row, col int) (*chunk.NDArray, error) {
	shape := t.shapes[level]

	h := shape[0] - row*t.tileSize
	if h > t.tileSize {
		h = t.tileSize
	}
	w := shape[1] - col*t.tileSize
	if w > t.tileSize {
		w = t.tileSize
	}
	if h <= 0 || w <= 0 {
		return nil, fmt.Errorf("test image: tile (%d, %d) outside level %d", row, col, level)
	}

	// Coarser levels get lighter backgrounds.
	shade := 0.25 + 0.5*float64(level)/float64(len(t.shapes))

	dc := gg.NewContext(w, h)
	dc.SetRGB(shade, shade, shade)
	dc.Clear()

	dc.SetRGB(1, 1, 1)
	dc.SetLineWidth(2)
	dc.DrawRectangle(1, 1, float64(w)-2, float64(h)-2)
	dc.Stroke()

	label := fmt.Sprintf("%d/%d/%d", level, row, col)
	dc.DrawStringAnchored(label, float64(w)/2, float64(h)/2, 0.5, 0.5)

	// Collapse to grayscale; the renderer applies a colormap later.
	img := dc.Image()
	data := make([]byte, h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			data[y*w+x] = uint8((r + g + b) / 3 >> 8)
		}
	}

	return &chunk.NDArray{Shape: []int{h, w}, DType: "uint8", Data: data}, nil
}
