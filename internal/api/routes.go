// Package api provides HTTP handlers for the GigaView server.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/gigaview/server/internal/cache"
	"github.com/gigaview/server/internal/chunk"
	"github.com/gigaview/server/internal/octree"
	"github.com/gigaview/server/internal/render"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Slice       *octree.MultiscaleSlice
	Loader      *chunk.Loader
	TileCache   *cache.Manager
	Renderer    *render.TileRenderer
	CORSOrigins []string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/metadata", metadataHandler(cfg.Slice))
		r.Get("/view", viewHandler(cfg.Slice))
		r.Put("/level", levelHandler(cfg.Slice))
		r.Get("/loader", loaderHandler(cfg.Loader, cfg.TileCache))
	})

	r.Get("/tiles/{level}/{row}/{col}.png", tileHandler(cfg.Slice, cfg.TileCache, cfg.Renderer))

	return r
}

// levelMetadata is the per-level geometry in the metadata response.
type levelMetadata struct {
	Level        int    `json:"level"`
	Scale        int    `json:"scale"`
	Shape        [2]int `json:"shape"`
	ShapeInTiles [2]int `json:"shape_in_tiles"`
}

func metadataHandler(slice *octree.MultiscaleSlice) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tree := slice.Tree()

		levels := make([]levelMetadata, tree.NumLevels())
		for i := range levels {
			info := tree.Level(i).Info
			levels[i] = levelMetadata{
				Level:        i,
				Scale:        info.Scale,
				Shape:        info.LevelShape,
				ShapeInTiles: info.ShapeInTiles,
			}
		}

		writeJSON(w, map[string]interface{}{
			"tile_size":     tree.TileSize(),
			"num_levels":    tree.NumLevels(),
			"current_level": slice.Level(),
			"levels":        levels,
		})
	}
}

// tileRef identifies one tile in a view response.
type tileRef struct {
	Level int `json:"level"`
	Row   int `json:"row"`
	Col   int `json:"col"`
}

// viewHandler runs one frame pass for a view rectangle. The query
// carries the rectangle's data-coordinate corners; with auto=1 the
// octree level is chosen from the view span.
func viewHandler(slice *octree.MultiscaleSlice) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		corners, err := parseCorners(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		auto := r.URL.Query().Get("auto") == "1"

		result := slice.Frame(corners, auto)

		drawable := make([]tileRef, 0, len(result.Drawable))
		for _, c := range result.Drawable {
			drawable = append(drawable, tileRef{c.Location.Level, c.Location.Row, c.Location.Col})
		}
		loading := make([]tileRef, 0, len(result.Loading))
		for _, c := range result.Loading {
			loading = append(loading, tileRef{c.Location.Level, c.Location.Row, c.Location.Col})
		}

		writeJSON(w, map[string]interface{}{
			"level":    result.Level,
			"drawable": drawable,
			"loading":  loading,
		})
	}
}

func parseCorners(r *http.Request) ([2][2]float64, error) {
	var corners [2][2]float64
	q := r.URL.Query()

	// Corners are (row, col): y is the row axis, x the column axis.
	for _, p := range []struct {
		name string
		dst  *float64
	}{
		{"y0", &corners[0][0]},
		{"x0", &corners[0][1]},
		{"y1", &corners[1][0]},
		{"x1", &corners[1][1]},
	} {
		raw := q.Get(p.name)
		if raw == "" {
			return corners, fmt.Errorf("missing query parameter %q", p.name)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return corners, fmt.Errorf("invalid %q: %v", p.name, err)
		}
		*p.dst = v
	}
	return corners, nil
}

func levelHandler(slice *octree.MultiscaleSlice) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Level int `json:"level"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		if err := slice.SetLevel(body.Level); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]interface{}{"level": body.Level})
	}
}

func loaderHandler(loader *chunk.Loader, tileCache *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"synchronous": loader.Synchronous(),
			"sources":     loader.SourceStats(),
			"chunk_cache": loader.Cache().Stats(),
			"tile_cache":  tileCache.Stats(),
		})
	}
}

// tileHandler serves one tile as PNG. Tiles are only served from
// memory: a tile that has not been loaded yet is 404 and the client
// retries after a later view pass. Encoded tiles are cached.
func tileHandler(slice *octree.MultiscaleSlice, tileCache *cache.Manager, renderer *render.TileRenderer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		level, err1 := strconv.Atoi(chi.URLParam(r, "level"))
		row, err2 := strconv.Atoi(chi.URLParam(r, "row"))
		col, err3 := strconv.Atoi(chi.URLParam(r, "col"))
		if err1 != nil || err2 != nil || err3 != nil {
			http.Error(w, "invalid tile coordinates", http.StatusBadRequest)
			return
		}

		colormapName := r.URL.Query().Get("colormap")
		key := cache.TileKey(level, row, col)
		if colormapName != "" {
			key += ":" + colormapName
		}

		if data, ok := tileCache.GetTile(key); ok {
			serveTile(w, data)
			return
		}

		// DataAt snapshots status and data under the slice lock, so a
		// completion landing concurrently cannot race this read.
		nd, ok := slice.DataAt(level, row, col)
		if !ok {
			http.Error(w, "tile not loaded", http.StatusNotFound)
			return
		}

		data, err := renderer.RenderChunk(nd, colormapName)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		tileCache.SetTile(key, data)
		serveTile(w, data)
	}
}

func serveTile(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=60")
	w.Write(data)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
