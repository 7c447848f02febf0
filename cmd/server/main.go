// Package main is the entry point for the GigaView server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gigaview/server/internal/api"
	"github.com/gigaview/server/internal/cache"
	"github.com/gigaview/server/internal/chunk"
	"github.com/gigaview/server/internal/config"
	"github.com/gigaview/server/internal/data/zarr"
	"github.com/gigaview/server/internal/octree"
	"github.com/gigaview/server/internal/render"
	"github.com/gigaview/server/pkg/perf"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (overrides "+config.EnvVar+")")
	flag.Parse()

	// Load configuration
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.Loader.LogPath != "" {
		f, err := os.OpenFile(cfg.Loader.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		defer f.Close()
		log.SetOutput(f)
	}

	log.Printf("Starting GigaView server on port %d", cfg.Server.Port)

	// Initialize the chunk cache and loader (shared across all slices)
	chunkCache, err := chunk.NewCache(chunk.CacheConfig{
		Enabled:     cfg.CacheEnabled(),
		MemFraction: cfg.Cache.MemFraction,
	})
	if err != nil {
		log.Fatalf("Failed to initialize chunk cache: %v", err)
	}

	// With a trace path configured, load timing spans are recorded and
	// written out on shutdown for chrome://tracing.
	var recorder *perf.Recorder
	var timers perf.Timers
	if cfg.Loader.TracePath != "" {
		recorder = perf.NewRecorder()
		timers = recorder
	}

	loader, err := chunk.NewLoader(chunk.LoaderConfig{
		Synchronous: cfg.Synchronous(),
		NumWorkers:  cfg.Loader.NumWorkers,
		Delay:       cfg.Delay(),
		LoadDelay:   cfg.LoadDelay(),
		Cache:       chunkCache,
		Timers:      timers,
	})
	if err != nil {
		log.Fatalf("Failed to initialize chunk loader: %v", err)
	}
	defer loader.Stop()

	log.Printf("Chunk loader: synchronous=%v, workers=%d, delay=%v",
		cfg.Synchronous(), cfg.Loader.NumWorkers, cfg.Delay())

	// Open the multiscale image: a Zarr pyramid store, or a synthetic
	// test image when no path is configured.
	var source octree.TileSource
	if cfg.Data.ZarrPath != "" {
		reader, err := zarr.NewReader(cfg.Data.ZarrPath)
		if err != nil {
			log.Fatalf("Failed to open Zarr store: %v", err)
		}
		defer reader.Close()
		source = reader
		log.Printf("Loaded %q from %s: %d levels", reader.Describe(), cfg.Data.ZarrPath, reader.NumLevels())
	} else {
		img, err := render.NewTestImage(render.TestImageConfig{
			Size:     cfg.Data.SyntheticSize,
			TileSize: cfg.Octree.TileSize,
			Delay:    cfg.LoadDelay(),
		})
		if err != nil {
			log.Fatalf("Failed to create test image: %v", err)
		}
		source = img
		log.Printf("Serving synthetic %dx%d test image: %d levels",
			cfg.Data.SyntheticSize, cfg.Data.SyntheticSize, img.NumLevels())
	}

	slice, err := octree.NewMultiscaleSlice(octree.SliceConfig{
		Source:   source,
		Loader:   loader,
		TileSize: cfg.Octree.TileSize,
		MaxTiles: cfg.Octree.MaxTiles,
	})
	if err != nil {
		log.Fatalf("Failed to build octree: %v", err)
	}
	defer slice.Close()

	// Pump loader completions into the octree. Events whose source was
	// unregistered carry a nil Source and are dropped.
	go func() {
		for ev := range loader.Events() {
			if ev.Source == nil {
				continue
			}
			slice.OnChunkLoaded(ev)
		}
	}()

	// Initialize the encoded-tile cache and renderer
	tileCache, err := cache.NewManager(cache.Config{
		TileCacheSizeMB: cfg.Cache.TileCacheSizeMB,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tile cache: %v", err)
	}
	defer tileCache.Close()

	renderer := render.NewTileRenderer(render.Config{
		TileSize:        cfg.Octree.TileSize,
		DefaultColormap: "gray",
	})

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Slice:       slice,
		Loader:      loader,
		TileCache:   tileCache,
		Renderer:    renderer,
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	if recorder != nil {
		f, err := os.Create(cfg.Loader.TracePath)
		if err != nil {
			log.Printf("Failed to create trace file: %v", err)
		} else {
			if err := perf.WriteTrace(f, recorder.Events()); err != nil {
				log.Printf("Failed to write trace: %v", err)
			} else {
				log.Printf("Wrote load trace to %s", cfg.Loader.TracePath)
			}
			f.Close()
		}
	}

	log.Println("Server stopped")
}
