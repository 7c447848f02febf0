// Package config handles configuration loading for the GigaView server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar enables or configures async loading without a config flag:
// unset or "0" keeps the synchronous defaults, "1" switches to the
// async defaults, and any other value is the path of a YAML config
// file.
const EnvVar = "GIGAVIEW_ASYNC"

// Config represents the server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Data   DataConfig   `yaml:"data"`
	Loader LoaderConfig `yaml:"loader"`
	Cache  CacheConfig  `yaml:"cache"`
	Octree OctreeConfig `yaml:"octree"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DataConfig selects the multiscale image to serve. With an empty
// ZarrPath a synthetic test image of SyntheticSize pixels per side is
// generated instead.
type DataConfig struct {
	ZarrPath      string `yaml:"zarr_path"`
	SyntheticSize int    `yaml:"synthetic_size"`
}

// LoaderConfig contains chunk loader settings.
type LoaderConfig struct {
	// Synchronous disables async loading; loads complete on the
	// calling goroutine. This is the default; async is opt-in.
	Synchronous *bool `yaml:"synchronous"`

	// NumWorkers sizes the worker pool.
	NumWorkers int `yaml:"num_workers"`

	// DelayMS debounces dispatch while the view is still changing.
	DelayMS int `yaml:"delay_ms"`

	// LoadDelayMS adds an artificial delay to every load, to simulate
	// slow storage during development.
	LoadDelayMS int `yaml:"load_delay_ms"`

	// LogPath redirects the log to a file.
	LogPath string `yaml:"log_path"`

	// TracePath records load timing spans and writes them to this file
	// in the chrome://tracing format on shutdown.
	TracePath string `yaml:"trace_path"`
}

// CacheConfig contains chunk cache settings.
type CacheConfig struct {
	Enabled     *bool   `yaml:"enabled"`
	MemFraction float64 `yaml:"mem_fraction"`

	// TileCacheSizeMB bounds the encoded-tile byte cache used by the
	// HTTP tile endpoint.
	TileCacheSizeMB int `yaml:"tile_cache_size_mb"`
}

// OctreeConfig contains octree settings.
type OctreeConfig struct {
	TileSize int `yaml:"tile_size"`
	MaxTiles int `yaml:"max_tiles"`
}

// Load reads configuration from a YAML file. The path was given
// explicitly, so a missing or unreadable file is an error rather than
// a silent fall back to defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// FromEnv builds the configuration from the GIGAVIEW_ASYNC variable.
func FromEnv() (*Config, error) {
	switch value := os.Getenv(EnvVar); value {
	case "", "0":
		return DefaultConfig(), nil
	case "1":
		cfg := DefaultConfig()
		sync := false
		cfg.Loader.Synchronous = &sync
		return cfg, nil
	default:
		return Load(value)
	}
}

// DefaultConfig returns the default configuration: synchronous loads,
// cache enabled at a tenth of system memory.
func DefaultConfig() *Config {
	sync := true
	enabled := true
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Data: DataConfig{
			SyntheticSize: 4096,
		},
		Loader: LoaderConfig{
			Synchronous: &sync,
			NumWorkers:  6,
			DelayMS:     100,
		},
		Cache: CacheConfig{
			Enabled:         &enabled,
			MemFraction:     0.1,
			TileCacheSizeMB: 128,
		},
		Octree: OctreeConfig{
			TileSize: 256,
			MaxTiles: 5,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Data.SyntheticSize == 0 {
		cfg.Data.SyntheticSize = defaults.Data.SyntheticSize
	}
	if cfg.Loader.Synchronous == nil {
		cfg.Loader.Synchronous = defaults.Loader.Synchronous
	}
	if cfg.Loader.NumWorkers == 0 {
		cfg.Loader.NumWorkers = defaults.Loader.NumWorkers
	}
	if cfg.Loader.DelayMS == 0 {
		cfg.Loader.DelayMS = defaults.Loader.DelayMS
	}
	if cfg.Cache.Enabled == nil {
		cfg.Cache.Enabled = defaults.Cache.Enabled
	}
	if cfg.Cache.MemFraction == 0 {
		cfg.Cache.MemFraction = defaults.Cache.MemFraction
	}
	if cfg.Cache.TileCacheSizeMB == 0 {
		cfg.Cache.TileCacheSizeMB = defaults.Cache.TileCacheSizeMB
	}
	if cfg.Octree.TileSize == 0 {
		cfg.Octree.TileSize = defaults.Octree.TileSize
	}
	if cfg.Octree.MaxTiles == 0 {
		cfg.Octree.MaxTiles = defaults.Octree.MaxTiles
	}
}

// Synchronous resolves the loader's synchronous flag.
func (c *Config) Synchronous() bool {
	return c.Loader.Synchronous == nil || *c.Loader.Synchronous
}

// CacheEnabled resolves the cache's enabled flag.
func (c *Config) CacheEnabled() bool {
	return c.Cache.Enabled == nil || *c.Cache.Enabled
}

// Delay returns the dispatch debounce as a duration.
func (c *Config) Delay() time.Duration {
	return time.Duration(c.Loader.DelayMS) * time.Millisecond
}

// LoadDelay returns the artificial load delay as a duration.
func (c *Config) LoadDelay() time.Duration {
	return time.Duration(c.Loader.LoadDelayMS) * time.Millisecond
}
