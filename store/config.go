package store

import (
	"fmt"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/micro-manager/mmstore/mm"
	"github.com/micro-manager/mmstore/pyramid"
	"github.com/micro-manager/mmstore/storage/planelog"
)

const (
	// DefaultEngine is the key-value engine holding the coordinate index.
	DefaultEngine = "badger"

	// DefaultCacheMB is the size of the decoded plane cache in megabytes.
	DefaultCacheMB = 64
)

// Options tune a store.  The zero value gives defaults.
type Options struct {
	// Engine names the key-value engine for the index: "badger" or "memory".
	Engine string `toml:"engine"`

	// Compression of plane and tile records: none, snappy, lz4, or zstd.
	Compression mm.Compression `toml:"compression"`

	// MaxFileSize is the size at which a new plane file is started.
	MaxFileSize int64 `toml:"max_file_size"`

	// NumLevels is the number of resolution levels including full resolution.
	NumLevels int `toml:"num_levels"`

	// MaxDirtyTiles bounds the coarse tiles held in memory before persisting.
	MaxDirtyTiles int `toml:"max_dirty_tiles"`

	// CacheMB is the size of the decoded plane cache.  Negative disables it.
	CacheMB int `toml:"cache_mb"`

	// ReadOnly opens an existing store without allowing writes.
	ReadOnly bool `toml:"-"`

	// Registerer, if non-nil, receives the store's prometheus metrics.
	Registerer prometheus.Registerer `toml:"-"`
}

func (opts Options) withDefaults() Options {
	if opts.Engine == "" {
		opts.Engine = DefaultEngine
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = planelog.DefaultMaxFileSize
	}
	if opts.NumLevels <= 0 {
		opts.NumLevels = pyramid.DefaultNumLevels
	}
	if opts.MaxDirtyTiles <= 0 {
		opts.MaxDirtyTiles = pyramid.DefaultMaxDirtyTiles
	}
	if opts.CacheMB == 0 {
		opts.CacheMB = DefaultCacheMB
	}
	return opts
}

// WebConfig sets up the read-only HTTP API.
type WebConfig struct {
	// Address to listen on, e.g., "localhost:8000".
	Address string `toml:"address"`

	// CorsDomains lists origins allowed cross-origin requests.  "*" allows all.
	CorsDomains []string `toml:"cors_domains"`
}

// Config is the TOML configuration of mmstore tools.
//
//	[store]
//	engine = "badger"
//	compression = "lz4"
//	max_file_size = 4294967296
//	num_levels = 5
//	max_dirty_tiles = 512
//	cache_mb = 64
//
//	[server]
//	address = "localhost:8000"
//	cors_domains = ["*"]
//
//	[logging]
//	logfile = "/var/log/mmstore.log"
//	max_log_size = 100
//	max_log_age = 30
type Config struct {
	Store   Options
	Server  WebConfig
	Logging mm.LogConfig
}

// LoadConfig reads a TOML configuration file.
func LoadConfig(filename string) (*Config, error) {
	var c Config
	if filename == "" {
		c.Store = c.Store.withDefaults()
		return &c, nil
	}
	md, err := toml.DecodeFile(filename, &c)
	if err != nil {
		return nil, fmt.Errorf("could not decode TOML config %s: %v", filename, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		mm.Warningf("Ignoring unknown settings in %s: %v\n", filename, undecoded)
	}
	if err := c.convertPathsToAbsolute(filename); err != nil {
		return nil, err
	}
	c.Store = c.Store.withDefaults()
	return &c, nil
}

// Some settings in the TOML can be given as relative paths.
// This function converts them in-place to absolute paths,
// assuming the given paths were relative to the TOML file's own directory.
func (c *Config) convertPathsToAbsolute(configPath string) error {
	configDir := filepath.Dir(configPath)

	// [logging].logfile
	if c.Logging.Logfile != "" {
		logfile, err := mm.ConvertToAbsolute(c.Logging.Logfile, configDir)
		if err != nil {
			return fmt.Errorf("error converting logfile setting to absolute path: %v", err)
		}
		c.Logging.Logfile = logfile
	}
	return nil
}
