// Package config handles configuration loading for the raster tile server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/raster-tiles/server/internal/data/driver"
	"github.com/raster-tiles/server/internal/engine"
	"github.com/raster-tiles/server/internal/geo"
	"github.com/raster-tiles/server/internal/raster"
)

// Config represents the server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Data   DataConfig   `yaml:"data"`
	Cache  CacheConfig  `yaml:"cache"`
	Render RenderConfig `yaml:"render"`
	Log    LogConfig    `yaml:"log"`
	Trace  TraceConfig  `yaml:"trace"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port                int      `yaml:"port"`
	Title               string   `yaml:"title"`
	CORSOrigins         []string `yaml:"cors_origins"`
	ReadTimeoutSeconds  int      `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int      `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds  int      `yaml:"idle_timeout_seconds"`
}

// Timeouts returns the read, write and idle timeouts.
func (s ServerConfig) Timeouts() (read, write, idle time.Duration) {
	return time.Duration(s.ReadTimeoutSeconds) * time.Second,
		time.Duration(s.WriteTimeoutSeconds) * time.Second,
		time.Duration(s.IdleTimeoutSeconds) * time.Second
}

// DataConfig locates raster files. Datasets keep their YAML order.
type DataConfig struct {
	Root           string                   `yaml:"root"`
	PathTemplate   string                   `yaml:"path_template"`
	DefaultDataset string                   `yaml:"default_dataset"`
	Datasets       map[string]DatasetConfig `yaml:"-"`

	order []string
}

// DatasetConfig describes one dataset of single-band files.
type DatasetConfig struct {
	Description  string   `yaml:"description"`
	Bands        []string `yaml:"bands"`
	DefaultRGB   []string `yaml:"default_rgb"`
	Root         string   `yaml:"root"`
	PathTemplate string   `yaml:"path_template"`
}

// UnmarshalYAML decodes the data section, recording dataset order.
func (d *DataConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Root           string    `yaml:"root"`
		PathTemplate   string    `yaml:"path_template"`
		DefaultDataset string    `yaml:"default_dataset"`
		Datasets       yaml.Node `yaml:"datasets"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	d.Root, d.PathTemplate, d.DefaultDataset = raw.Root, raw.PathTemplate, raw.DefaultDataset
	d.Datasets = make(map[string]DatasetConfig)
	d.order = nil

	switch raw.Datasets.Kind {
	case 0:
		return nil
	case yaml.MappingNode:
	default:
		return fmt.Errorf("line %d: data.datasets must be a mapping", raw.Datasets.Line)
	}
	for i := 0; i+1 < len(raw.Datasets.Content); i += 2 {
		name := raw.Datasets.Content[i].Value
		var ds DatasetConfig
		if err := raw.Datasets.Content[i+1].Decode(&ds); err != nil {
			return fmt.Errorf("dataset %q: %w", name, err)
		}
		if _, dup := d.Datasets[name]; dup {
			return fmt.Errorf("dataset %q defined twice", name)
		}
		d.Datasets[name] = ds
		d.order = append(d.order, name)
	}
	return nil
}

// DatasetIDs returns dataset names in configuration order.
func (d DataConfig) DatasetIDs() []string {
	return append([]string(nil), d.order...)
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	Enabled        *bool `yaml:"enabled"`
	TileSizeMB     int   `yaml:"tile_size_mb"`
	TileTTLMinutes int   `yaml:"tile_ttl_minutes"`
	QueryCacheSize int   `yaml:"query_cache_size"`
}

// On reports whether tile caching is enabled.
func (c CacheConfig) On() bool {
	return c.Enabled == nil || *c.Enabled
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	TileSize           int     `yaml:"tile_size"`
	PNGCompressLevel   *int    `yaml:"png_compress_level"`
	ResamplingMethod   string  `yaml:"resampling_method"`
	ReprojectionMethod string  `yaml:"reprojection_method"`
	TargetCRS          string  `yaml:"target_crs"`
	MinCoverRatio      float64 `yaml:"min_cover_ratio"`
}

// LogConfig selects the log level and format (text or json).
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TraceConfig toggles span logging of the render pipeline.
type TraceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	level := 1
	return &Config{
		Server: ServerConfig{
			Port:                8080,
			Title:               "Raster Tiles",
			CORSOrigins:         []string{"*"},
			ReadTimeoutSeconds:  30,
			WriteTimeoutSeconds: 60,
			IdleTimeoutSeconds:  120,
		},
		Data: DataConfig{
			Root:         "./data",
			PathTemplate: driver.DefaultPathTemplate,
			Datasets:     map[string]DatasetConfig{},
		},
		Cache: CacheConfig{
			TileSizeMB:     512,
			TileTTLMinutes: 10,
			QueryCacheSize: 1000,
		},
		Render: RenderConfig{
			TileSize:           256,
			PNGCompressLevel:   &level,
			ResamplingMethod:   "average",
			ReprojectionMethod: "linear",
			TargetCRS:          "EPSG:3857",
			MinCoverRatio:      geo.DefaultMinCoverRatio,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Trace: TraceConfig{
			Level: "debug",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = defaults.Server.ReadTimeoutSeconds
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = defaults.Server.WriteTimeoutSeconds
	}
	if cfg.Server.IdleTimeoutSeconds == 0 {
		cfg.Server.IdleTimeoutSeconds = defaults.Server.IdleTimeoutSeconds
	}
	if cfg.Data.Root == "" {
		cfg.Data.Root = defaults.Data.Root
	}
	if cfg.Data.PathTemplate == "" {
		cfg.Data.PathTemplate = defaults.Data.PathTemplate
	}
	if cfg.Data.Datasets == nil {
		cfg.Data.Datasets = map[string]DatasetConfig{}
	}
	if cfg.Data.DefaultDataset == "" && len(cfg.Data.order) > 0 {
		cfg.Data.DefaultDataset = cfg.Data.order[0]
	}
	if cfg.Cache.TileSizeMB == 0 {
		cfg.Cache.TileSizeMB = defaults.Cache.TileSizeMB
	}
	if cfg.Cache.TileTTLMinutes == 0 {
		cfg.Cache.TileTTLMinutes = defaults.Cache.TileTTLMinutes
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}
	if cfg.Render.TileSize == 0 {
		cfg.Render.TileSize = defaults.Render.TileSize
	}
	if cfg.Render.PNGCompressLevel == nil {
		cfg.Render.PNGCompressLevel = defaults.Render.PNGCompressLevel
	}
	if cfg.Render.ResamplingMethod == "" {
		cfg.Render.ResamplingMethod = defaults.Render.ResamplingMethod
	}
	if cfg.Render.ReprojectionMethod == "" {
		cfg.Render.ReprojectionMethod = defaults.Render.ReprojectionMethod
	}
	if cfg.Render.TargetCRS == "" {
		cfg.Render.TargetCRS = defaults.Render.TargetCRS
	}
	if cfg.Render.MinCoverRatio == 0 {
		cfg.Render.MinCoverRatio = defaults.Render.MinCoverRatio
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}
	if cfg.Trace.Level == "" {
		cfg.Trace.Level = defaults.Trace.Level
	}
}

// Validate checks settings that defaults cannot repair.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Data.DefaultDataset != "" && len(c.Data.Datasets) > 0 {
		if _, ok := c.Data.Datasets[c.Data.DefaultDataset]; !ok {
			errs = append(errs, fmt.Errorf("data.default_dataset %q is not configured", c.Data.DefaultDataset))
		}
	}
	if _, err := c.Driver(); err != nil {
		errs = append(errs, fmt.Errorf("data: %w", err))
	}
	if _, err := c.Engine(); err != nil {
		errs = append(errs, fmt.Errorf("render: %w", err))
	}
	if c.Cache.TileSizeMB < 0 || c.Cache.TileTTLMinutes < 0 || c.Cache.QueryCacheSize < 0 {
		errs = append(errs, fmt.Errorf("cache sizes must not be negative"))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if f := strings.ToLower(c.Log.Format); f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	if _, err := logrus.ParseLevel(c.Trace.Level); err != nil {
		errs = append(errs, fmt.Errorf("trace.level: %w", err))
	}
	return errors.Join(errs...)
}

// Engine converts the render section into an engine configuration.
func (c *Config) Engine() (engine.Config, error) {
	r := c.Render
	resampling, err := raster.ParseResampling(r.ResamplingMethod)
	if err != nil {
		return engine.Config{}, fmt.Errorf("resampling_method: %w", err)
	}
	reprojection, err := raster.ParseResampling(r.ReprojectionMethod)
	if err != nil {
		return engine.Config{}, fmt.Errorf("reprojection_method: %w", err)
	}
	crs, err := geo.ParseCRS(r.TargetCRS)
	if err != nil {
		return engine.Config{}, fmt.Errorf("target_crs: %w", err)
	}
	level := 1
	if r.PNGCompressLevel != nil {
		level = *r.PNGCompressLevel
	}
	cfg := engine.Config{
		TileWidth:     r.TileSize,
		TileHeight:    r.TileSize,
		CompressLevel: level,
		Resampling:    resampling,
		Reprojection:  reprojection,
		TargetCRS:     crs,
		MinCoverRatio: r.MinCoverRatio,
	}
	return cfg, cfg.Validate()
}

// Driver builds the key resolver for the data section.
func (c *Config) Driver() (*driver.Driver, error) {
	datasets := make([]driver.Dataset, 0, len(c.Data.order))
	for _, name := range c.Data.order {
		ds := c.Data.Datasets[name]
		datasets = append(datasets, driver.Dataset{
			Name:         name,
			Description:  ds.Description,
			Bands:        ds.Bands,
			DefaultRGB:   ds.DefaultRGB,
			Root:         ds.Root,
			PathTemplate: ds.PathTemplate,
		})
	}
	return driver.New(c.Data.Root, c.Data.PathTemplate, datasets)
}

// Logger builds a logrus logger for the log section.
func (c *Config) Logger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetLevel(level)
	if strings.EqualFold(c.Log.Format, "json") {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}
