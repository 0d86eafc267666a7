// Package service provides business logic for the tile server.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/raster-tiles/server/internal/cache"
	"github.com/raster-tiles/server/internal/data/driver"
	"github.com/raster-tiles/server/internal/engine"
	"github.com/raster-tiles/server/internal/geo"
	"github.com/raster-tiles/server/internal/render"
)

// TileServiceConfig contains tile service configuration.
type TileServiceConfig struct {
	Dataset driver.Dataset
	Driver  *driver.Driver
	Engine  *engine.Engine
	// Cache may be nil to disable caching.
	Cache *cache.Manager
	Log   logrus.FieldLogger
}

// TileService serves RGB tiles and metadata for one dataset.
type TileService struct {
	dataset driver.Dataset
	driver  *driver.Driver
	engine  *engine.Engine
	cache   *cache.Manager
	log     logrus.FieldLogger

	// Concurrent requests for the same tile share one render.
	group singleflight.Group
}

// NewTileService creates a new tile service.
func NewTileService(cfg TileServiceConfig) *TileService {
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &TileService{
		dataset: cfg.Dataset,
		driver:  cfg.Driver,
		engine:  cfg.Engine,
		cache:   cfg.Cache,
		log:     log.WithField("dataset", cfg.Dataset.Name),
	}
}

// RGBParams are the per-request render arguments.
type RGBParams struct {
	// Bands names the red, green and blue band keys. Empty uses the
	// dataset's default_rgb.
	Bands []string
	// Stretch holds one range per band; nil uses render.DefaultStretch.
	Stretch        []render.StretchRange
	Width          int
	Height         int
	PreserveValues bool
}

// Dataset returns the dataset served.
func (s *TileService) Dataset() driver.Dataset {
	return s.dataset
}

// Bands lists the dataset's band keys.
func (s *TileService) Bands() ([]string, error) {
	return s.driver.Bands(s.dataset.Name)
}

// GetRGBTile renders one XYZ tile. Tiles outside the data return an error
// wrapping geo.ErrTileOutOfBounds.
func (s *TileService) GetRGBTile(ctx context.Context, tile geo.TileAddress, p RGBParams) ([]byte, error) {
	if err := tile.Validate(); err != nil {
		return nil, err
	}
	req, bands, err := s.request(p)
	if err != nil {
		return nil, err
	}
	req.Tile = &tile

	return s.cached(ctx, cache.RGBTileKey(s.dataset.Name, tile.String(), bands, s.params(req)), func(ctx context.Context) ([]byte, error) {
		meta, err := s.Metadata(ctx, bands[0])
		if err != nil {
			return nil, err
		}
		req.SourceBounds = meta.WGSBounds

		start := time.Now()
		data, err := s.engine.RenderRGB(ctx, req)
		if err != nil {
			return nil, err
		}
		s.log.WithFields(logrus.Fields{
			"z": tile.Z, "x": tile.X, "y": tile.Y,
			"bytes":       len(data),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("rendered tile")
		return data, nil
	})
}

// GetPreview renders the whole dataset footprint.
func (s *TileService) GetPreview(ctx context.Context, p RGBParams) ([]byte, error) {
	req, bands, err := s.request(p)
	if err != nil {
		return nil, err
	}
	return s.cached(ctx, cache.RGBTileKey(s.dataset.Name, "preview", bands, s.params(req)), func(ctx context.Context) ([]byte, error) {
		return s.engine.RenderPreview(ctx, req)
	})
}

// GetEmptyTile returns a transparent tile; zero sizes use the default.
func (s *TileService) GetEmptyTile(width, height int) ([]byte, error) {
	return s.engine.EmptyTile(width, height)
}

// Metadata describes the file holding one band. Results are kept in the
// query cache.
func (s *TileService) Metadata(ctx context.Context, band string) (*engine.Metadata, error) {
	path, err := s.driver.Path(s.dataset.Name, band)
	if err != nil {
		return nil, err
	}
	key := cache.MetadataKey(s.dataset.Name, band)
	if s.cache != nil {
		if data, ok := s.cache.GetQuery(key); ok {
			var m engine.Metadata
			if err := json.Unmarshal(data, &m); err == nil {
				return &m, nil
			}
		}
	}

	m, err := s.engine.Describe(ctx, path)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if data, err := json.Marshal(m); err == nil {
			s.cache.SetQuery(key, data)
		}
	}
	return &m, nil
}

func (s *TileService) request(p RGBParams) (engine.RGBRequest, []string, error) {
	bands := p.Bands
	if len(bands) == 0 {
		bands = s.dataset.DefaultRGB
	}
	if len(bands) != 3 {
		return engine.RGBRequest{}, nil, fmt.Errorf("%w: rgb needs 3 band keys, got %d", render.ErrInvalidArguments, len(bands))
	}
	req := engine.RGBRequest{
		Width:          p.Width,
		Height:         p.Height,
		Stretch:        p.Stretch,
		PreserveValues: p.PreserveValues,
	}
	for i, b := range bands {
		path, err := s.driver.Path(s.dataset.Name, b)
		if err != nil {
			return engine.RGBRequest{}, nil, err
		}
		req.Bands[i] = engine.BandSource{Path: path}
	}
	return req, bands, nil
}

func (s *TileService) params(req engine.RGBRequest) map[string]string {
	cfg := s.engine.Config()
	w, h := req.Width, req.Height
	if w <= 0 {
		w = cfg.TileWidth
	}
	if h <= 0 {
		h = cfg.TileHeight
	}
	stretch := req.Stretch
	if stretch == nil {
		stretch = []render.StretchRange{render.DefaultStretch, render.DefaultStretch, render.DefaultStretch}
	}
	return map[string]string{
		"size":     fmt.Sprintf("%dx%d", w, h),
		"stretch":  fmt.Sprint(stretch),
		"preserve": strconv.FormatBool(req.PreserveValues),
	}
}

// sharedRenderTimeout bounds a render whose callers have all gone away.
const sharedRenderTimeout = 2 * time.Minute

func (s *TileService) cached(ctx context.Context, key string, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	if s.cache != nil {
		if data, ok := s.cache.GetTile(key); ok {
			return data, nil
		}
	}
	// The shared render outlives any single caller; each caller stops
	// waiting when its own context ends.
	ch := s.group.DoChan(key, func() (interface{}, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedRenderTimeout)
		defer cancel()
		data, err := fn(shared)
		if err != nil {
			return nil, err
		}
		if s.cache != nil {
			if err := s.cache.SetTile(key, data); err != nil {
				s.log.WithError(err).Warn("failed to cache tile")
			}
		}
		return data, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}
