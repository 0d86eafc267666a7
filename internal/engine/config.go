package engine

import (
	"fmt"

	"github.com/raster-tiles/server/internal/geo"
	"github.com/raster-tiles/server/internal/raster"
)

// Config holds the settings every render shares. It is copied into the
// Engine at construction and never modified afterwards.
type Config struct {
	TileWidth     int
	TileHeight    int
	CompressLevel int
	Resampling    raster.Resampling
	Reprojection  raster.Resampling
	TargetCRS     geo.CRS
	MinCoverRatio float64
}

// DefaultConfig returns the stock render settings.
func DefaultConfig() Config {
	return Config{
		TileWidth:     256,
		TileHeight:    256,
		CompressLevel: 1,
		Resampling:    raster.Average,
		Reprojection:  raster.Bilinear,
		TargetCRS:     geo.WebMercator,
		MinCoverRatio: geo.DefaultMinCoverRatio,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.TileWidth <= 0 || c.TileHeight <= 0 {
		return fmt.Errorf("tile size must be positive, got %dx%d", c.TileWidth, c.TileHeight)
	}
	if c.CompressLevel < 0 || c.CompressLevel > 9 {
		return fmt.Errorf("png compression level %d not in [0, 9]", c.CompressLevel)
	}
	for _, m := range []raster.Resampling{c.Resampling, c.Reprojection} {
		if _, err := raster.ParseResampling(m.String()); err != nil {
			return err
		}
	}
	if c.TargetCRS == nil {
		return fmt.Errorf("target CRS is required")
	}
	if c.MinCoverRatio < 0 {
		return fmt.Errorf("min cover ratio must not be negative, got %g", c.MinCoverRatio)
	}
	return nil
}
