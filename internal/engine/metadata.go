package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/raster-tiles/server/internal/geo"
	"github.com/raster-tiles/server/internal/raster"
	"github.com/raster-tiles/server/internal/trace"
)

// Metadata describes one raster file.
type Metadata struct {
	Path      string              `json:"path"`
	CRS       string              `json:"crs"`
	Width     int                 `json:"width"`
	Height    int                 `json:"height"`
	Bands     int                 `json:"bands"`
	DataType  string              `json:"data_type"`
	NoData    *float64            `json:"nodata"`
	HasAlpha  bool                `json:"has_alpha"`
	Overviews int                 `json:"overviews"`
	Bounds    geo.ProjectedBounds `json:"bounds"`
	// WGSBounds is the footprint in longitude/latitude.
	WGSBounds geo.ProjectedBounds `json:"wgs_bounds"`
	// TargetBounds is the footprint in the engine's target CRS.
	TargetBounds geo.ProjectedBounds `json:"target_bounds"`
	ResX         float64             `json:"res_x"`
	ResY         float64             `json:"res_y"`
}

// Describe opens path and returns its metadata.
func (e *Engine) Describe(ctx context.Context, path string) (_ Metadata, err error) {
	_, span := trace.Start(ctx, e.tracer, "open_dataset")
	ds, err := e.opener.Open(path)
	span.End()
	if err != nil {
		if errors.Is(err, raster.ErrUnreadable) {
			return Metadata{}, err
		}
		return Metadata{}, fmt.Errorf("%w: error while reading file %s: %v", raster.ErrUnreadable, path, err)
	}
	defer func() {
		if cerr := ds.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", path, cerr)
		}
	}()

	info := ds.Info()
	m := Metadata{
		Path:      path,
		CRS:       geo.Name(info.CRS),
		Width:     info.Width,
		Height:    info.Height,
		Bands:     info.Bands,
		DataType:  info.DataType,
		HasAlpha:  info.HasAlpha,
		Overviews: info.Overviews,
		Bounds:    info.Bounds(),
	}
	// JSON cannot carry NaN.
	if info.HasNoData && !math.IsNaN(info.NoData) && !math.IsInf(info.NoData, 0) {
		nd := info.NoData
		m.NoData = &nd
	}
	m.ResX, m.ResY = info.Transform.Resolution()
	if m.WGSBounds, err = geo.TransformBounds(info.CRS, geo.WGS84, m.Bounds); err != nil {
		return Metadata{}, fmt.Errorf("%w: %s: %v", raster.ErrUnreadable, path, err)
	}
	if m.TargetBounds, err = geo.TransformBounds(info.CRS, e.cfg.TargetCRS, m.Bounds); err != nil {
		return Metadata{}, fmt.Errorf("%w: %s: %v", raster.ErrUnreadable, path, err)
	}
	return m, nil
}
