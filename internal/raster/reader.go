package raster

import (
	"context"
	"errors"
	"fmt"

	"github.com/raster-tiles/server/internal/geo"
	"github.com/raster-tiles/server/internal/trace"
)

// BandRequest selects one band of one source and the tile to read it for.
type BandRequest struct {
	Path string
	// Band is 1-based; zero reads the first band.
	Band      int
	TargetCRS geo.CRS
	// Tile is the requested extent in TargetCRS. A zero value reads the
	// whole source footprint.
	Tile   geo.ProjectedBounds
	Width  int
	Height int
	// Reprojection is the kernel used to warp between systems, Resampling
	// the one used to read the virtual grid at the output size.
	Reprojection   Resampling
	Resampling     Resampling
	PreserveValues bool
	// MinCoverRatio defaults to geo.DefaultMinCoverRatio.
	MinCoverRatio float64
}

// Reader reads bands through a virtual reprojected view.
type Reader struct {
	opener Opener
	tracer trace.Tracer
}

// NewReader creates a Reader. tracer may be nil.
func NewReader(opener Opener, tracer trace.Tracer) *Reader {
	return &Reader{opener: opener, tracer: tracer}
}

// ReadBand opens the source, rejects under-covered tiles, plans the virtual
// grid and reads one band with its validity mask. The dataset is closed
// before ReadBand returns.
func (r *Reader) ReadBand(ctx context.Context, req BandRequest) (_ *MaskedRaster, err error) {
	if req.Band == 0 {
		req.Band = 1
	}
	if req.Band < 0 || req.Width <= 0 || req.Height <= 0 || req.TargetCRS == nil {
		return nil, fmt.Errorf("read band: invalid request (band=%d size=%dx%d)", req.Band, req.Width, req.Height)
	}
	reproject, resample := req.Reprojection, req.Resampling
	if req.PreserveValues {
		reproject, resample = Nearest, Nearest
	}
	minRatio := req.MinCoverRatio
	if minRatio <= 0 {
		minRatio = geo.DefaultMinCoverRatio
	}

	_, span := trace.Start(ctx, r.tracer, "open_dataset")
	ds, err := r.opener.Open(req.Path)
	span.End()
	if err != nil {
		if errors.Is(err, ErrUnreadable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: error while reading file %s: %v", ErrUnreadable, req.Path, err)
	}
	defer func() {
		if cerr := ds.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", req.Path, cerr)
		}
	}()

	info := ds.Info()
	if req.Band > info.Bands {
		return nil, fmt.Errorf("%w: %s has %d bands, band %d requested", ErrUnreadable, req.Path, info.Bands, req.Band)
	}
	srcBounds, err := geo.TransformBounds(info.CRS, req.TargetCRS, info.Bounds())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, req.Path, err)
	}
	tile := req.Tile
	if tile == (geo.ProjectedBounds{}) {
		tile = srcBounds
	}
	if err := geo.CheckCover(srcBounds, tile, minRatio); err != nil {
		return nil, err
	}
	plan, err := NewSamplingPlan(info, req.TargetCRS, tile, req.Width, req.Height, resample)
	if err != nil {
		return nil, err
	}

	ctx, span = trace.Start(ctx, r.tracer, "read_from_vrt")
	defer span.End()
	src, err := readSourceGrid(ds, req.Band, req.TargetCRS, plan)
	if err != nil {
		return nil, err
	}
	view, err := newWarpedView(info, src, req.TargetCRS, plan, reproject)
	if err != nil {
		return nil, err
	}
	return view.readWindow(ctx, info, plan.Resampling)
}
