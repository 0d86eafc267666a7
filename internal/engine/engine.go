// Package engine renders RGB tiles from three single-band rasters.
package engine

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/raster-tiles/server/internal/geo"
	"github.com/raster-tiles/server/internal/raster"
	"github.com/raster-tiles/server/internal/render"
	"github.com/raster-tiles/server/internal/trace"
)

// Engine runs the tile pipeline: plan, read three bands concurrently,
// composite and encode. It is safe for concurrent use.
type Engine struct {
	cfg     Config
	opener  raster.Opener
	reader  *raster.Reader
	encoder *render.Encoder
	tracer  trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithTracer records pipeline stages on t.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// New creates an engine reading rasters through opener.
func New(cfg Config, opener raster.Opener, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	if opener == nil {
		return nil, fmt.Errorf("engine: opener is required")
	}
	e := &Engine{cfg: cfg, opener: opener}
	for _, opt := range opts {
		opt(e)
	}
	e.reader = raster.NewReader(opener, e.tracer)
	e.encoder = render.NewEncoder(render.Config{
		TileSize:      cfg.TileWidth,
		CompressLevel: cfg.CompressLevel,
	})
	return e, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// BandSource names one raster band.
type BandSource struct {
	Path string `json:"path"`
	// Band is 1-based; zero selects the first band.
	Band int `json:"band,omitempty"`
}

// RGBRequest describes one RGB render.
type RGBRequest struct {
	Bands [3]BandSource
	// Tile is nil for a render of each band's whole footprint.
	Tile *geo.TileAddress
	// SourceBounds is the WGS84 footprint used for the tile range check.
	// A zero value skips the check.
	SourceBounds geo.ProjectedBounds
	// Width and Height default to the configured tile size.
	Width  int
	Height int
	// Stretch holds one range per band; nil uses render.DefaultStretch.
	Stretch        []render.StretchRange
	PreserveValues bool
	// CompressLevel is used when it lies in [0, 9].
	CompressLevel *int
}

func (e *Engine) size(w, h int) (int, int) {
	if w <= 0 {
		w = e.cfg.TileWidth
	}
	if h <= 0 {
		h = e.cfg.TileHeight
	}
	return w, h
}

// PlanTile returns the bounds of t in the target CRS. When sourceWGS is
// set, tiles outside the source's tile range fail with
// geo.ErrTileOutOfBounds.
func (e *Engine) PlanTile(t geo.TileAddress, sourceWGS geo.ProjectedBounds) (geo.ProjectedBounds, error) {
	bounds, err := geo.TileBounds(t)
	if err != nil {
		return geo.ProjectedBounds{}, err
	}
	if sourceWGS != (geo.ProjectedBounds{}) {
		if err := geo.CheckTileRange(sourceWGS, t); err != nil {
			return geo.ProjectedBounds{}, err
		}
	}
	if geo.Same(e.cfg.TargetCRS, geo.WebMercator) {
		return bounds, nil
	}
	return geo.TransformBounds(geo.WebMercator, e.cfg.TargetCRS, bounds)
}

// ReadBand reads one band over tile at width x height. A zero tile reads
// the whole source footprint.
func (e *Engine) ReadBand(ctx context.Context, src BandSource, tile geo.ProjectedBounds, width, height int, preserveValues bool) (*raster.MaskedRaster, error) {
	width, height = e.size(width, height)
	return e.reader.ReadBand(ctx, raster.BandRequest{
		Path:           src.Path,
		Band:           src.Band,
		TargetCRS:      e.cfg.TargetCRS,
		Tile:           tile,
		Width:          width,
		Height:         height,
		Reprojection:   e.cfg.Reprojection,
		Resampling:     e.cfg.Resampling,
		PreserveValues: preserveValues,
		MinCoverRatio:  e.cfg.MinCoverRatio,
	})
}

// Composite stretches three bands into an RGB buffer.
func (e *Engine) Composite(bands []*raster.MaskedRaster, ranges []render.StretchRange) (*render.CompositeImage, error) {
	if ranges == nil {
		ranges = []render.StretchRange{render.DefaultStretch, render.DefaultStretch, render.DefaultStretch}
	}
	return render.Composite(bands, ranges)
}

// EncodePNG encodes img; a negative level uses the configured one.
func (e *Engine) EncodePNG(img *render.CompositeImage, level int) ([]byte, error) {
	return e.encoder.EncodePNG(img, level)
}

// EmptyTile returns a transparent PNG at the given size.
func (e *Engine) EmptyTile(width, height int) ([]byte, error) {
	return e.encoder.EmptyTile(e.size(width, height))
}

// RenderRGB renders req as a PNG. The three bands are read concurrently
// and composited in red, green, blue order; the first read error is
// returned.
func (e *Engine) RenderRGB(ctx context.Context, req RGBRequest) ([]byte, error) {
	width, height := e.size(req.Width, req.Height)

	var tile geo.ProjectedBounds
	if req.Tile != nil {
		var err error
		if tile, err = e.PlanTile(*req.Tile, req.SourceBounds); err != nil {
			return nil, err
		}
	}
	return e.render(ctx, req, tile, width, height)
}

func (e *Engine) render(ctx context.Context, req RGBRequest, tile geo.ProjectedBounds, width, height int) ([]byte, error) {
	if req.Stretch != nil && len(req.Stretch) != 3 {
		return nil, fmt.Errorf("%w: stretch ranges must contain 3 values, got %d", render.ErrInvalidArguments, len(req.Stretch))
	}
	for i, r := range req.Stretch {
		if r.High < r.Low {
			return nil, fmt.Errorf("%w: band %d upper stretch bound must be higher than lower bound", render.ErrInvalidArguments, i)
		}
	}
	ctx, span := trace.Start(ctx, e.tracer, "rgb_handler")
	defer span.End()

	bands := make([]*raster.MaskedRaster, 3)
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range req.Bands {
		g.Go(func() error {
			b, err := e.ReadBand(gctx, src, tile, width, height, req.PreserveValues)
			if err != nil {
				return err
			}
			bands[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	img, err := e.Composite(bands, req.Stretch)
	if err != nil {
		return nil, err
	}
	level := -1
	if req.CompressLevel != nil {
		level = *req.CompressLevel
	}
	return e.EncodePNG(img, level)
}

// RenderPreview renders all three bands over the footprint of the red
// source so that bands with different extents stay aligned.
func (e *Engine) RenderPreview(ctx context.Context, req RGBRequest) ([]byte, error) {
	meta, err := e.Describe(ctx, req.Bands[0].Path)
	if err != nil {
		return nil, err
	}
	width, height := e.size(req.Width, req.Height)
	if req.Width <= 0 && req.Height <= 0 {
		width, height = previewSize(meta.TargetBounds, max(width, height))
	}
	return e.render(ctx, req, meta.TargetBounds, width, height)
}

// previewSize fits bounds into a longest side of n pixels.
func previewSize(b geo.ProjectedBounds, n int) (int, int) {
	w, h := b.Width(), b.Height()
	if w >= h {
		return n, max(1, int(math.Round(float64(n)*h/w)))
	}
	return max(1, int(math.Round(float64(n)*w/h))), n
}
