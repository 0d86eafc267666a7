package raster

import (
	"fmt"
	"math"

	"github.com/raster-tiles/server/internal/geo"
)

// PadPixels is the border added around the virtual grid on every side so
// that resampling kernels never reach past its edge. It is stripped before
// the band is returned.
const PadPixels = 2

// defaultTransformSamples is the number of source pixel positions sampled
// per axis when estimating the default output resolution.
const defaultTransformSamples = 21

// DefaultResolution estimates the pixel size of the raster once warped into
// dst. It samples a lattice of source pixel positions, takes their extent in
// dst and chooses a square pixel that keeps the total pixel count, then
// snaps the grid to whole pixels.
func DefaultResolution(info Info, dst geo.CRS) (resX, resY float64, err error) {
	if info.Width <= 0 || info.Height <= 0 {
		return 0, 0, fmt.Errorf("default resolution: invalid raster size %dx%d", info.Width, info.Height)
	}
	ext := geo.ProjectedBounds{
		MinX: math.Inf(1), MinY: math.Inf(1),
		MaxX: math.Inf(-1), MaxY: math.Inf(-1),
	}
	last := float64(defaultTransformSamples - 1)
	for j := 0; j < defaultTransformSamples; j++ {
		row := float64(j) / last * float64(info.Height)
		for i := 0; i < defaultTransformSamples; i++ {
			col := float64(i) / last * float64(info.Width)
			x, y := info.Transform.Apply(col, row)
			tx, ty := geo.Transform(info.CRS, dst, x, y)
			if math.IsNaN(tx) || math.IsNaN(ty) || math.IsInf(tx, 0) || math.IsInf(ty, 0) {
				continue
			}
			ext.MinX = math.Min(ext.MinX, tx)
			ext.MaxX = math.Max(ext.MaxX, tx)
			ext.MinY = math.Min(ext.MinY, ty)
			ext.MaxY = math.Max(ext.MaxY, ty)
		}
	}
	if !ext.Finite() || ext.Width() <= 0 || ext.Height() <= 0 {
		return 0, 0, fmt.Errorf("default resolution: raster does not project into %s", geo.Name(dst))
	}
	size := math.Sqrt(ext.Width() * ext.Height() / (float64(info.Width) * float64(info.Height)))
	nx := math.Max(1, math.Round(ext.Width()/size))
	ny := math.Max(1, math.Round(ext.Height()/size))
	return ext.Width() / nx, ext.Height() / ny, nil
}

// SamplingPlan describes the virtual grid a band is warped onto and the
// window read back from it.
type SamplingPlan struct {
	Bounds geo.ProjectedBounds `json:"bounds"`
	ResX   float64             `json:"res_x"`
	ResY   float64             `json:"res_y"`
	// Width and Height are the unpadded virtual grid size.
	Width           int        `json:"width"`
	Height          int        `json:"height"`
	PaddedWidth     int        `json:"padded_width"`
	PaddedHeight    int        `json:"padded_height"`
	PaddedTransform geo.Affine `json:"padded_transform"`
	Window          Window     `json:"window"`
	OutWidth        int        `json:"out_width"`
	OutHeight       int        `json:"out_height"`
	Resampling      Resampling `json:"resampling"`
	// Fallback is set when the tile resolution replaced the default
	// resolution, which also forces nearest resampling.
	Fallback bool `json:"fallback"`
}

// NewSamplingPlan plans the read of tile at outW x outH pixels from a raster
// described by info.
func NewSamplingPlan(info Info, dst geo.CRS, tile geo.ProjectedBounds, outW, outH int, method Resampling) (SamplingPlan, error) {
	if outW <= 0 || outH <= 0 {
		return SamplingPlan{}, fmt.Errorf("sampling plan: invalid output size %dx%d", outW, outH)
	}
	if tile.Empty() || !tile.Finite() {
		return SamplingPlan{}, fmt.Errorf("sampling plan: invalid bounds %s", tile)
	}
	resX, resY, err := DefaultResolution(info, dst)
	if err != nil {
		return SamplingPlan{}, err
	}

	plan := SamplingPlan{Bounds: tile, OutWidth: outW, OutHeight: outH, Resampling: method}
	tileResX := tile.Width() / float64(outW)
	tileResY := tile.Height() / float64(outH)
	if tileResX < resX || tileResY < resY {
		resX, resY = tileResX, tileResY
		plan.Resampling = Nearest
		plan.Fallback = true
	}
	plan.ResX, plan.ResY = resX, resY

	plan.Width = int(math.Max(1, math.RoundToEven(tile.Width()/resX)))
	plan.Height = int(math.Max(1, math.RoundToEven(tile.Height()/resY)))
	plan.PaddedWidth = plan.Width + 2*PadPixels
	plan.PaddedHeight = plan.Height + 2*PadPixels
	plan.PaddedTransform = geo.FromBounds(tile, plan.Width, plan.Height).Mul(geo.Translation(-PadPixels, -PadPixels))
	plan.Window = Window{ColOff: PadPixels, RowOff: PadPixels, Width: plan.Width, Height: plan.Height}
	return plan, nil
}
