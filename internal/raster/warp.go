package raster

import (
	"context"
	"fmt"
	"math"

	"github.com/raster-tiles/server/internal/geo"
)

// memoLimit is the largest virtual grid whose pixels are cached while a
// band is read back.
const memoLimit = 1 << 20

// sourceGrid is the part of the source raster under the virtual grid, read
// at a decimated resolution.
type sourceGrid struct {
	win   Window
	w, h  int
	data  []float64
	valid []bool
	// scaleX and scaleY are buffer pixels per source pixel.
	scaleX, scaleY float64
}

func (g *sourceGrid) at(i, j int) (float64, bool) {
	if g.w == 0 || g.h == 0 {
		return 0, false
	}
	i = clamp(i, 0, g.w-1)
	j = clamp(j, 0, g.h-1)
	k := j*g.w + i
	return g.data[k], g.valid[k]
}

// readSourceGrid reads the source pixels under the padded virtual grid.
// Reads are decimated to about two source samples per output pixel.
func readSourceGrid(ds Dataset, band int, dst geo.CRS, plan SamplingPlan) (*sourceGrid, error) {
	info := ds.Info()
	toPixel, err := info.Transform.Invert()
	if err != nil {
		return nil, fmt.Errorf("%w: source transform: %v", ErrUnreadable, err)
	}
	padded := plan.PaddedTransform.Bounds(plan.PaddedWidth, plan.PaddedHeight)
	ext, err := geo.TransformBounds(dst, info.CRS, padded)
	if err != nil {
		return &sourceGrid{}, nil
	}
	minCol, minRow, maxCol, maxRow := math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1)
	for _, c := range [4][2]float64{{ext.MinX, ext.MinY}, {ext.MinX, ext.MaxY}, {ext.MaxX, ext.MinY}, {ext.MaxX, ext.MaxY}} {
		col, row := toPixel.Apply(c[0], c[1])
		minCol, maxCol = math.Min(minCol, col), math.Max(maxCol, col)
		minRow, maxRow = math.Min(minRow, row), math.Max(maxRow, row)
	}
	spanCols, spanRows := maxCol-minCol, maxRow-minRow

	c0 := clamp(int(math.Floor(minCol))-2, 0, info.Width)
	r0 := clamp(int(math.Floor(minRow))-2, 0, info.Height)
	c1 := clamp(int(math.Ceil(maxCol))+2, 0, info.Width)
	r1 := clamp(int(math.Ceil(maxRow))+2, 0, info.Height)
	win := Window{ColOff: c0, RowOff: r0, Width: c1 - c0, Height: r1 - r0}
	if win.Empty() {
		return &sourceGrid{}, nil
	}

	// source pixels per output pixel along each axis
	perOutX := spanCols / float64(plan.PaddedWidth) * float64(plan.Width) / float64(plan.OutWidth)
	perOutY := spanRows / float64(plan.PaddedHeight) * float64(plan.Height) / float64(plan.OutHeight)
	bufW := decimatedSize(win.Width, perOutX)
	bufH := decimatedSize(win.Height, perOutY)

	data, err := ds.Read(band, win, bufW, bufH)
	if err != nil {
		return nil, fmt.Errorf("%w: read band %d %s: %v", ErrUnreadable, band, win, err)
	}
	var alpha []float64
	if info.HasAlpha {
		if alpha, err = ds.ReadAlpha(win, bufW, bufH); err != nil {
			return nil, fmt.Errorf("%w: read alpha %s: %v", ErrUnreadable, win, err)
		}
	}
	valid := make([]bool, len(data))
	for k, v := range data {
		valid[k] = !info.IsNoData(v) && (alpha == nil || alpha[k] != 0)
	}
	return &sourceGrid{
		win:    win,
		w:      bufW,
		h:      bufH,
		data:   data,
		valid:  valid,
		scaleX: float64(bufW) / float64(win.Width),
		scaleY: float64(bufH) / float64(win.Height),
	}, nil
}

func decimatedSize(n int, perOut float64) int {
	factor := perOut / 2
	if !(factor > 1) {
		return n
	}
	size := int(math.Ceil(float64(n) / factor))
	if size < 1 {
		return 1
	}
	return size
}

// warpedView exposes the source through the padded virtual grid of a plan.
// Pixels are evaluated lazily: only those touched by the read-back kernels
// are projected.
type warpedView struct {
	src     *sourceGrid
	plan    SamplingPlan
	toPixel geo.Affine
	srcCRS  geo.CRS
	dstCRS  geo.CRS
	srcW    int
	srcH    int
	method  Resampling
	// footprint half-extent of one virtual pixel in buffer pixels
	halfX, halfY float64

	memo  []float64
	state []uint8
}

const (
	pixelUnknown uint8 = iota
	pixelValid
	pixelInvalid
)

func newWarpedView(info Info, src *sourceGrid, dst geo.CRS, plan SamplingPlan, method Resampling) (*warpedView, error) {
	toPixel, err := info.Transform.Invert()
	if err != nil {
		return nil, fmt.Errorf("%w: source transform: %v", ErrUnreadable, err)
	}
	v := &warpedView{
		src:     src,
		plan:    plan,
		toPixel: toPixel,
		srcCRS:  info.CRS,
		dstCRS:  dst,
		srcW:    info.Width,
		srcH:    info.Height,
		method:  method,
		halfX:   0.5,
		halfY:   0.5,
	}
	if n := plan.PaddedWidth * plan.PaddedHeight; n <= memoLimit {
		v.memo = make([]float64, n)
		v.state = make([]uint8, n)
	}
	if src.w > 0 {
		// buffer pixels covered by one virtual pixel, from the grid centre
		cx, cy := float64(plan.PaddedWidth)/2, float64(plan.PaddedHeight)/2
		c0, r0, ok0 := v.project(cx, cy)
		c1, r1, ok1 := v.project(cx+1, cy+1)
		if ok0 && ok1 {
			v.halfX = math.Max(0.5, math.Abs(c1-c0)*src.scaleX/2)
			v.halfY = math.Max(0.5, math.Abs(r1-r0)*src.scaleY/2)
		}
	}
	return v, nil
}

// project maps a virtual grid position to source pixel coordinates.
func (v *warpedView) project(col, row float64) (float64, float64, bool) {
	x, y := v.plan.PaddedTransform.Apply(col, row)
	sx, sy := geo.Transform(v.dstCRS, v.srcCRS, x, y)
	if math.IsNaN(sx) || math.IsNaN(sy) || math.IsInf(sx, 0) || math.IsInf(sy, 0) {
		return 0, 0, false
	}
	c, r := v.toPixel.Apply(sx, sy)
	return c, r, true
}

func (v *warpedView) at(i, j int) (float64, bool) {
	if i < 0 || j < 0 || i >= v.plan.PaddedWidth || j >= v.plan.PaddedHeight {
		return 0, false
	}
	if v.memo == nil {
		return v.eval(i, j)
	}
	k := j*v.plan.PaddedWidth + i
	switch v.state[k] {
	case pixelValid:
		return v.memo[k], true
	case pixelInvalid:
		return 0, false
	}
	val, ok := v.eval(i, j)
	v.memo[k] = val
	if ok {
		v.state[k] = pixelValid
	} else {
		v.state[k] = pixelInvalid
	}
	return val, ok
}

// eval warps one virtual pixel. A pixel is valid when its centre falls
// inside the source and the nearest source sample is valid.
func (v *warpedView) eval(i, j int) (float64, bool) {
	col, row, ok := v.project(float64(i)+0.5, float64(j)+0.5)
	if !ok || col < 0 || row < 0 || col >= float64(v.srcW) || row >= float64(v.srcH) {
		return 0, false
	}
	if v.src.w == 0 {
		return 0, false
	}
	bx := (col - float64(v.src.win.ColOff)) * v.src.scaleX
	by := (row - float64(v.src.win.RowOff)) * v.src.scaleY
	if _, ok := v.src.at(int(math.Floor(bx)), int(math.Floor(by))); !ok {
		return 0, false
	}
	return sample(v.src, v.method, bx, by, v.halfX, v.halfY)
}

// readWindow reads the plan's output window from the virtual grid at
// outW x outH. Values use method; validity comes from the nearest virtual
// pixel, and values equal to the nodata value are masked as well.
func (v *warpedView) readWindow(ctx context.Context, info Info, method Resampling) (*MaskedRaster, error) {
	outW, outH := v.plan.OutWidth, v.plan.OutHeight
	out := NewMaskedRaster(outW, outH)
	fill := 0.0
	if info.HasNoData {
		fill = info.NoData
	}
	win := v.plan.Window
	sx := float64(win.Width) / float64(outW)
	sy := float64(win.Height) / float64(outH)
	for r := 0; r < outH; r++ {
		if r%32 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		fy := float64(win.RowOff) + (float64(r)+0.5)*sy
		for c := 0; c < outW; c++ {
			fx := float64(win.ColOff) + (float64(c)+0.5)*sx
			_, alpha := v.at(int(math.Floor(fx)), int(math.Floor(fy)))
			val, ok := sample(v, method, fx, fy, sx/2, sy/2)
			if !ok {
				val = fill
			}
			k := r*outW + c
			out.Data[k] = val
			out.Mask[k] = !alpha || info.IsNoData(val)
		}
	}
	return out, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
