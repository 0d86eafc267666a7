package geo

import (
	"errors"
	"math"
)

// Affine maps pixel coordinates (col, row) to CRS coordinates:
//
//	x = A*col + B*row + C
//	y = D*col + E*row + F
type Affine struct {
	A, B, C float64
	D, E, F float64
}

// Identity returns the identity transform.
func Identity() Affine {
	return Affine{A: 1, E: 1}
}

// Translation returns a transform shifting by (dx, dy).
func Translation(dx, dy float64) Affine {
	return Affine{A: 1, C: dx, E: 1, F: dy}
}

// Scale returns a transform scaling by (sx, sy).
func Scale(sx, sy float64) Affine {
	return Affine{A: sx, E: sy}
}

// FromBounds returns the north-up transform that stretches b over a grid of
// width x height pixels, with the origin at the north-west corner.
func FromBounds(b ProjectedBounds, width, height int) Affine {
	return Translation(b.MinX, b.MaxY).Mul(Scale(b.Width()/float64(width), -b.Height()/float64(height)))
}

// Mul returns the composition m*n, which applies n first and then m.
func (m Affine) Mul(n Affine) Affine {
	return Affine{
		A: m.A*n.A + m.B*n.D,
		B: m.A*n.B + m.B*n.E,
		C: m.A*n.C + m.B*n.F + m.C,
		D: m.D*n.A + m.E*n.D,
		E: m.D*n.B + m.E*n.E,
		F: m.D*n.C + m.E*n.F + m.F,
	}
}

// Apply maps (col, row) to (x, y).
func (m Affine) Apply(col, row float64) (x, y float64) {
	return m.A*col + m.B*row + m.C, m.D*col + m.E*row + m.F
}

var errSingular = errors.New("affine transform is not invertible")

// Invert returns the inverse transform.
func (m Affine) Invert() (Affine, error) {
	det := m.A*m.E - m.B*m.D
	if det == 0 || math.IsNaN(det) {
		return Affine{}, errSingular
	}
	ia := m.E / det
	ib := -m.B / det
	id := -m.D / det
	ie := m.A / det
	return Affine{
		A: ia, B: ib, C: -(ia*m.C + ib*m.F),
		D: id, E: ie, F: -(id*m.C + ie*m.F),
	}, nil
}

// Resolution returns the absolute pixel size along each axis.
func (m Affine) Resolution() (float64, float64) {
	return math.Hypot(m.A, m.D), math.Hypot(m.B, m.E)
}

// Bounds returns the bounding box of a width x height grid.
func (m Affine) Bounds(width, height int) ProjectedBounds {
	w, h := float64(width), float64(height)
	b := ProjectedBounds{
		MinX: math.Inf(1), MinY: math.Inf(1),
		MaxX: math.Inf(-1), MaxY: math.Inf(-1),
	}
	for _, c := range [4][2]float64{{0, 0}, {w, 0}, {0, h}, {w, h}} {
		x, y := m.Apply(c[0], c[1])
		b.MinX = math.Min(b.MinX, x)
		b.MaxX = math.Max(b.MaxX, x)
		b.MinY = math.Min(b.MinY, y)
		b.MaxY = math.Max(b.MaxY, y)
	}
	return b
}
