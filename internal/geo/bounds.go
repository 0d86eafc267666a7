// Package geo converts tile addresses and raster footprints between
// coordinate reference systems and decides when a tile is out of bounds.
package geo

import (
	"fmt"
	"math"
)

// ProjectedBounds is an axis-aligned bounding box in some CRS.
type ProjectedBounds struct {
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`
}

// Width returns the extent along the x axis.
func (b ProjectedBounds) Width() float64 {
	return b.MaxX - b.MinX
}

// Height returns the extent along the y axis.
func (b ProjectedBounds) Height() float64 {
	return b.MaxY - b.MinY
}

// Empty reports whether the box has no area.
func (b ProjectedBounds) Empty() bool {
	return !(b.MaxX > b.MinX) || !(b.MaxY > b.MinY)
}

// Intersects reports whether the two boxes overlap with positive area.
func (b ProjectedBounds) Intersects(o ProjectedBounds) bool {
	return b.MinX < o.MaxX && o.MinX < b.MaxX && b.MinY < o.MaxY && o.MinY < b.MaxY
}

// Finite reports whether every coordinate is a finite number.
func (b ProjectedBounds) Finite() bool {
	for _, v := range [4]float64{b.MinX, b.MinY, b.MaxX, b.MaxY} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (b ProjectedBounds) String() string {
	return fmt.Sprintf("[%f %f %f %f]", b.MinX, b.MinY, b.MaxX, b.MaxY)
}
