package geo

import (
	"errors"
	"fmt"
)

// ErrTileOutOfBounds is returned when a tile does not overlap a source
// enough to be worth reading. Callers substitute a transparent tile.
var ErrTileOutOfBounds = errors.New("tile out of bounds")

// DefaultMinCoverRatio rejects tiles that a source covers by less than 1%.
const DefaultMinCoverRatio = 0.01

// CoverRatio compares the extents of the source and tile boxes. It is a
// deliberately cheap heuristic and not an intersection area.
func CoverRatio(src, tile ProjectedBounds) float64 {
	return src.Width() / tile.Width() * src.Height() / tile.Height()
}

// CheckCover fails with ErrTileOutOfBounds when the cover ratio is below
// minRatio.
func CheckCover(src, tile ProjectedBounds, minRatio float64) error {
	ratio := CoverRatio(src, tile)
	if !(ratio >= minRatio) {
		return fmt.Errorf("%w: dataset covers %.4g%% of tile, need %.4g%%", ErrTileOutOfBounds, ratio*100, minRatio*100)
	}
	return nil
}

// CheckTileRange fails with ErrTileOutOfBounds when t lies outside the tile
// range spanned by wgsBounds (longitude/latitude) at t's zoom.
func CheckTileRange(wgsBounds ProjectedBounds, t TileAddress) error {
	minX, minY := TileAt(wgsBounds.MinX, wgsBounds.MaxY, t.Z)
	maxX, maxY := TileAt(wgsBounds.MaxX, wgsBounds.MinY, t.Z)
	if t.X < minX || t.X > maxX || t.Y < minY || t.Y > maxY {
		return fmt.Errorf("%w: tile %s is outside image bounds", ErrTileOutOfBounds, t)
	}
	return nil
}
