package geo

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// OriginShift is half the Web Mercator circumference in metres.
const OriginShift = 20037508.342789244

// MaxZoom is the deepest zoom level accepted in a tile address.
const MaxZoom = 30

// ErrInvalidTile is returned for tile addresses outside the quadtree.
var ErrInvalidTile = errors.New("invalid tile address")

// TileAddress identifies a tile in the Web Mercator quadtree.
type TileAddress struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

func (t TileAddress) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// Validate checks that the address exists at its zoom level.
func (t TileAddress) Validate() error {
	if t.Z < 0 || t.Z > MaxZoom {
		return fmt.Errorf("%w: zoom %d", ErrInvalidTile, t.Z)
	}
	n := 1 << uint(t.Z)
	if t.X < 0 || t.Y < 0 || t.X >= n || t.Y >= n {
		return fmt.Errorf("%w: %s (tiles per axis=%d)", ErrInvalidTile, t, n)
	}
	return nil
}

// TileBounds returns the Web Mercator bounds of a tile.
func TileBounds(t TileAddress) (ProjectedBounds, error) {
	if err := t.Validate(); err != nil {
		return ProjectedBounds{}, err
	}
	size := 2 * OriginShift / float64(int64(1)<<uint(t.Z))
	left := float64(t.X)*size - OriginShift
	top := OriginShift - float64(t.Y)*size
	return ProjectedBounds{
		MinX: left,
		MinY: top - size,
		MaxX: left + size,
		MaxY: top,
	}, nil
}

// TileAt returns the tile containing a WGS84 point at zoom z. Points on or
// beyond the antimeridian and poles are clamped into the grid.
func TileAt(lon, lat float64, z int) (x, y int) {
	lon = math.Max(-180, math.Min(180, lon))
	lat = math.Max(-maxMercatorLat, math.Min(maxMercatorLat, lat))
	t := maptile.At(orb.Point{lon, lat}, maptile.Zoom(z))
	x, y = int(t.X), int(t.Y)
	maxIdx := (1 << uint(z)) - 1
	if x > maxIdx {
		x = maxIdx
	}
	if y > maxIdx {
		y = maxIdx
	}
	return x, y
}
