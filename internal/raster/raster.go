// Package raster defines the contract of a readable raster source and reads
// single bands of a source through a virtual view reprojected onto a tile
// grid.
package raster

import (
	"errors"
	"fmt"
	"math"

	"github.com/raster-tiles/server/internal/geo"
)

// ErrUnreadable is returned when a source cannot be opened or read.
var ErrUnreadable = errors.New("raster unreadable")

// Window is a rectangle of pixels.
type Window struct {
	ColOff int `json:"col_off"`
	RowOff int `json:"row_off"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Empty reports whether the window contains no pixels.
func (w Window) Empty() bool {
	return w.Width <= 0 || w.Height <= 0
}

func (w Window) String() string {
	return fmt.Sprintf("window(col=%d row=%d w=%d h=%d)", w.ColOff, w.RowOff, w.Width, w.Height)
}

// Info is the metadata of an open raster.
type Info struct {
	CRS       geo.CRS
	Transform geo.Affine
	Width     int
	Height    int
	Bands     int
	HasNoData bool
	NoData    float64
	// HasAlpha is set when the source carries an explicit alpha sample or
	// a per-dataset mask.
	HasAlpha  bool
	DataType  string
	Overviews int
}

// Bounds returns the footprint of the raster in its native CRS.
func (i Info) Bounds() geo.ProjectedBounds {
	return i.Transform.Bounds(i.Width, i.Height)
}

// IsNoData reports whether v equals the declared nodata value.
func (i Info) IsNoData(v float64) bool {
	if !i.HasNoData {
		return false
	}
	if math.IsNaN(i.NoData) {
		return math.IsNaN(v)
	}
	return v == i.NoData
}

// Dataset is an open raster source. Implementations need not be safe for
// concurrent use; each band read opens its own handle.
type Dataset interface {
	Info() Info
	// Read returns the values of a 1-based band over win, decimated by
	// nearest neighbour onto a bufW x bufH row-major grid.
	Read(band int, win Window, bufW, bufH int) ([]float64, error)
	// ReadAlpha returns the explicit alpha over win on the same grid as
	// Read. Zero marks an invalid sample. It is only called when
	// Info().HasAlpha is set.
	ReadAlpha(win Window, bufW, bufH int) ([]float64, error)
	Close() error
}

// Opener opens datasets by path.
type Opener interface {
	Open(path string) (Dataset, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(path string) (Dataset, error)

// Open implements Opener.
func (f OpenerFunc) Open(path string) (Dataset, error) {
	return f(path)
}

// DecimatedIndex returns the source index sampled by buffer index i when
// length source pixels starting at off are read into bufLen samples.
func DecimatedIndex(i, off, length, bufLen int) int {
	idx := off + int((float64(i)+0.5)*float64(length)/float64(bufLen))
	if idx >= off+length {
		idx = off + length - 1
	}
	return idx
}

// CheckWindow validates a read request against a width x height raster.
func CheckWindow(win Window, width, height, bufW, bufH int) error {
	if win.Empty() || bufW <= 0 || bufH <= 0 {
		return fmt.Errorf("empty read of %s into %dx%d", win, bufW, bufH)
	}
	if win.ColOff < 0 || win.RowOff < 0 || win.ColOff+win.Width > width || win.RowOff+win.Height > height {
		return fmt.Errorf("%s outside %dx%d raster", win, width, height)
	}
	return nil
}
