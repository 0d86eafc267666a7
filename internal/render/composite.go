package render

import (
	"errors"
	"fmt"
	"math"

	"github.com/raster-tiles/server/internal/raster"
)

// ErrInvalidArguments is returned for malformed compositing inputs.
var ErrInvalidArguments = errors.New("invalid arguments")

// Output range of stretched values. 0 marks transparent pixels.
const (
	stretchMin = 1
	stretchMax = 255
)

// StretchRange is the input value range mapped onto [1, 255].
type StretchRange struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// DefaultStretch maps 8-bit input unchanged apart from the reserved 0.
var DefaultStretch = StretchRange{Low: 0, High: 255}

func (r StretchRange) String() string {
	return fmt.Sprintf("[%g,%g]", r.Low, r.High)
}

// Stretch rescales v from [low, high] onto [1, 255] and clips. A range
// narrower than 1e-8 uses a zero scale factor, so every value maps to 1.
func Stretch(v, low, high float64) float64 {
	out := v - low
	if norm := high - low; math.Abs(norm) > 1e-8 {
		out *= (stretchMax - stretchMin) / norm
	} else {
		out *= 0
	}
	out += stretchMin
	return math.Max(stretchMin, math.Min(stretchMax, out))
}

// ToUint8 stretches v and rounds half to even. NaN becomes 0.
func ToUint8(v, low, high float64) uint8 {
	s := Stretch(v, low, high)
	if math.IsNaN(s) {
		return 0
	}
	return uint8(math.RoundToEven(s))
}

// CompositeImage is an interleaved H×W×Channels 8-bit buffer.
type CompositeImage struct {
	Width    int
	Height   int
	Channels int
	Pix      []uint8
}

// NewRGB allocates a zeroed (fully transparent) RGB buffer.
func NewRGB(width, height int) *CompositeImage {
	return &CompositeImage{Width: width, Height: height, Channels: 3, Pix: make([]uint8, width*height*3)}
}

// RGB returns the pixel at (x, y).
func (c *CompositeImage) RGB(x, y int) (r, g, b uint8) {
	i := (y*c.Width + x) * c.Channels
	return c.Pix[i], c.Pix[i+1], c.Pix[i+2]
}

// Transparent reports whether (x, y) holds the (0,0,0) transparency key.
func (c *CompositeImage) Transparent(x, y int) bool {
	r, g, b := c.RGB(x, y)
	return r == 0 && g == 0 && b == 0
}

// Composite stretches three masked bands into an RGB buffer. Masked
// positions are 0 in their own channel.
func Composite(bands []*raster.MaskedRaster, ranges []StretchRange) (*CompositeImage, error) {
	if len(bands) != 3 {
		return nil, fmt.Errorf("%w: expected 3 bands, got %d", ErrInvalidArguments, len(bands))
	}
	if len(ranges) != len(bands) {
		return nil, fmt.Errorf("%w: expected %d stretch ranges, got %d", ErrInvalidArguments, len(bands), len(ranges))
	}
	for i, r := range ranges {
		if r.High < r.Low || math.IsNaN(r.Low) || math.IsNaN(r.High) {
			return nil, fmt.Errorf("%w: band %d stretch range %s has upper bound below lower bound", ErrInvalidArguments, i, r)
		}
	}
	for i, b := range bands {
		if b == nil {
			return nil, fmt.Errorf("%w: band %d is missing", ErrInvalidArguments, i)
		}
		if i > 0 && !b.SameShape(bands[0]) {
			return nil, fmt.Errorf("%w: band %d is %dx%d, band 0 is %dx%d",
				ErrInvalidArguments, i, b.Width, b.Height, bands[0].Width, bands[0].Height)
		}
	}

	out := NewRGB(bands[0].Width, bands[0].Height)
	for c, b := range bands {
		lo, hi := ranges[c].Low, ranges[c].High
		for i, v := range b.Data {
			if b.Mask[i] {
				continue
			}
			out.Pix[i*3+c] = ToUint8(v, lo, hi)
		}
	}
	return out, nil
}
