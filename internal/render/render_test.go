package render

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/png"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raster-tiles/server/internal/raster"
)

func band(w, h int, fn func(i int) (float64, bool)) *raster.MaskedRaster {
	b := raster.NewMaskedRaster(w, h)
	for i := range b.Data {
		b.Data[i], b.Mask[i] = fn(i)
	}
	return b
}

func TestToUint8(t *testing.T) {
	tests := []struct {
		v, lo, hi float64
		want      uint8
	}{
		{0, 0, 255, 1},
		{255, 0, 255, 255},
		{-50, 0, 255, 1},
		{1e9, 0, 255, 255},
		{127.5, 0, 254, 128},
		{5, 10, 10, 1},
		{500, 10, 10, 1},
		{10, 10, 10 + 1e-9, 1},
		{math.NaN(), 0, 255, 0},
		{math.Inf(1), 0, 255, 255},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ToUint8(tt.v, tt.lo, tt.hi), "ToUint8(%g, %g, %g)", tt.v, tt.lo, tt.hi)
	}

	// Half-way values round to even.
	assert.Equal(t, uint8(2), ToUint8(1.5, 1, 255))
	assert.Equal(t, uint8(2), ToUint8(2.5, 1, 255))
	assert.Equal(t, uint8(4), ToUint8(3.5, 1, 255))
}

func TestStretchNeverZero(t *testing.T) {
	for v := -10.0; v <= 300; v += 0.25 {
		assert.GreaterOrEqual(t, ToUint8(v, 0, 255), uint8(1))
	}
}

func TestComposite(t *testing.T) {
	r := band(2, 2, func(i int) (float64, bool) { return 255, i == 0 })
	g := band(2, 2, func(i int) (float64, bool) { return 0, i == 0 || i == 1 })
	b := band(2, 2, func(i int) (float64, bool) { return float64(i * 100), i == 0 })

	img, err := Composite([]*raster.MaskedRaster{r, g, b}, []StretchRange{DefaultStretch, DefaultStretch, {Low: 0, High: 300}})
	require.NoError(t, err)
	require.Equal(t, 2, img.Width)
	require.Len(t, img.Pix, 12)

	assert.True(t, img.Transparent(0, 0))
	rr, gg, bb := img.RGB(1, 0)
	assert.Equal(t, [3]uint8{255, 0, 86}, [3]uint8{rr, gg, bb})
	rr, gg, bb = img.RGB(1, 1)
	assert.Equal(t, [3]uint8{255, 1, 255}, [3]uint8{rr, gg, bb})
	assert.False(t, img.Transparent(1, 0))
}

func TestCompositeDegenerateRange(t *testing.T) {
	ones := func(w int) *raster.MaskedRaster {
		return band(w, 1, func(i int) (float64, bool) { return float64(i * 7), false })
	}
	img, err := Composite(
		[]*raster.MaskedRaster{ones(4), ones(4), ones(4)},
		[]StretchRange{{Low: 0, High: 255}, {Low: 10, High: 10}, {Low: 0, High: 255}},
	)
	require.NoError(t, err)
	for x := 0; x < 4; x++ {
		_, g, _ := img.RGB(x, 0)
		assert.Equal(t, uint8(1), g)
	}
}

func TestCompositeInvalid(t *testing.T) {
	b := band(2, 2, func(int) (float64, bool) { return 1, false })
	r := []StretchRange{DefaultStretch, DefaultStretch, DefaultStretch}

	_, err := Composite([]*raster.MaskedRaster{b, b}, r[:2])
	assert.ErrorIs(t, err, ErrInvalidArguments)

	_, err = Composite([]*raster.MaskedRaster{b, b, b, b}, append(r, DefaultStretch))
	assert.ErrorIs(t, err, ErrInvalidArguments)

	_, err = Composite([]*raster.MaskedRaster{b, b, b}, []StretchRange{DefaultStretch, {Low: 5, High: 4}, DefaultStretch})
	assert.ErrorIs(t, err, ErrInvalidArguments)

	_, err = Composite([]*raster.MaskedRaster{b, b, band(3, 2, func(int) (float64, bool) { return 1, false })}, r)
	assert.ErrorIs(t, err, ErrInvalidArguments)
}

func TestEncodePNG(t *testing.T) {
	enc := NewEncoder(Config{TileSize: 4, CompressLevel: 1})
	img := NewRGB(4, 3)
	for i := 3; i < len(img.Pix); i++ {
		img.Pix[i] = uint8(i)
	}

	data, err := enc.EncodePNG(img, -1)
	require.NoError(t, err)

	// tRNS follows IHDR and keys (0,0,0).
	require.Equal(t, []byte("tRNS"), data[ihdrEnd+4:ihdrEnd+8])
	assert.Equal(t, uint32(6), binary.BigEndian.Uint32(data[ihdrEnd:]))
	assert.Equal(t, make([]byte, 6), data[ihdrEnd+8:ihdrEnd+14])
	assert.Equal(t, byte(2), data[25], "color type must be truecolor")

	decoded, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 3), decoded.Bounds())

	_, _, _, a := decoded.At(0, 0).RGBA()
	assert.Zero(t, a, "(0,0,0) must decode as transparent")
	r, g, b, a := decoded.At(1, 0).RGBA()
	assert.Equal(t, uint32(0xffff), a)
	assert.Equal(t, [3]uint32{3 * 0x101, 4 * 0x101, 5 * 0x101}, [3]uint32{r, g, b})

	for level := 0; level <= 9; level++ {
		_, err := enc.EncodePNG(img, level)
		assert.NoError(t, err, "level %d", level)
	}
	_, err = enc.EncodePNG(img, 10)
	assert.ErrorIs(t, err, ErrInvalidArguments)
}

func TestEncodePNGRejectsShape(t *testing.T) {
	enc := NewEncoder(Config{})
	for _, img := range []*CompositeImage{
		nil,
		{Width: 2, Height: 2, Channels: 4, Pix: make([]uint8, 16)},
		{Width: 2, Height: 2, Channels: 1, Pix: make([]uint8, 4)},
		{Width: 2, Height: 2, Channels: 3, Pix: make([]uint8, 11)},
		{Width: 0, Height: 2, Channels: 3},
	} {
		_, err := enc.EncodePNG(img, 1)
		assert.ErrorIs(t, err, ErrInvalidShape)
	}
}

func TestEmptyTile(t *testing.T) {
	enc := NewEncoder(Config{TileSize: 256})

	data, err := enc.EmptyTile(0, 0)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 256, 256), img.Bounds())
	_, _, _, a := img.At(100, 100).RGBA()
	assert.Zero(t, a)

	data, err = enc.EmptyTile(64, 32)
	require.NoError(t, err)
	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Width)
	assert.Equal(t, 32, cfg.Height)

	again, err := enc.EmptyTile(64, 32)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}
