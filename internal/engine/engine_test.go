package engine

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raster-tiles/server/internal/data/geotiff"
	"github.com/raster-tiles/server/internal/data/geotiff/geotifftest"
	"github.com/raster-tiles/server/internal/geo"
	"github.com/raster-tiles/server/internal/raster"
	"github.com/raster-tiles/server/internal/render"
	"github.com/raster-tiles/server/internal/trace"
)

var testTile = geo.TileAddress{X: 511, Y: 338, Z: 10}

// around returns the bounds of t grown by half a tile on every side.
func around(t *testing.T, tile geo.TileAddress) geo.ProjectedBounds {
	t.Helper()
	b, err := geo.TileBounds(tile)
	require.NoError(t, err)
	pad := b.Width() / 2
	return geo.ProjectedBounds{MinX: b.MinX - pad, MinY: b.MinY - pad, MaxX: b.MaxX + pad, MaxY: b.MaxY + pad}
}

func constant(t *testing.T, b geo.ProjectedBounds, w, h int, v float64) *raster.Memory {
	t.Helper()
	data := make([]float64, w*h)
	for i := range data {
		data[i] = v
	}
	m, err := raster.NewMemory(raster.Info{
		CRS:       geo.WebMercator,
		Transform: geo.FromBounds(b, w, h),
		Width:     w,
		Height:    h,
	}, [][]float64{data}, nil)
	require.NoError(t, err)
	return m
}

type fixture struct {
	catalog *raster.MemoryCatalog
	bands   [3]*raster.Memory
	engine  *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	b := around(t, testTile)
	f := &fixture{catalog: raster.NewMemoryCatalog()}
	for i, v := range []float64{100, 150, 200} {
		f.bands[i] = constant(t, b, 1024, 1024, v)
		f.catalog.Add([]string{"red", "green", "blue"}[i], f.bands[i])
	}
	e, err := New(DefaultConfig(), f.catalog, opts...)
	require.NoError(t, err)
	f.engine = e
	return f
}

func rgbSources() [3]BandSource {
	return [3]BandSource{{Path: "red"}, {Path: "green"}, {Path: "blue"}}
}

func decode(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img
}

func TestRenderRGB(t *testing.T) {
	f := newFixture(t)
	tile := testTile

	data, err := f.engine.RenderRGB(context.Background(), RGBRequest{Bands: rgbSources(), Tile: &tile})
	require.NoError(t, err)

	img := decode(t, data)
	require.Equal(t, image.Rect(0, 0, 256, 256), img.Bounds())
	for y := 0; y < 256; y += 5 {
		for x := 0; x < 256; x += 5 {
			r, g, b, a := img.At(x, y).RGBA()
			require.Equal(t, uint32(0xffff), a, "pixel %d,%d transparent", x, y)
			require.Equal(t, [3]uint32{101, 150, 200}, [3]uint32{r >> 8, g >> 8, b >> 8}, "pixel %d,%d", x, y)
		}
	}
	for i, m := range f.bands {
		assert.Equal(t, int64(1), m.Closes(), "band %d", i)
	}
}

func TestRenderRGBChannelOrder(t *testing.T) {
	f := newFixture(t)
	slow := raster.OpenerFunc(func(path string) (raster.Dataset, error) {
		if path == "red" {
			time.Sleep(30 * time.Millisecond)
		}
		return f.catalog.Open(path)
	})
	e, err := New(DefaultConfig(), slow)
	require.NoError(t, err)

	tile := testTile
	data, err := e.RenderRGB(context.Background(), RGBRequest{Bands: rgbSources(), Tile: &tile, Width: 32, Height: 32})
	require.NoError(t, err)
	r, g, b, _ := decode(t, data).At(16, 16).RGBA()
	assert.Equal(t, [3]uint32{101, 150, 200}, [3]uint32{r >> 8, g >> 8, b >> 8})
}

func TestRenderRGBDegenerateStretch(t *testing.T) {
	f := newFixture(t)
	tile := testTile
	data, err := f.engine.RenderRGB(context.Background(), RGBRequest{
		Bands:   rgbSources(),
		Tile:    &tile,
		Width:   64,
		Height:  64,
		Stretch: []render.StretchRange{render.DefaultStretch, {Low: 10, High: 10}, render.DefaultStretch},
	})
	require.NoError(t, err)
	img := decode(t, data)
	for y := 0; y < 64; y += 7 {
		for x := 0; x < 64; x += 7 {
			_, g, _, _ := img.At(x, y).RGBA()
			require.Equal(t, uint32(1), g>>8)
		}
	}
}

func TestRenderRGBOutOfBounds(t *testing.T) {
	f := newFixture(t)
	far := geo.TileAddress{X: 0, Y: 0, Z: 10}
	wgs, err := geo.TransformBounds(geo.WebMercator, geo.WGS84, around(t, testTile))
	require.NoError(t, err)

	_, err = f.engine.RenderRGB(context.Background(), RGBRequest{Bands: rgbSources(), Tile: &far, SourceBounds: wgs})
	assert.ErrorIs(t, err, geo.ErrTileOutOfBounds)
	assert.Zero(t, f.catalog.Opens(), "range check runs before any open")

	// A source covering a sliver of the tile is rejected by the cover ratio.
	tb, err := geo.TileBounds(testTile)
	require.NoError(t, err)
	sliver := geo.ProjectedBounds{MinX: tb.MinX, MinY: tb.MinY, MaxX: tb.MinX + tb.Width()/20, MaxY: tb.MinY + tb.Height()/20}
	small := constant(t, sliver, 16, 16, 7)
	f.catalog.Add("small", small)
	tile := testTile
	_, err = f.engine.RenderRGB(context.Background(), RGBRequest{
		Bands: [3]BandSource{{Path: "small"}, {Path: "small"}, {Path: "small"}},
		Tile:  &tile,
	})
	assert.ErrorIs(t, err, geo.ErrTileOutOfBounds)
	assert.Equal(t, int64(3), small.Closes())

	empty, err := f.engine.EmptyTile(0, 0)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 256, 256), decode(t, empty).Bounds())
}

func TestRenderRGBErrors(t *testing.T) {
	f := newFixture(t)
	tile := testTile
	ctx := context.Background()

	_, err := f.engine.RenderRGB(ctx, RGBRequest{Bands: rgbSources(), Tile: &tile, Stretch: []render.StretchRange{render.DefaultStretch}})
	assert.ErrorIs(t, err, render.ErrInvalidArguments)

	_, err = f.engine.RenderRGB(ctx, RGBRequest{
		Bands:   rgbSources(),
		Tile:    &tile,
		Stretch: []render.StretchRange{render.DefaultStretch, {Low: 5, High: 1}, render.DefaultStretch},
	})
	assert.ErrorIs(t, err, render.ErrInvalidArguments)
	assert.Zero(t, f.catalog.Opens())

	bands := rgbSources()
	bands[2].Path = "missing"
	_, err = f.engine.RenderRGB(ctx, RGBRequest{Bands: bands, Tile: &tile})
	assert.ErrorIs(t, err, raster.ErrUnreadable)
	assert.Contains(t, err.Error(), "missing")

	bad := geo.TileAddress{X: 4, Y: 0, Z: 1}
	_, err = f.engine.RenderRGB(ctx, RGBRequest{Bands: rgbSources(), Tile: &bad})
	assert.ErrorIs(t, err, geo.ErrInvalidTile)

	level := 12
	_, err = f.engine.RenderRGB(ctx, RGBRequest{Bands: rgbSources(), Tile: &tile, Width: 8, Height: 8, CompressLevel: &level})
	assert.ErrorIs(t, err, render.ErrInvalidArguments)
}

func TestRenderPreview(t *testing.T) {
	cat := raster.NewMemoryCatalog()
	b := geo.ProjectedBounds{MinX: 0, MinY: 0, MaxX: 20000, MaxY: 10000}
	for _, name := range []string{"r", "g", "b"} {
		cat.Add(name, constant(t, b, 200, 100, 255))
	}
	e, err := New(DefaultConfig(), cat)
	require.NoError(t, err)

	data, err := e.RenderPreview(context.Background(), RGBRequest{
		Bands: [3]BandSource{{Path: "r"}, {Path: "g"}, {Path: "b"}},
	})
	require.NoError(t, err)
	img := decode(t, data)
	assert.Equal(t, image.Rect(0, 0, 256, 128), img.Bounds())
	r, g, bl, a := img.At(128, 64).RGBA()
	assert.Equal(t, [4]uint32{255, 255, 255, 255}, [4]uint32{r >> 8, g >> 8, bl >> 8, a >> 8})
}

func TestRenderRGBGeoTIFF(t *testing.T) {
	dir := t.TempDir()
	b := around(t, testTile)
	var sources [3]BandSource
	for i, v := range []float64{10, 20, 30} {
		path := filepath.Join(dir, []string{"scene_red.tif", "scene_green.tif", "scene_blue.tif"}[i])
		require.NoError(t, geotifftest.Write(path, geotifftest.Options{
			Width:       512,
			Height:      512,
			Bands:       [][]float64{geotifftest.Fill(512, 512, func(c, r int) float64 { return v })},
			EPSG:        3857,
			Bounds:      b,
			Compression: "deflate",
			TileSize:    256,
		}))
		sources[i] = BandSource{Path: path}
	}
	e, err := New(DefaultConfig(), geotiff.Opener)
	require.NoError(t, err)

	meta, err := e.Describe(context.Background(), sources[0].Path)
	require.NoError(t, err)
	assert.Equal(t, "EPSG:3857", meta.CRS)
	assert.Equal(t, 512, meta.Width)
	assert.InDelta(t, b.MinX, meta.TargetBounds.MinX, 1e-6)

	tile := testTile
	data, err := e.RenderRGB(context.Background(), RGBRequest{
		Bands:        sources,
		Tile:         &tile,
		SourceBounds: meta.WGSBounds,
		Stretch:      []render.StretchRange{{Low: 0, High: 254}, {Low: 0, High: 254}, {Low: 0, High: 254}},
	})
	require.NoError(t, err)
	r, g, bl, a := decode(t, data).At(100, 100).RGBA()
	assert.Equal(t, [4]uint32{11, 21, 31, 255}, [4]uint32{r >> 8, g >> 8, bl >> 8, a >> 8})
}

func TestTracerSpans(t *testing.T) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	f := newFixture(t, WithTracer(trace.NewLogTracer(log)))

	tile := testTile
	_, err := f.engine.RenderRGB(context.Background(), RGBRequest{Bands: rgbSources(), Tile: &tile, Width: 16, Height: 16})
	require.NoError(t, err)

	counts := map[string]int{}
	for _, entry := range hook.AllEntries() {
		counts[entry.Data["span"].(string)]++
	}
	assert.Equal(t, map[string]int{"rgb_handler": 1, "open_dataset": 3, "read_from_vrt": 3}, counts)
}

func TestPlanTile(t *testing.T) {
	f := newFixture(t)
	b, err := f.engine.PlanTile(geo.TileAddress{X: 1, Y: 0, Z: 1}, geo.ProjectedBounds{})
	require.NoError(t, err)
	assert.InDelta(t, 0, b.MinX, 1e-6)
	assert.InDelta(t, geo.OriginShift, b.MaxY, 1e-6)

	_, err = f.engine.PlanTile(geo.TileAddress{X: 0, Y: 0, Z: -1}, geo.ProjectedBounds{})
	assert.ErrorIs(t, err, geo.ErrInvalidTile)

	cfg := DefaultConfig()
	cfg.TargetCRS = geo.WGS84
	e, err := New(cfg, f.catalog)
	require.NoError(t, err)
	b, err = e.PlanTile(geo.TileAddress{X: 1, Y: 0, Z: 1}, geo.ProjectedBounds{})
	require.NoError(t, err)
	assert.InDelta(t, 0, b.MinX, 1e-9)
	assert.InDelta(t, 180, b.MaxX, 1e-9)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cases := map[string]func(*Config){
		"tile size":  func(c *Config) { c.TileWidth = 0 },
		"level":      func(c *Config) { c.CompressLevel = 10 },
		"resampling": func(c *Config) { c.Resampling = raster.Resampling(42) },
		"crs":        func(c *Config) { c.TargetCRS = nil },
		"cover":      func(c *Config) { c.MinCoverRatio = -1 },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), name)
		_, err := New(cfg, raster.NewMemoryCatalog())
		assert.Error(t, err, name)
	}
	_, err := New(DefaultConfig(), nil)
	assert.Error(t, err)
}
