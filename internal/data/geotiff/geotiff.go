// Package geotiff reads GeoTIFF and cloud optimized GeoTIFF rasters as
// raster datasets.
package geotiff

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/google/tiff"
	_ "github.com/google/tiff/bigtiff"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/raster-tiles/server/internal/raster"
)

// blockCacheSize is the number of decoded blocks kept per open file.
const blockCacheSize = 64

// File is an open GeoTIFF.
type File struct {
	path string
	f    *os.File
	info raster.Info

	// levels holds the full resolution image followed by its overviews,
	// largest first.
	levels []*ifd
	// masks holds internal mask images keyed by width.
	masks map[int]*ifd
	alpha int

	blocks *lru.Cache[blockKey, []float64]
}

type blockKey struct {
	level int
	mask  bool
	index int
}

// Opener opens GeoTIFF files from the local filesystem.
var Opener raster.Opener = raster.OpenerFunc(func(path string) (raster.Dataset, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	return f, nil
})

// Open opens a GeoTIFF and reads its georeferencing.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	file, err := newFile(path, f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return file, nil
}

func newFile(path string, f *os.File) (*File, error) {
	tif, err := tiff.Parse(f, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("parse tiff: %w", err)
	}
	file := &File{path: path, f: f, masks: make(map[int]*ifd), alpha: -1}
	for i, t := range tif.IFDs() {
		d, err := loadIFD(tif.R(), t)
		if err != nil {
			return nil, fmt.Errorf("ifd %d: %w", i, err)
		}
		switch {
		case d.isMask():
			file.masks[d.width()] = d
		case i == 0 || d.isOverview():
			file.levels = append(file.levels, d)
		}
	}
	if len(file.levels) == 0 {
		return nil, errors.New("no image directory")
	}
	main := file.levels[0]
	overviews := file.levels[1:]
	sort.SliceStable(overviews, func(a, b int) bool { return overviews[a].width() > overviews[b].width() })

	crs, transform, err := georeference(main)
	if err != nil {
		return nil, err
	}
	file.alpha = main.alphaSample()
	_, hasMask := file.masks[main.width()]
	file.info = raster.Info{
		CRS:       crs,
		Transform: transform,
		Width:     main.width(),
		Height:    main.height(),
		Bands:     int(main.SamplesPerPixel),
		HasAlpha:  file.alpha >= 0 || hasMask,
		DataType:  main.dataType(),
		Overviews: len(overviews),
	}
	if nd := strings.Trim(main.NoData, " \x00"); nd != "" {
		v, err := strconv.ParseFloat(nd, 64)
		if err != nil {
			return nil, fmt.Errorf("GDAL_NODATA %q: %w", main.NoData, err)
		}
		file.info.HasNoData = true
		file.info.NoData = v
	}
	file.blocks, err = lru.New[blockKey, []float64](blockCacheSize)
	if err != nil {
		return nil, err
	}
	return file, nil
}

// Path returns the path the file was opened from.
func (f *File) Path() string { return f.path }

// Info implements raster.Dataset.
func (f *File) Info() raster.Info { return f.info }

// Close implements raster.Dataset.
func (f *File) Close() error {
	f.blocks.Purge()
	return f.f.Close()
}

// Read implements raster.Dataset. The overview whose resolution is closest
// to, without being coarser than, the requested decimation is sampled.
func (f *File) Read(band int, win raster.Window, bufW, bufH int) ([]float64, error) {
	if band < 1 || band > f.info.Bands {
		return nil, fmt.Errorf("band %d out of range [1,%d]", band, f.info.Bands)
	}
	if err := raster.CheckWindow(win, f.info.Width, f.info.Height, bufW, bufH); err != nil {
		return nil, err
	}
	level := f.selectLevel(win, bufW, bufH)
	return f.sample(level, f.levels[level], false, band-1, win, bufW, bufH)
}

// ReadAlpha implements raster.Dataset. The alpha sample is preferred over
// an internal mask.
func (f *File) ReadAlpha(win raster.Window, bufW, bufH int) ([]float64, error) {
	if err := raster.CheckWindow(win, f.info.Width, f.info.Height, bufW, bufH); err != nil {
		return nil, err
	}
	level := f.selectLevel(win, bufW, bufH)
	if f.alpha >= 0 {
		return f.sample(level, f.levels[level], false, f.alpha, win, bufW, bufH)
	}
	if m, ok := f.masks[f.levels[level].width()]; ok {
		return f.sample(level, m, true, 0, win, bufW, bufH)
	}
	if m, ok := f.masks[f.info.Width]; ok {
		return f.sample(0, m, true, 0, win, bufW, bufH)
	}
	return nil, errors.New("raster has no alpha")
}

func (f *File) selectLevel(win raster.Window, bufW, bufH int) int {
	factor := math.Min(float64(win.Width)/float64(bufW), float64(win.Height)/float64(bufH))
	best := 0
	for i := 1; i < len(f.levels); i++ {
		ov := float64(f.info.Width) / float64(f.levels[i].width())
		if ov > factor*1.01 {
			break
		}
		best = i
	}
	return best
}

// sample reads one sample of d at the decimated positions of win, given in
// full resolution pixels.
func (f *File) sample(level int, d *ifd, mask bool, sampleIdx int, win raster.Window, bufW, bufH int) ([]float64, error) {
	sx := float64(d.width()) / float64(f.info.Width)
	sy := float64(d.height()) / float64(f.info.Height)
	cols := make([]int, bufW)
	for i := range cols {
		c := float64(win.ColOff) + (float64(i)+0.5)*float64(win.Width)/float64(bufW)
		cols[i] = clampInt(int(c*sx), 0, d.width()-1)
	}
	out := make([]float64, bufW*bufH)
	spb := d.samplesPerBlock()
	inBlock := sampleIdx
	if d.PlanarConfiguration == planarSeparate {
		inBlock = 0
	}
	bw, bh := d.blockWidth(), d.blockHeight()
	for j := 0; j < bufH; j++ {
		r := float64(win.RowOff) + (float64(j)+0.5)*float64(win.Height)/float64(bufH)
		row := clampInt(int(r*sy), 0, d.height()-1)
		for i, col := range cols {
			idx := d.blockIndex(col, row, sampleIdx)
			block, err := f.block(level, d, mask, idx)
			if err != nil {
				return nil, err
			}
			k := ((row%bh)*bw+col%bw)*spb + inBlock
			if k < len(block) {
				out[j*bufW+i] = block[k]
			}
		}
	}
	return out, nil
}

func (f *File) block(level int, d *ifd, mask bool, idx int) ([]float64, error) {
	key := blockKey{level: level, mask: mask, index: idx}
	if b, ok := f.blocks.Get(key); ok {
		return b, nil
	}
	b, err := f.decodeBlock(d, idx)
	if err != nil {
		return nil, fmt.Errorf("%s: block %d of level %d: %w", f.path, idx, level, err)
	}
	f.blocks.Add(key, b)
	return b, nil
}

func (f *File) decodeBlock(d *ifd, idx int) ([]float64, error) {
	bw, bh := d.blockWidth(), d.blockHeight()
	spb := d.samplesPerBlock()
	offset, count := d.blockLocation(idx)
	if count == 0 {
		// sparse block
		out := make([]float64, bw*bh*spb)
		if f.info.HasNoData && !d.isMask() {
			for i := range out {
				out[i] = f.info.NoData
			}
		}
		return out, nil
	}
	raw := make([]byte, count)
	if _, err := d.r.ReadAt(raw, int64(offset)); err != nil {
		return nil, err
	}
	buf, err := decompress(d.Compression, raw)
	if err != nil {
		return nil, err
	}
	if d.bits() == 1 {
		return unpackMask(buf, bw, bh), nil
	}
	order := d.r.ByteOrder()
	if err := undoPredictor(d.Predictor, buf, order, d.bits(), bw*spb, spb); err != nil {
		return nil, err
	}
	return toFloats(buf, order, d.sampleFormat(), d.bits(), bw*bh*spb)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
