// Package geotifftest writes small GeoTIFF files for tests.
package geotifftest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"github.com/raster-tiles/server/internal/geo"
)

// Options describes the file to write.
type Options struct {
	Width  int
	Height int
	// Bands holds Width*Height row-major values per band.
	Bands [][]float64
	// Alpha adds an unassociated alpha sample after the bands.
	Alpha []float64
	// Mask adds a GDAL internal 1-bit mask; true marks valid pixels.
	Mask []bool
	// DataType is one of uint8, uint16, int16, int32, float32, float64.
	// It defaults to uint8.
	DataType string
	EPSG     int
	Bounds   geo.ProjectedBounds
	NoData   *float64
	// Compression is none, deflate or zstd.
	Compression  string
	Predictor    int
	TileSize     int
	RowsPerStrip int
	Planar       bool
	PixelIsPoint bool
	// Projection writes a user-defined projected system in place of EPSG.
	Projection *geo.Definition
	// Overviews lists decimation factors of reduced resolution images.
	Overviews []int
}

// Float returns a pointer to v, for Options.NoData.
func Float(v float64) *float64 { return &v }

// Fill returns width*height values computed by fn.
func Fill(width, height int, fn func(col, row int) float64) []float64 {
	out := make([]float64, width*height)
	for r := 0; r < height; r++ {
		for c := 0; c < width; c++ {
			out[r*width+c] = fn(c, r)
		}
	}
	return out
}

const (
	typeASCII  = 2
	typeShort  = 3
	typeLong   = 4
	typeDouble = 12
)

type entry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

var order = binary.LittleEndian

func shorts(tag uint16, v ...uint16) entry {
	b := make([]byte, 2*len(v))
	for i, x := range v {
		order.PutUint16(b[2*i:], x)
	}
	return entry{tag: tag, typ: typeShort, count: uint32(len(v)), data: b}
}

func longs(tag uint16, v ...uint32) entry {
	b := make([]byte, 4*len(v))
	for i, x := range v {
		order.PutUint32(b[4*i:], x)
	}
	return entry{tag: tag, typ: typeLong, count: uint32(len(v)), data: b}
}

func doubles(tag uint16, v ...float64) entry {
	b := make([]byte, 8*len(v))
	for i, x := range v {
		order.PutUint64(b[8*i:], math.Float64bits(x))
	}
	return entry{tag: tag, typ: typeDouble, count: uint32(len(v)), data: b}
}

func ascii(tag uint16, s string) entry {
	b := append([]byte(s), 0)
	return entry{tag: tag, typ: typeASCII, count: uint32(len(b)), data: b}
}

// image is one directory to write: samples are interleaved per pixel.
type image struct {
	width, height int
	samples       [][]float64
	bits          int
	format        uint16
	subfile       uint32
	mask          bool
}

// Write writes a little-endian classic GeoTIFF to path.
func Write(path string, o Options) error {
	data, err := Encode(o)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Encode returns the bytes of the GeoTIFF described by o.
func Encode(o Options) ([]byte, error) {
	if o.Width <= 0 || o.Height <= 0 || len(o.Bands) == 0 {
		return nil, fmt.Errorf("geotifftest: need size and at least one band")
	}
	bits, format, err := layout(o.DataType)
	if err != nil {
		return nil, err
	}
	samples := append([][]float64{}, o.Bands...)
	if o.Alpha != nil {
		samples = append(samples, o.Alpha)
	}
	for i, s := range samples {
		if len(s) != o.Width*o.Height {
			return nil, fmt.Errorf("geotifftest: sample %d has %d values", i, len(s))
		}
	}

	images := []image{{width: o.Width, height: o.Height, samples: samples, bits: bits, format: format}}
	for _, f := range o.Overviews {
		images = append(images, image{
			width: (o.Width + f - 1) / f, height: (o.Height + f - 1) / f,
			samples: decimate(samples, o.Width, o.Height, f),
			bits:    bits, format: format, subfile: 1,
		})
	}
	if o.Mask != nil {
		m := make([]float64, len(o.Mask))
		for i, v := range o.Mask {
			if v {
				m[i] = 1
			}
		}
		images = append(images, image{width: o.Width, height: o.Height, samples: [][]float64{m}, bits: 1, format: 1, subfile: 4, mask: true})
	}

	buf := &bytes.Buffer{}
	buf.Write([]byte{'I', 'I', 42, 0, 0, 0, 0, 0})
	dirs := make([][]entry, len(images))
	for i, img := range images {
		entries, err := writeBlocks(buf, img, o)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			entries = append(entries, geoEntries(o)...)
		}
		dirs[i] = entries
	}

	out := buf.Bytes()
	next := 4
	for _, entries := range dirs {
		if len(out)%2 == 1 {
			out = append(out, 0)
		}
		order.PutUint32(out[next:], uint32(len(out)))
		out, next = appendIFD(out, entries)
	}
	return out, nil
}

func layout(dataType string) (int, uint16, error) {
	switch dataType {
	case "", "uint8":
		return 8, 1, nil
	case "uint16":
		return 16, 1, nil
	case "int16":
		return 16, 2, nil
	case "int32":
		return 32, 2, nil
	case "float32":
		return 32, 3, nil
	case "float64":
		return 64, 3, nil
	}
	return 0, 0, fmt.Errorf("geotifftest: unsupported data type %q", dataType)
}

func decimate(samples [][]float64, w, h, f int) [][]float64 {
	ow, oh := (w+f-1)/f, (h+f-1)/f
	out := make([][]float64, len(samples))
	for s, src := range samples {
		dst := make([]float64, ow*oh)
		for r := 0; r < oh; r++ {
			for c := 0; c < ow; c++ {
				dst[r*ow+c] = src[min(h-1, r*f)*w+min(w-1, c*f)]
			}
		}
		out[s] = dst
	}
	return out
}

// writeBlocks appends the encoded blocks of img to buf and returns the
// layout entries of its directory.
func writeBlocks(buf *bytes.Buffer, img image, o Options) ([]entry, error) {
	spp := len(img.samples)
	bw, bh := img.width, img.height
	tiled := o.TileSize > 0
	if tiled {
		bw, bh = o.TileSize, o.TileSize
	} else if o.RowsPerStrip > 0 && o.RowsPerStrip < img.height {
		bh = o.RowsPerStrip
	}
	across := (img.width + bw - 1) / bw
	down := (img.height + bh - 1) / bh
	if !tiled {
		across = 1
	}
	planes, perBlock := 1, spp
	if o.Planar && spp > 1 {
		planes, perBlock = spp, 1
	}
	predictor := 1
	if o.Predictor == 2 && !img.mask && img.format != 3 {
		predictor = 2
	}

	var offsets, counts []uint32
	for p := 0; p < planes; p++ {
		for by := 0; by < down; by++ {
			for bx := 0; bx < across; bx++ {
				rows := bh
				if !tiled && (by+1)*bh > img.height {
					rows = img.height - by*bh
				}
				raw := encodeBlock(img, p, perBlock, bx*bw, by*bh, bw, rows, predictor)
				packed, err := compress(o.Compression, raw)
				if err != nil {
					return nil, err
				}
				if buf.Len()%2 == 1 {
					buf.WriteByte(0)
				}
				offsets = append(offsets, uint32(buf.Len()))
				counts = append(counts, uint32(len(packed)))
				buf.Write(packed)
			}
		}
	}

	bitsPer := make([]uint16, spp)
	formats := make([]uint16, spp)
	for i := range bitsPer {
		bitsPer[i] = uint16(img.bits)
		formats[i] = img.format
	}
	photometric := uint16(1)
	if img.mask {
		photometric = 4
	}
	planar := uint16(1)
	if planes > 1 {
		planar = 2
	}
	entries := []entry{
		longs(254, img.subfile),
		longs(256, uint32(img.width)),
		longs(257, uint32(img.height)),
		shorts(258, bitsPer...),
		shorts(259, compressionCode(o.Compression)),
		shorts(262, photometric),
		shorts(277, uint16(spp)),
		shorts(284, planar),
		shorts(339, formats...),
	}
	if predictor != 1 {
		entries = append(entries, shorts(317, uint16(predictor)))
	}
	if tiled {
		entries = append(entries,
			shorts(322, uint16(bw)), shorts(323, uint16(bh)),
			longs(324, offsets...), longs(325, counts...))
	} else {
		entries = append(entries, longs(273, offsets...), longs(278, uint32(bh)), longs(279, counts...))
	}
	if !img.mask && o.Alpha != nil {
		entries = append(entries, shorts(338, 2))
	}
	return entries, nil
}

func encodeBlock(img image, plane, perBlock, x0, y0, bw, bh, predictor int) []byte {
	if img.mask {
		rowBytes := (bw + 7) / 8
		b := make([]byte, rowBytes*bh)
		for y := 0; y < bh; y++ {
			for x := 0; x < bw; x++ {
				sx, sy := x0+x, y0+y
				if sx < img.width && sy < img.height && img.samples[0][sy*img.width+sx] != 0 {
					b[y*rowBytes+x/8] |= 0x80 >> uint(x%8)
				}
			}
		}
		return b
	}
	size := img.bits / 8
	b := make([]byte, bw*bh*perBlock*size)
	for y := 0; y < bh; y++ {
		for x := 0; x < bw; x++ {
			sx, sy := x0+x, y0+y
			for s := 0; s < perBlock; s++ {
				v := 0.0
				if sx < img.width && sy < img.height {
					v = img.samples[plane+s][sy*img.width+sx]
				}
				putSample(b[((y*bw+x)*perBlock+s)*size:], v, img.bits, img.format)
			}
		}
	}
	if predictor == 2 {
		rowSamples := bw * perBlock
		for y := 0; y < bh; y++ {
			row := b[y*rowSamples*size : (y+1)*rowSamples*size]
			for i := rowSamples - 1; i >= perBlock; i-- {
				cur, prev := row[i*size:], row[(i-perBlock)*size:]
				switch size {
				case 1:
					cur[0] -= prev[0]
				case 2:
					order.PutUint16(cur, order.Uint16(cur)-order.Uint16(prev))
				case 4:
					order.PutUint32(cur, order.Uint32(cur)-order.Uint32(prev))
				}
			}
		}
	}
	return b
}

func putSample(b []byte, v float64, bits int, format uint16) {
	switch {
	case bits == 8:
		b[0] = uint8(v)
	case bits == 16 && format == 2:
		order.PutUint16(b, uint16(int16(v)))
	case bits == 16:
		order.PutUint16(b, uint16(v))
	case bits == 32 && format == 3:
		order.PutUint32(b, math.Float32bits(float32(v)))
	case bits == 32:
		order.PutUint32(b, uint32(int32(v)))
	case bits == 64:
		order.PutUint64(b, math.Float64bits(v))
	}
}

func compressionCode(name string) uint16 {
	switch name {
	case "deflate":
		return 8
	case "zstd":
		return 50000
	}
	return 1
}

func compress(name string, raw []byte) ([]byte, error) {
	switch name {
	case "", "none":
		return raw, nil
	case "deflate":
		var b bytes.Buffer
		zw := zlib.NewWriter(&b)
		if _, err := zw.Write(raw); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return b.Bytes(), nil
	case "zstd":
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(raw, nil), nil
	}
	return nil, fmt.Errorf("geotifftest: unsupported compression %q", name)
}

func geoEntries(o Options) []entry {
	b := o.Bounds
	sx := b.Width() / float64(o.Width)
	sy := b.Height() / float64(o.Height)
	tieX, tieY := b.MinX, b.MaxY
	rasterType := uint16(1)
	if o.PixelIsPoint {
		rasterType = 2
		tieX += sx / 2
		tieY -= sy / 2
	}
	modelType, csKey := uint16(1), uint16(3072)
	if c, err := geo.CRSFromEPSG(o.EPSG); err == nil && geo.IsGeographic(c) {
		modelType, csKey = 2, 2048
	}
	keys := []uint16{
		1024, 0, 1, modelType,
		1025, 0, 1, rasterType,
	}
	var params []float64
	if p := o.Projection; p != nil {
		code := uint16(32767)
		if p.Code != 0 {
			code = uint16(p.Code)
		}
		geog := uint16(32767)
		if p.GeographicCode != 0 {
			geog = uint16(p.GeographicCode)
		}
		keys = append(keys, 2048, 0, 1, geog)
		if p.SemiMajor != 0 {
			keys = append(keys, 2057, 34736, 1, uint16(len(params)))
			params = append(params, p.SemiMajor)
			keys = append(keys, 2059, 34736, 1, uint16(len(params)))
			params = append(params, p.InvFlattening)
		}
		keys = append(keys, 3072, 0, 1, code, 3075, 0, 1, uint16(p.Method))
		if p.Unit == 0.3048 {
			keys = append(keys, 3076, 0, 1, 9002)
		}
		for _, kv := range []struct {
			key uint16
			v   float64
		}{
			{3078, p.Lat1}, {3079, p.Lat2},
			{3080, p.Lon0}, {3081, p.Lat0},
			{3082, p.FalseEasting}, {3083, p.FalseNorthing},
			{3092, p.Scale},
		} {
			if kv.v == 0 {
				continue
			}
			keys = append(keys, kv.key, 34736, 1, uint16(len(params)))
			params = append(params, kv.v)
		}
	} else {
		keys = append(keys, csKey, 0, 1, uint16(o.EPSG))
	}
	entries := []entry{
		doubles(33550, sx, sy, 0),
		doubles(33922, 0, 0, 0, tieX, tieY, 0),
		shorts(34735, append([]uint16{1, 1, 0, uint16(len(keys) / 4)}, keys...)...),
	}
	if len(params) > 0 {
		entries = append(entries, doubles(34736, params...))
	}
	if o.NoData != nil {
		entries = append(entries, ascii(42113, strconv.FormatFloat(*o.NoData, 'g', -1, 64)))
	}
	return entries
}

// appendIFD appends a directory and its out-of-line values. It returns the
// new buffer and the position of the next-IFD pointer.
func appendIFD(out []byte, entries []entry) ([]byte, int) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })
	start := len(out)
	n := len(entries)
	valuesAt := start + 2 + 12*n + 4
	dir := make([]byte, 2+12*n+4)
	order.PutUint16(dir, uint16(n))
	var values []byte
	for i, e := range entries {
		p := dir[2+12*i:]
		order.PutUint16(p, e.tag)
		order.PutUint16(p[2:], e.typ)
		order.PutUint32(p[4:], e.count)
		if len(e.data) <= 4 {
			copy(p[8:12], e.data)
			continue
		}
		if len(values)%2 == 1 {
			values = append(values, 0)
		}
		order.PutUint32(p[8:], uint32(valuesAt+len(values)))
		values = append(values, e.data...)
	}
	out = append(out, dir...)
	out = append(out, values...)
	return out, start + 2 + 12*n
}
