package geotiff

import (
	"fmt"

	"github.com/google/tiff"
)

// Compression values.
const (
	compressionNone       = 1
	compressionLZW        = 5
	compressionDeflate    = 8
	compressionPackBits   = 32773
	compressionDeflateOld = 32946
	compressionZSTD       = 50000
)

// Predictor values.
const (
	predictorNone       = 1
	predictorHorizontal = 2
	predictorFloat      = 3
)

// NewSubfileType bits.
const (
	subfileReduced = 1
	subfileMask    = 4
)

const (
	planarChunky   = 1
	planarSeparate = 2
)

// ifd holds the tags of one image file directory.
type ifd struct {
	NewSubfileType            uint32   `tiff:"field,tag=254"`
	ImageWidth                uint64   `tiff:"field,tag=256"`
	ImageLength               uint64   `tiff:"field,tag=257"`
	BitsPerSample             []uint16 `tiff:"field,tag=258"`
	Compression               uint16   `tiff:"field,tag=259"`
	PhotometricInterpretation uint16   `tiff:"field,tag=262"`
	StripOffsets              []uint64 `tiff:"field,tag=273"`
	SamplesPerPixel           uint16   `tiff:"field,tag=277"`
	RowsPerStrip              uint64   `tiff:"field,tag=278"`
	StripByteCounts           []uint64 `tiff:"field,tag=279"`
	PlanarConfiguration       uint16   `tiff:"field,tag=284"`
	Predictor                 uint16   `tiff:"field,tag=317"`
	TileWidth                 uint16   `tiff:"field,tag=322"`
	TileLength                uint16   `tiff:"field,tag=323"`
	TileOffsets               []uint64 `tiff:"field,tag=324"`
	TileByteCounts            []uint64 `tiff:"field,tag=325"`
	ExtraSamples              []uint16 `tiff:"field,tag=338"`
	SampleFormat              []uint16 `tiff:"field,tag=339"`

	ModelPixelScaleTag     []float64 `tiff:"field,tag=33550"`
	ModelTiePointTag       []float64 `tiff:"field,tag=33922"`
	ModelTransformationTag []float64 `tiff:"field,tag=34264"`
	GeoKeyDirectoryTag     []uint16  `tiff:"field,tag=34735"`
	GeoDoubleParamsTag     []float64 `tiff:"field,tag=34736"`
	GeoAsciiParamsTag      string    `tiff:"field,tag=34737"`

	NoData string `tiff:"field,tag=42113"`

	r tiff.BReader
}

func loadIFD(r tiff.BReader, tifd tiff.IFD) (*ifd, error) {
	d := &ifd{r: r}
	if err := tiff.UnmarshalIFD(tifd, d); err != nil {
		return nil, err
	}
	if d.SamplesPerPixel == 0 {
		d.SamplesPerPixel = 1
	}
	if d.PlanarConfiguration == 0 {
		d.PlanarConfiguration = planarChunky
	}
	if d.Compression == 0 {
		d.Compression = compressionNone
	}
	if d.RowsPerStrip == 0 || d.RowsPerStrip > d.ImageLength {
		d.RowsPerStrip = d.ImageLength
	}
	if d.ImageWidth == 0 || d.ImageLength == 0 {
		return nil, fmt.Errorf("image has no pixels")
	}
	if len(d.BitsPerSample) == 0 {
		d.BitsPerSample = []uint16{1}
	}
	for _, b := range d.BitsPerSample {
		if b != d.BitsPerSample[0] {
			return nil, fmt.Errorf("mixed bits per sample %v", d.BitsPerSample)
		}
	}
	if d.tiled() {
		if len(d.TileOffsets) != len(d.TileByteCounts) || len(d.TileOffsets) < d.blocksAcross()*d.blocksDown()*d.planes() {
			return nil, fmt.Errorf("tile offsets: %d offsets, %d counts for %d tiles",
				len(d.TileOffsets), len(d.TileByteCounts), d.blocksAcross()*d.blocksDown()*d.planes())
		}
	} else if len(d.StripOffsets) != len(d.StripByteCounts) || len(d.StripOffsets) < d.blocksDown()*d.planes() {
		return nil, fmt.Errorf("strip offsets: %d offsets, %d counts for %d strips",
			len(d.StripOffsets), len(d.StripByteCounts), d.blocksDown()*d.planes())
	}
	return d, nil
}

func (d *ifd) width() int  { return int(d.ImageWidth) }
func (d *ifd) height() int { return int(d.ImageLength) }

func (d *ifd) tiled() bool { return d.TileWidth > 0 && d.TileLength > 0 }

func (d *ifd) isMask() bool     { return d.NewSubfileType&subfileMask != 0 }
func (d *ifd) isOverview() bool { return d.NewSubfileType&subfileReduced != 0 }

func (d *ifd) blockWidth() int {
	if d.tiled() {
		return int(d.TileWidth)
	}
	return d.width()
}

func (d *ifd) blockHeight() int {
	if d.tiled() {
		return int(d.TileLength)
	}
	return int(d.RowsPerStrip)
}

func (d *ifd) blocksAcross() int {
	bw := d.blockWidth()
	return (d.width() + bw - 1) / bw
}

func (d *ifd) blocksDown() int {
	bh := d.blockHeight()
	return (d.height() + bh - 1) / bh
}

func (d *ifd) planes() int {
	if d.PlanarConfiguration == planarSeparate {
		return int(d.SamplesPerPixel)
	}
	return 1
}

// samplesPerBlock is the number of interleaved samples per pixel stored in
// one block.
func (d *ifd) samplesPerBlock() int {
	if d.PlanarConfiguration == planarSeparate {
		return 1
	}
	return int(d.SamplesPerPixel)
}

func (d *ifd) bits() int { return int(d.BitsPerSample[0]) }

func (d *ifd) sampleFormat() uint16 {
	if len(d.SampleFormat) == 0 {
		return 1
	}
	return d.SampleFormat[0]
}

// blockIndex returns the index into the offset arrays of the block holding
// pixel (col, row) for the given 0-based sample.
func (d *ifd) blockIndex(col, row, sample int) int {
	idx := (row/d.blockHeight())*d.blocksAcross() + col/d.blockWidth()
	if d.PlanarConfiguration == planarSeparate {
		idx += sample * d.blocksAcross() * d.blocksDown()
	}
	return idx
}

func (d *ifd) blockLocation(idx int) (offset, count uint64) {
	if d.tiled() {
		return d.TileOffsets[idx], d.TileByteCounts[idx]
	}
	return d.StripOffsets[idx], d.StripByteCounts[idx]
}

// alphaSample returns the 0-based sample holding alpha, or -1.
func (d *ifd) alphaSample() int {
	first := int(d.SamplesPerPixel) - len(d.ExtraSamples)
	for i, es := range d.ExtraSamples {
		if es == 1 || es == 2 {
			return first + i
		}
	}
	return -1
}

func (d *ifd) dataType() string {
	switch d.sampleFormat() {
	case 2:
		return fmt.Sprintf("int%d", d.bits())
	case 3:
		return fmt.Sprintf("float%d", d.bits())
	}
	return fmt.Sprintf("uint%d", d.bits())
}
