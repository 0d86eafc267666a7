// Package render turns masked band rasters into RGB PNG tiles.
package render

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"image"
	"image/png"
	"sync"

	"github.com/fogleman/gg"
)

// ErrInvalidShape is returned when an image is not H×W×3.
var ErrInvalidShape = errors.New("input must be a 3-dimensional array with three bands")

// Length of the PNG signature plus the IHDR chunk.
const ihdrEnd = 8 + 4 + 4 + 13 + 4

// Config contains encoder configuration.
type Config struct {
	TileSize      int
	CompressLevel int
}

// Encoder encodes composite images. It is safe for concurrent use.
type Encoder struct {
	config     Config
	bufferPool sync.Pool
	encoders   [10]*png.Encoder
	empty      sync.Map
}

// NewEncoder creates an encoder.
func NewEncoder(cfg Config) *Encoder {
	if cfg.TileSize <= 0 {
		cfg.TileSize = 256
	}
	cfg.CompressLevel = min(max(cfg.CompressLevel, 0), 9)
	e := &Encoder{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}
	for level := range e.encoders {
		e.encoders[level] = &png.Encoder{CompressionLevel: compressionLevel(level), BufferPool: &encoderBuffers{}}
	}
	return e
}

// compressionLevel maps a zlib-style 0-9 level onto image/png levels.
func compressionLevel(level int) png.CompressionLevel {
	switch {
	case level <= 0:
		return png.NoCompression
	case level <= 3:
		return png.BestSpeed
	case level <= 6:
		return png.DefaultCompression
	default:
		return png.BestCompression
	}
}

type encoderBuffers struct{ pool sync.Pool }

func (b *encoderBuffers) Get() *png.EncoderBuffer {
	buf, _ := b.pool.Get().(*png.EncoderBuffer)
	return buf
}

func (b *encoderBuffers) Put(buf *png.EncoderBuffer) { b.pool.Put(buf) }

// EncodePNG writes img as an RGB PNG whose (0,0,0) pixels are transparent.
// A negative level selects the configured default.
func (e *Encoder) EncodePNG(img *CompositeImage, level int) ([]byte, error) {
	if img == nil || img.Channels != 3 || img.Width <= 0 || img.Height <= 0 ||
		len(img.Pix) != img.Width*img.Height*3 {
		return nil, ErrInvalidShape
	}
	if level < 0 {
		level = e.config.CompressLevel
	}
	if level > 9 {
		return nil, fmt.Errorf("%w: png compression level %d not in [0, 9]", ErrInvalidArguments, level)
	}

	// Opaque RGBA images are written as 8-bit truecolor.
	rgba := image.NewRGBA(image.Rect(0, 0, img.Width, img.Height))
	for i, j := 0, 0; i < len(img.Pix); i, j = i+3, j+4 {
		rgba.Pix[j] = img.Pix[i]
		rgba.Pix[j+1] = img.Pix[i+1]
		rgba.Pix[j+2] = img.Pix[i+2]
		rgba.Pix[j+3] = 0xff
	}

	buf := e.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		e.bufferPool.Put(buf)
	}()
	if err := e.encoders[level].Encode(buf, rgba); err != nil {
		return nil, err
	}
	return withTransparencyKey(buf.Bytes()), nil
}

// withTransparencyKey copies an RGB PNG stream, inserting a tRNS chunk that
// marks (0,0,0) transparent right after IHDR.
func withTransparencyKey(stream []byte) []byte {
	out := make([]byte, 0, len(stream)+18)
	out = append(out, stream[:ihdrEnd]...)

	chunk := make([]byte, 4+4+6)
	binary.BigEndian.PutUint32(chunk, 6)
	copy(chunk[4:], "tRNS")
	out = append(out, chunk...)
	out = binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(chunk[4:]))

	return append(out, stream[ihdrEnd:]...)
}

// EmptyTile returns a fully transparent PNG of the given size. Zero sizes
// fall back to the configured tile size.
func (e *Encoder) EmptyTile(width, height int) ([]byte, error) {
	if width <= 0 {
		width = e.config.TileSize
	}
	if height <= 0 {
		height = e.config.TileSize
	}
	key := [2]int{width, height}
	if b, ok := e.empty.Load(key); ok {
		return b.([]byte), nil
	}

	dc := gg.NewContext(width, height)
	dc.SetRGBA(0, 0, 0, 0)
	dc.Clear()

	buf := e.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		e.bufferPool.Put(buf)
	}()
	if err := e.encoders[9].Encode(buf, dc.Image()); err != nil {
		return nil, err
	}
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	e.empty.Store(key, result)
	return result, nil
}
