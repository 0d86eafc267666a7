package geotiff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/image/tiff/lzw"
)

var zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
	return zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
})

// decompress inflates one block according to the compression tag.
func decompress(compression uint16, raw []byte) ([]byte, error) {
	switch compression {
	case compressionNone:
		return raw, nil
	case compressionDeflate, compressionDeflateOld:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case compressionLZW:
		lr := lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
		defer lr.Close()
		return io.ReadAll(lr)
	case compressionZSTD:
		dec, err := zstdDecoder()
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return dec.DecodeAll(raw, nil)
	case compressionPackBits:
		return unpackBits(raw)
	}
	return nil, fmt.Errorf("unsupported compression %d", compression)
}

func unpackBits(src []byte) ([]byte, error) {
	out := make([]byte, 0, len(src)*2)
	for i := 0; i < len(src); {
		n := int(int8(src[i]))
		i++
		switch {
		case n >= 0:
			if i+n+1 > len(src) {
				return nil, fmt.Errorf("packbits: literal run past end")
			}
			out = append(out, src[i:i+n+1]...)
			i += n + 1
		case n != -128:
			if i >= len(src) {
				return nil, fmt.Errorf("packbits: repeat run past end")
			}
			for k := 0; k < 1-n; k++ {
				out = append(out, src[i])
			}
			i++
		}
	}
	return out, nil
}

// undoPredictor reverses horizontal or floating point differencing in
// place. rowSamples is the number of samples per block row and spp the
// number of interleaved samples per pixel.
func undoPredictor(predictor uint16, buf []byte, order binary.ByteOrder, bits, rowSamples, spp int) error {
	switch predictor {
	case 0, predictorNone:
		return nil
	case predictorHorizontal:
		return undoHorizontal(buf, order, bits, rowSamples, spp)
	case predictorFloat:
		return undoFloat(buf, order, bits/8, rowSamples, spp)
	}
	return fmt.Errorf("unsupported predictor %d", predictor)
}

func undoHorizontal(buf []byte, order binary.ByteOrder, bits, rowSamples, spp int) error {
	size := bits / 8
	rowBytes := rowSamples * size
	if size == 0 || rowBytes == 0 {
		return fmt.Errorf("horizontal predictor with %d bits per sample", bits)
	}
	for start := 0; start+rowBytes <= len(buf); start += rowBytes {
		row := buf[start : start+rowBytes]
		for i := spp; i < rowSamples; i++ {
			cur, prev := row[i*size:], row[(i-spp)*size:]
			switch size {
			case 1:
				cur[0] += prev[0]
			case 2:
				order.PutUint16(cur, order.Uint16(cur)+order.Uint16(prev))
			case 4:
				order.PutUint32(cur, order.Uint32(cur)+order.Uint32(prev))
			case 8:
				order.PutUint64(cur, order.Uint64(cur)+order.Uint64(prev))
			default:
				return fmt.Errorf("horizontal predictor with %d bits per sample", bits)
			}
		}
	}
	return nil
}

// undoFloat reverses the floating point predictor: bytes are differenced
// across the row and stored most significant byte plane first.
func undoFloat(buf []byte, order binary.ByteOrder, size, rowSamples, spp int) error {
	rowBytes := rowSamples * size
	if size != 2 && size != 4 && size != 8 {
		return fmt.Errorf("floating point predictor with %d byte samples", size)
	}
	tmp := make([]byte, rowBytes)
	for start := 0; start+rowBytes <= len(buf); start += rowBytes {
		row := buf[start : start+rowBytes]
		for i := spp; i < rowBytes; i++ {
			row[i] += row[i-spp]
		}
		copy(tmp, row)
		for s := 0; s < rowSamples; s++ {
			for b := 0; b < size; b++ {
				// plane b holds byte b counted from the most significant
				v := tmp[b*rowSamples+s]
				if order == binary.LittleEndian {
					row[s*size+size-1-b] = v
				} else {
					row[s*size+b] = v
				}
			}
		}
	}
	return nil
}

// toFloats converts decoded samples to float64.
func toFloats(buf []byte, order binary.ByteOrder, format uint16, bits, n int) ([]float64, error) {
	size := bits / 8
	if len(buf) < n*size {
		n = len(buf) / size
	}
	out := make([]float64, n)
	switch {
	case bits == 8 && format == 2:
		for i := range out {
			out[i] = float64(int8(buf[i]))
		}
	case bits == 8:
		for i := range out {
			out[i] = float64(buf[i])
		}
	case bits == 16 && format == 2:
		for i := range out {
			out[i] = float64(int16(order.Uint16(buf[i*2:])))
		}
	case bits == 16:
		for i := range out {
			out[i] = float64(order.Uint16(buf[i*2:]))
		}
	case bits == 32 && format == 3:
		for i := range out {
			out[i] = float64(math.Float32frombits(order.Uint32(buf[i*4:])))
		}
	case bits == 32 && format == 2:
		for i := range out {
			out[i] = float64(int32(order.Uint32(buf[i*4:])))
		}
	case bits == 32:
		for i := range out {
			out[i] = float64(order.Uint32(buf[i*4:]))
		}
	case bits == 64 && format == 3:
		for i := range out {
			out[i] = math.Float64frombits(order.Uint64(buf[i*8:]))
		}
	case bits == 64 && format == 2:
		for i := range out {
			out[i] = float64(int64(order.Uint64(buf[i*8:])))
		}
	case bits == 64:
		for i := range out {
			out[i] = float64(order.Uint64(buf[i*8:]))
		}
	default:
		return nil, fmt.Errorf("unsupported sample layout: %d bits, format %d", bits, format)
	}
	return out, nil
}

// unpackMask expands a 1-bit mask with byte-aligned rows to 0/255 values.
func unpackMask(buf []byte, width, height int) []float64 {
	out := make([]float64, width*height)
	rowBytes := (width + 7) / 8
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := y*rowBytes + x/8
			if i >= len(buf) {
				return out
			}
			if buf[i]&(0x80>>uint(x%8)) != 0 {
				out[y*width+x] = 255
			}
		}
	}
	return out
}
