package raster

// MaskedRaster is one band of values with a validity mask of the same shape.
// Mask is true where the pixel is invalid.
type MaskedRaster struct {
	Width  int
	Height int
	Data   []float64
	Mask   []bool
}

// NewMaskedRaster allocates a width x height raster with every pixel valid.
func NewMaskedRaster(width, height int) *MaskedRaster {
	return &MaskedRaster{
		Width:  width,
		Height: height,
		Data:   make([]float64, width*height),
		Mask:   make([]bool, width*height),
	}
}

// At returns the value at (x, y) and whether it is valid.
func (m *MaskedRaster) At(x, y int) (float64, bool) {
	i := y*m.Width + x
	return m.Data[i], !m.Mask[i]
}

// Valid returns the number of unmasked pixels.
func (m *MaskedRaster) Valid() int {
	n := 0
	for _, masked := range m.Mask {
		if !masked {
			n++
		}
	}
	return n
}

// SameShape reports whether two rasters have identical dimensions.
func (m *MaskedRaster) SameShape(o *MaskedRaster) bool {
	return m.Width == o.Width && m.Height == o.Height
}
