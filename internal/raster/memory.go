package raster

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Memory is a Dataset held in memory. It is used for derived rasters and
// in tests.
type Memory struct {
	info   Info
	bands  [][]float64
	alpha  []float64
	closes atomic.Int64
}

// NewMemory builds an in-memory dataset. Every band and the optional alpha
// must hold info.Width*info.Height row-major values.
func NewMemory(info Info, bands [][]float64, alpha []float64) (*Memory, error) {
	n := info.Width * info.Height
	if n <= 0 {
		return nil, fmt.Errorf("memory raster: invalid size %dx%d", info.Width, info.Height)
	}
	if len(bands) == 0 {
		return nil, fmt.Errorf("memory raster: no bands")
	}
	for i, b := range bands {
		if len(b) != n {
			return nil, fmt.Errorf("memory raster: band %d has %d values, want %d", i+1, len(b), n)
		}
	}
	if alpha != nil && len(alpha) != n {
		return nil, fmt.Errorf("memory raster: alpha has %d values, want %d", len(alpha), n)
	}
	info.Bands = len(bands)
	info.HasAlpha = alpha != nil
	if info.DataType == "" {
		info.DataType = "float64"
	}
	return &Memory{info: info, bands: bands, alpha: alpha}, nil
}

func (m *Memory) Info() Info { return m.info }

func (m *Memory) Read(band int, win Window, bufW, bufH int) ([]float64, error) {
	if band < 1 || band > len(m.bands) {
		return nil, fmt.Errorf("band %d out of range [1,%d]", band, len(m.bands))
	}
	return m.sample(m.bands[band-1], win, bufW, bufH)
}

func (m *Memory) ReadAlpha(win Window, bufW, bufH int) ([]float64, error) {
	if m.alpha == nil {
		return nil, fmt.Errorf("raster has no alpha")
	}
	return m.sample(m.alpha, win, bufW, bufH)
}

func (m *Memory) sample(src []float64, win Window, bufW, bufH int) ([]float64, error) {
	if err := CheckWindow(win, m.info.Width, m.info.Height, bufW, bufH); err != nil {
		return nil, err
	}
	out := make([]float64, bufW*bufH)
	cols := make([]int, bufW)
	for i := range cols {
		cols[i] = DecimatedIndex(i, win.ColOff, win.Width, bufW)
	}
	for j := 0; j < bufH; j++ {
		row := DecimatedIndex(j, win.RowOff, win.Height, bufH) * m.info.Width
		for i, col := range cols {
			out[j*bufW+i] = src[row+col]
		}
	}
	return out, nil
}

// Close counts the call; the data stays readable.
func (m *Memory) Close() error {
	m.closes.Add(1)
	return nil
}

// Closes returns how many times Close was called.
func (m *Memory) Closes() int64 {
	return m.closes.Load()
}

// MemoryCatalog is an Opener over named in-memory datasets.
type MemoryCatalog struct {
	mu       sync.RWMutex
	datasets map[string]*Memory
	opens    atomic.Int64
}

// NewMemoryCatalog creates an empty catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{datasets: make(map[string]*Memory)}
}

// Add registers ds under path.
func (c *MemoryCatalog) Add(path string, ds *Memory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.datasets[path] = ds
}

// Open implements Opener.
func (c *MemoryCatalog) Open(path string) (Dataset, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ds, ok := c.datasets[path]
	if !ok {
		return nil, fmt.Errorf("no such dataset: %s", path)
	}
	c.opens.Add(1)
	return ds, nil
}

// Opens returns how many datasets were opened successfully.
func (c *MemoryCatalog) Opens() int64 {
	return c.opens.Load()
}
