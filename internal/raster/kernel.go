package raster

import "math"

// grid is a 2-D field of samples addressed by integer pixel index.
type grid interface {
	at(i, j int) (float64, bool)
}

// sample evaluates g at the continuous position (fx, fy), measured in pixels
// with pixel centres at half-integers. hx and hy are the half-extent of the
// footprint averaged by Average. Invalid taps are left out and the weights
// of the remaining taps renormalised.
func sample(g grid, m Resampling, fx, fy, hx, hy float64) (float64, bool) {
	switch m {
	case Bilinear:
		return convolve(g, fx, fy, 1, triangle)
	case Cubic:
		return convolve(g, fx, fy, 2, cubic)
	case Average:
		return boxMean(g, fx, fy, hx, hy)
	default:
		return g.at(int(math.Floor(fx)), int(math.Floor(fy)))
	}
}

func triangle(d float64) float64 {
	d = math.Abs(d)
	if d >= 1 {
		return 0
	}
	return 1 - d
}

// cubic is the Keys cubic convolution kernel with a = -0.5.
func cubic(d float64) float64 {
	const a = -0.5
	d = math.Abs(d)
	switch {
	case d < 1:
		return ((a+2)*d-(a+3))*d*d + 1
	case d < 2:
		return ((a*d-5*a)*d+8*a)*d - 4*a
	}
	return 0
}

func convolve(g grid, fx, fy float64, radius int, kernel func(float64) float64) (float64, bool) {
	cx, cy := fx-0.5, fy-0.5
	x0, y0 := int(math.Floor(cx)), int(math.Floor(cy))
	var sum, wsum float64
	for j := y0 - radius + 1; j <= y0+radius; j++ {
		wy := kernel(cy - float64(j))
		if wy == 0 {
			continue
		}
		for i := x0 - radius + 1; i <= x0+radius; i++ {
			w := kernel(cx-float64(i)) * wy
			if w == 0 {
				continue
			}
			v, ok := g.at(i, j)
			if !ok {
				continue
			}
			sum += w * v
			wsum += w
		}
	}
	if math.Abs(wsum) < 1e-12 {
		return g.at(int(math.Floor(fx)), int(math.Floor(fy)))
	}
	return sum / wsum, true
}

// maxAverageTaps bounds the lattice averaged per axis.
const maxAverageTaps = 4

func boxMean(g grid, fx, fy, hx, hy float64) (float64, bool) {
	nx := averageTaps(hx)
	ny := averageTaps(hy)
	var sum float64
	n := 0
	for b := 0; b < ny; b++ {
		py := fy - hy + (float64(b)+0.5)*2*hy/float64(ny)
		if ny == 1 {
			py = fy
		}
		for a := 0; a < nx; a++ {
			px := fx - hx + (float64(a)+0.5)*2*hx/float64(nx)
			if nx == 1 {
				px = fx
			}
			v, ok := g.at(int(math.Floor(px)), int(math.Floor(py)))
			if !ok {
				continue
			}
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func averageTaps(half float64) int {
	n := int(math.Ceil(2*half - 1e-9))
	if n < 1 {
		return 1
	}
	if n > maxAverageTaps {
		return maxAverageTaps
	}
	return n
}
