package geo

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// ErrUnsupportedCRS is returned for CRS definitions this server cannot
// transform. It is a configuration error, not a request error.
var ErrUnsupportedCRS = errors.New("unsupported CRS")

// maxMercatorLat is the latitude at which Web Mercator becomes square.
const maxMercatorLat = 85.0511287798066

// CRS is a coordinate reference system that can convert to and from
// WGS84 longitude/latitude. EPSG is zero for systems built from
// parameters.
type CRS interface {
	EPSG() int
	ToWGS84(x, y float64) (lon, lat float64)
	FromWGS84(lon, lat float64) (x, y float64)
}

// Name returns the canonical "EPSG:<code>" form, or the parameter
// definition of a system without a code.
func Name(c CRS) string {
	if code := c.EPSG(); code != 0 {
		return "EPSG:" + strconv.Itoa(code)
	}
	if s, ok := c.(fmt.Stringer); ok {
		return s.String()
	}
	return "user-defined"
}

// Same reports whether two CRS values describe the same system.
func Same(a, b CRS) bool {
	if a.EPSG() != 0 || b.EPSG() != 0 {
		return a.EPSG() == b.EPSG()
	}
	return Name(a) == Name(b)
}

// IsGeographic reports whether c has longitude/latitude axes.
func IsGeographic(c CRS) bool {
	g, ok := c.(interface{ Geographic() bool })
	return ok && g.Geographic()
}

// WGS84 and WebMercator are the two systems every request touches.
var (
	WGS84       CRS = geographic{code: 4326}
	WebMercator CRS = webMercator{}
)

type geographic struct{ code int }

func (g geographic) EPSG() int { return g.code }

func (geographic) Geographic() bool { return true }

func (geographic) ToWGS84(x, y float64) (float64, float64) { return x, y }

func (geographic) FromWGS84(lon, lat float64) (float64, float64) { return lon, lat }

type webMercator struct{}

func (webMercator) EPSG() int { return 3857 }

func (webMercator) ToWGS84(x, y float64) (float64, float64) {
	p := project.Mercator.ToWGS84(orb.Point{x, y})
	return p[0], p[1]
}

func (webMercator) FromWGS84(lon, lat float64) (float64, float64) {
	lat = math.Max(-maxMercatorLat, math.Min(maxMercatorLat, lat))
	p := project.WGS84.ToMercator(orb.Point{lon, lat})
	return p[0], p[1]
}

// ParseCRS parses definitions such as "EPSG:3857" or "epsg:4326".
func ParseCRS(def string) (CRS, error) {
	s := strings.TrimSpace(strings.ToUpper(def))
	if !strings.HasPrefix(s, "EPSG:") {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCRS, def)
	}
	code, err := strconv.Atoi(strings.TrimPrefix(s, "EPSG:"))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCRS, def)
	}
	return CRSFromEPSG(code)
}

// CRSFromEPSG returns the CRS registered for an EPSG code.
func CRSFromEPSG(code int) (CRS, error) {
	switch code {
	case 4326:
		return WGS84, nil
	case 3857, 900913, 3785, 102100:
		return WebMercator, nil
	}
	if c, ok := registry[code]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: EPSG:%d", ErrUnsupportedCRS, code)
}

// Transform converts a point from src to dst through WGS84 longitude and
// latitude. Datum shifts are applied by the systems themselves.
func Transform(src, dst CRS, x, y float64) (float64, float64) {
	if Same(src, dst) {
		return x, y
	}
	lon, lat := src.ToWGS84(x, y)
	return dst.FromWGS84(lon, lat)
}

// densifyPoints matches the edge densification of rasterio's transform_bounds.
const densifyPoints = 21

// TransformBounds transforms a bounding box between systems by sampling
// points along every edge and taking the extent of the results.
func TransformBounds(src, dst CRS, b ProjectedBounds) (ProjectedBounds, error) {
	if Same(src, dst) {
		return b, nil
	}
	out := ProjectedBounds{
		MinX: math.Inf(1), MinY: math.Inf(1),
		MaxX: math.Inf(-1), MaxY: math.Inf(-1),
	}
	add := func(x, y float64) {
		tx, ty := Transform(src, dst, x, y)
		if math.IsNaN(tx) || math.IsNaN(ty) || math.IsInf(tx, 0) || math.IsInf(ty, 0) {
			return
		}
		out.MinX = math.Min(out.MinX, tx)
		out.MaxX = math.Max(out.MaxX, tx)
		out.MinY = math.Min(out.MinY, ty)
		out.MaxY = math.Max(out.MaxY, ty)
	}
	for i := 0; i < densifyPoints; i++ {
		f := float64(i) / float64(densifyPoints-1)
		x := b.MinX + f*b.Width()
		y := b.MinY + f*b.Height()
		add(x, b.MinY)
		add(x, b.MaxY)
		add(b.MinX, y)
		add(b.MaxX, y)
	}
	if !out.Finite() {
		return ProjectedBounds{}, fmt.Errorf("transform bounds %s from %s to %s: no finite points", b, Name(src), Name(dst))
	}
	return out, nil
}
