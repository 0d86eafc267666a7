package geo

import (
	"fmt"
	"strings"

	"github.com/wroge/wgs84"
)

// Method is a coordinate transformation method, numbered as the GeoTIFF
// ProjCoordTransGeoKey values.
type Method int

const (
	TransverseMercator        Method = 1
	Mercator                  Method = 7
	LambertConformalConic2SP  Method = 8
	LambertConformalConic1SP  Method = 9
	LambertAzimuthalEqualArea Method = 10
	AlbersEqualArea           Method = 11
)

var methodNames = map[Method]string{
	TransverseMercator:        "tmerc",
	Mercator:                  "merc",
	LambertConformalConic2SP:  "lcc",
	LambertConformalConic1SP:  "lcc",
	LambertAzimuthalEqualArea: "laea",
	AlbersEqualArea:           "aea",
}

func (m Method) String() string {
	if s, ok := methodNames[m]; ok {
		return s
	}
	return fmt.Sprintf("method(%d)", int(m))
}

// Definition describes a projected system by its parameters rather than
// by an EPSG code. Angles are in degrees and offsets in Unit.
type Definition struct {
	// Code is the EPSG code when the source named one that is not in the
	// registry, zero otherwise.
	Code   int
	Method Method

	// GeographicCode selects a known datum. When it is zero or unknown the
	// ellipsoid below is used without a datum shift, WGS84 if it is unset.
	GeographicCode int
	SemiMajor      float64
	InvFlattening  float64

	Lon0, Lat0    float64
	Lat1, Lat2    float64
	Scale         float64
	FalseEasting  float64
	FalseNorthing float64

	// Unit is metres per linear unit; zero means metres.
	Unit float64
}

func (d Definition) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "+proj=%s +lon_0=%g +lat_0=%g", d.Method, d.Lon0, d.Lat0)
	switch d.Method {
	case LambertConformalConic2SP, AlbersEqualArea:
		fmt.Fprintf(&b, " +lat_1=%g +lat_2=%g", d.Lat1, d.Lat2)
	case TransverseMercator, Mercator, LambertConformalConic1SP:
		fmt.Fprintf(&b, " +k=%g", d.scale())
	}
	fmt.Fprintf(&b, " +x_0=%g +y_0=%g", d.FalseEasting, d.FalseNorthing)
	if d.GeographicCode != 0 {
		fmt.Fprintf(&b, " +geog=%d", d.GeographicCode)
	} else {
		s := d.spheroid()
		fmt.Fprintf(&b, " +a=%g +rf=%g", s.A(), s.Fi())
	}
	if u := d.unit(); u != 1 {
		fmt.Fprintf(&b, " +to_meter=%g", u)
	}
	return b.String()
}

func (d Definition) scale() float64 {
	if d.Scale == 0 {
		return 1
	}
	return d.Scale
}

func (d Definition) unit() float64 {
	if d.Unit == 0 {
		return 1
	}
	return d.Unit
}

func (d Definition) spheroid() wgs84.Spheroid {
	if d.SemiMajor == 0 {
		return spheroid{a: wgs84.A, fi: wgs84.Fi}
	}
	return spheroid{a: d.SemiMajor, fi: d.InvFlattening}
}

// datumFor returns the datum of a geographic EPSG code.
func datumFor(code int) (wgs84.Datum, bool) {
	switch code {
	case 4326:
		return wgs84.WGS84(), true
	case 4258:
		return wgs84.ETRS89(), true
	case 4269:
		return wgs84.NAD83(), true
	case 4171:
		return wgs84.RGF93(), true
	case 4277:
		return wgs84.OSGB36(), true
	case 4312:
		return wgs84.MGI(), true
	case 4314:
		return wgs84.DHDN2001(), true
	case 4283:
		return grs80Datum(), true
	}
	return wgs84.Datum{}, false
}

// NewProjected builds a CRS from a parameter definition. Methods other
// than the ones named by the Method constants are ErrUnsupportedCRS, as
// is a one-parallel Lambert conic with a scale factor other than one.
func NewProjected(def Definition) (CRS, error) {
	d, ok := datumFor(def.GeographicCode)
	if !ok {
		d = wgs84.Datum{Spheroid: def.spheroid()}
	}
	u := def.unit()
	// Offsets are applied by the projections in metres.
	fe, fn := def.FalseEasting*u, def.FalseNorthing*u

	var crs wgs84.ProjectedReferenceSystem
	switch def.Method {
	case TransverseMercator:
		crs = wgs84.ProjectedReferenceSystem{
			Datum:      d,
			Projection: newTransverseMercator(d, def.Lon0, def.Lat0, def.scale(), fe, fn),
		}
	case Mercator:
		crs = wgs84.ProjectedReferenceSystem{
			Datum:      d,
			Projection: mercator{lon0: def.Lon0, k0: def.scale(), falseE: fe, falseN: fn},
		}
	case LambertConformalConic2SP:
		crs = d.LambertConformalConic2SP(def.Lon0, def.Lat0, def.Lat1, def.Lat2, fe, fn)
	case LambertConformalConic1SP:
		if def.scale() != 1 {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedCRS, def)
		}
		crs = d.LambertConformalConic2SP(def.Lon0, def.Lat0, def.Lat0, def.Lat0, fe, fn)
	case LambertAzimuthalEqualArea:
		crs = d.LambertAzimuthalEqualArea(def.Lon0, def.Lat0, fe, fn)
	case AlbersEqualArea:
		crs = d.AlbersEqualAreaConic(def.Lon0, def.Lat0, def.Lat1, def.Lat2, fe, fn)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCRS, def)
	}

	s := newSystem(def.Code, def.String(), crs)
	if u != 1 {
		to, from := s.toLonLat, s.fromLonLat
		s.toLonLat = func(x, y float64) (float64, float64) { return to(x*u, y*u) }
		s.fromLonLat = func(lon, lat float64) (float64, float64) {
			x, y := from(lon, lat)
			return x / u, y / u
		}
	}
	return s, nil
}

// NewGeographic returns a longitude/latitude system on the datum of a
// geographic EPSG code, or on the given ellipsoid when the code is unknown.
func NewGeographic(code int, semiMajor, invFlattening float64) (CRS, error) {
	if c, err := CRSFromEPSG(code); err == nil && IsGeographic(c) {
		return c, nil
	}
	d, ok := datumFor(code)
	if !ok {
		if semiMajor <= 0 || invFlattening <= 0 {
			return nil, fmt.Errorf("%w: geographic EPSG:%d without ellipsoid", ErrUnsupportedCRS, code)
		}
		d = wgs84.Datum{Spheroid: spheroid{a: semiMajor, fi: invFlattening}}
	}
	name := fmt.Sprintf("+proj=longlat +a=%g +rf=%g", d.A(), d.Fi())
	return newSystem(0, name, d.LonLat()), nil
}
