package geo

import (
	"strconv"

	"github.com/wroge/wgs84"
)

// system adapts a wgs84 reference system to CRS. Datums without a
// Helmert transformation are taken as coincident with WGS84, so their
// coordinates skip the geocentric round trip.
type system struct {
	code       int
	name       string
	geographic bool
	toLonLat   func(x, y float64) (float64, float64)
	fromLonLat func(lon, lat float64) (float64, float64)
}

func newSystem(code int, name string, crs wgs84.CoordinateReferenceSystem) *system {
	s := &system{code: code, name: name}
	switch c := crs.(type) {
	case wgs84.GeographicReferenceSystem:
		s.geographic = true
		if c.Datum.Transformation == nil {
			s.toLonLat = identity
			s.fromLonLat = identity
			return s
		}
	case wgs84.ProjectedReferenceSystem:
		if c.Datum.Transformation == nil {
			d, p := c.Datum, c.Projection
			s.toLonLat = func(x, y float64) (float64, float64) { return p.ToLonLat(x, y, d) }
			s.fromLonLat = func(lon, lat float64) (float64, float64) { return p.FromLonLat(lon, lat, d) }
			return s
		}
	}
	to := wgs84.Transform(crs, wgs84.LonLat())
	from := wgs84.Transform(wgs84.LonLat(), crs)
	s.toLonLat = func(x, y float64) (float64, float64) {
		lon, lat, _ := to(x, y, 0)
		return lon, lat
	}
	s.fromLonLat = func(lon, lat float64) (float64, float64) {
		x, y, _ := from(lon, lat, 0)
		return x, y
	}
	return s
}

func identity(x, y float64) (float64, float64) { return x, y }

func (s *system) EPSG() int { return s.code }

func (s *system) Geographic() bool { return s.geographic }

func (s *system) String() string {
	if s.name != "" {
		return s.name
	}
	return "EPSG:" + strconv.Itoa(s.code)
}

func (s *system) ToWGS84(x, y float64) (float64, float64) { return s.toLonLat(x, y) }

func (s *system) FromWGS84(lon, lat float64) (float64, float64) { return s.fromLonLat(lon, lat) }

// registry holds every EPSG code CRSFromEPSG resolves besides the
// WGS84 and Web Mercator fast paths. It is read-only after init.
var registry = buildRegistry()

func buildRegistry() map[int]CRS {
	repo := wgs84.EPSG()
	out := make(map[int]CRS)
	for _, code := range repo.Codes() {
		crs := repo.Code(code)
		if _, ok := crs.(wgs84.GeocentricReferenceSystem); ok {
			continue
		}
		out[code] = newSystem(code, "", crs)
	}

	// The library's transverse Mercator inverse loses metres at zone
	// edges, so every TM system is rebuilt on the Krüger series.
	tm := func(code int, d wgs84.Datum, lon0, lat0, k0, falseE, falseN float64) {
		out[code] = newSystem(code, "", wgs84.ProjectedReferenceSystem{
			Datum:      d,
			Projection: newTransverseMercator(d, lon0, lat0, k0, falseE, falseN),
		})
	}
	for zone := 1; zone <= 60; zone++ {
		lon0 := float64(zone*6 - 183)
		tm(32600+zone, wgs84.WGS84(), lon0, 0, 0.9996, 500000, 0)
		tm(32700+zone, wgs84.WGS84(), lon0, 0, 0.9996, 500000, 10000000)
	}
	for zone := 28; zone <= 38; zone++ {
		tm(25800+zone, wgs84.ETRS89(), float64(zone*6-183), 0, 0.9996, 500000, 0)
	}
	for zone := 1; zone <= 23; zone++ {
		tm(26900+zone, wgs84.NAD83(), float64(zone*6-183), 0, 0.9996, 500000, 0)
	}
	for zone := 2; zone <= 5; zone++ {
		tm(31464+zone, wgs84.DHDN2001(), float64(zone*3), 0, 1, float64(zone)*1000000+500000, 0)
	}
	for i, lon0 := range []float64{10 + 1.0/3, 13 + 1.0/3, 16 + 1.0/3} {
		falseE := 150000 + 300000*float64(i)
		tm(31284+i, wgs84.MGI(), lon0, 0, 1, falseE, 0)
		tm(31257+i, wgs84.MGI(), lon0, 0, 1, falseE, -5000000)
	}
	tm(27700, wgs84.OSGB36(), -2, 49, 0.9996012717, 400000, -100000)
	tm(6355, wgs84.NAD83(), -85-5.0/6, 30.5, 0.99996, 200000, 0)
	tm(6356, wgs84.NAD83(), -87.5, 30, 0.999933333, 600000, 0)
	tm(3067, wgs84.ETRS89(), 27, 0, 0.9996, 500000, 0)
	tm(2193, grs80Datum(), 173, 0, 0.9996, 1600000, 10000000)

	albers := func(code int, d wgs84.Datum, lon0, lat0, lat1, lat2, falseE, falseN float64) {
		out[code] = newSystem(code, "", d.AlbersEqualAreaConic(lon0, lat0, lat1, lat2, falseE, falseN))
	}
	albers(5070, wgs84.NAD83(), -96, 23, 29.5, 45.5, 0, 0)
	albers(6350, wgs84.NAD83(), -96, 23, 29.5, 45.5, 0, 0)
	albers(3310, wgs84.NAD83(), -120, 0, 34, 40.5, 0, -4000000)
	albers(6414, wgs84.NAD83(), -120, 0, 34, 40.5, 0, -4000000)
	albers(3577, grs80Datum(), 132, 0, -18, -36, 0, 0)

	out[3395] = newSystem(3395, "", wgs84.ProjectedReferenceSystem{
		Datum:      wgs84.WGS84(),
		Projection: mercator{k0: 1},
	})
	out[4283] = newSystem(4283, "", grs80Datum().LonLat())
	out[4269] = newSystem(4269, "", wgs84.NAD83().LonLat())
	out[4258] = newSystem(4258, "", wgs84.ETRS89().LonLat())
	return out
}

// grs80Datum is a GRS80 datum such as GDA94 or NZGD2000, taken as
// coincident with WGS84.
func grs80Datum() wgs84.Datum {
	return wgs84.Datum{Spheroid: wgs84.GRS80{}}
}
