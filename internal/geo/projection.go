package geo

import (
	"math"

	"github.com/wroge/wgs84"
)

const (
	toRad = math.Pi / 180
	toDeg = 180 / math.Pi
)

// spheroid is an ellipsoid given by semi-major axis and inverse flattening.
type spheroid struct{ a, fi float64 }

func (s spheroid) A() float64 { return s.a }

func (s spheroid) Fi() float64 { return s.fi }

func flattening(s wgs84.Spheroid) float64 {
	if s.Fi() == 0 {
		return 0
	}
	return 1 / s.Fi()
}

// transverseMercator is evaluated with the Krüger series to third order in
// n, which keeps millimetre accuracy across a UTM zone. The series
// coefficients are fixed for the spheroid passed to newTransverseMercator.
type transverseMercator struct {
	lon0   float64 // radians
	k0     float64
	falseE float64
	falseN float64
	e      float64
	bigA   float64
	alpha  [3]float64
	beta   [3]float64
	delta  [3]float64
	m0     float64 // scaled meridian distance of the latitude of origin
}

func newTransverseMercator(s wgs84.Spheroid, lon0, lat0, k0, falseE, falseN float64) *transverseMercator {
	f := flattening(s)
	n := f / (2 - f)
	n2, n3 := n*n, n*n*n
	tm := &transverseMercator{
		lon0:   lon0 * toRad,
		k0:     k0,
		falseE: falseE,
		falseN: falseN,
		e:      math.Sqrt(f * (2 - f)),
		bigA:   s.A() / (1 + n) * (1 + n2/4 + n2*n2/64),
	}
	tm.alpha = [3]float64{n/2 - 2*n2/3 + 5*n3/16, 13*n2/48 - 3*n3/5, 61 * n3 / 240}
	tm.beta = [3]float64{n/2 - 2*n2/3 + 37*n3/96, n2/48 + n3/15, 17 * n3 / 480}
	tm.delta = [3]float64{2*n - 2*n2/3 - 2*n3, 7*n2/3 - 8*n3/5, 56 * n3 / 15}
	if lat0 != 0 {
		_, tm.m0 = tm.project(0, lat0*toRad)
	}
	return tm
}

// project returns unscaled easting and northing relative to the central
// meridian and the equator.
func (tm *transverseMercator) project(dl, phi float64) (float64, float64) {
	sinPhi := math.Sin(phi)
	t := math.Sinh(math.Atanh(sinPhi) - tm.e*math.Atanh(tm.e*sinPhi))
	xiP := math.Atan2(t, math.Cos(dl))
	etaP := math.Atanh(math.Sin(dl) / math.Sqrt(1+t*t))

	xi, eta := xiP, etaP
	for j := 1; j <= 3; j++ {
		a := tm.alpha[j-1]
		k := 2 * float64(j)
		xi += a * math.Sin(k*xiP) * math.Cosh(k*etaP)
		eta += a * math.Cos(k*xiP) * math.Sinh(k*etaP)
	}
	return tm.k0 * tm.bigA * eta, tm.k0 * tm.bigA * xi
}

func (tm *transverseMercator) FromLonLat(lon, lat float64, _ wgs84.Spheroid) (float64, float64) {
	x, y := tm.project(lon*toRad-tm.lon0, lat*toRad)
	return tm.falseE + x, tm.falseN + y - tm.m0
}

func (tm *transverseMercator) ToLonLat(east, north float64, _ wgs84.Spheroid) (float64, float64) {
	xi := (north - tm.falseN + tm.m0) / (tm.k0 * tm.bigA)
	eta := (east - tm.falseE) / (tm.k0 * tm.bigA)

	xiP, etaP := xi, eta
	for j := 1; j <= 3; j++ {
		b := tm.beta[j-1]
		k := 2 * float64(j)
		xiP -= b * math.Sin(k*xi) * math.Cosh(k*eta)
		etaP -= b * math.Cos(k*xi) * math.Sinh(k*eta)
	}
	chi := math.Asin(math.Sin(xiP) / math.Cosh(etaP))
	phi := chi
	for j := 1; j <= 3; j++ {
		phi += tm.delta[j-1] * math.Sin(2*float64(j)*chi)
	}
	lambda := tm.lon0 + math.Atan2(math.Sinh(etaP), math.Cos(xiP))
	return lambda * toDeg, phi * toDeg
}

// mercator is the ellipsoidal normal Mercator (EPSG method 9804).
type mercator struct {
	lon0   float64 // degrees
	k0     float64
	falseE float64
	falseN float64
}

// mercatorMaxLat keeps the forward projection finite.
const mercatorMaxLat = 89.5

func (m mercator) FromLonLat(lon, lat float64, s wgs84.Spheroid) (float64, float64) {
	f := flattening(s)
	e := math.Sqrt(f * (2 - f))
	lat = math.Max(-mercatorMaxLat, math.Min(mercatorMaxLat, lat))
	phi := lat * toRad
	es := e * math.Sin(phi)
	x := m.k0 * s.A() * (lon - m.lon0) * toRad
	y := m.k0 * s.A() * math.Log(math.Tan(math.Pi/4+phi/2)*math.Pow((1-es)/(1+es), e/2))
	return m.falseE + x, m.falseN + y
}

func (m mercator) ToLonLat(east, north float64, s wgs84.Spheroid) (float64, float64) {
	f := flattening(s)
	e := math.Sqrt(f * (2 - f))
	t := math.Exp(-(north - m.falseN) / (m.k0 * s.A()))
	phi := math.Pi/2 - 2*math.Atan(t)
	for i := 0; i < 15; i++ {
		es := e * math.Sin(phi)
		next := math.Pi/2 - 2*math.Atan(t*math.Pow((1-es)/(1+es), e/2))
		if math.Abs(next-phi) < 1e-12 {
			phi = next
			break
		}
		phi = next
	}
	return m.lon0 + (east-m.falseE)/(m.k0*s.A())*toDeg, phi * toDeg
}
