package geotiff

import (
	"fmt"

	"github.com/raster-tiles/server/internal/geo"
)

// GeoKey IDs.
const (
	gkModelTypeGeoKey           = 1024
	gkRasterTypeGeoKey          = 1025
	gkGeographicTypeGeoKey      = 2048
	gkGeogGeodeticDatumGeoKey   = 2050
	gkGeogEllipsoidGeoKey       = 2056
	gkGeogSemiMajorAxisGeoKey   = 2057
	gkGeogInvFlatteningGeoKey   = 2059
	gkProjectedCSTypeGeoKey     = 3072
	gkProjCoordTransGeoKey      = 3075
	gkProjLinearUnitsGeoKey     = 3076
	gkProjStdParallel1GeoKey    = 3078
	gkProjStdParallel2GeoKey    = 3079
	gkProjNatOriginLongGeoKey   = 3080
	gkProjNatOriginLatGeoKey    = 3081
	gkProjFalseEastingGeoKey    = 3082
	gkProjFalseNorthingGeoKey   = 3083
	gkProjFalseOriginLongGeoKey = 3084
	gkProjFalseOriginLatGeoKey  = 3085
	gkProjFalseOriginEastGeoKey = 3086
	gkProjFalseOriginNorthKey   = 3087
	gkProjCenterLongGeoKey      = 3088
	gkProjCenterLatGeoKey       = 3089
	gkProjCenterEastingGeoKey   = 3090
	gkProjCenterNorthingGeoKey  = 3091
	gkProjScaleAtNatOriginKey   = 3092
	gkProjScaleAtCenterGeoKey   = 3093
)

const (
	modelTypeGeographic = 2
	rasterPixelIsPoint  = 2
	userDefined         = 32767
	geoDoubleParamsTag  = 34736
)

// Linear units in metres.
var linearUnits = map[uint16]float64{
	9001: 1,
	9002: 0.3048,
	9003: 1200.0 / 3937,
}

// Ellipsoids as semi-major axis and inverse flattening.
var ellipsoids = map[uint16][2]float64{
	7030: {6378137, 298.257223563},
	7019: {6378137, 298.257222101},
	7001: {6377563.396, 299.3249646},
	7004: {6377397.155, 299.1528128},
	7008: {6378206.4, 294.978698214},
}

// geoKeyDir holds the parsed GeoKey directory.
type geoKeyDir struct {
	shorts  map[uint16]uint16
	doubles map[uint16]float64
}

// geoKeys parses the GeoKey directory. Double values are resolved from
// GeoDoubleParamsTag; ASCII values are not needed.
func geoKeys(dir []uint16, params []float64) geoKeyDir {
	keys := geoKeyDir{shorts: make(map[uint16]uint16), doubles: make(map[uint16]float64)}
	if len(dir) < 4 {
		return keys
	}
	n := int(dir[3])
	for i := 0; i < n; i++ {
		base := 4 + i*4
		if base+3 >= len(dir) {
			break
		}
		switch dir[base+1] {
		case 0:
			keys.shorts[dir[base]] = dir[base+3]
		case geoDoubleParamsTag:
			if off := int(dir[base+3]); dir[base+2] >= 1 && off < len(params) {
				keys.doubles[dir[base]] = params[off]
			}
		}
	}
	return keys
}

// double returns the first of the given keys that is present.
func (k geoKeyDir) double(ids ...uint16) (float64, bool) {
	for _, id := range ids {
		if v, ok := k.doubles[id]; ok {
			return v, true
		}
	}
	return 0, false
}

// crs resolves the coordinate reference system. Registered EPSG codes are
// used as is; otherwise the projection parameters define the system.
func (k geoKeyDir) crs() (geo.CRS, error) {
	geographic := k.shorts[gkModelTypeGeoKey] == modelTypeGeographic
	if v, ok := k.shorts[gkProjectedCSTypeGeoKey]; ok && !geographic {
		if v != userDefined {
			if c, err := geo.CRSFromEPSG(int(v)); err == nil {
				return c, nil
			}
		}
		if _, ok := k.shorts[gkProjCoordTransGeoKey]; ok {
			return k.projected(int(v))
		}
		return nil, fmt.Errorf("%w: EPSG:%d without projection parameters", geo.ErrUnsupportedCRS, v)
	}
	if _, ok := k.shorts[gkProjCoordTransGeoKey]; ok && !geographic {
		return k.projected(userDefined)
	}

	code := int(k.geographicCode())
	if code == 0 {
		return nil, fmt.Errorf("%w: no CRS in GeoKey directory", geo.ErrUnsupportedCRS)
	}
	if code != userDefined {
		if c, err := geo.CRSFromEPSG(code); err == nil {
			return c, nil
		}
	}
	a, rf, _ := k.ellipsoid()
	return geo.NewGeographic(code, a, rf)
}

// geographicCode returns the EPSG code of the geographic system, derived
// from the datum when the system itself is user-defined.
func (k geoKeyDir) geographicCode() uint16 {
	code := k.shorts[gkGeographicTypeGeoKey]
	if code != userDefined {
		return code
	}
	// EPSG datum codes 6xxx pair with geographic systems 4xxx.
	if d, ok := k.shorts[gkGeogGeodeticDatumGeoKey]; ok && d >= 6000 && d < 7000 {
		return d - 2000
	}
	return code
}

func (k geoKeyDir) ellipsoid() (a, rf float64, ok bool) {
	if e, found := ellipsoids[k.shorts[gkGeogEllipsoidGeoKey]]; found {
		return e[0], e[1], true
	}
	a, ok = k.doubles[gkGeogSemiMajorAxisGeoKey]
	rf = k.doubles[gkGeogInvFlatteningGeoKey]
	return a, rf, ok && rf > 0
}

func (k geoKeyDir) projected(code int) (geo.CRS, error) {
	def := geo.Definition{Method: geo.Method(k.shorts[gkProjCoordTransGeoKey])}
	if code != userDefined {
		def.Code = code
	}
	if g := k.geographicCode(); g != userDefined {
		def.GeographicCode = int(g)
	}
	if a, rf, ok := k.ellipsoid(); ok {
		def.SemiMajor, def.InvFlattening = a, rf
	}
	if u, ok := k.shorts[gkProjLinearUnitsGeoKey]; ok {
		m, known := linearUnits[u]
		if !known {
			return nil, fmt.Errorf("%w: linear unit %d", geo.ErrUnsupportedCRS, u)
		}
		def.Unit = m
	}
	def.Lon0, _ = k.double(gkProjNatOriginLongGeoKey, gkProjFalseOriginLongGeoKey, gkProjCenterLongGeoKey)
	def.Lat0, _ = k.double(gkProjNatOriginLatGeoKey, gkProjFalseOriginLatGeoKey, gkProjCenterLatGeoKey)
	def.Lat1, _ = k.double(gkProjStdParallel1GeoKey)
	def.Lat2, _ = k.double(gkProjStdParallel2GeoKey)
	def.Scale, _ = k.double(gkProjScaleAtNatOriginKey, gkProjScaleAtCenterGeoKey)
	def.FalseEasting, _ = k.double(gkProjFalseEastingGeoKey, gkProjFalseOriginEastGeoKey, gkProjCenterEastingGeoKey)
	def.FalseNorthing, _ = k.double(gkProjFalseNorthingGeoKey, gkProjFalseOriginNorthKey, gkProjCenterNorthingGeoKey)
	if def.Method == geo.LambertConformalConic2SP || def.Method == geo.AlbersEqualArea {
		if _, ok := k.doubles[gkProjStdParallel2GeoKey]; !ok {
			def.Lat2 = def.Lat1
		}
	}
	return geo.NewProjected(def)
}

// georeference derives the CRS and pixel-to-CRS transform of the main image.
func georeference(d *ifd) (geo.CRS, geo.Affine, error) {
	keys := geoKeys(d.GeoKeyDirectoryTag, d.GeoDoubleParamsTag)
	crs, err := keys.crs()
	if err != nil {
		return nil, geo.Affine{}, err
	}

	var m geo.Affine
	switch {
	case len(d.ModelTransformationTag) >= 16:
		t := d.ModelTransformationTag
		m = geo.Affine{A: t[0], B: t[1], C: t[3], D: t[4], E: t[5], F: t[7]}
	case len(d.ModelPixelScaleTag) >= 2 && len(d.ModelTiePointTag) >= 6:
		sx, sy := d.ModelPixelScaleTag[0], d.ModelPixelScaleTag[1]
		tp := d.ModelTiePointTag
		m = geo.Affine{A: sx, C: tp[3] - tp[0]*sx, E: -sy, F: tp[4] + tp[1]*sy}
	default:
		return nil, geo.Affine{}, fmt.Errorf("no georeferencing tags")
	}
	if keys.shorts[gkRasterTypeGeoKey] == rasterPixelIsPoint {
		m = m.Mul(geo.Translation(-0.5, -0.5))
	}
	if _, err := m.Invert(); err != nil {
		return nil, geo.Affine{}, fmt.Errorf("degenerate geotransform: %w", err)
	}
	return crs, m, nil
}
