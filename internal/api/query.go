package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/raster-tiles/server/internal/geo"
	"github.com/raster-tiles/server/internal/render"
	"github.com/raster-tiles/server/internal/service"
)

// maxTileSize bounds the tile_size query argument.
const maxTileSize = 4096

// errBadRequest marks malformed query or path arguments.
type errBadRequest struct{ msg string }

func (e errBadRequest) Error() string { return e.msg }

func badRequest(format string, args ...interface{}) error {
	return errBadRequest{msg: fmt.Sprintf(format, args...)}
}

func parseTile(r *http.Request) (geo.TileAddress, error) {
	var t geo.TileAddress
	for _, p := range []struct {
		name string
		dst  *int
	}{{"z", &t.Z}, {"x", &t.X}, {"y", &t.Y}} {
		v, err := strconv.Atoi(chi.URLParam(r, p.name))
		if err != nil {
			return t, badRequest("invalid %s", p.name)
		}
		*p.dst = v
	}
	return t, nil
}

// parseRGBParams reads r, g, b band keys, r_range, g_range, b_range
// stretch overrides, tile_size and preserve_values.
func parseRGBParams(q url.Values) (service.RGBParams, error) {
	var p service.RGBParams

	keys := []string{q.Get("r"), q.Get("g"), q.Get("b")}
	switch set := nonEmpty(keys); set {
	case 0:
	case 3:
		p.Bands = keys
	default:
		return p, badRequest("r, g and b must be given together")
	}

	var overridden bool
	stretch := make([]render.StretchRange, 3)
	for i, name := range []string{"r_range", "g_range", "b_range"} {
		stretch[i] = render.DefaultStretch
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		var bounds []*float64
		if err := json.Unmarshal([]byte(raw), &bounds); err != nil || len(bounds) != 2 {
			return p, badRequest("%s must be a JSON array of two numbers or nulls", name)
		}
		if bounds[0] != nil {
			stretch[i].Low = *bounds[0]
		}
		if bounds[1] != nil {
			stretch[i].High = *bounds[1]
		}
		overridden = true
	}
	if overridden {
		p.Stretch = stretch
	}

	if raw := q.Get("tile_size"); raw != "" {
		var size []int
		if err := json.Unmarshal([]byte(raw), &size); err != nil || len(size) != 2 {
			return p, badRequest("tile_size must be a JSON array of two integers")
		}
		if size[0] < 1 || size[1] < 1 || size[0] > maxTileSize || size[1] > maxTileSize {
			return p, badRequest("tile_size must lie in [1, %d]", maxTileSize)
		}
		p.Width, p.Height = size[0], size[1]
	}

	if raw := q.Get("preserve_values"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return p, badRequest("preserve_values must be a boolean")
		}
		p.PreserveValues = v
	}
	return p, nil
}

func nonEmpty(values []string) int {
	n := 0
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			n++
		}
	}
	return n
}
