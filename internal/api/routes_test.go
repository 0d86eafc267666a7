package api

import (
	"bytes"
	"encoding/json"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/raster-tiles/server/internal/cache"
	"github.com/raster-tiles/server/internal/data/driver"
	"github.com/raster-tiles/server/internal/data/geotiff"
	"github.com/raster-tiles/server/internal/data/geotiff/geotifftest"
	"github.com/raster-tiles/server/internal/engine"
	"github.com/raster-tiles/server/internal/geo"
	"github.com/raster-tiles/server/internal/service"
)

// testServer holds the test server and its dependencies
type testServer struct {
	server *httptest.Server
	cache  *cache.Manager
	dir    string
}

// writeScene writes three constant bands around tile 10/511/338.
func writeScene(t *testing.T, dir, name string) {
	t.Helper()
	tb, err := geo.TileBounds(geo.TileAddress{X: 511, Y: 338, Z: 10})
	if err != nil {
		t.Fatal(err)
	}
	pad := tb.Width() / 2
	b := geo.ProjectedBounds{MinX: tb.MinX - pad, MinY: tb.MinY - pad, MaxX: tb.MaxX + pad, MaxY: tb.MaxY + pad}
	for band, v := range map[string]float64{"red": 200, "green": 100, "blue": 0} {
		err := geotifftest.Write(filepath.Join(dir, name+"_"+band+".tif"), geotifftest.Options{
			Width:       256,
			Height:      256,
			Bands:       [][]float64{geotifftest.Fill(256, 256, func(c, r int) float64 { return v })},
			EPSG:        3857,
			Bounds:      b,
			Compression: "deflate",
			TileSize:    128,
		})
		if err != nil {
			t.Fatalf("failed to write fixture: %v", err)
		}
	}
}

// setupTestServer initializes all components and returns a test server
func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	dir := t.TempDir()
	writeScene(t, dir, "scene")
	writeScene(t, dir, "extra")

	datasets := []driver.Dataset{{
		Name:        "scene",
		Description: "test scene",
		Bands:       []string{"red", "green", "blue"},
		DefaultRGB:  []string{"red", "green", "blue"},
	}}
	d, err := driver.New(dir, "", datasets)
	if err != nil {
		t.Fatalf("Failed to initialize driver: %v", err)
	}
	e, err := engine.New(engine.DefaultConfig(), geotiff.Opener)
	if err != nil {
		t.Fatalf("Failed to initialize engine: %v", err)
	}
	cacheManager, err := cache.NewManager(cache.Config{
		TileCacheSizeMB: 16,
		TileTTL:         time.Minute,
		QueryCacheSize:  100,
	})
	if err != nil {
		t.Fatalf("Failed to initialize cache: %v", err)
	}
	log, _ := test.NewNullLogger()

	registry := NewDatasetRegistry("scene", []string{"scene"}, "")
	registry.Register("scene", service.NewTileService(service.TileServiceConfig{
		Dataset: datasets[0],
		Driver:  d,
		Engine:  e,
		Cache:   cacheManager,
		Log:     log,
	}))

	router := NewRouter(RouterConfig{
		Registry:    registry,
		CORSOrigins: []string{"http://localhost:3000"},
		Cache:       cacheManager,
		Log:         log,
	})

	return &testServer{server: httptest.NewServer(router), cache: cacheManager, dir: dir}
}

// close cleans up test server resources
func (ts *testServer) close() {
	ts.server.Close()
	ts.cache.Close()
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(ts.server.URL + path)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	return resp, body
}

// --- Helper Functions ---

// assertStatusCode verifies the HTTP status code
func assertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// assertContentType verifies the Content-Type header
func assertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected Content-Type %q, got %q", expected, contentType)
	}
}

// assertPNG verifies the response body is a valid PNG image
func assertPNG(t *testing.T, body []byte) {
	t.Helper()
	if _, err := png.DecodeConfig(bytes.NewReader(body)); err != nil {
		t.Errorf("Invalid PNG: %v", err)
	}
}

// assertJSONFields verifies the response contains expected JSON fields
func assertJSONFields(t *testing.T, body []byte, expectedFields []string) {
	t.Helper()
	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Errorf("Failed to parse JSON response: %v", err)
		return
	}
	for _, field := range expectedFields {
		if _, ok := result[field]; !ok {
			t.Errorf("Expected JSON field %q not found in response", field)
		}
	}
}

func pixelAt(t *testing.T, body []byte, x, y int) [4]uint32 {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to decode PNG: %v", err)
	}
	r, g, b, a := img.At(x, y).RGBA()
	return [4]uint32{r >> 8, g >> 8, b >> 8, a >> 8}
}

// --- Test Cases ---

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	resp, body := ts.get(t, "/health")
	assertStatusCode(t, resp, http.StatusOK)
	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %q", string(body))
	}
}

func TestRGBTileEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	tests := []struct {
		name           string
		path           string
		expectedStatus int
		expectPNG      bool
	}{
		{"default bands", "/rgb/scene/10/511/338.png", http.StatusOK, true},
		{"explicit bands", "/rgb/scene/10/511/338.png?r=blue&g=green&b=red", http.StatusOK, true},
		{"stretch override", "/rgb/scene/10/511/338.png?r_range=[null,400]&b_range=[0,null]", http.StatusOK, true},
		{"tile size", "/rgb/scene/10/511/338.png?tile_size=[128,64]", http.StatusOK, true},
		{"out of bounds", "/rgb/scene/10/0/0.png", http.StatusOK, true},
		{"invalid z parameter", "/rgb/scene/abc/0/0.png", http.StatusBadRequest, false},
		{"tile outside grid", "/rgb/scene/1/5/0.png", http.StatusBadRequest, false},
		{"partial bands", "/rgb/scene/10/511/338.png?r=red", http.StatusBadRequest, false},
		{"bad range", "/rgb/scene/10/511/338.png?g_range=[10,5]", http.StatusBadRequest, false},
		{"bad range syntax", "/rgb/scene/10/511/338.png?g_range=10", http.StatusBadRequest, false},
		{"bad tile size", "/rgb/scene/10/511/338.png?tile_size=[0,256]", http.StatusBadRequest, false},
		{"unknown band", "/rgb/scene/10/511/338.png?r=nir&g=green&b=blue", http.StatusNotFound, false},
		{"unknown dataset", "/rgb/nope/10/511/338.png", http.StatusNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.get(t, tt.path)
			assertStatusCode(t, resp, tt.expectedStatus)
			if tt.expectPNG {
				assertContentType(t, resp, "image/png")
				assertPNG(t, body)
			} else {
				assertContentType(t, resp, "application/json")
				assertJSONFields(t, body, []string{"message"})
			}
		})
	}
}

func TestRGBTilePixels(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	_, body := ts.get(t, "/rgb/scene/10/511/338.png")
	// 200 -> 200.2, 100 -> 100.6, 0 -> 1
	if got := pixelAt(t, body, 128, 128); got != [4]uint32{200, 101, 1, 255} {
		t.Errorf("unexpected pixel %v", got)
	}

	_, body = ts.get(t, "/rgb/scene/10/511/338.png?r=blue&g=green&b=red&r_range=[0,254]")
	if got := pixelAt(t, body, 5, 250); got != [4]uint32{1, 101, 200, 255} {
		t.Errorf("unexpected pixel %v", got)
	}

	_, body = ts.get(t, "/rgb/scene/10/0/0.png?tile_size=[64,32]")
	cfg, err := png.DecodeConfig(bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Width != 64 || cfg.Height != 32 {
		t.Errorf("expected 64x32 empty tile, got %dx%d", cfg.Width, cfg.Height)
	}
	if got := pixelAt(t, body, 10, 10); got[3] != 0 {
		t.Errorf("expected transparent pixel, got %v", got)
	}
}

func TestPreviewEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	resp, body := ts.get(t, "/rgb/scene/preview.png?tile_size=[100,100]")
	assertStatusCode(t, resp, http.StatusOK)
	assertContentType(t, resp, "image/png")
	if got := pixelAt(t, body, 50, 50); got != [4]uint32{200, 101, 1, 255} {
		t.Errorf("unexpected pixel %v", got)
	}
}

func TestDatasetsEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	resp, body := ts.get(t, "/api/datasets")
	assertStatusCode(t, resp, http.StatusOK)
	assertJSONFields(t, body, []string{"default", "datasets", "title"})

	var result struct {
		Default  string        `json:"default"`
		Datasets []DatasetInfo `json:"datasets"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatal(err)
	}
	if result.Default != "scene" || len(result.Datasets) != 1 || result.Datasets[0].Description != "test scene" {
		t.Errorf("unexpected datasets response: %+v", result)
	}
}

func TestMetadataEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	resp, body := ts.get(t, "/api/datasets/scene/metadata")
	assertStatusCode(t, resp, http.StatusOK)
	assertJSONFields(t, body, []string{"crs", "width", "height", "bounds", "wgs_bounds", "nodata", "has_alpha"})

	resp, body = ts.get(t, "/api/datasets/scene/metadata?band=green")
	assertStatusCode(t, resp, http.StatusOK)
	var md engine.Metadata
	if err := json.Unmarshal(body, &md); err != nil {
		t.Fatal(err)
	}
	if md.CRS != "EPSG:3857" || md.Width != 256 || filepath.Base(md.Path) != "scene_green.tif" {
		t.Errorf("unexpected metadata: %+v", md)
	}

	resp, _ = ts.get(t, "/api/datasets/scene/metadata?band=..")
	assertStatusCode(t, resp, http.StatusBadRequest)

	resp, body = ts.get(t, "/api/datasets/scene/bands")
	assertStatusCode(t, resp, http.StatusOK)
	assertJSONFields(t, body, []string{"dataset", "bands"})
}

func TestStatsEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	ts.get(t, "/rgb/scene/10/511/338.png")
	ts.get(t, "/rgb/scene/10/511/338.png")

	resp, body := ts.get(t, "/api/stats")
	assertStatusCode(t, resp, http.StatusOK)
	var stats map[string]interface{}
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatal(err)
	}
	if stats["cache_enabled"] != true {
		t.Errorf("expected cache enabled, got %v", stats["cache_enabled"])
	}
	if stats["tile_cache_hits"].(float64) < 1 {
		t.Errorf("expected a cache hit, got %v", stats["tile_cache_hits"])
	}
}

func TestOpenCatalogFallback(t *testing.T) {
	dir := t.TempDir()
	writeScene(t, dir, "extra")

	d, err := driver.New(dir, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	e, err := engine.New(engine.DefaultConfig(), geotiff.Opener)
	if err != nil {
		t.Fatal(err)
	}
	log, _ := test.NewNullLogger()

	registry := NewDatasetRegistry("", nil, "")
	var built atomic.Int32
	registry.SetFallback(func(name string) (*service.TileService, error) {
		ds, err := d.Dataset(name)
		if err != nil {
			return nil, err
		}
		built.Add(1)
		ds.DefaultRGB = []string{"red", "green", "blue"}
		return service.NewTileService(service.TileServiceConfig{Dataset: ds, Driver: d, Engine: e, Log: log}), nil
	})
	server := httptest.NewServer(NewRouter(RouterConfig{Registry: registry, CORSOrigins: []string{"*"}, Log: log}))
	defer server.Close()

	tests := []struct {
		path           string
		expectedStatus int
	}{
		{"/rgb/extra/10/511/338.png", http.StatusOK},
		{"/rgb/extra/10/511/338.png?r=blue&g=green&b=red", http.StatusOK},
		{"/rgb/missing/10/511/338.png", http.StatusNotFound},
		{"/rgb/..bad/10/511/338.png", http.StatusBadRequest},
		{"/api/datasets/extra/bands", http.StatusOK},
		{"/api/stats", http.StatusOK},
	}
	for _, tt := range tests {
		resp, err := http.Get(server.URL + tt.path)
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.expectedStatus {
			t.Errorf("%s: expected status %d, got %d", tt.path, tt.expectedStatus, resp.StatusCode)
		}
	}
	// "extra" and "missing" both get a service; "missing" fails on read.
	if n := built.Load(); n != 2 {
		t.Errorf("expected 2 services built, got %d", n)
	}
}
