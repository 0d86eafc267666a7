package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/raster-tiles/server/internal/geo"
	"github.com/raster-tiles/server/internal/raster"
)

func TestLoad_MultiDatasetFormat(t *testing.T) {
	content := `
server:
  port: 9000
data:
  root: /srv/rasters
  datasets:
    landsat:
      description: "Landsat 8 scene"
      bands: [B2, B3, B4]
      default_rgb: [B4, B3, B2]
    sentinel:
      path_template: "s2/{name}_{band}.tif"
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if len(cfg.Data.Datasets) != 2 {
		t.Fatalf("expected 2 datasets, got %d", len(cfg.Data.Datasets))
	}

	// First dataset in YAML order should be default
	if cfg.Data.DefaultDataset != "landsat" {
		t.Errorf("expected default dataset 'landsat', got %q", cfg.Data.DefaultDataset)
	}

	landsat, ok := cfg.Data.Datasets["landsat"]
	if !ok {
		t.Fatal("expected 'landsat' dataset")
	}
	if len(landsat.DefaultRGB) != 3 || landsat.DefaultRGB[0] != "B4" {
		t.Errorf("unexpected landsat default_rgb: %v", landsat.DefaultRGB)
	}

	ids := cfg.Data.DatasetIDs()
	if len(ids) != 2 || ids[0] != "landsat" || ids[1] != "sentinel" {
		t.Errorf("unexpected dataset order: %v", ids)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	d, err := cfg.Driver()
	if err != nil {
		t.Fatalf("driver: %v", err)
	}
	path, err := d.Path("sentinel", "B8")
	if err != nil {
		t.Fatalf("resolve path: %v", err)
	}
	if want := filepath.Join("/srv/rasters", "s2", "sentinel_B8.tif"); path != want {
		t.Errorf("expected path %q, got %q", want, path)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	content := `
server:
  port: 0
render:
  png_compress_level: 0
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Cache.TileSizeMB != 512 {
		t.Errorf("expected default cache size 512, got %d", cfg.Cache.TileSizeMB)
	}
	if cfg.Render.TileSize != 256 {
		t.Errorf("expected default tile size 256, got %d", cfg.Render.TileSize)
	}
	if !cfg.Cache.On() {
		t.Error("expected cache enabled by default")
	}
	if *cfg.Render.PNGCompressLevel != 0 {
		t.Errorf("expected explicit compression level 0 to be kept, got %d", *cfg.Render.PNGCompressLevel)
	}

	ec, err := cfg.Engine()
	if err != nil {
		t.Fatalf("engine config: %v", err)
	}
	if ec.Resampling != raster.Average || ec.Reprojection != raster.Bilinear {
		t.Errorf("unexpected methods %s/%s", ec.Resampling, ec.Reprojection)
	}
	if !geo.Same(ec.TargetCRS, geo.WebMercator) {
		t.Errorf("unexpected target crs %s", geo.Name(ec.TargetCRS))
	}
	if ec.MinCoverRatio != 0.01 {
		t.Errorf("expected cover ratio 0.01, got %g", ec.MinCoverRatio)
	}
}

func TestLoad_NoDataSection(t *testing.T) {
	cfg := loadFromString(t, "server:\n  port: 8080\n")

	if cfg.Data.DefaultDataset != "" {
		t.Errorf("expected no default dataset, got %q", cfg.Data.DefaultDataset)
	}
	if len(cfg.Data.Datasets) != 0 {
		t.Errorf("expected no datasets, got %d", len(cfg.Data.Datasets))
	}
	if cfg.Data.PathTemplate != "{name}_{band}.tif" {
		t.Errorf("unexpected path template %q", cfg.Data.PathTemplate)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("expected defaults for missing file, got %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port, got %d", cfg.Server.Port)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("data:\n  datasets: [a, b]\n")); err == nil {
		t.Error("expected error for sequence datasets")
	}
	if _, err := Parse([]byte("server: [")); err == nil {
		t.Error("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"resampling":      "render:\n  resampling_method: lanczos\n",
		"crs":             "render:\n  target_crs: EPSG:2056\n",
		"level":           "render:\n  png_compress_level: 12\n",
		"log level":       "log:\n  level: chatty\n",
		"log format":      "log:\n  format: xml\n",
		"default dataset": "data:\n  default_dataset: nope\n  datasets:\n    a: {}\n",
		"template":        "data:\n  path_template: \"{name}.tif\"\n",
		"rgb":             "data:\n  datasets:\n    a:\n      default_rgb: [r, g]\n",
	}
	for name, content := range cases {
		cfg, err := Parse([]byte(content))
		if err != nil {
			t.Fatalf("%s: parse: %v", name, err)
		}
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestLogger(t *testing.T) {
	cfg := loadFromString(t, "log:\n  level: debug\n  format: json\n")
	log, err := cfg.Logger()
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	if log.GetLevel() != logrus.DebugLevel {
		t.Errorf("expected debug level, got %s", log.GetLevel())
	}
	if _, ok := log.Formatter.(*logrus.JSONFormatter); !ok {
		t.Errorf("expected json formatter, got %T", log.Formatter)
	}
}

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}
