// Package driver resolves logical dataset and band keys to raster files.
package driver

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var (
	ErrUnknownDataset = errors.New("unknown dataset")
	ErrUnknownBand    = errors.New("unknown band")
	ErrInvalidKey     = errors.New("invalid key")
)

// DefaultPathTemplate names one file per dataset band.
const DefaultPathTemplate = "{name}_{band}.tif"

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Dataset is a configured group of single-band rasters.
type Dataset struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Bands       []string `json:"bands,omitempty"`
	// DefaultRGB lists the band keys used when a request names none.
	DefaultRGB []string `json:"default_rgb,omitempty"`
	// Root and PathTemplate override the driver's values.
	Root         string `json:"-"`
	PathTemplate string `json:"-"`
}

// Driver maps (dataset, band) keys onto file paths.
type Driver struct {
	root     string
	template string
	datasets map[string]Dataset
	order    []string
}

// New creates a driver. With no datasets every well-formed dataset name is
// accepted and resolved under root.
func New(root, template string, datasets []Dataset) (*Driver, error) {
	if template == "" {
		template = DefaultPathTemplate
	}
	if err := checkTemplate(template); err != nil {
		return nil, err
	}
	d := &Driver{root: root, template: template, datasets: make(map[string]Dataset)}
	for _, ds := range datasets {
		if err := validKey(ds.Name); err != nil {
			return nil, fmt.Errorf("dataset %q: %w", ds.Name, err)
		}
		if _, dup := d.datasets[ds.Name]; dup {
			return nil, fmt.Errorf("dataset %q configured twice", ds.Name)
		}
		if ds.PathTemplate != "" {
			if err := checkTemplate(ds.PathTemplate); err != nil {
				return nil, fmt.Errorf("dataset %q: %w", ds.Name, err)
			}
		}
		for _, b := range append(append([]string{}, ds.Bands...), ds.DefaultRGB...) {
			if err := validKey(b); err != nil {
				return nil, fmt.Errorf("dataset %q band %q: %w", ds.Name, b, err)
			}
		}
		if len(ds.DefaultRGB) != 0 && len(ds.DefaultRGB) != 3 {
			return nil, fmt.Errorf("dataset %q: default_rgb needs 3 bands, got %d", ds.Name, len(ds.DefaultRGB))
		}
		d.datasets[ds.Name] = ds
		d.order = append(d.order, ds.Name)
	}
	return d, nil
}

func checkTemplate(t string) error {
	if !strings.Contains(t, "{band}") {
		return fmt.Errorf("path template %q has no {band} placeholder", t)
	}
	return nil
}

func validKey(k string) error {
	if !keyPattern.MatchString(k) || strings.Contains(k, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, k)
	}
	return nil
}

// Names returns the configured dataset names in configuration order.
func (d *Driver) Names() []string {
	return append([]string(nil), d.order...)
}

// Dataset returns the dataset configured under name. When no catalog is
// configured a bare entry is returned for any valid name.
func (d *Driver) Dataset(name string) (Dataset, error) {
	if err := validKey(name); err != nil {
		return Dataset{}, err
	}
	if ds, ok := d.datasets[name]; ok {
		return ds, nil
	}
	if len(d.datasets) == 0 {
		return Dataset{Name: name}, nil
	}
	return Dataset{}, fmt.Errorf("%w: %q", ErrUnknownDataset, name)
}

// Path resolves the file holding one band of a dataset.
func (d *Driver) Path(name, band string) (string, error) {
	ds, err := d.Dataset(name)
	if err != nil {
		return "", err
	}
	if err := validKey(band); err != nil {
		return "", err
	}
	if len(ds.Bands) > 0 && !contains(ds.Bands, band) {
		return "", fmt.Errorf("%w: %q in dataset %q", ErrUnknownBand, band, name)
	}
	root, template := d.locate(ds)
	rel := strings.NewReplacer("{name}", name, "{band}", band).Replace(template)
	path := filepath.Join(root, rel)
	if r, err := filepath.Rel(root, path); err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes the data root", ErrInvalidKey, rel)
	}
	return path, nil
}

// Bands lists the band keys of a dataset: the configured ones, or those
// found on disk by matching the path template.
func (d *Driver) Bands(name string) ([]string, error) {
	ds, err := d.Dataset(name)
	if err != nil {
		return nil, err
	}
	if len(ds.Bands) > 0 {
		return append([]string(nil), ds.Bands...), nil
	}
	root, template := d.locate(ds)
	rel := strings.ReplaceAll(template, "{name}", name)
	prefix, suffix, _ := strings.Cut(rel, "{band}")
	matches, err := filepath.Glob(filepath.Join(root, globEscape(prefix)+"*"+globEscape(suffix)))
	if err != nil {
		return nil, err
	}
	var bands []string
	for _, m := range matches {
		r, err := filepath.Rel(root, m)
		if err != nil {
			continue
		}
		band := strings.TrimSuffix(strings.TrimPrefix(filepath.ToSlash(r), filepath.ToSlash(prefix)), suffix)
		if validKey(band) == nil {
			bands = append(bands, band)
		}
	}
	sort.Strings(bands)
	return bands, nil
}

func (d *Driver) locate(ds Dataset) (root, template string) {
	root, template = d.root, d.template
	if ds.Root != "" {
		root = ds.Root
	}
	if ds.PathTemplate != "" {
		template = ds.PathTemplate
	}
	return root, template
}

func globEscape(s string) string {
	return strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`).Replace(s)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
