package api

import (
	"sync"

	"github.com/raster-tiles/server/internal/service"
)

// DatasetInfo contains information about a dataset for the API response.
type DatasetInfo struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Bands       []string `json:"bands,omitempty"`
	DefaultRGB  []string `json:"default_rgb,omitempty"`
}

// DatasetRegistry holds tile services for all configured datasets.
type DatasetRegistry struct {
	mu             sync.RWMutex
	services       map[string]*service.TileService
	defaultDataset string
	datasetOrder   []string
	title          string
	// fallback builds services for names outside the configured catalog.
	fallback func(name string) (*service.TileService, error)
}

// NewDatasetRegistry creates a new dataset registry.
func NewDatasetRegistry(defaultDataset string, order []string, title string) *DatasetRegistry {
	return &DatasetRegistry{
		services:       make(map[string]*service.TileService),
		defaultDataset: defaultDataset,
		datasetOrder:   order,
		title:          title,
	}
}

// Register adds a tile service for a dataset.
func (r *DatasetRegistry) Register(datasetID string, svc *service.TileService) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[datasetID] = svc
}

// SetFallback serves unregistered dataset names through fn. Services it
// builds are kept for later requests.
func (r *DatasetRegistry) SetFallback(fn func(name string) (*service.TileService, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = fn
}

// Get returns the tile service for a dataset.
func (r *DatasetRegistry) Get(datasetID string) (*service.TileService, error) {
	r.mu.RLock()
	svc, ok := r.services[datasetID]
	fallback := r.fallback
	r.mu.RUnlock()
	if ok {
		return svc, nil
	}
	if fallback == nil {
		return nil, nil
	}

	svc, err := fallback(datasetID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.services[datasetID]; ok {
		return existing, nil
	}
	r.services[datasetID] = svc
	return svc, nil
}

// DefaultDatasetID returns the default dataset ID.
func (r *DatasetRegistry) DefaultDatasetID() string {
	return r.defaultDataset
}

// DatasetIDs returns all dataset IDs in config order.
func (r *DatasetRegistry) DatasetIDs() []string {
	return r.datasetOrder
}

// Title returns the configured site title.
func (r *DatasetRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "Raster Tiles"
}

// Datasets returns dataset info for all configured datasets.
func (r *DatasetRegistry) Datasets() []DatasetInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]DatasetInfo, 0, len(r.datasetOrder))
	for _, id := range r.datasetOrder {
		svc, ok := r.services[id]
		if !ok {
			continue
		}
		ds := svc.Dataset()
		infos = append(infos, DatasetInfo{
			ID:          id,
			Name:        id,
			Description: ds.Description,
			Bands:       ds.Bands,
			DefaultRGB:  ds.DefaultRGB,
		})
	}
	return infos
}
