// Package api provides HTTP handlers for the raster tile server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/raster-tiles/server/internal/cache"
	"github.com/raster-tiles/server/internal/data/driver"
	"github.com/raster-tiles/server/internal/geo"
	"github.com/raster-tiles/server/internal/raster"
	"github.com/raster-tiles/server/internal/render"
	"github.com/raster-tiles/server/internal/service"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	// Cache is optional; it backs the stats endpoint.
	Cache *cache.Manager
	Log   logrus.FieldLogger
}

type handlers struct {
	registry *DatasetRegistry
	cache    *cache.Manager
	log      logrus.FieldLogger
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	h := &handlers{registry: cfg.Registry, cache: cfg.Cache, log: log}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: log, NoColor: true}))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5, "application/json"))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/datasets", h.datasets)
		r.Get("/stats", h.stats)
		r.Route("/datasets/{dataset}", func(r chi.Router) {
			r.Use(h.datasetMiddleware)
			r.Get("/bands", h.bands)
			r.Get("/metadata", h.metadata)
		})
	})

	r.Route("/rgb/{dataset}", func(r chi.Router) {
		r.Use(h.datasetMiddleware)
		r.Get("/preview.png", h.preview)
		r.Get("/{z}/{x}/{y}.png", h.rgbTile)
	})

	return r
}

// Context key for dataset service
type ctxKey string

const datasetServiceKey ctxKey = "datasetService"

// datasetMiddleware resolves the dataset from URL and injects the tile service into context.
func (h *handlers) datasetMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		datasetID := chi.URLParam(r, "dataset")
		svc, err := h.registry.Get(datasetID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if svc == nil {
			writeJSON(w, http.StatusNotFound, errorResponse{Message: "dataset not found: " + datasetID})
			return
		}
		ctx := context.WithValue(r.Context(), datasetServiceKey, svc)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func getDatasetService(r *http.Request) *service.TileService {
	if svc, ok := r.Context().Value(datasetServiceKey).(*service.TileService); ok {
		return svc
	}
	return nil
}

// datasets returns the list of configured datasets.
func (h *handlers) datasets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"default":  h.registry.DefaultDatasetID(),
		"datasets": h.registry.Datasets(),
		"title":    h.registry.Title(),
	})
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{"cache_enabled": h.cache != nil}
	if h.cache != nil {
		for k, v := range h.cache.Stats() {
			stats[k] = v
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handlers) bands(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	bands, err := svc.Bands()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if bands == nil {
		bands = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dataset": svc.Dataset().Name,
		"bands":   bands,
	})
}

func (h *handlers) metadata(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	band := r.URL.Query().Get("band")
	if band == "" {
		if rgb := svc.Dataset().DefaultRGB; len(rgb) > 0 {
			band = rgb[0]
		}
	}
	if band == "" {
		h.writeError(w, r, badRequest("missing required query param: band"))
		return
	}
	md, err := svc.Metadata(r.Context(), band)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, md)
}

func (h *handlers) rgbTile(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	tile, err := parseTile(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	params, err := parseRGBParams(r.URL.Query())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	data, err := svc.GetRGBTile(r.Context(), tile, params)
	if errors.Is(err, geo.ErrTileOutOfBounds) {
		data, err = svc.GetEmptyTile(params.Width, params.Height)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writePNG(w, data)
}

func (h *handlers) preview(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	params, err := parseRGBParams(r.URL.Query())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	data, err := svc.GetPreview(r.Context(), params)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writePNG(w, data)
}

type errorResponse struct {
	Message string `json:"message"`
}

// writeError maps error kinds onto status codes. Unclassified errors are
// logged and reported as 500.
func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var bad errBadRequest
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &bad),
		errors.Is(err, render.ErrInvalidArguments),
		errors.Is(err, geo.ErrInvalidTile),
		errors.Is(err, driver.ErrInvalidKey):
		status = http.StatusBadRequest
	case errors.Is(err, driver.ErrUnknownDataset),
		errors.Is(err, driver.ErrUnknownBand),
		errors.Is(err, raster.ErrUnreadable):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		h.log.WithError(err).WithFields(logrus.Fields{
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
		}).Error("request failed")
	}
	writeJSON(w, status, errorResponse{Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writePNG(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}
