package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/raster-tiles/server/internal/api"
	"github.com/raster-tiles/server/internal/cache"
	"github.com/raster-tiles/server/internal/config"
	"github.com/raster-tiles/server/internal/data/driver"
	"github.com/raster-tiles/server/internal/engine"
	"github.com/raster-tiles/server/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tile server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 0, "port to listen on (overrides server.port)")
	serveCmd.Flags().String("profile", "", "write a CPU profile to this directory")

	viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := cfg.Logger()
	if err != nil {
		return err
	}

	if dir, _ := cmd.Flags().GetString("profile"); dir != "" {
		defer profile.Start(profile.ProfilePath(dir), profile.CPUProfile, profile.Quiet).Stop()
	}

	log.Infof("Starting raster tile server on port %d", cfg.Server.Port)

	// Initialize cache manager (shared across all datasets)
	var cacheManager *cache.Manager
	if cfg.Cache.On() {
		cacheManager, err = cache.NewManager(cache.Config{
			TileCacheSizeMB: cfg.Cache.TileSizeMB,
			TileTTL:         time.Duration(cfg.Cache.TileTTLMinutes) * time.Minute,
			QueryCacheSize:  cfg.Cache.QueryCacheSize,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize cache: %w", err)
		}
		defer cacheManager.Close()
	}

	// Initialize render engine (shared across all datasets)
	eng, err := newEngine(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	drv, err := cfg.Driver()
	if err != nil {
		return fmt.Errorf("failed to initialize data driver: %w", err)
	}

	registry := newRegistry(cfg, drv, eng, cacheManager, log)

	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		Cache:       cacheManager,
		Log:         log,
	})

	read, write, idle := cfg.Server.Timeouts()
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}

	errc := make(chan error, 1)
	go func() {
		log.Infof("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Server forced to shutdown")
	}

	log.Info("Server stopped")
	return nil
}

// newRegistry registers one tile service per configured dataset. Without a
// catalog, services are built on first request for any dataset name.
func newRegistry(cfg *config.Config, drv *driver.Driver, eng *engine.Engine, cacheManager *cache.Manager, log *logrus.Logger) *api.DatasetRegistry {
	datasetIDs := cfg.Data.DatasetIDs()
	registry := api.NewDatasetRegistry(cfg.Data.DefaultDataset, datasetIDs, cfg.Server.Title)

	newService := func(ds driver.Dataset) *service.TileService {
		return service.NewTileService(service.TileServiceConfig{
			Dataset: ds,
			Driver:  drv,
			Engine:  eng,
			Cache:   cacheManager,
			Log:     log,
		})
	}

	if len(datasetIDs) == 0 {
		log.Infof("No datasets configured, serving files under %s", cfg.Data.Root)
		registry.SetFallback(func(name string) (*service.TileService, error) {
			ds, err := drv.Dataset(name)
			if err != nil {
				return nil, err
			}
			return newService(ds), nil
		})
		return registry
	}

	log.Infof("Initializing %d dataset(s), default: %s", len(datasetIDs), cfg.Data.DefaultDataset)
	for _, id := range datasetIDs {
		ds, err := drv.Dataset(id)
		if err != nil {
			// Names were validated with the config.
			log.WithError(err).WithField("dataset", id).Error("Skipping dataset")
			continue
		}
		registry.Register(id, newService(ds))
		log.WithFields(logrus.Fields{"dataset": id, "default_rgb": ds.DefaultRGB}).Info("Registered dataset")
	}
	return registry
}
