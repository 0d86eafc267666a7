package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/raster-tiles/server/internal/config"
	"github.com/raster-tiles/server/internal/data/geotiff"
	"github.com/raster-tiles/server/internal/engine"
	"github.com/raster-tiles/server/internal/trace"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "rtiles",
	Short: "Serve RGB composite map tiles from single-band rasters",
	Long: `rtiles renders XYZ map tiles from three single-band GeoTIFF or COG
files, one per color channel, reprojecting them on the fly.

Every flag can also be set through an RTILES_ environment variable,
for example RTILES_PORT=9000 or RTILES_LOG_LEVEL=debug.

Examples:
  # Serve the datasets in config/server.yaml
  rtiles serve

  # Serve every <name>_<band>.tif under /data on port 9000
  rtiles serve --data-root /data --port 9000

  # Print the metadata of one file
  rtiles info /data/scene_red.tif`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initViper)

	rootCmd.PersistentFlags().String("config", "config/server.yaml", "path to configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().String("data-root", "", "directory holding the band files")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("data-root", rootCmd.PersistentFlags().Lookup("data-root"))
}

// initViper reads RTILES_* environment variables.
func initViper() {
	viper.SetEnvPrefix("RTILES")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// loadConfig loads the YAML file and applies flag and environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if viper.IsSet("port") {
		cfg.Server.Port = viper.GetInt("port")
	}
	if viper.IsSet("log-level") {
		cfg.Log.Level = viper.GetString("log-level")
	}
	if viper.IsSet("data-root") {
		cfg.Data.Root = viper.GetString("data-root")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newEngine builds the render engine, with span logging when tracing is on.
func newEngine(cfg *config.Config, log *logrus.Logger) (*engine.Engine, error) {
	engineCfg, err := cfg.Engine()
	if err != nil {
		return nil, err
	}
	var opts []engine.Option
	if cfg.Trace.Enabled {
		level, err := logrus.ParseLevel(cfg.Trace.Level)
		if err != nil {
			return nil, fmt.Errorf("trace level: %w", err)
		}
		opts = append(opts, engine.WithTracer(trace.NewLogTracer(log).WithLevel(level)))
	}
	return engine.New(engineCfg, geotiff.Opener, opts...)
}
