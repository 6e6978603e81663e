package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	imageloader "github.com/Skryldev/image-loader"
	"github.com/Skryldev/image-loader/adapters/vips"
	"github.com/Skryldev/image-loader/config"
	"github.com/Skryldev/image-loader/core"
	"github.com/Skryldev/image-loader/hooks"
)

// Global flags
type flags struct {
	ConfigPath string
	CacheDir   string
	LogLevel   string
	UseVips    bool
}

var (
	global  flags
	loader  *imageloader.Loader
	backend *vips.Backend
	metrics *hooks.InMemoryMetrics
	rootCmd *cobra.Command
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd = &cobra.Command{
		Use:   "imgload",
		Short: "Decode images through the pooled, cached image loader",
		Long: `imgload resolves image references (files, http(s) URLs, apk:// icons,
data: URIs) and decodes them with the same engine the library uses.

Examples:
  imgload decode photo.jpg --max-width 512
  imgload probe https://example.com/a.png --cache-dir /tmp/imgcache
  imgload cache stat --cache-dir /tmp/imgcache`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if backend != nil {
				defer backend.Shutdown()
			}
			if loader != nil {
				return loader.Close()
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&global.ConfigPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVarP(&global.CacheDir, "cache-dir", "d", "", "disk cache directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&global.LogLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&global.UseVips, "vips", false, "decode with libvips")

	rootCmd.AddCommand(decodeCmd, probeCmd, cacheCmd)
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if global.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(global.ConfigPath); err != nil {
			return cfg, err
		}
	}
	if global.CacheDir != "" {
		cfg.DiskCache.Dir = global.CacheDir
	}
	if global.LogLevel != "" {
		cfg.LogLevel = global.LogLevel
	}
	if global.UseVips {
		cfg.Decode.UseVips = true
	}
	return cfg, config.Validate(cfg)
}

func setup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := hooks.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: hooks.ParseLevel(cfg.LogLevel),
	})))

	loader, err = imageloader.New(cfg, imageloader.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create loader: %w", err)
	}
	if cfg.Decode.UseVips {
		backend = vips.NewBackend(vips.BackendConfig{MaxWorkers: cfg.WorkerCount})
		backend.Register(loader.Codecs())
	}

	metrics = hooks.NewInMemoryMetrics()
	loader.SetMetrics(metrics)
	loader.SetTracker(core.Trackers{metrics, hooks.NewLogTracker(logger)})
	loader.AddHook(hooks.NewLoggingHook(logger))
	return nil
}
