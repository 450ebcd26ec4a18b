package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/spf13/cobra"

	"github.com/kiesman99/ggrab/internal/geo"
	"github.com/kiesman99/ggrab/internal/server"
	"github.com/kiesman99/ggrab/internal/tilecache"
	"github.com/kiesman99/ggrab/pkg/tile"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for the mosaic API",
	Long: `Start an HTTP server that provides a REST API for fetching mosaics.

Endpoints:
  GET  /health, /api/v1/health   health check
  POST /api/v1/mosaic            fetch a mosaic, returns GeoTIFF or PNG
  POST /api/v1/plan              tile grid as GeoJSON
  GET  /api/v1/features          vector layers as GeoJSON
  GET  /metrics                  Prometheus metrics

Examples:
  # Start server on default port 8080
  ggrab serve

  # Start server on custom port
  ggrab serve --port 3000

  # Share tiles between requests through Valkey
  ggrab serve --cache valkey --valkey-addr localhost:6379`,
	Args: cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd, map[string]string{
			"bind":        "server.bind",
			"port":        "server.port",
			"timeout":     "server.timeout",
			"cache":       "cache.kind",
			"valkey-addr": "cache.valkey_addr",
			"workers":     "fetch.workers",
		})
	},
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Server configuration
	serveCmd.Flags().StringP("bind", "b", "0.0.0.0", "bind address")
	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	serveCmd.Flags().Duration("timeout", 5*time.Minute, "request timeout")
	serveCmd.Flags().String("cache", "none", "tile cache (none|memory|valkey)")
	serveCmd.Flags().String("valkey-addr", "localhost:6379", "Valkey address for --cache valkey")
	serveCmd.Flags().IntP("workers", "j", 8, "maximum parallel tile downloads per request")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Bind, cfg.Server.Port)

	opts := []server.Option{server.WithLogger(logger)}

	projector, err := geo.NewPROJ(cfg.Source.CRS)
	if err != nil {
		logger.Warn("center requests disabled", "crs", cfg.Source.CRS, "error", err)
	} else {
		defer projector.Close()
		opts = append(opts, server.WithProjector(projector))
	}

	cache, err := tilecache.New(tilecache.Options{
		Kind:       cfg.Cache.Kind,
		Size:       cfg.Cache.Size,
		TTL:        cfg.Cache.TTL,
		ValkeyAddr: cfg.Cache.ValkeyAddr,
	})
	if err != nil {
		return &tile.ConfigurationError{Field: "cache.kind", Message: "cannot open tile cache", Err: err}
	}
	if cache != nil {
		defer cache.Close()
		opts = append(opts, server.WithCache(cache))
	}

	apiServer := server.NewServer(versioninfo.Short(), cfg, opts...)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Minute,
		WriteTimeout:      cfg.Server.Timeout + 10*time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Graceful shutdown
	go func() {
		<-ctx.Done()

		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	}()

	logger.Info("starting ggrab server",
		"addr", addr,
		"version", versioninfo.Short(),
		"source", cfg.Source.URL,
		"cache", cfg.Cache.Kind,
	)
	fmt.Fprintf(cmd.ErrOrStderr(), "Health check: http://%s/api/v1/health\n", addr)
	fmt.Fprintf(cmd.ErrOrStderr(), "Mosaic endpoint: http://%s/api/v1/mosaic\n", addr)

	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}
