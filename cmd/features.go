package cmd

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kiesman99/ggrab/internal/config"
	"github.com/kiesman99/ggrab/internal/features"
	"github.com/kiesman99/ggrab/internal/fetcher"
	"github.com/kiesman99/ggrab/internal/georaster"
	"github.com/kiesman99/ggrab/pkg/tile"
)

var featuresCmd = &cobra.Command{
	Use:   "features",
	Short: "Query vector layers of a MapServer as GeoJSON",
	Long: `Features queries every layer given with --layers for the features
intersecting the area and writes them as one GeoJSON feature collection.
Each feature carries the id of its layer in the layer_id property.

Examples:
  ggrab features --bbox 262000,6649000,264000,6651000 --layers 22,23 -o landuse.geojson
  ggrab features --center 59.9139,10.7522 --half-size 500 --layers 22`,
	Args: cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd, map[string]string{
			"url":     "features.url",
			"layers":  "features.layers",
			"crs":     "source.crs",
			"retries": "fetch.retries",
		})
	},
	RunE: runFeatures,
}

func init() {
	rootCmd.AddCommand(featuresCmd)

	featuresCmd.Flags().String("bbox", "", "bounding box as 'min_x,min_y,max_x,max_y' in the source CRS")
	featuresCmd.Flags().String("center", "", "center point as 'lat,lon' (WGS84)")
	featuresCmd.Flags().Float64("half-size", 2000, "half side length in metres of the square around --center")
	featuresCmd.Flags().StringP("url", "u", config.LandUseMapServer, "MapServer endpoint")
	featuresCmd.Flags().String("layers", "22", "comma separated layer ids")
	featuresCmd.Flags().Int("crs", 25833, "EPSG code of the planar CRS")
	featuresCmd.Flags().Int("retries", 3, "retries per layer after the first attempt")
	featuresCmd.Flags().StringP("output", "o", "", "output file (default: stdout)")
}

func runFeatures(cmd *cobra.Command, args []string) error {
	a, err := areaFromFlags(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	layers, err := features.ParseLayers(cfg.Features.Layers)
	if err != nil {
		return err
	}
	bbox, err := areaBounds(cfg, a)
	if err != nil {
		return err
	}

	token, err := cfg.Source.ResolveToken(needsToken(cfg.Features.URL))
	if err != nil {
		return err
	}
	client := features.New(cfg.Features.URL, cfg.Source.CRS, token, features.Options{
		Retries:   cfg.Fetch.Retries,
		Timeout:   cfg.Fetch.TileTimeout,
		UserAgent: cfg.Source.UserAgent,
		Headers:   cfg.Source.Headers,
		Client:    fetcher.NewHTTPClient(1),
		Logger:    slog.Default(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fc, err := client.Query(ctx, bbox, layers)
	if err != nil {
		return err
	}

	encode := func(w io.Writer) error {
		return json.NewEncoder(w).Encode(fc)
	}
	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		return encode(cmd.OutOrStdout())
	}
	if err := georaster.WriteFileAtomic(output, encode); err != nil {
		return err
	}
	slog.Info("features written", "path", output, "features", len(fc.Features))
	return nil
}

// areaBounds returns the planar bounding box of a
func areaBounds(cfg *config.Config, a area) (tile.BoundingBox, error) {
	if a.bbox != nil {
		return *a.bbox, a.bbox.Validate()
	}
	if a.halfSize <= 0 {
		return tile.BoundingBox{}, &tile.ConfigurationError{Field: "half-size", Message: "half size must be positive"}
	}
	x, y, err := project(cfg.Source.CRS, a.lat, a.lon)
	if err != nil {
		return tile.BoundingBox{}, err
	}
	b := tile.BoundingBox{MinX: x - a.halfSize, MinY: y - a.halfSize, MaxX: x + a.halfSize, MaxY: y + a.halfSize}
	return b, b.Validate()
}
