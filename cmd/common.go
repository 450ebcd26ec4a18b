package cmd

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/paulmach/orb"
	"github.com/spf13/cobra"

	"github.com/kiesman99/ggrab/internal/config"
	"github.com/kiesman99/ggrab/internal/fetcher"
	"github.com/kiesman99/ggrab/internal/geo"
	"github.com/kiesman99/ggrab/internal/planner"
	"github.com/kiesman99/ggrab/internal/tilecache"
	"github.com/kiesman99/ggrab/pkg/tile"
)

// flags shared by fetch and plan, keyed by config key
var gridFlagKeys = map[string]string{
	"tile-size":  "grid.tile_size",
	"zoom":       "grid.zoom",
	"resolution": "grid.resolution",
	"max-pixels": "grid.max_pixels",
	"source":     "source.kind",
	"url":        "source.url",
	"layers":     "source.layers",
	"crs":        "source.crs",
}

// addAreaFlags registers the area selection and grid flags
func addAreaFlags(cmd *cobra.Command, defaultURL string) {
	cmd.Flags().String("bbox", "", "bounding box as 'min_x,min_y,max_x,max_y' in the source CRS")
	cmd.Flags().String("center", "", "center point as 'lat,lon' (WGS84)")
	cmd.Flags().Float64("half-size", 2000, "half side length in metres of the square around --center")

	cmd.Flags().Int("zoom", 15, "zoom level (0-17) selecting the resolution")
	cmd.Flags().Float64("resolution", 0, "ground resolution in m/px (overrides --zoom)")
	cmd.Flags().IntP("tile-size", "t", 256, "tile size in pixels")
	cmd.Flags().Int64("max-pixels", 20000*20000, "maximum mosaic size in pixels")

	cmd.Flags().String("source", "arcgis", "map service kind (arcgis|wms|wcs)")
	cmd.Flags().StringP("url", "u", defaultURL, "map service endpoint")
	cmd.Flags().String("layers", "", "layers parameter of the map service")
	cmd.Flags().Int("crs", 25833, "EPSG code of the planar CRS")
}

// area is the requested region before planning
type area struct {
	bbox     *tile.BoundingBox
	lat, lon float64
	center   bool
	halfSize float64
}

// areaFromFlags reads --bbox or --center/--half-size
func areaFromFlags(cmd *cobra.Command) (area, error) {
	bboxStr, _ := cmd.Flags().GetString("bbox")
	centerStr, _ := cmd.Flags().GetString("center")
	halfSize, _ := cmd.Flags().GetFloat64("half-size")

	switch {
	case bboxStr != "" && centerStr != "":
		return area{}, &tile.ConfigurationError{Field: "bbox", Message: "--bbox and --center are mutually exclusive"}
	case bboxStr != "":
		b, err := tile.ParseBoundingBox(bboxStr)
		if err != nil {
			return area{}, err
		}
		return area{bbox: &b}, nil
	case centerStr != "":
		lat, lon, err := tile.ParsePoint(centerStr)
		if err != nil {
			return area{}, &tile.ConfigurationError{Field: "center", Message: "center must be 'lat,lon'", Err: err}
		}
		return area{lat: lat, lon: lon, center: true, halfSize: halfSize}, nil
	}
	return area{}, &tile.ConfigurationError{Field: "bbox", Message: "either --bbox or --center is required"}
}

// resolution returns the ground resolution. An explicit --resolution wins
// over --zoom, and an explicit --zoom over a configured resolution.
func resolution(cmd *cobra.Command, cfg *config.Config) (float64, error) {
	switch {
	case cmd.Flags().Changed("resolution") && cfg.Grid.Resolution > 0:
		return cfg.Grid.Resolution, nil
	case cmd.Flags().Changed("zoom"):
		return planner.ResolutionForZoom(cfg.Grid.Zoom)
	case cfg.Grid.Resolution > 0:
		return cfg.Grid.Resolution, nil
	}
	return planner.ResolutionForZoom(cfg.Grid.Zoom)
}

// buildPlan resolves an area against cfg into a tile grid
func buildPlan(cmd *cobra.Command, cfg *config.Config, a area) (*planner.Plan, error) {
	res, err := resolution(cmd, cfg)
	if err != nil {
		return nil, err
	}
	req := planner.Request{
		BBox:       a.bbox,
		TileSize:   cfg.Grid.TileSize,
		Resolution: res,
		MaxPixels:  cfg.Grid.MaxPixels,
	}
	if a.center {
		x, y, err := project(cfg.Source.CRS, a.lat, a.lon)
		if err != nil {
			return nil, err
		}
		req.Center = &orb.Point{x, y}
		req.HalfSize = a.halfSize
	}
	return planner.New(req)
}

func project(epsg int, lat, lon float64) (float64, float64, error) {
	if err := tile.ValidateLatLon(lat, lon); err != nil {
		return 0, 0, err
	}
	p, err := geo.NewPROJ(epsg)
	if err != nil {
		return 0, 0, err
	}
	defer p.Close()
	return p.Forward(lat, lon)
}

// openLoader opens the tile cache named by cfg and wraps it in the loader
// shared by every fetcher of the command. The returned function closes the
// cache. A memory cache dies with the process, so the CLI rejects it.
func openLoader(cfg *config.Config) (*tilecache.Loader, func(), error) {
	if cfg.Cache.Kind == "memory" {
		return nil, nil, &tile.ConfigurationError{Field: "cache.kind", Message: "the memory cache only lives as long as one command; use none or valkey"}
	}
	cache, err := tilecache.New(tilecache.Options{
		Kind:       cfg.Cache.Kind,
		Size:       cfg.Cache.Size,
		TTL:        cfg.Cache.TTL,
		ValkeyAddr: cfg.Cache.ValkeyAddr,
	})
	if err != nil {
		return nil, nil, &tile.ConfigurationError{Field: "cache.kind", Message: "cannot open tile cache", Err: err}
	}
	closeCache := func() {
		if cache != nil {
			cache.Close()
		}
	}
	timeout := fetcher.LoadTimeout(cfg.Fetch.Retries, cfg.Fetch.TileTimeout, cfg.Fetch.MaxBackoff)
	return tilecache.NewLoader(cache, timeout, slog.Default()), closeCache, nil
}

// buildFetcher creates the tile fetcher for src on top of loader
func buildFetcher(cfg *config.Config, src config.SourceConfig, loader *tilecache.Loader) (*fetcher.Fetcher, error) {
	token, err := src.ResolveToken(needsToken(src.URL))
	if err != nil {
		return nil, err
	}
	source, err := fetcher.NewSource(src, token)
	if err != nil {
		return nil, err
	}
	dtype, err := tile.ParseDataType(src.DataType)
	if err != nil {
		return nil, err
	}
	f := fetcher.New(source, fetcher.Options{
		Bands:          src.Bands,
		DataType:       dtype,
		Retries:        cfg.Fetch.Retries,
		InitialBackoff: cfg.Fetch.InitialBackoff,
		MaxBackoff:     cfg.Fetch.MaxBackoff,
		TileTimeout:    cfg.Fetch.TileTimeout,
		RateLimit:      cfg.Fetch.RateLimit,
		UserAgent:      src.UserAgent,
		Headers:        src.Headers,
		Client:         fetcher.NewHTTPClient(cfg.Fetch.Workers),
		Loader:         loader,
		Logger:         slog.Default(),
	})
	return f, nil
}

// needsToken reports whether endpoint rejects anonymous requests
func needsToken(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	return strings.HasSuffix(u.Hostname(), "geodataonline.no")
}

// progressPrinter writes a one-line progress report to stderr
func progressPrinter(cmd *cobra.Command) func(placed, failed, total int) {
	return func(placed, failed, total int) {
		done := placed + failed
		fmt.Fprintf(cmd.ErrOrStderr(), "\r%.2f%%: %d/%d tiles, %d failed", 100*float64(done)/float64(total), done, total, failed)
		if done == total {
			fmt.Fprintln(cmd.ErrOrStderr())
		}
	}
}
