package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiesman99/ggrab/internal/config"
	"github.com/kiesman99/ggrab/internal/georaster"
	"github.com/kiesman99/ggrab/internal/mosaic"
	"github.com/kiesman99/ggrab/internal/stitcher"
	"github.com/kiesman99/ggrab/pkg/tile"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch [min_x min_y max_x max_y temp_dir output | lat lon output]",
	Short: "Fetch a georeferenced mosaic for an area",
	Long: `Fetch downloads every tile covering the area in parallel, stitches them
into one raster and writes it as a GeoTIFF or PNG.

The area is given with --bbox in the planar CRS of the source, or with
--center as a WGS84 point and --half-size in metres. Two positional forms
are accepted as well:

  ggrab fetch min_x min_y max_x max_y temp_dir output
  ggrab fetch lat lon output

temp_dir is ignored; the mosaic is assembled in memory.

--preset selects one of the well-known services (aerial, landuse,
elevation, forest). Source flags given explicitly override the preset.
The elevation preset fetches float32 heights and writes GeoTIFF only.`,
	Args: func(cmd *cobra.Command, args []string) error {
		switch len(args) {
		case 0, 3, 6:
			return nil
		}
		return &tile.ConfigurationError{Field: "args", Message: fmt.Sprintf("expected 0, 3 or 6 positional arguments, got %d", len(args))}
	},
	PreRunE: func(cmd *cobra.Command, args []string) error {
		if err := bindFlags(cmd, gridFlagKeys); err != nil {
			return err
		}
		if err := bindFlags(cmd, fetchFlagKeys); err != nil {
			return err
		}
		preset, _ := cmd.Flags().GetString("preset")
		if preset == "" {
			return nil
		}
		return config.ApplyPreset(viper.GetViper(), preset, func(key string) bool {
			return keyChanged(cmd, key, gridFlagKeys, fetchFlagKeys)
		})
	},
	RunE: runFetch,
}

// flags of fetch only, keyed by flag name
var fetchFlagKeys = map[string]string{
	"data-type":  "source.data_type",
	"workers":    "fetch.workers",
	"retries":    "fetch.retries",
	"rate-limit": "fetch.rate_limit",
	"on-error":   "fetch.on_error",
	"fill-color": "fetch.fill_color",
	"cache":      "cache.kind",
	"format":     "output.format",
	"worldfile":  "output.worldfile",
	"crop-px":    "output.crop_px",
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	addAreaFlags(fetchCmd, config.AerialURL)
	fetchCmd.Flags().String("preset", "", "well-known source ("+strings.Join(config.PresetNames(), "|")+")")
	fetchCmd.Flags().String("data-type", "uint8", "sample type of the source (uint8|float32)")

	// Fetch options
	fetchCmd.Flags().IntP("workers", "j", 8, "number of parallel tile downloads")
	fetchCmd.Flags().Int("retries", 3, "retries per tile after the first attempt")
	fetchCmd.Flags().Float64("rate-limit", 0, "maximum tile requests per second (0 = unlimited)")
	fetchCmd.Flags().String("on-error", "abort", "failed tile policy (abort|fill)")
	fetchCmd.Flags().String("fill-color", "#000000", "colour of failed tiles under --on-error fill")
	fetchCmd.Flags().String("cache", "none", "tile cache shared between runs (none|valkey)")

	// Output options
	fetchCmd.Flags().StringP("output", "o", "", "output file")
	fetchCmd.Flags().StringP("format", "f", "geotiff", "output format (geotiff|png)")
	fetchCmd.Flags().BoolP("worldfile", "w", false, "write world file")
	fetchCmd.Flags().Int("crop-px", 0, "crop the mosaic to a centered square of this many pixels")
}

func runFetch(cmd *cobra.Command, args []string) error {
	a, output, err := fetchArgs(cmd, args)
	if err != nil {
		return err
	}
	if output == "" {
		return errOutput()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !cmd.Flags().Changed("format") && strings.EqualFold(filepath.Ext(output), ".png") {
		cfg.Output.Format = "png"
	}
	format, err := cfg.Output.OutputFormat()
	if err != nil {
		return err
	}
	dtype, err := tile.ParseDataType(cfg.Source.DataType)
	if err != nil {
		return err
	}
	if dtype == tile.Float32 && format == tile.FormatPNG {
		return &tile.ConfigurationError{Field: "output.format", Message: "float32 sources can only be written as GeoTIFF"}
	}
	policy, err := mosaic.ParsePolicy(cfg.Fetch.OnError)
	if err != nil {
		return err
	}
	fill, err := cfg.Fetch.FillRGBA()
	if err != nil {
		return err
	}

	plan, err := buildPlan(cmd, cfg, a)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "==Bounds (EPSG:%d): %s\n", cfg.Source.CRS, plan.Extent())
	fmt.Fprintf(cmd.ErrOrStderr(), "==Tiles: %dx%d of %d px\n", plan.NumX, plan.NumY, plan.TileSize)
	fmt.Fprintf(cmd.ErrOrStderr(), "==Raster Size: %dx%d\n", plan.Width(), plan.Height())
	fmt.Fprintf(cmd.ErrOrStderr(), "==Pixel Size: %.17g\n", plan.Resolution)

	loader, closeCache, err := openLoader(cfg)
	if err != nil {
		return err
	}
	defer closeCache()
	f, err := buildFetcher(cfg, cfg.Source, loader)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline := stitcher.New(f, stitcher.Options{
		Workers:  cfg.Fetch.Workers,
		Policy:   policy,
		Fill:     fill,
		Bands:    cfg.Source.Bands,
		DataType: dtype,
		EPSG:     cfg.Source.CRS,
		Logger:   slog.Default(),
		Progress: progressPrinter(cmd),
	})

	report, err := pipeline.Run(ctx, plan, func(r *georaster.GeoRaster) ([]string, error) {
		if cfg.Output.CropPx > 0 {
			cropped, err := georaster.CropPixels(r, cfg.Output.CropPx)
			if err != nil {
				return nil, err
			}
			r = cropped
		}
		return georaster.Save(output, r, format, cfg.Output.WorldFile)
	})
	if err != nil {
		return err
	}

	if report.Failed > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %d of %d tiles failed and were filled\n", report.Failed, report.Tiles)
	}
	for _, path := range report.Outputs {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n", path)
	}
	return nil
}

// fetchArgs resolves the area and output path from flags or from one of
// the positional forms
func fetchArgs(cmd *cobra.Command, args []string) (area, string, error) {
	output, _ := cmd.Flags().GetString("output")

	switch len(args) {
	case 6:
		vals, err := parseArgFloats(args[:4])
		if err != nil {
			return area{}, "", err
		}
		b := tile.BoundingBox{MinX: vals[0], MinY: vals[1], MaxX: vals[2], MaxY: vals[3]}
		slog.Debug("ignoring temp_dir argument", "temp_dir", args[4])
		if output == "" {
			output = args[5]
		}
		return area{bbox: &b}, output, nil
	case 3:
		vals, err := parseArgFloats(args[:2])
		if err != nil {
			return area{}, "", err
		}
		halfSize, _ := cmd.Flags().GetFloat64("half-size")
		if output == "" {
			output = args[2]
		}
		return area{lat: vals[0], lon: vals[1], center: true, halfSize: halfSize}, output, nil
	}

	a, err := areaFromFlags(cmd)
	return a, output, err
}

func parseArgFloats(args []string) ([]float64, error) {
	vals := make([]float64, len(args))
	for i, s := range args {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, &tile.ConfigurationError{Field: "args", Message: fmt.Sprintf("argument %d is not a number: %q", i+1, s), Err: err}
		}
		vals[i] = v
	}
	return vals, nil
}

// errOutput reports a missing output flag the same way for every command
func errOutput() error {
	return &tile.ConfigurationError{Field: "output", Message: "output file is required (use -o)"}
}
