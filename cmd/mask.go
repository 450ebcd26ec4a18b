package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kiesman99/ggrab/internal/config"
	"github.com/kiesman99/ggrab/internal/georaster"
	"github.com/kiesman99/ggrab/internal/mask"
	"github.com/kiesman99/ggrab/internal/mosaic"
	"github.com/kiesman99/ggrab/internal/stitcher"
	"github.com/kiesman99/ggrab/pkg/tile"
)

var maskCmd = &cobra.Command{
	Use:   "mask",
	Short: "Fetch land-cover layers as binary masks",
	Long: `Mask fetches each land-cover layer of an ArcGIS map service as a
transparent export and turns every non-transparent pixel into a set mask
pixel. It writes one <prefix>_<layer>.png per layer, <prefix>_all.png with
the union of all layers and <prefix>_channels.png with the first three
layers in the red, green and blue channels.

Examples:
  ggrab mask --bbox 262000,6649000,264000,6651000 --layer forest=4 --layer water=7 -o masks
  ggrab mask --center 59.9139,10.7522 --layer "Built up=2" --rotate -o masks --prefix oslo`,
	Args: cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd, map[string]string{
			"tile-size":  "grid.tile_size",
			"zoom":       "grid.zoom",
			"resolution": "grid.resolution",
			"max-pixels": "grid.max_pixels",
			"crs":        "source.crs",
			"workers":    "fetch.workers",
			"retries":    "fetch.retries",
			"on-error":   "fetch.on_error",
			"cache":      "cache.kind",
			"worldfile":  "output.worldfile",
		})
	},
	RunE: runMask,
}

func init() {
	rootCmd.AddCommand(maskCmd)

	addAreaFlags(maskCmd, config.LandUseURL)

	maskCmd.Flags().StringArray("layer", nil, "land-cover layer as 'name=id' (repeatable)")
	maskCmd.Flags().Bool("rotate", false, "rotate masks a quarter turn clockwise (drops georeferencing)")
	maskCmd.Flags().StringP("output", "o", ".", "output directory")
	maskCmd.Flags().String("prefix", "mask", "file name prefix")
	maskCmd.Flags().IntP("workers", "j", 8, "number of parallel tile downloads")
	maskCmd.Flags().Int("retries", 3, "retries per tile after the first attempt")
	maskCmd.Flags().String("on-error", "abort", "failed tile policy (abort|fill)")
	maskCmd.Flags().String("cache", "none", "tile cache shared between runs (none|valkey)")
	maskCmd.Flags().BoolP("worldfile", "w", false, "write world files for unrotated masks")
}

func runMask(cmd *cobra.Command, args []string) error {
	specs, _ := cmd.Flags().GetStringArray("layer")
	if len(specs) == 0 {
		return &tile.ConfigurationError{Field: "layer", Message: "at least one --layer name=id is required"}
	}
	layers := make([]mask.Layer, 0, len(specs))
	for _, s := range specs {
		l, err := mask.ParseLayer(s)
		if err != nil {
			return err
		}
		layers = append(layers, l)
	}

	a, err := areaFromFlags(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	plan, err := buildPlan(cmd, cfg, a)
	if err != nil {
		return err
	}
	policy, err := mosaic.ParsePolicy(cfg.Fetch.OnError)
	if err != nil {
		return err
	}

	dir, _ := cmd.Flags().GetString("output")
	prefix, _ := cmd.Flags().GetString("prefix")
	rotate, _ := cmd.Flags().GetBool("rotate")
	endpoint, _ := cmd.Flags().GetString("url")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &tile.WriteFailure{Path: dir, Err: err}
	}

	loader, closeCache, err := openLoader(cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	save := func(name string, img *tile.Image, transform georaster.Affine) ([]string, error) {
		path := filepath.Join(dir, mask.FileName(prefix, name))
		if rotate {
			data, err := tile.EncodePNG(mask.Rotate90CW(img))
			if err != nil {
				return nil, err
			}
			return []string{path}, georaster.WriteFileAtomic(path, func(w io.Writer) error {
				_, err := w.Write(data)
				return err
			})
		}
		r, err := georaster.New(img, cfg.Source.CRS, transform)
		if err != nil {
			return nil, err
		}
		return georaster.Save(path, r, tile.FormatPNG, cfg.Output.WorldFile)
	}
	report := func(paths []string) {
		for _, p := range paths {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}
	}

	masks := make([]*tile.Image, 0, len(layers))
	for _, layer := range layers {
		src := cfg.Source
		src.Kind = "arcgis"
		src.URL = endpoint
		src.Layers = layer.ShowParam()
		src.Format = "png32"
		src.Transparent = true
		src.Bands = 4
		src.DataType = "uint8"

		f, err := buildFetcher(cfg, src, loader)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.ErrOrStderr(), "==Layer %s (%d)\n", layer.Name, layer.ID)
		pipeline := stitcher.New(f, stitcher.Options{
			Workers:  cfg.Fetch.Workers,
			Policy:   policy,
			Bands:    4,
			EPSG:     cfg.Source.CRS,
			Logger:   slog.Default().With("layer", layer.Name),
			Progress: progressPrinter(cmd),
		})
		var m *tile.Image
		rep, err := pipeline.Run(ctx, plan, func(r *georaster.GeoRaster) ([]string, error) {
			m = mask.AlphaToMask(r.Image)
			return save(layer.Name, m, r.Transform)
		})
		if err != nil {
			return err
		}
		report(rep.Outputs)
		masks = append(masks, m)
	}

	union, err := mask.Union(masks...)
	if err != nil {
		return err
	}
	written, err := save("all", union, plan.Transform())
	if err != nil {
		return err
	}
	report(written)

	stack := masks
	if len(stack) > 3 {
		slog.Warn("only the first three layers fit in the channel mask", "layers", len(stack))
		stack = stack[:3]
	}
	channels, err := mask.StackChannels(stack...)
	if err != nil {
		return err
	}
	written, err = save("channels", channels, plan.Transform())
	if err != nil {
		return err
	}
	report(written)
	return nil
}
