package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kiesman99/ggrab/internal/georaster"
	"github.com/kiesman99/ggrab/pkg/tile"
)

var cropCmd = &cobra.Command{
	Use:   "crop input.tif",
	Short: "Crop a GeoTIFF to a square window",
	Long: `Crop cuts a square out of a GeoTIFF, either around a point in the
raster's CRS (--center x,y --side metres) or around the raster center
(--pixels n). The window is clipped to the raster and the result keeps
its georeferencing.

Examples:
  ggrab crop oslo.tif --center 263000,6650000 --side 1000 -o center.tif
  ggrab crop oslo.tif --pixels 4096 -o oslo_4096.tif`,
	Args: cobra.ExactArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd, map[string]string{"worldfile": "output.worldfile"})
	},
	RunE: runCrop,
}

func init() {
	rootCmd.AddCommand(cropCmd)

	cropCmd.Flags().String("center", "", "window center as 'x,y' in the raster CRS")
	cropCmd.Flags().Float64("side", 0, "window side length in CRS units")
	cropCmd.Flags().Int("pixels", 0, "side of a square window about the raster center, in pixels")
	cropCmd.Flags().StringP("output", "o", "", "output file")
	cropCmd.Flags().StringP("format", "f", "", "output format (geotiff|png, default from the output extension)")
	cropCmd.Flags().BoolP("worldfile", "w", false, "write world file")
}

func runCrop(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		return errOutput()
	}
	centerStr, _ := cmd.Flags().GetString("center")
	side, _ := cmd.Flags().GetFloat64("side")
	pixels, _ := cmd.Flags().GetInt("pixels")
	if (centerStr == "") == (pixels == 0) {
		return &tile.ConfigurationError{Field: "center", Message: "exactly one of --center and --pixels is required"}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	formatStr, _ := cmd.Flags().GetString("format")
	if formatStr == "" {
		formatStr = "geotiff"
		if strings.EqualFold(filepath.Ext(output), ".png") {
			formatStr = "png"
		}
	}
	format, err := tile.ParseFormat(formatStr)
	if err != nil {
		return err
	}

	in, err := georaster.ReadFile(args[0])
	if err != nil {
		return &tile.ConfigurationError{Field: "input", Message: "cannot read " + args[0], Err: err}
	}

	var out *georaster.GeoRaster
	if pixels > 0 {
		out, err = georaster.CropPixels(in, pixels)
	} else {
		var cx, cy float64
		cx, cy, err = tile.ParsePoint(centerStr)
		if err != nil {
			return &tile.ConfigurationError{Field: "center", Message: "center must be 'x,y'", Err: err}
		}
		out, err = georaster.Crop(in, cx, cy, side)
	}
	if err != nil {
		return err
	}

	written, err := georaster.Save(output, out, format, cfg.Output.WorldFile)
	if err != nil {
		return err
	}
	for _, path := range written {
		fmt.Fprintln(cmd.OutOrStdout(), path)
	}
	return nil
}
