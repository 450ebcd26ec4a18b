package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/kiesman99/ggrab/internal/georaster"
	"github.com/kiesman99/ggrab/internal/render"
	"github.com/kiesman99/ggrab/pkg/tile"
)

var renderCmd = &cobra.Command{
	Use:   "render input.tif",
	Short: "Render a GeoTIFF as an 8-bit PNG",
	Long: `Render turns a GeoTIFF into a PNG preview.

  normalize  stretch the samples linearly to 0-255 (elevation, imagery)
  classes    colour a one band class raster: 3 red, 2 green, 1 blue,
             everything else black, framed by a one pixel black border

Examples:
  ggrab render dem.tif -o dem.png
  ggrab render --mode classes sr16.tif -o sr16.png -w`,
	Args: cobra.ExactArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd, map[string]string{"worldfile": "output.worldfile"})
	},
	RunE: runRender,
}

func init() {
	rootCmd.AddCommand(renderCmd)

	renderCmd.Flags().String("mode", "normalize", "rendering (normalize|classes)")
	renderCmd.Flags().StringP("output", "o", "", "output PNG file")
	renderCmd.Flags().BoolP("worldfile", "w", false, "write world file")
}

func runRender(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		return errOutput()
	}
	mode, _ := cmd.Flags().GetString("mode")
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	in, err := georaster.ReadFile(args[0])
	if err != nil {
		return &tile.ConfigurationError{Field: "input", Message: "cannot read " + args[0], Err: err}
	}
	out, err := renderRaster(in, mode)
	if err != nil {
		return err
	}

	paths, err := georaster.Save(output, out, tile.FormatPNG, cfg.Output.WorldFile)
	if err != nil {
		return err
	}
	slog.Info("rendered", "mode", mode, "path", output, "width", out.Image.Width, "height", out.Image.Height)
	for _, p := range paths {
		fmt.Fprintln(cmd.OutOrStdout(), p)
	}
	return nil
}

// renderRaster applies mode to in and keeps the result georeferenced
func renderRaster(in *georaster.GeoRaster, mode string) (*georaster.GeoRaster, error) {
	switch mode {
	case "normalize":
		img, err := render.Normalize(in)
		if err != nil {
			return nil, &tile.ConfigurationError{Field: "mode", Message: "cannot normalize input", Err: err}
		}
		return georaster.New(img, in.EPSG, in.Transform)
	case "classes":
		img, err := render.Classes(in)
		if err != nil {
			return nil, &tile.ConfigurationError{Field: "mode", Message: "cannot render classes", Err: err}
		}
		// the border adds one pixel on every side
		return georaster.New(img, in.EPSG, in.Transform.Shift(-1, -1))
	}
	return nil, &tile.ConfigurationError{Field: "mode", Message: fmt.Sprintf("unknown mode %q (want normalize|classes)", mode)}
}
