package cmd

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/kiesman99/ggrab/internal/config"
	"github.com/kiesman99/ggrab/internal/georaster"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the tile grid of an area as GeoJSON",
	Long: `Plan computes the tile grid fetch would download and prints one
polygon feature per tile, in the planar CRS of the source. Nothing is
downloaded.

Examples:
  ggrab plan --bbox 262000,6649000,264000,6651000 --zoom 15
  ggrab plan --center 59.9139,10.7522 --half-size 500 --resolution 0.25 -o grid.geojson`,
	Args: cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd, gridFlagKeys)
	},
	RunE: runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)

	addAreaFlags(planCmd, config.AerialURL)
	planCmd.Flags().StringP("output", "o", "", "output file (default: stdout)")
}

func runPlan(cmd *cobra.Command, args []string) error {
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

	encode := func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(plan.Footprints())
	}

	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		return encode(cmd.OutOrStdout())
	}
	return georaster.WriteFileAtomic(output, encode)
}
