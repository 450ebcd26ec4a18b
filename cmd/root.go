package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/carlmjohnson/versioninfo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiesman99/ggrab/internal/config"
	"github.com/kiesman99/ggrab/internal/logging"
	"github.com/kiesman99/ggrab/pkg/tile"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ggrab",
	Short: "Fetch georeferenced rasters from Norwegian map services",
	Long: `ggrab splits an area in UTM33 (EPSG:25833) into a grid of tiles, downloads
every tile from an ArcGIS, WMS or WCS service in parallel, stitches them into
one mosaic and writes it as a GeoTIFF or PNG with an optional world file.

Examples:
  # Aerial photo of a bounding box at zoom level 15
  ggrab fetch --bbox 262000,6649000,264000,6651000 --zoom 15 -o oslo.tif

  # 4 km square around a WGS84 point, 0.5 m/px
  ggrab fetch --center 59.9139,10.7522 --half-size 2000 --resolution 0.5 -o oslo.tif

  # Legacy positional form
  ggrab fetch 262000 6649000 264000 6651000 /tmp oslo.tif

  # Terrain heights from the elevation WCS as float32 GeoTIFF
  ggrab fetch --preset elevation --bbox 262000,6649000,264000,6651000 --resolution 1 -o dem.tif

  # Stretch the heights to an 8-bit PNG
  ggrab render --mode normalize dem.tif -o dem.png

  # Land-use polygons as GeoJSON
  ggrab features --bbox 262000,6649000,264000,6651000 --layers 22,23 -o landuse.geojson

  # Show the tile grid without downloading anything
  ggrab plan --bbox 262000,6649000,264000,6651000 --zoom 15

  # Land-use masks
  ggrab mask --bbox 262000,6649000,264000,6651000 --layer forest=4 --layer water=7 -o masks

  # Start HTTP server
  ggrab serve --port 8080`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var cfgErr *tile.ConfigurationError
		if errors.As(err, &cfgErr) {
			fmt.Fprintln(os.Stderr, "Run 'ggrab --help' for usage.")
		}
		os.Exit(tile.ExitCode(err))
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Version = versioninfo.Short()

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.ggrab.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text|json)")

	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".ggrab" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".ggrab")
	}

	config.BindEnv(viper.GetViper())

	readErr := viper.ReadInConfig()

	logger := logging.Setup(viper.GetString("log.level"), viper.GetString("log.format"))
	if readErr == nil {
		logger.Debug("using config file", "path", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		logger.Warn("cannot read config file", "path", cfgFile, "error", readErr)
	}
}

// loadConfig returns the validated configuration after flags are bound
func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper())
}

// bindFlags binds the named flags of cmd to config keys. It runs in
// PreRunE so that commands sharing a key do not override each other.
func bindFlags(cmd *cobra.Command, keys map[string]string) error {
	for flag, key := range keys {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			return fmt.Errorf("unknown flag %q", flag)
		}
		if err := viper.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

// keyChanged reports whether a flag bound to key was set on the command line
func keyChanged(cmd *cobra.Command, key string, bindings ...map[string]string) bool {
	for _, keys := range bindings {
		for flag, k := range keys {
			if k == key && cmd.Flags().Changed(flag) {
				return true
			}
		}
	}
	return false
}
