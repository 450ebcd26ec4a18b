// Package config holds the runtime configuration of ggrab and loads it
// from viper (flags, $HOME/.ggrab.yaml and GGRAB_* environment variables).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/kiesman99/ggrab/pkg/tile"
)

// EnvPrefix is prepended to environment variable names: GGRAB_FETCH_WORKERS → fetch.workers
const EnvPrefix = "GGRAB"

// Well-known Norwegian endpoints
const (
	AerialURL    = "https://services.geodataonline.no/arcgis/rest/services/Geocache_UTM33_EUREF89/GeocacheBilder/MapServer/export"
	LandUseURL   = "https://services.geodataonline.no/arcgis/rest/services/Geomap_UTM33_EUREF89/GeomapArealressurs/MapServer/export"
	ElevationURL = "https://wcs.geonorge.no/skwms1/wcs.hoyde-dtm-nhm-25833"
	ForestURL    = "https://wms.nibio.no/cgi-bin/sr16"

	// LandUseMapServer serves the AR5 land-cover layers as vector features
	LandUseMapServer = "https://services.geodataonline.no/arcgis/rest/services/Geomap_UTM33_EUREF89/GeomapArealressurs/MapServer"
)

// Error policies for failed tiles
const (
	PolicyAbort = "abort"
	PolicyFill  = "fill"
)

// Config holds all application configuration.
type Config struct {
	Source   SourceConfig   `mapstructure:"source"`
	Features FeaturesConfig `mapstructure:"features"`
	Grid     GridConfig     `mapstructure:"grid"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Output   OutputConfig   `mapstructure:"output"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
}

type SourceConfig struct {
	Kind        string            `mapstructure:"kind" validate:"oneof=arcgis wms wcs"`
	URL         string            `mapstructure:"url" validate:"required,url"`
	Layers      string            `mapstructure:"layers"`
	Format      string            `mapstructure:"format"`
	CRS         int               `mapstructure:"crs" validate:"gt=0,lt=65536"`
	Transparent bool              `mapstructure:"transparent"`
	Bands       int               `mapstructure:"bands" validate:"oneof=1 4"`
	DataType    string            `mapstructure:"data_type" validate:"oneof=uint8 float32"`
	Token       string            `mapstructure:"token"`
	TokenFile   string            `mapstructure:"token_file"`
	Headers     map[string]string `mapstructure:"headers"`
	UserAgent   string            `mapstructure:"user_agent"`
}

type FeaturesConfig struct {
	URL    string `mapstructure:"url" validate:"required,url"`
	Layers string `mapstructure:"layers"`
}

type GridConfig struct {
	TileSize   int     `mapstructure:"tile_size" validate:"gt=0,lte=4096"`
	Zoom       int     `mapstructure:"zoom" validate:"gte=0,lte=17"`
	Resolution float64 `mapstructure:"resolution" validate:"gte=0"`
	MaxPixels  int64   `mapstructure:"max_pixels" validate:"gt=0"`
}

type FetchConfig struct {
	Workers        int           `mapstructure:"workers" validate:"gt=0,lte=256"`
	Retries        int           `mapstructure:"retries" validate:"gte=0,lte=20"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"gte=0"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" validate:"gte=0"`
	TileTimeout    time.Duration `mapstructure:"tile_timeout" validate:"gt=0"`
	RateLimit      float64       `mapstructure:"rate_limit" validate:"gte=0"`
	OnError        string        `mapstructure:"on_error" validate:"oneof=abort fill"`
	FillColor      string        `mapstructure:"fill_color" validate:"hexcolor"`
}

type CacheConfig struct {
	Kind       string        `mapstructure:"kind" validate:"oneof=none memory valkey"`
	Size       int64         `mapstructure:"size" validate:"gt=0"`
	TTL        time.Duration `mapstructure:"ttl" validate:"gt=0"`
	ValkeyAddr string        `mapstructure:"valkey_addr" validate:"required_if=Kind valkey"`
}

type OutputConfig struct {
	Format    string `mapstructure:"format" validate:"oneof=geotiff tiff tif gtiff png"`
	WorldFile bool   `mapstructure:"worldfile"`
	CropPx    int    `mapstructure:"crop_px" validate:"gte=0"`
}

type ServerConfig struct {
	Bind    string        `mapstructure:"bind"`
	Port    int           `mapstructure:"port" validate:"gt=0,lte=65535"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// SetDefaults registers the default value of every key on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("source.kind", "arcgis")
	v.SetDefault("source.url", AerialURL)
	v.SetDefault("source.format", "png")
	v.SetDefault("source.crs", 25833)
	v.SetDefault("source.bands", 4)
	v.SetDefault("source.data_type", "uint8")
	v.SetDefault("source.token_file", "token.json")
	v.SetDefault("source.user_agent", "ggrab/1.0")

	v.SetDefault("features.url", LandUseMapServer)
	v.SetDefault("features.layers", "22")

	v.SetDefault("grid.tile_size", 256)
	v.SetDefault("grid.zoom", 15)
	v.SetDefault("grid.resolution", 0.0)
	v.SetDefault("grid.max_pixels", int64(20000*20000))

	v.SetDefault("fetch.workers", 8)
	v.SetDefault("fetch.retries", 3)
	v.SetDefault("fetch.initial_backoff", 500*time.Millisecond)
	v.SetDefault("fetch.max_backoff", 10*time.Second)
	v.SetDefault("fetch.tile_timeout", 30*time.Second)
	v.SetDefault("fetch.rate_limit", 0.0)
	v.SetDefault("fetch.on_error", PolicyAbort)
	v.SetDefault("fetch.fill_color", "#000000")

	v.SetDefault("cache.kind", "none")
	v.SetDefault("cache.size", 1024)
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("cache.valkey_addr", "localhost:6379")

	v.SetDefault("output.format", "geotiff")
	v.SetDefault("output.worldfile", false)
	v.SetDefault("output.crop_px", 0)

	v.SetDefault("server.bind", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout", 5*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// BindEnv makes v read GGRAB_* environment variables
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Default returns the configuration with every default applied
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := Load(v)
	if err != nil {
		panic(fmt.Sprintf("config: defaults are invalid: %v", err))
	}
	return cfg
}

// Load unmarshals and validates the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &tile.ConfigurationError{Message: "unmarshal config", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
	})
	return v
}

// Validate checks every section and reports the first offending field
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &tile.ConfigurationError{
			Field:   strings.TrimPrefix(fe.Namespace(), "Config."),
			Message: fmt.Sprintf("failed %q validation (value %v)", fe.Tag(), fe.Value()),
		}
	}
	return &tile.ConfigurationError{Message: "invalid config", Err: err}
}

// OutputFormat parses the configured output format
func (o OutputConfig) OutputFormat() (tile.Format, error) {
	return tile.ParseFormat(o.Format)
}

// FillRGBA parses the fill colour (#rgb or #rrggbb) into an opaque RGBA value
func (f FetchConfig) FillRGBA() ([4]byte, error) {
	s := strings.TrimPrefix(f.FillColor, "#")
	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	if len(s) != 6 {
		return [4]byte{}, &tile.ConfigurationError{Field: "fetch.fill_color", Message: fmt.Sprintf("invalid colour %q", f.FillColor)}
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return [4]byte{}, &tile.ConfigurationError{Field: "fetch.fill_color", Message: fmt.Sprintf("invalid colour %q", f.FillColor), Err: err}
	}
	return [4]byte{byte(v >> 16), byte(v >> 8), byte(v), 0xff}, nil
}

type tokenFile struct {
	Token string `json:"token"`
}

// ResolveToken returns the inline token, or the token read from TokenFile.
// A missing token file is only an error when required is set.
func (s SourceConfig) ResolveToken(required bool) (string, error) {
	if s.Token != "" {
		return s.Token, nil
	}
	if s.TokenFile == "" {
		if required {
			return "", &tile.ConfigurationError{Field: "source.token", Message: "a token is required"}
		}
		return "", nil
	}
	token, err := LoadToken(s.TokenFile)
	if err != nil {
		if !required && errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return token, nil
}

// LoadToken reads {"token": "..."} from path
func LoadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", &tile.ConfigurationError{Field: "source.token_file", Message: "read token file", Err: err}
	}
	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return "", &tile.ConfigurationError{Field: "source.token_file", Message: "parse token file", Err: err}
	}
	if tf.Token == "" {
		return "", &tile.ConfigurationError{Field: "source.token_file", Message: fmt.Sprintf("%s has no token", path)}
	}
	return tf.Token, nil
}

// Preset is the source configuration of one well-known service
type Preset struct {
	Kind        string
	URL         string
	Layers      string
	Format      string
	Transparent bool
	Bands       int
	DataType    string
}

// Presets names the services ggrab knows out of the box
var Presets = map[string]Preset{
	"aerial":    {Kind: "arcgis", URL: AerialURL, Format: "png", Bands: 4, DataType: "uint8"},
	"landuse":   {Kind: "arcgis", URL: LandUseURL, Format: "png32", Transparent: true, Bands: 4, DataType: "uint8"},
	"elevation": {Kind: "wcs", URL: ElevationURL, Layers: "nhm_dtm_topo_25833", Format: "GeoTIFF", Bands: 1, DataType: "float32"},
	"forest":    {Kind: "wms", URL: ForestURL, Layers: "SRRTRESLAG", Format: "image/png", Bands: 4, DataType: "uint8"},
}

// PresetNames lists the preset names in sorted order
func PresetNames() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyPreset sets the source keys of the named preset on v. Keys for which
// keep returns true are left alone so explicit flags win over the preset.
func ApplyPreset(v *viper.Viper, name string, keep func(key string) bool) error {
	p, ok := Presets[name]
	if !ok {
		return &tile.ConfigurationError{Field: "preset", Message: fmt.Sprintf("unknown preset %q (want %s)", name, strings.Join(PresetNames(), "|"))}
	}
	values := map[string]any{
		"source.kind":        p.Kind,
		"source.url":         p.URL,
		"source.layers":      p.Layers,
		"source.format":      p.Format,
		"source.transparent": p.Transparent,
		"source.bands":       p.Bands,
		"source.data_type":   p.DataType,
	}
	for key, value := range values {
		if keep != nil && keep(key) {
			continue
		}
		v.Set(key, value)
	}
	return nil
}
