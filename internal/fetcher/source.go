package fetcher

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/kiesman99/ggrab/internal/config"
	"github.com/kiesman99/ggrab/pkg/tile"
)

// Source turns a tile into the request URL of one map service
type Source interface {
	Name() string
	URL(spec tile.Spec) (string, error)
}

// NewSource builds the source described by cfg. token is only sent by
// ArcGIS sources.
func NewSource(cfg config.SourceConfig, token string) (Source, error) {
	switch cfg.Kind {
	case "arcgis":
		return &ArcGISExport{
			Endpoint:    cfg.URL,
			CRS:         cfg.CRS,
			Format:      cfg.Format,
			Layers:      cfg.Layers,
			Transparent: cfg.Transparent,
			Token:       token,
		}, nil
	case "wms":
		return &WMS{
			Endpoint:    cfg.URL,
			CRS:         cfg.CRS,
			Format:      cfg.Format,
			Layers:      cfg.Layers,
			Transparent: cfg.Transparent,
		}, nil
	case "wcs":
		return &WCS{
			Endpoint: cfg.URL,
			CRS:      cfg.CRS,
			Format:   cfg.Format,
			Coverage: cfg.Layers,
		}, nil
	}
	return nil, &tile.ConfigurationError{Field: "source.kind", Message: fmt.Sprintf("unknown source %q (want arcgis|wms|wcs)", cfg.Kind)}
}

// ArcGISExport requests images from an ArcGIS REST MapServer export endpoint
type ArcGISExport struct {
	Endpoint    string
	CRS         int
	Format      string // png, png32, jpg, tiff
	Layers      string // e.g. "show:3"
	Transparent bool
	Token       string
}

func (s *ArcGISExport) Name() string { return "arcgis" }

func (s *ArcGISExport) URL(spec tile.Spec) (string, error) {
	srs := strconv.Itoa(s.CRS)
	return withQuery(s.Endpoint, func(q url.Values) {
		q.Set("bbox", bboxParam(spec.BBox))
		q.Set("bboxSR", srs)
		q.Set("imageSR", srs)
		q.Set("size", fmt.Sprintf("%d,%d", spec.TileSize, spec.TileSize))
		q.Set("format", orDefault(s.Format, "png"))
		q.Set("transparent", strconv.FormatBool(s.Transparent))
		if s.Layers != "" {
			q.Set("layers", s.Layers)
		}
		if s.Token != "" {
			q.Set("token", s.Token)
		}
		q.Set("f", "image")
	})
}

// WMS issues WMS 1.3.0 GetMap requests
type WMS struct {
	Endpoint    string
	CRS         int
	Format      string
	Layers      string
	Transparent bool
}

func (s *WMS) Name() string { return "wms" }

func (s *WMS) URL(spec tile.Spec) (string, error) {
	if s.Layers == "" {
		return "", &tile.ConfigurationError{Field: "source.layers", Message: "WMS requires at least one layer"}
	}
	return withQuery(s.Endpoint, func(q url.Values) {
		q.Set("SERVICE", "WMS")
		q.Set("VERSION", "1.3.0")
		q.Set("REQUEST", "GetMap")
		q.Set("LAYERS", s.Layers)
		q.Set("STYLES", "")
		q.Set("CRS", "EPSG:"+strconv.Itoa(s.CRS))
		q.Set("BBOX", bboxParam(spec.BBox))
		q.Set("WIDTH", strconv.Itoa(spec.TileSize))
		q.Set("HEIGHT", strconv.Itoa(spec.TileSize))
		q.Set("FORMAT", mimeType(orDefault(s.Format, "image/png")))
		q.Set("TRANSPARENT", strings.ToUpper(strconv.FormatBool(s.Transparent)))
	})
}

// WCS issues WCS 1.0.0 GetCoverage requests
type WCS struct {
	Endpoint string
	CRS      int
	Format   string
	Coverage string
}

func (s *WCS) Name() string { return "wcs" }

func (s *WCS) URL(spec tile.Spec) (string, error) {
	if s.Coverage == "" {
		return "", &tile.ConfigurationError{Field: "source.layers", Message: "WCS requires a coverage name"}
	}
	crs := "EPSG:" + strconv.Itoa(s.CRS)
	return withQuery(s.Endpoint, func(q url.Values) {
		q.Set("SERVICE", "WCS")
		q.Set("VERSION", "1.0.0")
		q.Set("REQUEST", "GetCoverage")
		q.Set("COVERAGE", s.Coverage)
		q.Set("CRS", crs)
		q.Set("RESPONSE_CRS", crs)
		q.Set("BBOX", bboxParam(spec.BBox))
		q.Set("WIDTH", strconv.Itoa(spec.TileSize))
		q.Set("HEIGHT", strconv.Itoa(spec.TileSize))
		q.Set("FORMAT", orDefault(s.Format, "GeoTIFF"))
	})
}

// withQuery merges parameters into the endpoint's existing query string
func withQuery(endpoint string, set func(url.Values)) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", &tile.ConfigurationError{Field: "source.url", Message: "invalid endpoint", Err: err}
	}
	if u.Scheme == "" || u.Host == "" {
		return "", &tile.ConfigurationError{Field: "source.url", Message: fmt.Sprintf("endpoint %q must be absolute", endpoint)}
	}
	q := u.Query()
	set(q)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func bboxParam(b tile.BoundingBox) string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return f(b.MinX) + "," + f(b.MinY) + "," + f(b.MaxX) + "," + f(b.MaxY)
}

// mimeType expands short format names for OGC services
func mimeType(format string) string {
	if strings.Contains(format, "/") {
		return format
	}
	switch strings.ToLower(format) {
	case "tif", "tiff", "geotiff":
		return "image/tiff"
	case "jpg", "jpeg":
		return "image/jpeg"
	}
	return "image/" + strings.ToLower(format)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
