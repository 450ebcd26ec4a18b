// Package features queries vector layers of an ArcGIS MapServer and merges
// the results into one GeoJSON feature collection.
package features

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/paulmach/orb/geojson"

	"github.com/kiesman99/ggrab/pkg/tile"
)

// LayerProperty is the feature property naming the layer a feature came from
const LayerProperty = "layer_id"

// maximum accepted response per layer
const maxResponse = 256 << 20

// Options tunes a Client
type Options struct {
	Retries   int
	Timeout   time.Duration
	UserAgent string
	Headers   map[string]string
	Client    *http.Client
	Logger    *slog.Logger
}

// Client queries the layers of one MapServer
type Client struct {
	base   string
	crs    int
	token  string
	opts   Options
	client *http.Client
	logger *slog.Logger
}

// New creates a client for the MapServer at base, e.g.
// https://host/arcgis/rest/services/<name>/MapServer
func New(base string, crs int, token string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "ggrab/1.0"
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		base:   strings.TrimSuffix(base, "/"),
		crs:    crs,
		token:  token,
		opts:   opts,
		client: client,
		logger: logger,
	}
}

// QueryError reports a failed layer query
type QueryError struct {
	Layer      int
	URL        string
	StatusCode int
	Err        error
}

func (e *QueryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("query layer %d: HTTP %d: %v", e.Layer, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("query layer %d: %v", e.Layer, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// serviceError is the error document ArcGIS returns with status 200
type serviceError struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

func (e *serviceError) Error() string {
	msg := fmt.Sprintf("service error %d: %s", e.Code, e.Message)
	if len(e.Details) > 0 {
		msg += " (" + strings.Join(e.Details, "; ") + ")"
	}
	return msg
}

// Query fetches the features of every layer intersecting bbox and returns
// them in layer order. Each feature is tagged with LayerProperty.
func (c *Client) Query(ctx context.Context, bbox tile.BoundingBox, layers []int) (*geojson.FeatureCollection, error) {
	if err := bbox.Validate(); err != nil {
		return nil, err
	}
	if len(layers) == 0 {
		return nil, &tile.ConfigurationError{Field: "layers", Message: "at least one layer is required"}
	}
	out := geojson.NewFeatureCollection()
	for _, id := range layers {
		if id < 0 {
			return nil, &tile.ConfigurationError{Field: "layers", Message: fmt.Sprintf("invalid layer id %d", id)}
		}
		fc, err := c.queryLayer(ctx, bbox, id)
		if err != nil {
			return nil, err
		}
		for _, f := range fc.Features {
			if f.Properties == nil {
				f.Properties = geojson.Properties{}
			}
			f.Properties[LayerProperty] = id
			out.Append(f)
		}
		c.logger.Debug("layer queried", "layer", id, "features", len(fc.Features))
	}
	return out, nil
}

// QueryURL builds the query request for one layer
func (c *Client) QueryURL(bbox tile.BoundingBox, layer int) (string, error) {
	u, err := url.Parse(c.base + "/" + strconv.Itoa(layer) + "/query")
	if err != nil {
		return "", &tile.ConfigurationError{Field: "features.url", Message: "invalid MapServer URL", Err: err}
	}
	envelope, err := json.Marshal(map[string]any{
		"xmin":             bbox.MinX,
		"ymin":             bbox.MinY,
		"xmax":             bbox.MaxX,
		"ymax":             bbox.MaxY,
		"spatialReference": map[string]int{"wkid": c.crs},
	})
	if err != nil {
		return "", err
	}
	srs := strconv.Itoa(c.crs)
	q := u.Query()
	q.Set("f", "geojson")
	q.Set("where", "1=1")
	q.Set("returnGeometry", "true")
	q.Set("spatialRel", "esriSpatialRelIntersects")
	q.Set("geometry", string(envelope))
	q.Set("geometryType", "esriGeometryEnvelope")
	q.Set("inSR", srs)
	q.Set("outSR", srs)
	q.Set("outFields", "*")
	if c.token != "" {
		q.Set("token", c.token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) queryLayer(ctx context.Context, bbox tile.BoundingBox, layer int) (*geojson.FeatureCollection, error) {
	u, err := c.QueryURL(bbox, layer)
	if err != nil {
		return nil, err
	}
	safe := tile.RedactURL(u)

	var status int
	op := func() (*geojson.FeatureCollection, error) {
		data, code, err := c.get(ctx, u)
		status = code
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		fc, err := decode(data)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return fc, nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(max(c.opts.Retries, 0))), ctx)
	fc, err := backoff.RetryWithData(op, policy)
	if err != nil {
		return nil, &QueryError{Layer: layer, URL: safe, StatusCode: status, Err: err}
	}
	if limited(fc) {
		c.logger.Warn("transfer limit exceeded, layer results are incomplete", "layer", layer)
	}
	return fc, nil
}

func (c *Client) get(ctx context.Context, u string) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	for key, value := range c.opts.Headers {
		req.Header.Set(key, value)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		var ue *url.Error
		if errors.As(err, &ue) {
			ue.URL = tile.RedactURL(ue.URL)
		}
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, resp.StatusCode, fmt.Errorf("%s: %s", http.StatusText(resp.StatusCode), snippet)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponse+1))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if len(data) > maxResponse {
		return nil, resp.StatusCode, backoff.Permanent(fmt.Errorf("response exceeds %d bytes", maxResponse))
	}
	return data, resp.StatusCode, nil
}

// decode parses a GeoJSON response, surfacing ArcGIS error documents
func decode(data []byte) (*geojson.FeatureCollection, error) {
	var envelope struct {
		Error *serviceError `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}
	if envelope.Error != nil {
		return nil, envelope.Error
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("malformed GeoJSON: %w", err)
	}
	return fc, nil
}

// limited reports the exceededTransferLimit flag, which ArcGIS puts either
// at the top level or under "properties"
func limited(fc *geojson.FeatureCollection) bool {
	if fc.ExtraMembers == nil {
		return false
	}
	if v, _ := fc.ExtraMembers["exceededTransferLimit"].(bool); v {
		return true
	}
	if props, ok := fc.ExtraMembers["properties"].(map[string]any); ok {
		v, _ := props["exceededTransferLimit"].(bool)
		return v
	}
	return false
}

// ParseLayers parses a comma separated list of layer ids
func ParseLayers(s string) ([]int, error) {
	var ids []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil || id < 0 {
			return nil, &tile.ConfigurationError{Field: "layers", Message: fmt.Sprintf("invalid layer id %q", part), Err: err}
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, &tile.ConfigurationError{Field: "layers", Message: "at least one layer is required"}
	}
	return ids, nil
}
