package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/kiesman99/ggrab/internal/api"
	"github.com/kiesman99/ggrab/internal/config"
	"github.com/kiesman99/ggrab/internal/features"
	"github.com/kiesman99/ggrab/internal/georaster"
	"github.com/kiesman99/ggrab/internal/tilecache"
)

// fakeProjector maps lat/lon degrees to metres by scaling
type fakeProjector struct{}

func (fakeProjector) Forward(lat, lon float64) (float64, float64, error) {
	return lon * 1000, lat * 1000, nil
}

// tileService emulates an ArcGIS export endpoint
type tileService struct {
	status   int
	delay    time.Duration
	requests atomic.Int32
	header   atomic.Value
	token    atomic.Value
}

func (ts *tileService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ts.requests.Add(1)
	ts.header.Store(r.Header.Get("X-Test"))
	ts.token.Store(r.URL.Query().Get("token"))
	time.Sleep(ts.delay)
	if ts.status != 0 {
		http.Error(w, "boom", ts.status)
		return
	}
	var width, height int
	if _, err := fmt.Sscanf(r.URL.Query().Get("size"), "%d,%d", &width, &height); err != nil {
		http.Error(w, "bad size", http.StatusBadRequest)
		return
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.SetNRGBA(x, y, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	w.Header().Set("Content-Type", "image/png")
	_ = png.Encode(w, img)
}

func testConfig(tileURL string) *config.Config {
	cfg := config.Default()
	cfg.Source.URL = tileURL
	cfg.Source.TokenFile = ""
	cfg.Fetch.Retries = 0
	cfg.Fetch.InitialBackoff = time.Millisecond
	cfg.Fetch.MaxBackoff = time.Millisecond
	cfg.Fetch.TileTimeout = 5 * time.Second
	cfg.Server.Timeout = 30 * time.Second
	return cfg
}

// Test server setup
func setupTestServer(t *testing.T, tiles *tileService) *httptest.Server {
	t.Helper()
	return setupTestServerWith(t, tiles, nil)
}

// setupTestServerWith lets a test adjust the configuration and add options
func setupTestServerWith(t *testing.T, tiles *tileService, configure func(*config.Config), opts ...Option) *httptest.Server {
	t.Helper()
	upstream := httptest.NewServer(tiles)
	t.Cleanup(upstream.Close)

	cfg := testConfig(upstream.URL)
	if configure != nil {
		configure(cfg)
	}
	opts = append([]Option{WithProjector(fakeProjector{})}, opts...)
	apiServer := NewServer("2.0.0-test", cfg, opts...)
	server := httptest.NewServer(apiServer.Handler())
	t.Cleanup(server.Close)
	return server
}

// lockedBuffer collects log output written from several goroutines
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	server := setupTestServer(t, &tileService{})

	for _, path := range []string{"/health", "/api/v1/health"} {
		resp, err := http.Get(server.URL + path)
		if err != nil {
			t.Fatalf("Failed to make request: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: expected status 200, got %d", path, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("%s: expected Content-Type application/json, got %s", path, ct)
		}

		var healthResp api.HealthResponse
		if err := json.NewDecoder(resp.Body).Decode(&healthResp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if healthResp.Status != api.Healthy {
			t.Errorf("Expected status 'healthy', got %s", healthResp.Status)
		}
		if healthResp.Version == nil || *healthResp.Version != "2.0.0-test" {
			t.Errorf("Expected version '2.0.0-test', got %v", healthResp.Version)
		}
		if healthResp.Uptime == nil || *healthResp.Uptime < 0 {
			t.Errorf("Expected valid uptime, got %v", healthResp.Uptime)
		}
		if time.Since(healthResp.Timestamp) > time.Minute {
			t.Errorf("Timestamp seems too old: %v", healthResp.Timestamp)
		}
	}
}

func TestMosaicEndpoint_BoundingBox_GeoTIFF(t *testing.T) {
	tiles := &tileService{}
	server := setupTestServer(t, tiles)

	// 2x2 tiles of 16 px at 1 m/px
	resp := postJSON(t, server.URL+"/api/v1/mosaic", `{
		"bbox": {"min_x": 1000, "min_y": 2000, "max_x": 1032, "max_y": 2030},
		"resolution": 1,
		"tile_size": 16
	}`)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 200, got %d. Body: %s", resp.StatusCode, string(body))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/tiff" {
		t.Errorf("Expected Content-Type image/tiff, got %s", ct)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header")
	}
	if resp.Header.Get("X-Run-ID") == "" {
		t.Error("Expected X-Run-ID header")
	}
	if got := resp.Header.Get("X-Tiles-Failed"); got != "0" {
		t.Errorf("Expected X-Tiles-Failed 0, got %q", got)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	raster, err := georaster.Read(data)
	if err != nil {
		t.Fatalf("Response is not a GeoTIFF: %v", err)
	}
	if raster.Image.Width != 32 || raster.Image.Height != 32 {
		t.Errorf("Expected 32x32 mosaic, got %dx%d", raster.Image.Width, raster.Image.Height)
	}
	if raster.EPSG != 25833 {
		t.Errorf("Expected EPSG 25833, got %d", raster.EPSG)
	}
	want := georaster.FromOrigin(1000, 2032, 1, 1)
	if !raster.Transform.AlmostEqual(want, 1e-9) {
		t.Errorf("Expected transform %v, got %v", want, raster.Transform)
	}
	if n := tiles.requests.Load(); n != 4 {
		t.Errorf("Expected 4 tile requests, got %d", n)
	}
}

func TestMosaicEndpoint_Center_PNG(t *testing.T) {
	server := setupTestServer(t, &tileService{})

	resp := postJSON(t, server.URL+"/api/v1/mosaic", `{
		"center": {"lat": 60, "lon": 10, "half_size": 16},
		"resolution": 1,
		"tile_size": 16,
		"output": {"format": "png", "crop_px": 20}
	}`)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 200, got %d. Body: %s", resp.StatusCode, string(body))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Expected Content-Type image/png, got %s", ct)
	}

	imageData, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	if len(imageData) < 8 || !bytes.Equal(imageData[:8], []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}) {
		t.Fatal("Response does not appear to be a valid PNG file")
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(imageData))
	if err != nil {
		t.Fatalf("Failed to decode PNG: %v", err)
	}
	if cfg.Width != 20 || cfg.Height != 20 {
		t.Errorf("Expected 20x20 crop, got %dx%d", cfg.Width, cfg.Height)
	}
}

func TestMosaicEndpoint_ValidationErrors(t *testing.T) {
	server := setupTestServer(t, &tileService{})

	testCases := []struct {
		name         string
		body         string
		expectedCode string
	}{
		{
			name:         "Invalid JSON",
			body:         `{"bbox": `,
			expectedCode: CodeInvalidJSON,
		},
		{
			name:         "Unknown field",
			body:         `{"bbox": {"min_x": 0, "min_y": 0, "max_x": 10, "max_y": 10}, "mode": "bbox"}`,
			expectedCode: CodeInvalidJSON,
		},
		{
			name:         "Missing area",
			body:         `{"resolution": 1}`,
			expectedCode: CodeValidation,
		},
		{
			name:         "Both bbox and center",
			body:         `{"bbox": {"min_x": 0, "min_y": 0, "max_x": 10, "max_y": 10}, "center": {"lat": 60, "lon": 10}}`,
			expectedCode: CodeValidation,
		},
		{
			name:         "Inverted bbox",
			body:         `{"bbox": {"min_x": 10, "min_y": 0, "max_x": 0, "max_y": 10}, "resolution": 1}`,
			expectedCode: CodeValidation,
		},
		{
			name:         "Latitude out of range",
			body:         `{"center": {"lat": 91, "lon": 10}}`,
			expectedCode: CodeValidation,
		},
		{
			name:         "Zoom out of range",
			body:         `{"bbox": {"min_x": 0, "min_y": 0, "max_x": 10, "max_y": 10}, "zoom": 18}`,
			expectedCode: CodeValidation,
		},
		{
			name:         "Unknown error policy",
			body:         `{"bbox": {"min_x": 0, "min_y": 0, "max_x": 10, "max_y": 10}, "on_error": "skip"}`,
			expectedCode: CodeValidation,
		},
		{
			name:         "Unknown output format",
			body:         `{"bbox": {"min_x": 0, "min_y": 0, "max_x": 10, "max_y": 10}, "output": {"format": "gif"}}`,
			expectedCode: CodeValidation,
		},
		{
			name:         "Too many pixels",
			body:         `{"bbox": {"min_x": 0, "min_y": 0, "max_x": 1000000, "max_y": 1000000}, "resolution": 0.1}`,
			expectedCode: CodeValidation,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, server.URL+"/api/v1/mosaic", tc.body)

			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", resp.StatusCode)
			}

			var errorResp api.ErrorResponse
			if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
				t.Fatalf("Failed to decode error response: %v", err)
			}
			if errorResp.Error != tc.expectedCode {
				t.Errorf("Expected error code %s, got %s (%s)", tc.expectedCode, errorResp.Error, errorResp.Message)
			}
			if errorResp.RequestId == "" {
				t.Error("Expected request_id in error response")
			}
		})
	}
}

func TestMosaicEndpoint_TileServerError(t *testing.T) {
	tiles := &tileService{status: http.StatusInternalServerError}
	server := setupTestServer(t, tiles)

	resp := postJSON(t, server.URL+"/api/v1/mosaic", `{
		"bbox": {"min_x": 0, "min_y": 0, "max_x": 16, "max_y": 16},
		"resolution": 1,
		"tile_size": 16
	}`)

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("Expected status 502, got %d", resp.StatusCode)
	}

	var tileResp api.TileErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&tileResp); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}
	if tileResp.Error != CodeTileServer {
		t.Errorf("Expected error code %s, got %s", CodeTileServer, tileResp.Error)
	}
	if len(tileResp.FailedTiles) != 1 {
		t.Fatalf("Expected 1 failed tile, got %d", len(tileResp.FailedTiles))
	}
	failed := tileResp.FailedTiles[0]
	if failed.StatusCode == nil || *failed.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected upstream status 500, got %v", failed.StatusCode)
	}
	if failed.Url == "" {
		t.Error("Expected failing URL in response")
	}
	if tileResp.TotalTiles != 1 {
		t.Errorf("Expected total_tiles 1, got %d", tileResp.TotalTiles)
	}
}

func TestMosaicEndpoint_FillPolicy(t *testing.T) {
	tiles := &tileService{status: http.StatusInternalServerError}
	server := setupTestServer(t, tiles)

	resp := postJSON(t, server.URL+"/api/v1/mosaic", `{
		"bbox": {"min_x": 0, "min_y": 0, "max_x": 32, "max_y": 16},
		"resolution": 1,
		"tile_size": 16,
		"on_error": "fill",
		"fill_color": "#ff0000",
		"output": {"format": "png"}
	}`)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 200, got %d. Body: %s", resp.StatusCode, string(body))
	}
	if got := resp.Header.Get("X-Tiles-Failed"); got != "2" {
		t.Errorf("Expected X-Tiles-Failed 2, got %q", got)
	}
	img, err := png.Decode(resp.Body)
	if err != nil {
		t.Fatalf("Failed to decode PNG: %v", err)
	}
	r, g, b, _ := img.At(5, 5).RGBA()
	if r>>8 != 0xff || g != 0 || b != 0 {
		t.Errorf("Expected red fill, got %d,%d,%d", r>>8, g>>8, b>>8)
	}
}

func TestMosaicEndpoint_SourceHeaders(t *testing.T) {
	tiles := &tileService{}
	server := setupTestServer(t, tiles)

	resp := postJSON(t, server.URL+"/api/v1/mosaic", `{
		"bbox": {"min_x": 0, "min_y": 0, "max_x": 16, "max_y": 16},
		"resolution": 1,
		"tile_size": 16,
		"source": {"headers": {"X-Test": "yes"}}
	}`)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 200, got %d. Body: %s", resp.StatusCode, string(body))
	}
	if got, _ := tiles.header.Load().(string); got != "yes" {
		t.Errorf("Expected X-Test header to reach the tile service, got %q", got)
	}
}

func TestPlanEndpoint(t *testing.T) {
	tiles := &tileService{}
	server := setupTestServer(t, tiles)

	resp := postJSON(t, server.URL+"/api/v1/plan", `{
		"bbox": {"min_x": 0, "min_y": 0, "max_x": 40, "max_y": 20},
		"resolution": 1,
		"tile_size": 16
	}`)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 200, got %d. Body: %s", resp.StatusCode, string(body))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/geo+json" {
		t.Errorf("Expected Content-Type application/geo+json, got %s", ct)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		t.Fatalf("Failed to decode GeoJSON: %v", err)
	}
	// ceil(40/16) x ceil(20/16)
	if len(fc.Features) != 6 {
		t.Errorf("Expected 6 tiles, got %d", len(fc.Features))
	}
	if n := tiles.requests.Load(); n != 0 {
		t.Errorf("Planning must not fetch tiles, got %d requests", n)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server := setupTestServer(t, &tileService{})

	resp, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "ggrab_http_requests_total") {
		t.Error("Expected HTTP request counter in metrics output")
	}
}

func TestCORS(t *testing.T) {
	server := setupTestServer(t, &tileService{})

	req, err := http.NewRequest("OPTIONS", server.URL+"/api/v1/mosaic", nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Origin", "https://example.com")

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200 for OPTIONS, got %d", resp.StatusCode)
	}

	expectedHeaders := map[string]string{
		"Access-Control-Allow-Origin":  "*",
		"Access-Control-Allow-Methods": "GET, POST, OPTIONS",
		"Access-Control-Allow-Headers": "Content-Type, X-API-Key",
	}
	for header, expectedValue := range expectedHeaders {
		if actualValue := resp.Header.Get(header); actualValue != expectedValue {
			t.Errorf("Expected %s: %s, got %s", header, expectedValue, actualValue)
		}
	}
}

func TestMergeSource(t *testing.T) {
	base := config.Default().Source
	base.Headers = map[string]string{"Referer": "https://norgeskart.no"}
	transparent := true

	got := mergeSource(base, api.SourceOptions{
		Kind:        api.Wms,
		Layers:      "ortofoto",
		Transparent: &transparent,
		Headers:     map[string]string{"User-Agent": "test/1.0", "X-Test": "yes"},
	})

	if got.Kind != "wms" || got.Layers != "ortofoto" || !got.Transparent {
		t.Errorf("Overrides not applied: %+v", got)
	}
	if got.URL != base.URL || got.CRS != base.CRS {
		t.Errorf("Unset fields must keep configured values: %+v", got)
	}
	if got.UserAgent != "test/1.0" {
		t.Errorf("Expected User-Agent override, got %q", got.UserAgent)
	}
	if got.Headers["Referer"] != "https://norgeskart.no" || got.Headers["X-Test"] != "yes" {
		t.Errorf("Expected merged headers, got %v", got.Headers)
	}
	if len(base.Headers) != 1 {
		t.Error("Base headers must not be modified")
	}
}

func TestMergeSourceFloat32(t *testing.T) {
	base := config.Default().Source

	got := mergeSource(base, api.SourceOptions{Kind: api.Wcs, DataType: api.Float32, Bands: 4})
	if got.DataType != "float32" || got.Bands != 1 {
		t.Errorf("Expected float32 with one band, got %s with %d", got.DataType, got.Bands)
	}
}

func TestSameHost(t *testing.T) {
	testCases := []struct {
		a, b string
		want bool
	}{
		{"https://services.geodataonline.no/a/MapServer", "https://services.geodataonline.no/b/MapServer", true},
		{"https://SERVICES.geodataonline.no/a", "https://services.geodataonline.no/a", true},
		{"https://evil.example.com/a", "https://services.geodataonline.no/a", false},
		{"http://services.geodataonline.no/a", "https://services.geodataonline.no/a", false},
		{"https://services.geodataonline.no:8443/a", "https://services.geodataonline.no/a", false},
		{"://bad", "https://services.geodataonline.no/a", false},
	}
	for _, tc := range testCases {
		if got := sameHost(tc.a, tc.b); got != tc.want {
			t.Errorf("sameHost(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestMosaicEndpoint_TokenOnlyForConfiguredHost(t *testing.T) {
	configured := &tileService{}
	other := &tileService{}
	otherServer := httptest.NewServer(other)
	t.Cleanup(otherServer.Close)

	server := setupTestServerWith(t, configured, func(cfg *config.Config) {
		cfg.Source.Token = "s3cret"
	})

	body := `{"bbox": {"min_x": 0, "min_y": 0, "max_x": 16, "max_y": 16}, "resolution": 1, "tile_size": 16}`
	resp := postJSON(t, server.URL+"/api/v1/mosaic", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if got, _ := configured.token.Load().(string); got != "s3cret" {
		t.Errorf("Expected the configured host to receive the token, got %q", got)
	}

	body = fmt.Sprintf(`{"bbox": {"min_x": 0, "min_y": 0, "max_x": 16, "max_y": 16}, "resolution": 1, "tile_size": 16, "source": {"url": %q}}`, otherServer.URL)
	resp = postJSON(t, server.URL+"/api/v1/mosaic", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if other.requests.Load() != 1 {
		t.Fatalf("Expected 1 request to the overridden host, got %d", other.requests.Load())
	}
	if got, _ := other.token.Load().(string); got != "" {
		t.Errorf("Overridden host must not receive the token, got %q", got)
	}
}

func TestMosaicEndpoint_TileServerErrorHidesToken(t *testing.T) {
	tiles := &tileService{status: http.StatusInternalServerError}
	var logs lockedBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	server := setupTestServerWith(t, tiles, func(cfg *config.Config) {
		cfg.Source.Token = "s3cret"
		cfg.Fetch.Retries = 1
	}, WithLogger(logger))

	resp := postJSON(t, server.URL+"/api/v1/mosaic", `{
		"bbox": {"min_x": 0, "min_y": 0, "max_x": 16, "max_y": 16},
		"resolution": 1,
		"tile_size": 16
	}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("Expected status 502, got %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	if strings.Contains(string(data), "s3cret") {
		t.Errorf("Error response leaks the token: %s", data)
	}
	if !strings.Contains(string(data), `"url"`) {
		t.Errorf("Expected the redacted tile URL in the response: %s", data)
	}
	if strings.Contains(logs.String(), "s3cret") {
		t.Errorf("Logs leak the token: %s", logs.String())
	}
}

func TestMosaicEndpoint_ConcurrentRequestsShareDownloads(t *testing.T) {
	tiles := &tileService{delay: 50 * time.Millisecond}
	cache := tilecache.NewMemory(1<<20, time.Minute)
	t.Cleanup(cache.Close)
	server := setupTestServerWith(t, tiles, nil, WithCache(cache))

	body := `{"bbox": {"min_x": 0, "min_y": 0, "max_x": 32, "max_y": 32}, "resolution": 1, "tile_size": 16, "output": {"format": "png"}}`
	var wg sync.WaitGroup
	statuses := make([]int, 2)
	for i := range statuses {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Post(server.URL+"/api/v1/mosaic", "application/json", strings.NewReader(body))
			if err != nil {
				t.Errorf("Failed to make request: %v", err)
				return
			}
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, resp.Body)
			statuses[i] = resp.StatusCode
		}()
	}
	wg.Wait()

	for i, status := range statuses {
		if status != http.StatusOK {
			t.Errorf("Request %d: expected status 200, got %d", i, status)
		}
	}
	if n := tiles.requests.Load(); n != 4 {
		t.Errorf("Expected 4 upstream requests for 4 distinct tiles, got %d", n)
	}
}

func TestMosaicEndpoint_Float32AsPNG(t *testing.T) {
	server := setupTestServer(t, &tileService{})

	resp := postJSON(t, server.URL+"/api/v1/mosaic", `{
		"bbox": {"min_x": 0, "min_y": 0, "max_x": 16, "max_y": 16},
		"resolution": 1,
		"tile_size": 16,
		"source": {"kind": "wcs", "data_type": "float32"},
		"output": {"format": "png"}
	}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
}

// layerService emulates the query endpoint of an ArcGIS MapServer
type layerService struct {
	status int
	token  atomic.Value
}

func (ls *layerService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ls.token.Store(r.URL.Query().Get("token"))
	if ls.status != 0 {
		http.Error(w, "boom", ls.status)
		return
	}
	var id int
	if _, err := fmt.Sscanf(r.URL.Path, "/MapServer/%d/query", &id); err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	fmt.Fprintf(w, `{"type":"FeatureCollection","features":[{"type":"Feature","geometry":{"type":"Point","coordinates":[5,5]},"properties":{"arealtype":%d}}]}`, id)
}

func setupFeatureServer(t *testing.T, layers *layerService, token string) *httptest.Server {
	t.Helper()
	upstream := httptest.NewServer(layers)
	t.Cleanup(upstream.Close)
	return setupTestServerWith(t, &tileService{}, func(cfg *config.Config) {
		cfg.Features.URL = upstream.URL + "/MapServer"
		cfg.Features.Layers = "22"
		cfg.Source.Token = token
	})
}

func TestFeaturesEndpoint(t *testing.T) {
	layers := &layerService{}
	server := setupFeatureServer(t, layers, "s3cret")

	resp, err := http.Get(server.URL + "/api/v1/features?bbox=0,0,10,10&layers=22,23")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 200, got %d. Body: %s", resp.StatusCode, string(body))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/geo+json" {
		t.Errorf("Expected Content-Type application/geo+json, got %s", ct)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		t.Fatalf("Failed to decode GeoJSON: %v", err)
	}
	if len(fc.Features) != 2 {
		t.Fatalf("Expected 2 features, got %d", len(fc.Features))
	}
	if got := fc.Features[1].Properties[features.LayerProperty]; got != float64(23) {
		t.Errorf("Expected second feature from layer 23, got %v", got)
	}
	if got, _ := layers.token.Load().(string); got != "s3cret" {
		t.Errorf("Expected the configured MapServer to receive the token, got %q", got)
	}
}

func TestFeaturesEndpoint_OverriddenURLGetsNoToken(t *testing.T) {
	server := setupFeatureServer(t, &layerService{}, "s3cret")
	other := &layerService{}
	otherServer := httptest.NewServer(other)
	t.Cleanup(otherServer.Close)

	resp, err := http.Get(server.URL + "/api/v1/features?bbox=0,0,10,10&url=" + otherServer.URL + "/MapServer")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if got, _ := other.token.Load().(string); got != "" {
		t.Errorf("Overridden MapServer must not receive the token, got %q", got)
	}
}

func TestFeaturesEndpoint_Errors(t *testing.T) {
	testCases := []struct {
		name         string
		query        string
		status       int
		upstream     int
		expectedCode string
	}{
		{"Missing bbox", "", http.StatusBadRequest, 0, CodeValidation},
		{"Bad bbox", "?bbox=0,0,1", http.StatusBadRequest, 0, CodeValidation},
		{"Bad layers", "?bbox=0,0,10,10&layers=forest", http.StatusBadRequest, 0, CodeValidation},
		{"Bad url", "?bbox=0,0,10,10&url=nowhere", http.StatusBadRequest, 0, CodeValidation},
		{"Upstream failure", "?bbox=0,0,10,10", http.StatusBadGateway, http.StatusNotFound, CodeFeatureServer},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := setupFeatureServer(t, &layerService{status: tc.upstream}, "s3cret")

			resp, err := http.Get(server.URL + "/api/v1/features" + tc.query)
			if err != nil {
				t.Fatalf("Failed to make request: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tc.status {
				t.Errorf("Expected status %d, got %d", tc.status, resp.StatusCode)
			}
			data, _ := io.ReadAll(resp.Body)
			var errorResp api.ErrorResponse
			if err := json.Unmarshal(data, &errorResp); err != nil {
				t.Fatalf("Failed to decode error response: %v", err)
			}
			if errorResp.Error != tc.expectedCode {
				t.Errorf("Expected error code %s, got %s (%s)", tc.expectedCode, errorResp.Error, errorResp.Message)
			}
			if strings.Contains(string(data), "s3cret") {
				t.Errorf("Error response leaks the token: %s", data)
			}
		})
	}
}
