package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/paulmach/orb"

	"github.com/kiesman99/ggrab/internal/api"
	"github.com/kiesman99/ggrab/internal/config"
	"github.com/kiesman99/ggrab/internal/features"
	"github.com/kiesman99/ggrab/internal/fetcher"
	"github.com/kiesman99/ggrab/internal/georaster"
	"github.com/kiesman99/ggrab/internal/metrics"
	"github.com/kiesman99/ggrab/internal/mosaic"
	"github.com/kiesman99/ggrab/internal/planner"
	"github.com/kiesman99/ggrab/internal/stitcher"
	"github.com/kiesman99/ggrab/internal/tilecache"
	"github.com/kiesman99/ggrab/pkg/tile"
)

// maximum accepted request body
const maxBodyBytes = 1 << 20

// Error codes returned in the error field of error responses
const (
	CodeInvalidJSON   = "INVALID_JSON"
	CodeValidation    = "VALIDATION_ERROR"
	CodeTileServer    = "TILE_SERVER_ERROR"
	CodeTileTimeout   = "TILE_SERVER_TIMEOUT"
	CodeFeatureServer = "FEATURE_SERVER_ERROR"
	CodeWriteFailed   = "WRITE_ERROR"
	CodeInternal      = "INTERNAL_ERROR"
)

var _ api.ServerInterface = (*Server)(nil)

// Projector converts WGS84 latitude/longitude to the planar CRS of the source
type Projector interface {
	Forward(lat, lon float64) (x, y float64, err error)
}

// FetcherFactory builds the tile fetcher for one request
type FetcherFactory func(src config.SourceConfig, token string) (stitcher.TileFetcher, error)

// Server serves the mosaic API
type Server struct {
	startTime  time.Time
	version    string
	cfg        *config.Config
	projector  Projector
	newFetcher FetcherFactory
	cache      tilecache.Cache
	loader     *tilecache.Loader
	client     *http.Client
	logger     *slog.Logger
	validate   *validator.Validate
}

// Option configures a Server
type Option func(*Server)

// WithProjector enables center point requests
func WithProjector(p Projector) Option {
	return func(s *Server) { s.projector = p }
}

// WithFetcherFactory replaces the HTTP fetcher
func WithFetcherFactory(f FetcherFactory) Option {
	return func(s *Server) { s.newFetcher = f }
}

// WithLogger sets the request logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithCache keeps tile payloads between requests
func WithCache(c tilecache.Cache) Option {
	return func(s *Server) { s.cache = c }
}

// NewServer creates a new server instance
func NewServer(version string, cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		startTime: time.Now(),
		version:   version,
		cfg:       cfg,
		client:    fetcher.NewHTTPClient(cfg.Fetch.Workers),
		logger:    slog.Default(),
		validate:  newValidator(),
	}
	for _, opt := range opts {
		opt(s)
	}
	// one loader for all requests so concurrent requests for the same tile
	// share a single upstream download
	s.loader = tilecache.NewLoader(s.cache, fetcher.LoadTimeout(cfg.Fetch.Retries, cfg.Fetch.TileTimeout, cfg.Fetch.MaxBackoff), s.logger)
	if s.newFetcher == nil {
		s.newFetcher = HTTPFetcherFactory(cfg, s.loader, s.client, s.logger)
	}
	return s
}

// newValidator reports request fields by their JSON names
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// HTTPFetcherFactory returns a factory building fetchers from cfg.Fetch.
// Every fetcher downloads through loader.
func HTTPFetcherFactory(cfg *config.Config, loader *tilecache.Loader, client *http.Client, logger *slog.Logger) FetcherFactory {
	return func(src config.SourceConfig, token string) (stitcher.TileFetcher, error) {
		source, err := fetcher.NewSource(src, token)
		if err != nil {
			return nil, err
		}
		dtype, err := tile.ParseDataType(src.DataType)
		if err != nil {
			return nil, err
		}
		return fetcher.New(source, fetcher.Options{
			Bands:          src.Bands,
			DataType:       dtype,
			Retries:        cfg.Fetch.Retries,
			InitialBackoff: cfg.Fetch.InitialBackoff,
			MaxBackoff:     cfg.Fetch.MaxBackoff,
			TileTimeout:    cfg.Fetch.TileTimeout,
			RateLimit:      cfg.Fetch.RateLimit,
			UserAgent:      src.UserAgent,
			Headers:        src.Headers,
			Client:         client,
			Loader:         loader,
			Logger:         logger,
		}), nil
	}
}

// Handler builds the router with middleware and all routes
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	if s.cfg.Server.Timeout > 0 {
		r.Use(middleware.Timeout(s.cfg.Server.Timeout))
	}
	r.Use(cors)

	r.Get("/health", s.GetHealth)
	r.Handle("/metrics", metrics.Handler())
	return api.HandlerWithOptions(s, api.ChiServerOptions{
		BaseURL:          "/api/v1",
		BaseRouter:       r,
		ErrorHandlerFunc: s.paramError,
	})
}

// paramError reports malformed query parameters
func (s *Server) paramError(w http.ResponseWriter, r *http.Request, err error) {
	field := "query"
	var required *api.RequiredParamError
	var invalid *api.InvalidParamFormatError
	switch {
	case errors.As(err, &required):
		field = required.ParamName
	case errors.As(err, &invalid):
		field = invalid.ParamName
	}
	s.writeJSON(w, http.StatusBadRequest, "application/json", api.ValidationErrorResponse{
		Error:            CodeValidation,
		Message:          err.Error(),
		RequestId:        middleware.GetReqID(r.Context()),
		ValidationErrors: []api.ValidationError{{Field: field, Message: err.Error()}},
	})
}

// cors allows browser clients from any origin
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, X-Run-ID, X-Tiles-Failed")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one structured line per request
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// GetHealth implements the health check endpoint
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	uptime := int(time.Since(s.startTime).Seconds())

	response := api.HealthResponse{
		Status:    api.Healthy,
		Timestamp: time.Now(),
		Uptime:    &uptime,
		Version:   &s.version,
	}
	s.writeJSON(w, http.StatusOK, "application/json", response)
}

// CreatePlan returns the tile grid of a request as GeoJSON
func (s *Server) CreatePlan(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())

	req, ok := s.decodeRequest(w, r, requestID)
	if !ok {
		return
	}
	plan, _, err := s.plan(req)
	if err != nil {
		s.handleError(w, err, requestID, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, "application/geo+json", plan.Footprints())
}

// CreateMosaic fetches, assembles and returns the georeferenced mosaic
func (s *Server) CreateMosaic(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetReqID(r.Context())

	req, ok := s.decodeRequest(w, r, requestID)
	if !ok {
		return
	}
	plan, src, err := s.plan(req)
	if err != nil {
		s.handleError(w, err, requestID, nil)
		return
	}
	format, err := tile.ParseFormat(string(req.Output.Format))
	if err != nil {
		s.handleError(w, err, requestID, nil)
		return
	}
	dtype, err := tile.ParseDataType(src.DataType)
	if err != nil {
		s.handleError(w, err, requestID, nil)
		return
	}
	if dtype == tile.Float32 && format == tile.FormatPNG {
		s.handleError(w, &tile.ConfigurationError{Field: "output.format", Message: "float32 sources can only be returned as GeoTIFF"}, requestID, nil)
		return
	}
	policy, err := mosaic.ParsePolicy(string(req.OnError))
	if err != nil {
		s.handleError(w, err, requestID, nil)
		return
	}
	fillSpec := s.cfg.Fetch
	if req.FillColor != "" {
		fillSpec.FillColor = req.FillColor
	}
	fill, err := fillSpec.FillRGBA()
	if err != nil {
		s.handleError(w, err, requestID, nil)
		return
	}

	// the configured token only goes to the configured host
	token := ""
	if sameHost(src.URL, s.cfg.Source.URL) {
		token, err = src.ResolveToken(false)
		if err != nil {
			s.handleError(w, err, requestID, nil)
			return
		}
	}
	f, err := s.newFetcher(src, token)
	if err != nil {
		s.handleError(w, err, requestID, nil)
		return
	}

	workers := s.cfg.Fetch.Workers
	if req.Workers > 0 {
		workers = min(req.Workers, workers)
	}
	pipeline := stitcher.New(f, stitcher.Options{
		Workers:  workers,
		Policy:   policy,
		Fill:     fill,
		Bands:    src.Bands,
		DataType: dtype,
		EPSG:     src.CRS,
		Logger:   s.logger.With("request_id", requestID),
	})

	var body bytes.Buffer
	report, err := pipeline.Run(r.Context(), plan, func(raster *georaster.GeoRaster) ([]string, error) {
		if req.Output.CropPx > 0 {
			cropped, err := georaster.CropPixels(raster, req.Output.CropPx)
			if err != nil {
				return nil, err
			}
			raster = cropped
		}
		return nil, georaster.Encode(&body, raster, format)
	})
	if err != nil {
		s.handleError(w, err, requestID, report)
		return
	}

	switch format {
	case tile.FormatPNG:
		w.Header().Set("Content-Type", "image/png")
	case tile.FormatGeoTIFF:
		w.Header().Set("Content-Type", "image/tiff")
	}
	w.Header().Set("X-Request-ID", requestID)
	w.Header().Set("X-Run-ID", report.RunID)
	w.Header().Set("X-Tiles-Failed", strconv.Itoa(report.Failed))
	w.Header().Set("Content-Length", strconv.Itoa(body.Len()))

	w.WriteHeader(http.StatusOK)
	if _, err := body.WriteTo(w); err != nil {
		s.logger.Warn("error writing response", "request_id", requestID, "error", err)
	}
}

// GetFeatures queries vector layers of the configured MapServer, or of the
// one named by the url parameter, and returns them as one GeoJSON collection
func (s *Server) GetFeatures(w http.ResponseWriter, r *http.Request, params api.GetFeaturesParams) {
	requestID := middleware.GetReqID(r.Context())

	bbox, err := tile.ParseBoundingBox(params.Bbox)
	if err != nil {
		s.handleError(w, err, requestID, nil)
		return
	}
	layerList := s.cfg.Features.Layers
	if params.Layers != nil && *params.Layers != "" {
		layerList = *params.Layers
	}
	layers, err := features.ParseLayers(layerList)
	if err != nil {
		s.handleError(w, err, requestID, nil)
		return
	}
	base := s.cfg.Features.URL
	if params.Url != nil && *params.Url != "" {
		if err := s.validate.Var(*params.Url, "url"); err != nil {
			s.handleError(w, &tile.ConfigurationError{Field: "url", Message: "url must be an absolute URL"}, requestID, nil)
			return
		}
		base = *params.Url
	}

	token := ""
	if sameHost(base, s.cfg.Features.URL) {
		token, err = s.cfg.Source.ResolveToken(false)
		if err != nil {
			s.handleError(w, err, requestID, nil)
			return
		}
	}
	client := features.New(base, s.cfg.Source.CRS, token, features.Options{
		Retries:   s.cfg.Fetch.Retries,
		Timeout:   s.cfg.Fetch.TileTimeout,
		UserAgent: s.cfg.Source.UserAgent,
		Headers:   s.cfg.Source.Headers,
		Client:    s.client,
		Logger:    s.logger.With("request_id", requestID),
	})
	fc, err := client.Query(r.Context(), bbox, layers)
	if err != nil {
		s.handleError(w, err, requestID, nil)
		return
	}
	w.Header().Set("X-Request-ID", requestID)
	s.writeJSON(w, http.StatusOK, "application/geo+json", fc)
}

// sameHost reports whether a and b share scheme and host
func sameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return ua.Host != "" && strings.EqualFold(ua.Scheme, ub.Scheme) && strings.EqualFold(ua.Host, ub.Host)
}

// decodeRequest parses, defaults and validates a MosaicRequest. It writes
// the error response itself and reports false on failure.
func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request, requestID string) (*api.MosaicRequest, bool) {
	var req api.MosaicRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, CodeInvalidJSON, "Invalid JSON in request body: "+err.Error(), requestID, nil)
		return nil, false
	}
	if err := defaults.Set(&req); err != nil {
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "Internal server error", requestID, nil)
		return nil, false
	}
	if err := s.validate.Struct(&req); err != nil {
		s.writeValidationError(w, err, requestID)
		return nil, false
	}
	return &req, true
}

// plan resolves the request against the server configuration
func (s *Server) plan(req *api.MosaicRequest) (*planner.Plan, config.SourceConfig, error) {
	src := mergeSource(s.cfg.Source, req.Source)

	res := req.Resolution
	if res == 0 {
		zoom := s.cfg.Grid.Zoom
		if req.Zoom != nil {
			zoom = *req.Zoom
		}
		if s.cfg.Grid.Resolution > 0 && req.Zoom == nil {
			res = s.cfg.Grid.Resolution
		} else {
			r, err := planner.ResolutionForZoom(zoom)
			if err != nil {
				return nil, src, err
			}
			res = r
		}
	}

	preq := planner.Request{
		TileSize:   req.TileSize,
		Resolution: res,
		MaxPixels:  s.cfg.Grid.MaxPixels,
	}
	switch {
	case req.Bbox != nil:
		preq.BBox = &tile.BoundingBox{MinX: req.Bbox.MinX, MinY: req.Bbox.MinY, MaxX: req.Bbox.MaxX, MaxY: req.Bbox.MaxY}
	case req.Center != nil:
		if s.projector == nil {
			return nil, src, &tile.ConfigurationError{Field: "center", Message: "center requests are not supported by this server"}
		}
		x, y, err := s.projector.Forward(req.Center.Lat, req.Center.Lon)
		if err != nil {
			return nil, src, err
		}
		preq.Center = &orb.Point{x, y}
		preq.HalfSize = req.Center.HalfSize
	}
	plan, err := planner.New(preq)
	return plan, src, err
}

// mergeSource overlays the non-empty request fields on the configured source
func mergeSource(base config.SourceConfig, o api.SourceOptions) config.SourceConfig {
	out := base
	if o.Kind != "" {
		out.Kind = string(o.Kind)
	}
	if o.Url != "" {
		out.URL = o.Url
	}
	if o.Layers != "" {
		out.Layers = o.Layers
	}
	if o.Format != "" {
		out.Format = o.Format
	}
	if o.Crs != 0 {
		out.CRS = o.Crs
	}
	if o.Transparent != nil {
		out.Transparent = *o.Transparent
	}
	if o.Bands != 0 {
		out.Bands = o.Bands
	}
	if o.DataType != "" {
		out.DataType = string(o.DataType)
		if o.DataType == api.Float32 {
			out.Bands = 1
		}
	}
	if len(o.Headers) > 0 {
		headers := make(map[string]string, len(base.Headers)+len(o.Headers))
		for k, v := range base.Headers {
			headers[k] = v
		}
		for k, v := range o.Headers {
			if strings.EqualFold(k, "User-Agent") {
				out.UserAgent = v
				continue
			}
			headers[k] = v
		}
		out.Headers = headers
	}
	return out
}

// handleError maps the error taxonomy to HTTP responses
func (s *Server) handleError(w http.ResponseWriter, err error, requestID string, report *stitcher.Report) {
	var cfgErr *tile.ConfigurationError
	var fetchErr *tile.FetchFailure
	var writeErr *tile.WriteFailure
	var queryErr *features.QueryError

	switch {
	case errors.As(err, &cfgErr):
		field := cfgErr.Field
		if field == "" {
			field = "request"
		}
		s.writeJSON(w, http.StatusBadRequest, "application/json", api.ValidationErrorResponse{
			Error:            CodeValidation,
			Message:          cfgErr.Error(),
			RequestId:        requestID,
			ValidationErrors: []api.ValidationError{{Field: field, Message: cfgErr.Message}},
		})
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, CodeTileTimeout, "Tile server requests timed out", requestID, map[string]any{
			"timeout_seconds": int(s.cfg.Server.Timeout.Seconds()),
		})
	case errors.As(err, &queryErr):
		details := map[string]any{"layer": queryErr.Layer, "url": queryErr.URL}
		if queryErr.StatusCode != 0 {
			details["status_code"] = queryErr.StatusCode
		}
		s.writeError(w, http.StatusBadGateway, CodeFeatureServer, queryErr.Error(), requestID, details)
	case errors.As(err, &fetchErr):
		resp := api.TileErrorResponse{
			Error:     CodeTileServer,
			Message:   err.Error(),
			RequestId: requestID,
		}
		seen := make(map[[2]int]bool)
		add := func(spec tile.Spec, cause error) {
			key := [2]int{spec.I, spec.J}
			if seen[key] {
				return
			}
			seen[key] = true
			ft := api.FailedTile{I: spec.I, J: spec.J, Error: cause.Error()}
			var ff *tile.FetchFailure
			if errors.As(cause, &ff) {
				ft.Url = ff.URL
				ft.Attempts = ff.Attempts
				if ff.StatusCode != 0 {
					code := ff.StatusCode
					ft.StatusCode = &code
				}
			}
			resp.FailedTiles = append(resp.FailedTiles, ft)
		}
		add(fetchErr.Spec, fetchErr)
		if report != nil {
			for _, f := range report.Failures {
				add(f.Spec, f.Err)
			}
			resp.SuccessfulTiles = report.Placed
			resp.TotalTiles = report.Tiles
		}
		s.writeJSON(w, http.StatusBadGateway, "application/json", resp)
	case errors.As(err, &writeErr):
		s.logger.Error("encoding mosaic failed", "request_id", requestID, "error", err)
		s.writeError(w, http.StatusInternalServerError, CodeWriteFailed, "Failed to encode mosaic", requestID, nil)
	default:
		s.logger.Error("request failed", "request_id", requestID, "error", err)
		s.writeError(w, http.StatusInternalServerError, CodeInternal, "Internal server error", requestID, nil)
	}
}

// writeValidationError reports validator failures field by field
func (s *Server) writeValidationError(w http.ResponseWriter, err error, requestID string) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		s.writeError(w, http.StatusBadRequest, CodeValidation, err.Error(), requestID, nil)
		return
	}
	resp := api.ValidationErrorResponse{
		Error:     CodeValidation,
		Message:   fmt.Sprintf("%d invalid field(s)", len(verrs)),
		RequestId: requestID,
	}
	for _, fe := range verrs {
		resp.ValidationErrors = append(resp.ValidationErrors, api.ValidationError{
			Field:   strings.TrimPrefix(fe.Namespace(), "MosaicRequest."),
			Message: fmt.Sprintf("failed %q validation", fe.Tag()),
			Code:    fe.Tag(),
		})
	}
	s.writeJSON(w, http.StatusBadRequest, "application/json", resp)
}

// writeError writes a standard error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, code, message, requestID string, details map[string]any) {
	s.writeJSON(w, statusCode, "application/json", api.ErrorResponse{
		Error:     code,
		Message:   message,
		RequestId: requestID,
		Details:   details,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, contentType string, v any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("error encoding response", "error", err)
	}
}
