// Package fetcher downloads and decodes single map tiles with bounded
// retries, per-attempt timeouts and an optional rate limit.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/kiesman99/ggrab/internal/georaster"
	"github.com/kiesman99/ggrab/internal/metrics"
	"github.com/kiesman99/ggrab/internal/tilecache"
	"github.com/kiesman99/ggrab/pkg/tile"
)

// ErrMalformedPayload marks responses that could not be decoded into a tile
var ErrMalformedPayload = errors.New("malformed payload")

// maximum payload accepted for one tile
const maxPayload = 64 << 20

// Options tunes a Fetcher
type Options struct {
	Bands          int // 1 or 4
	DataType       tile.DataType
	Retries        int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	TileTimeout    time.Duration
	RateLimit      float64 // requests per second, 0 = unlimited
	UserAgent      string
	Headers        map[string]string

	Client *http.Client
	// Loader is shared between fetchers; nil gives the fetcher its own
	// uncached loader
	Loader *tilecache.Loader
	Logger *slog.Logger
}

// Fetcher downloads tiles from one Source
type Fetcher struct {
	source  Source
	opts    Options
	client  *http.Client
	limiter *rate.Limiter
	loader  *tilecache.Loader
	logger  *slog.Logger
}

// New creates a fetcher for source
func New(source Source, opts Options) *Fetcher {
	if opts.Bands != 1 {
		opts.Bands = 4
	}
	if opts.DataType == tile.Float32 {
		opts.Bands = 1
	}
	if opts.TileTimeout <= 0 {
		opts.TileTimeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "ggrab/1.0"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	loader := opts.Loader
	if loader == nil {
		loader = tilecache.NewLoader(nil, LoadTimeout(opts.Retries, opts.TileTimeout, opts.MaxBackoff), logger)
	}
	return &Fetcher{
		source:  source,
		opts:    opts,
		client:  client,
		limiter: limiter,
		loader:  loader,
		logger:  logger.With("source", source.Name()),
	}
}

// NewHTTPClient returns a client whose connection pool matches the worker count
func NewHTTPClient(workers int) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxConnsPerHost = workers
	transport.MaxIdleConnsPerHost = workers
	return &http.Client{Transport: transport}
}

// LoadTimeout bounds one shared tile load: every attempt at its timeout
// plus the longest wait between attempts
func LoadTimeout(retries int, tileTimeout, maxBackoff time.Duration) time.Duration {
	if tileTimeout <= 0 {
		tileTimeout = 30 * time.Second
	}
	if maxBackoff <= 0 {
		maxBackoff = backoff.DefaultMaxInterval
	}
	n := time.Duration(max(retries, 0))
	return (n+1)*tileTimeout + n*maxBackoff
}

// downloadError carries the attempt count and last status of a failed load
type downloadError struct {
	attempts int
	status   int
	err      error
}

func (e *downloadError) Error() string { return e.err.Error() }
func (e *downloadError) Unwrap() error { return e.err }

// statusError is a non-200 response
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return http.StatusText(e.code)
	}
	return fmt.Sprintf("%s: %s", http.StatusText(e.code), e.body)
}

// Fetch downloads and decodes one tile. Every failure is a
// *tile.FetchFailure carrying spec.
func (f *Fetcher) Fetch(ctx context.Context, spec tile.Spec) (*tile.Image, error) {
	start := time.Now()
	name := f.source.Name()
	defer func() {
		metrics.FetchDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	img, err := f.fetch(ctx, spec)
	if err != nil {
		metrics.FetchRequests.WithLabelValues(name, "error").Inc()
		f.logger.Debug("tile failed", "tile", spec.String(), "error", err)
		return nil, err
	}
	metrics.FetchRequests.WithLabelValues(name, "ok").Inc()
	f.logger.Debug("tile fetched", "tile", spec.String(), "duration", time.Since(start))
	return img, nil
}

func (f *Fetcher) fetch(ctx context.Context, spec tile.Spec) (*tile.Image, error) {
	u, err := f.source.URL(spec)
	if err != nil {
		return nil, &tile.FetchFailure{Spec: spec, Err: err}
	}

	// URLs may carry a token; only the redacted form is logged, reported or
	// used as a cache key
	safe := tile.RedactURL(u)

	// img is written by the load only when this call leads the flight and
	// read only after the loader has returned its result
	var img *tile.Image
	data, err := f.loader.Load(ctx, safe, func(ctx context.Context) ([]byte, error) {
		data, attempts, status, err := f.download(ctx, u, safe)
		if err != nil {
			return nil, &downloadError{attempts: attempts, status: status, err: err}
		}
		// decode before caching so malformed payloads are never stored
		img, err = f.decode(data, spec)
		if err != nil {
			return nil, &downloadError{attempts: attempts, status: status, err: err}
		}
		return data, nil
	})
	if err != nil {
		fail := &tile.FetchFailure{Spec: spec, URL: safe, Err: err}
		var de *downloadError
		if errors.As(err, &de) {
			fail.Attempts, fail.StatusCode, fail.Err = de.attempts, de.status, de.err
		}
		return nil, fail
	}
	if img == nil {
		if img, err = f.decode(data, spec); err != nil {
			return nil, &tile.FetchFailure{Spec: spec, URL: safe, Err: err}
		}
	}
	return img, nil
}

// download performs the GET with retries. 4xx responses are not retried
// except 429.
func (f *Fetcher) download(ctx context.Context, u, safe string) (data []byte, attempts, status int, err error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.opts.InitialBackoff
	if f.opts.MaxBackoff > 0 {
		b.MaxInterval = f.opts.MaxBackoff
	}
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(f.opts.Retries, 0))), ctx)

	op := func() ([]byte, error) {
		attempts++
		if attempts > 1 {
			metrics.FetchRetries.Inc()
		}
		data, code, err := f.get(ctx, u)
		status = code
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	notify := func(err error, wait time.Duration) {
		f.logger.Debug("retrying tile", "url", safe, "attempt", attempts, "wait", wait, "error", err)
	}
	data, err = backoff.RetryNotifyWithData(op, policy, notify)
	return data, attempts, status, err
}

// get performs a single attempt under the per-tile timeout
func (f *Fetcher) get(ctx context.Context, u string) ([]byte, int, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, 0, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, f.opts.TileTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	for key, value := range f.opts.Headers {
		req.Header.Set(key, value)
	}

	resp, err := f.client.Do(req)
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
		return nil, resp.StatusCode, &statusError{code: resp.StatusCode, body: string(snippet)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPayload+1))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if len(data) > maxPayload {
		return nil, resp.StatusCode, backoff.Permanent(fmt.Errorf("%w: payload exceeds %d bytes", ErrMalformedPayload, maxPayload))
	}
	return data, resp.StatusCode, nil
}

// decode checks the payload is an image of exactly the requested size
func (f *Fetcher) decode(data []byte, spec tile.Spec) (*tile.Image, error) {
	var (
		img *tile.Image
		err error
	)
	if f.opts.DataType == tile.Float32 {
		img, err = georaster.DecodeFloat32(data)
	} else {
		img, err = tile.Decode(data, f.opts.Bands)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v%s", ErrMalformedPayload, err, payloadHint(data))
	}
	if img.Width != spec.TileSize || img.Height != spec.TileSize {
		return nil, fmt.Errorf("%w: got %dx%d, expected %dx%d", ErrMalformedPayload, img.Width, img.Height, spec.TileSize, spec.TileSize)
	}
	return img, nil
}

// payloadHint quotes the start of text payloads, which map services use
// for error documents
func payloadHint(data []byte) string {
	n := min(len(data), 120)
	for _, c := range data[:n] {
		if c < 0x09 || (c > 0x0d && c < 0x20) || c > 0x7e {
			return ""
		}
	}
	if n == 0 {
		return " (empty body)"
	}
	return fmt.Sprintf(" (body starts %q)", data[:n])
}
