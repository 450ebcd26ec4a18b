package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fetch metrics
	FetchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ggrab",
		Subsystem: "fetch",
		Name:      "requests_total",
		Help:      "Tile requests by source and outcome",
	}, []string{"source", "outcome"})

	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ggrab",
		Subsystem: "fetch",
		Name:      "duration_seconds",
		Help:      "Tile request latency in seconds, including retries",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"source"})

	FetchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ggrab",
		Subsystem: "fetch",
		Name:      "retries_total",
		Help:      "Tile request attempts beyond the first",
	})

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ggrab",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Tile payload cache hits",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ggrab",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Tile payload cache misses",
	})

	Runs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ggrab",
		Name:      "runs_total",
		Help:      "Mosaic runs by terminal state",
	}, []string{"state"})

	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ggrab",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests processed",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ggrab",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	}, []string{"method", "route"})
)

// Middleware records request metrics labelled by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the Prometheus /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
