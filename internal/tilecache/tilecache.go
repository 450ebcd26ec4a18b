// Package tilecache caches raw tile payloads keyed by request URL.
package tilecache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kiesman99/ggrab/internal/metrics"
)

// Cache stores raw tile payloads
type Cache interface {
	// Get returns ok=false on a miss
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Close()
}

// Options selects and sizes a cache backend
type Options struct {
	Kind       string // none|memory|valkey
	Size       int64
	TTL        time.Duration
	ValkeyAddr string
}

// New builds the cache named by opts.Kind. "none" returns a nil Cache.
func New(opts Options) (Cache, error) {
	switch opts.Kind {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemory(opts.Size, opts.TTL), nil
	case "valkey":
		return NewValkey(opts.ValkeyAddr, opts.TTL)
	}
	return nil, fmt.Errorf("tilecache: unknown kind %q", opts.Kind)
}

// Loader collapses concurrent loads of the same key and consults an
// optional cache before calling the load function. One Loader is shared by
// every fetch of a process.
type Loader struct {
	cache   Cache
	group   singleflight.Group
	timeout time.Duration
	logger  *slog.Logger
}

// NewLoader wraps cache, which may be nil. timeout bounds a shared load;
// zero means no bound.
func NewLoader(cache Cache, timeout time.Duration, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{cache: cache, timeout: timeout, logger: logger}
}

// Load returns the cached value for key or calls load once for all
// concurrent callers asking for the same key. Cache errors are logged and
// treated as misses.
//
// load runs detached from the caller's cancellation and bounded by the
// loader timeout, so a caller that gives up returns ctx.Err() without
// failing the callers still waiting on the same key.
func (l *Loader) Load(ctx context.Context, key string, load func(context.Context) ([]byte, error)) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.cache != nil {
		if v, ok := l.lookup(ctx, key); ok {
			metrics.CacheHits.Inc()
			return v, nil
		}
		metrics.CacheMisses.Inc()
	}

	ch := l.group.DoChan(key, func() (any, error) {
		lctx := context.WithoutCancel(ctx)
		if l.timeout > 0 {
			var cancel context.CancelFunc
			lctx, cancel = context.WithTimeout(lctx, l.timeout)
			defer cancel()
		}
		// a flight that finished between our miss and now has filled the cache
		if l.cache != nil {
			if v, ok := l.lookup(lctx, key); ok {
				return v, nil
			}
		}
		data, err := load(lctx)
		if err != nil {
			return nil, err
		}
		if l.cache != nil {
			if err := l.cache.Set(lctx, key, data); err != nil {
				l.logger.Warn("tile cache write failed", "key", key, "error", err)
			}
		}
		return data, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

func (l *Loader) lookup(ctx context.Context, key string) ([]byte, bool) {
	v, ok, err := l.cache.Get(ctx, key)
	if err != nil {
		l.logger.Warn("tile cache read failed", "key", key, "error", err)
		return nil, false
	}
	return v, ok
}
