package tilecache

import (
	"context"
	"time"

	"github.com/karlseguin/ccache/v3"
)

// Memory is an in-process LRU cache
type Memory struct {
	cache *ccache.Cache[[]byte]
	ttl   time.Duration
}

// NewMemory holds at most size payloads for ttl each
func NewMemory(size int64, ttl time.Duration) *Memory {
	if size <= 0 {
		size = 1024
	}
	prune := uint32(max(size/10, 1))
	return &Memory{
		cache: ccache.New(ccache.Configure[[]byte]().MaxSize(size).ItemsToPrune(prune)),
		ttl:   ttl,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	item := m.cache.Get(key)
	if item == nil || item.Expired() {
		return nil, false, nil
	}
	return item.Value(), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.cache.Set(key, value, m.ttl)
	return nil
}

func (m *Memory) Close() {
	m.cache.Stop()
}
