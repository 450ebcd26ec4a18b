package tilecache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetSet(t *testing.T) {
	m := NewMemory(16, time.Minute)
	defer m.Close()
	ctx := context.Background()

	_, ok, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "a", []byte("payload")))
	v, ok, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("payload"), v)
}

func TestMemoryExpiry(t *testing.T) {
	m := NewMemory(16, time.Millisecond)
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", []byte("x")))
	time.Sleep(5 * time.Millisecond)
	_, ok, _ := m.Get(ctx, "a")
	assert.False(t, ok)
}

func TestNewKinds(t *testing.T) {
	c, err := New(Options{Kind: "none"})
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = New(Options{Kind: "memory", Size: 4, TTL: time.Minute})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, c)
	c.Close()

	_, err = New(Options{Kind: "disk"})
	assert.Error(t, err)
}

func TestLoaderUsesCache(t *testing.T) {
	m := NewMemory(16, time.Minute)
	defer m.Close()
	l := NewLoader(m, time.Minute, nil)

	var calls atomic.Int32
	load := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("tile"), nil
	}

	for i := 0; i < 3; i++ {
		v, err := l.Load(context.Background(), "k", load)
		require.NoError(t, err)
		assert.Equal(t, []byte("tile"), v)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestLoaderCollapsesConcurrentLoads(t *testing.T) {
	l := NewLoader(nil, time.Minute, nil)

	release := make(chan struct{})
	var calls atomic.Int32
	load := func(context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("tile"), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := l.Load(context.Background(), "k", load)
			assert.NoError(t, err)
			assert.Equal(t, []byte("tile"), v)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.LessOrEqual(t, calls.Load(), int32(2))
}

func TestLoaderDoesNotCacheErrors(t *testing.T) {
	m := NewMemory(16, time.Minute)
	defer m.Close()
	l := NewLoader(m, time.Minute, nil)
	boom := errors.New("boom")

	_, err := l.Load(context.Background(), "k", func(context.Context) ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	_, ok, _ := m.Get(context.Background(), "k")
	assert.False(t, ok)
}

func TestLoaderCancelledCallerDoesNotFailOthers(t *testing.T) {
	l := NewLoader(nil, time.Minute, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	load := func(ctx context.Context) ([]byte, error) {
		close(started)
		select {
		case <-release:
			return []byte("tile"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := l.Load(ctx, "k", load)
		first <- err
	}()
	<-started

	second := make(chan []byte, 1)
	go func() {
		v, err := l.Load(context.Background(), "k", load)
		assert.NoError(t, err)
		second <- v
	}()

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	close(release)
	assert.Equal(t, []byte("tile"), <-second)
}

func TestLoaderTimeoutBoundsSharedLoad(t *testing.T) {
	l := NewLoader(nil, 10*time.Millisecond, nil)

	_, err := l.Load(context.Background(), "k", func(ctx context.Context) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
