package tilecache

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

// Valkey shares payloads between ggrab processes through a Valkey
// (Redis-compatible) server.
type Valkey struct {
	client valkey.Client
	ttl    time.Duration
}

// NewValkey connects to addr
func NewValkey(addr string, ttl time.Duration) (*Valkey, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{addr},
	})
	if err != nil {
		return nil, fmt.Errorf("valkey connect: %w", err)
	}
	return NewValkeyClient(client, ttl), nil
}

// NewValkeyClient wraps an existing client
func NewValkeyClient(client valkey.Client, ttl time.Duration) *Valkey {
	return &Valkey{client: client, ttl: ttl}
}

func (c *Valkey) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.client.Do(ctx, c.client.B().Get().Key(cacheKey(key)).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (c *Valkey) Set(ctx context.Context, key string, value []byte) error {
	set := c.client.B().Set().Key(cacheKey(key)).Value(valkey.BinaryString(value))
	if c.ttl <= 0 {
		return c.client.Do(ctx, set.Build()).Error()
	}
	return c.client.Do(ctx, set.Ex(c.ttl).Build()).Error()
}

func (c *Valkey) Close() {
	c.client.Close()
}

func cacheKey(key string) string {
	return "ggrab:tile:" + key
}
