package protection

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// SharedCache mirrors honeypot verdicts across engine instances.
type SharedCache interface {
	Get(ctx context.Context, mint string) (*HoneypotResult, bool, error)
	Set(ctx context.Context, mint string, r HoneypotResult) error
}

// RedisCache stores verdicts as JSON under prefix+"honeypot:"+mint.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to addr. Verdicts expire after ttl (0 keeps them forever).
func NewRedisCache(addr, password string, db int, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		prefix: prefix,
		ttl:    ttl,
	}
}

func (c *RedisCache) key(mint string) string {
	return c.prefix + "honeypot:" + mint
}

func (c *RedisCache) Get(ctx context.Context, mint string) (*HoneypotResult, bool, error) {
	data, err := c.client.Get(ctx, c.key(mint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var r HoneypotResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, false, err
	}
	return &r, true, nil
}

func (c *RedisCache) Set(ctx context.Context, mint string, r HoneypotResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(mint), data, c.ttl).Err()
}

// Ping checks connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
