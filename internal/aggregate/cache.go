package aggregate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	id "influence/pkg/domain"
)

// Cache stores computed views per scope. A scope is a company ID, or the
// cross-company ranking. Invalidate drops every entry of the given
// companies and of the ranking.
//
// Get reports the generation it read under, hit or miss. A value computed
// after a miss is written back with Set under that generation, so an
// Invalidate in between makes the write unreachable instead of serving it.
type Cache interface {
	Get(ctx context.Context, scope, key string) (value []byte, gen int64, hit bool, err error)
	Set(ctx context.Context, scope, key string, gen int64, value []byte) error
	Invalidate(ctx context.Context, companyIDs ...id.CompanyID) error
}

// DefaultCacheTTL bounds how long an entry outlives its last read.
const DefaultCacheTTL = 10 * time.Minute

// RedisCache keeps one generation counter per scope. Entries are written
// under the current generation, so bumping the counter orphans them until
// their TTL expires.
type RedisCache struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

var _ Cache = (*RedisCache)(nil)

// RedisCacheOption configures the RedisCache.
type RedisCacheOption func(*RedisCache)

// WithPrefix namespaces the keys.
func WithPrefix(prefix string) RedisCacheOption {
	return func(c *RedisCache) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithTTL sets the entry lifetime.
func WithTTL(ttl time.Duration) RedisCacheOption {
	return func(c *RedisCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// NewRedisCache creates a Redis-backed cache.
func NewRedisCache(client redis.Cmdable, opts ...RedisCacheOption) (*RedisCache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	c := &RedisCache{client: client, prefix: "influence:agg", ttl: DefaultCacheTTL}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *RedisCache) genKey(scope string) string {
	return c.prefix + ":gen:" + scope
}

func (c *RedisCache) entryKey(scope string, gen int64, key string) string {
	sum := sha256.Sum256([]byte(key))
	return c.prefix + ":" + scope + ":" + strconv.FormatInt(gen, 10) + ":" + hex.EncodeToString(sum[:16])
}

func (c *RedisCache) generation(ctx context.Context, scope string) (int64, error) {
	gen, err := c.client.Get(ctx, c.genKey(scope)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (c *RedisCache) Get(ctx context.Context, scope, key string) ([]byte, int64, bool, error) {
	gen, err := c.generation(ctx, scope)
	if err != nil {
		return nil, 0, false, fmt.Errorf("read cache generation: %w", err)
	}
	b, err := c.client.Get(ctx, c.entryKey(scope, gen, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, gen, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("read cache entry: %w", err)
	}
	return b, gen, true, nil
}

// Set writes under gen, the generation a preceding Get returned. It never
// rereads the counter.
func (c *RedisCache) Set(ctx context.Context, scope, key string, gen int64, value []byte) error {
	if err := c.client.Set(ctx, c.entryKey(scope, gen, key), value, c.ttl).Err(); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

// Invalidate bumps the generation of every company given and of the ranking.
func (c *RedisCache) Invalidate(ctx context.Context, companyIDs ...id.CompanyID) error {
	_, err := c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, companyID := range companyIDs {
			p.Incr(ctx, c.genKey(companyID.String()))
		}
		p.Incr(ctx, c.genKey(topScope))
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate cache: %w", err)
	}
	return nil
}
