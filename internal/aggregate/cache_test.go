package aggregate

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "influence/pkg/domain"
)

// memRedis serves the few commands RedisCache issues from a map. Any other
// command panics on the nil embedded interface.
type memRedis struct {
	redis.Cmdable
	mu   sync.Mutex
	data map[string]string
}

func newMemRedis() *memRedis {
	return &memRedis{data: make(map[string]string)}
}

func (m *memRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd := redis.NewStringCmd(ctx, "get", key)
	if v, ok := m.data[key]; ok {
		cmd.SetVal(v)
	} else {
		cmd.SetErr(redis.Nil)
	}
	return cmd
}

func (m *memRedis) Set(ctx context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		m.data[key] = string(v)
	default:
		m.data[key] = fmt.Sprint(v)
	}
	cmd := redis.NewStatusCmd(ctx, "set", key, value)
	cmd.SetVal("OK")
	return cmd
}

func (m *memRedis) Pipelined(_ context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	return nil, fn(&memPipe{m: m})
}

func (m *memRedis) incr(ctx context.Context, key string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, _ := strconv.ParseInt(m.data[key], 10, 64)
	n++
	m.data[key] = strconv.FormatInt(n, 10)
	cmd := redis.NewIntCmd(ctx, "incr", key)
	cmd.SetVal(n)
	return cmd
}

type memPipe struct {
	redis.Pipeliner
	m *memRedis
}

func (p *memPipe) Incr(ctx context.Context, key string) *redis.IntCmd {
	return p.m.incr(ctx, key)
}

func TestRedisCache_WriteAfterInvalidateIsNotServed(t *testing.T) {
	ctx := context.Background()
	c, err := NewRedisCache(newMemRedis())
	require.NoError(t, err)
	company := id.NewCompanyID()
	scope := company.String()

	_, gen, ok, err := c.Get(ctx, scope, "q")
	require.NoError(t, err)
	require.False(t, ok)

	// records change while the view computed from the old ones is in flight
	require.NoError(t, c.Invalidate(ctx, company))
	require.NoError(t, c.Set(ctx, scope, "q", gen, []byte("stale")))

	_, newGen, ok, err := c.Get(ctx, scope, "q")
	require.NoError(t, err)
	assert.False(t, ok, "stale view must not be served")
	assert.Equal(t, gen+1, newGen)

	require.NoError(t, c.Set(ctx, scope, "q", newGen, []byte("fresh")))
	b, _, ok, err := c.Get(ctx, scope, "q")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "fresh", string(b))
}

func TestRedisCache_InvalidateScopes(t *testing.T) {
	ctx := context.Background()
	c, err := NewRedisCache(newMemRedis())
	require.NoError(t, err)
	apple, msft := id.NewCompanyID(), id.NewCompanyID()

	require.NoError(t, c.Set(ctx, apple.String(), "q", 0, []byte("a")))
	require.NoError(t, c.Set(ctx, msft.String(), "q", 0, []byte("m")))
	require.NoError(t, c.Set(ctx, topScope, "q", 0, []byte("t")))

	require.NoError(t, c.Invalidate(ctx, apple))

	_, _, ok, err := c.Get(ctx, apple.String(), "q")
	require.NoError(t, err)
	assert.False(t, ok)
	_, _, ok, err = c.Get(ctx, topScope, "q")
	require.NoError(t, err)
	assert.False(t, ok)
	b, _, ok, err := c.Get(ctx, msft.String(), "q")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "m", string(b))
}
