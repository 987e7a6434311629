//go:build integration

package aggregate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	id "influence/pkg/domain"
	"influence/pkg/testutil/containers"
)

type RedisCacheSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	cache *RedisCache
}

func TestRedisCacheSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisCacheSuite))
}

func (s *RedisCacheSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	c, err := NewRedisCache(s.redis.Client)
	s.Require().NoError(err)
	s.cache = c
}

func (s *RedisCacheSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisCacheSuite) TestRoundTripAndInvalidate() {
	ctx := context.Background()
	apple := id.NewCompanyID()
	msft := id.NewCompanyID()

	s.Require().NoError(s.cache.Set(ctx, apple.String(), "q", 0, []byte("a")))
	s.Require().NoError(s.cache.Set(ctx, msft.String(), "q", 0, []byte("m")))
	s.Require().NoError(s.cache.Set(ctx, topScope, "q", 0, []byte("t")))

	b, _, ok, err := s.cache.Get(ctx, apple.String(), "q")
	s.Require().NoError(err)
	s.True(ok)
	s.Equal("a", string(b))

	s.Require().NoError(s.cache.Invalidate(ctx, apple))

	_, _, ok, err = s.cache.Get(ctx, apple.String(), "q")
	s.Require().NoError(err)
	s.False(ok, "company entry invalidated")

	_, _, ok, err = s.cache.Get(ctx, topScope, "q")
	s.Require().NoError(err)
	s.False(ok, "ranking invalidated with any company")

	b, _, ok, err = s.cache.Get(ctx, msft.String(), "q")
	s.Require().NoError(err)
	s.True(ok, "other companies untouched")
	s.Equal("m", string(b))
}

func (s *RedisCacheSuite) TestSetAfterInvalidateStaysUnreachable() {
	ctx := context.Background()
	apple := id.NewCompanyID()

	_, gen, ok, err := s.cache.Get(ctx, apple.String(), "q")
	s.Require().NoError(err)
	s.Require().False(ok)

	s.Require().NoError(s.cache.Invalidate(ctx, apple))
	s.Require().NoError(s.cache.Set(ctx, apple.String(), "q", gen, []byte("stale")))

	_, _, ok, err = s.cache.Get(ctx, apple.String(), "q")
	s.Require().NoError(err)
	s.False(ok)
}
