package testutil

import (
	"testing"

	"codegrader/internal/common/cache"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// NewRedisCache starts a miniredis server for the test and returns a cache bound to it.
func NewRedisCache(t testing.TB) (*miniredis.Miniredis, *cache.RedisCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("create redis cache failed: %v", err)
	}
	return mr, c
}
