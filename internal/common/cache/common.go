package cache

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"codegrader/internal/common/metrics"
)

// NullCacheValue marks a cached miss so repeated lookups for absent rows skip the database.
const NullCacheValue = "$NULL$"

// Codec converts a cached value to and from its string form.
type Codec[T any] struct {
	IsEmpty   func(T) bool
	Marshal   func(T) (string, error)
	Unmarshal func(string) (T, error)
}

// GetWithCached implements cache-aside with null value caching.
// Cache failures degrade to a direct fetch; only fetch errors are returned.
//
// Example:
//
//	practice, err := GetWithCached(ctx, c, "practice:7", time.Hour, time.Minute, practiceCodec,
//		func(ctx context.Context) (*Practice, error) {
//			return repo.loadPractice(ctx, 7)
//		})
func GetWithCached[T any](
	ctx context.Context,
	c Cache,
	key string,
	ttl time.Duration,
	emptyTTL time.Duration,
	codec Codec[T],
	fetch func(context.Context) (T, error),
) (T, error) {
	var zero T

	if c != nil {
		if cached, err := c.Get(ctx, key); err == nil && cached != "" {
			if cached == NullCacheValue {
				metrics.CacheResults.WithLabelValues("hit_null").Inc()
				return zero, nil
			}
			if result, err := codec.Unmarshal(cached); err == nil {
				metrics.CacheResults.WithLabelValues("hit").Inc()
				return result, nil
			}
		}
	}
	metrics.CacheResults.WithLabelValues("miss").Inc()

	data, err := fetch(ctx)
	if err != nil {
		return zero, err
	}
	if c == nil {
		return data, nil
	}

	if codec.IsEmpty(data) {
		if emptyTTL > 0 {
			_ = c.Set(ctx, key, NullCacheValue, emptyTTL)
		}
		return data, nil
	}

	if encoded, err := codec.Marshal(data); err == nil {
		_ = c.Set(ctx, key, encoded, JitterTTL(ttl))
	}
	return data, nil
}

// JitterTTL shortens ttl by up to 10% so keys written together do not expire together.
func JitterTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttl
	}
	maxJitter := int64(ttl / 10)
	if maxJitter <= 0 {
		return ttl
	}
	n, err := rand.Int(rand.Reader, big.NewInt(maxJitter+1))
	if err != nil {
		return ttl
	}
	return ttl - time.Duration(n.Int64())
}
