package cache

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"time"
)

// NullCacheValue is a sentinel value to represent null/empty data in cache
// This prevents cache penetration by caching the absence of data
const NullCacheValue = "$NULL$"

// GenerationTTL bounds the life of a generation counter. It outlives every
// versioned entry, so a counter that expires only orphans entries that are
// already gone.
const GenerationTTL = 24 * time.Hour

// GetWithCached implements cache-aside with null value caching.
// On a miss it calls fn and stores the result; empty results are stored as
// NullCacheValue with emptyTTL. Cache failures degrade to a direct fetch.
func GetWithCached[T any](
	ctx context.Context,
	cache Cache,
	key string,
	ttl time.Duration,
	emptyTTL time.Duration,
	isEmpty func(T) bool,
	marshal func(T) string,
	unmarshal func(string) (T, error),
	fn func(context.Context) (T, error),
) (T, error) {
	var zero T

	if cached, err := cache.Get(ctx, key); err == nil && cached != "" {
		if cached == NullCacheValue {
			return zero, nil
		}
		if result, err := unmarshal(cached); err == nil {
			return result, nil
		}
	}

	data, err := fn(ctx)
	if err != nil {
		return zero, err
	}

	if isEmpty(data) {
		_ = cache.Set(ctx, key, NullCacheValue, emptyTTL)
		return zero, nil
	}

	_ = cache.Set(ctx, key, marshal(data), ttl)
	return data, nil
}

// generationKey holds the counter that versions every entry under base.
func generationKey(base string) string {
	return base + ":gen"
}

// Generation returns the current generation for base, 0 if never invalidated.
func Generation(ctx context.Context, cache Cache, base string) (int64, error) {
	raw, err := cache.Get(ctx, generationKey(base))
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

// VersionedKey is the concrete storage key for base at generation gen.
func VersionedKey(base string, gen int64) string {
	return fmt.Sprintf("%s:v%d", base, gen)
}

// GetVersioned is GetWithCached keyed by the current generation of base.
// A fetch that started before Invalidate stores its result under the old
// generation, so readers never observe data older than the last invalidation.
func GetVersioned[T any](
	ctx context.Context,
	cache Cache,
	base string,
	ttl time.Duration,
	emptyTTL time.Duration,
	isEmpty func(T) bool,
	marshal func(T) string,
	unmarshal func(string) (T, error),
	fn func(context.Context) (T, error),
) (T, error) {
	gen, err := Generation(ctx, cache, base)
	if err != nil {
		return fn(ctx)
	}
	return GetWithCached(ctx, cache, VersionedKey(base, gen), ttl, emptyTTL, isEmpty, marshal, unmarshal, fn)
}

// Invalidate bumps the generation of every base and drops the entries that
// were current before the bump. The counter is refreshed to GenerationTTL on
// every bump. Safe to call repeatedly.
func Invalidate(ctx context.Context, cache Cache, bases ...string) error {
	var firstErr error
	for _, base := range bases {
		key := generationKey(base)
		gen, err := cache.Incr(ctx, key)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("invalidate %s: %w", base, err)
			}
			continue
		}
		if err := cache.Expire(ctx, key, GenerationTTL); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("expire generation %s: %w", base, err)
		}
		_ = cache.Del(ctx, VersionedKey(base, gen-1))
	}
	return firstErr
}

// JitterTTL shortens ttl by up to 10% so entries written together expire apart.
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
