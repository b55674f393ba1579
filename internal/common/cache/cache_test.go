package cache_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"judgeflow/internal/common/cache"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewRedisCacheWithClient(client), mr
}

func intCodec() (func(int) bool, func(int) string, func(string) (int, error)) {
	return func(v int) bool { return v == 0 },
		func(v int) string { return strconv.Itoa(v) },
		func(s string) (int, error) { return strconv.Atoi(s) }
}

func TestGetWithCached_ReadThroughAndNullValue(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	isEmpty, marshal, unmarshal := intCodec()

	calls := 0
	fetch := func(context.Context) (int, error) {
		calls++
		return 7, nil
	}
	for i := 0; i < 3; i++ {
		got, err := cache.GetWithCached(ctx, c, "k", time.Minute, time.Second, isEmpty, marshal, unmarshal, fetch)
		if err != nil || got != 7 {
			t.Fatalf("got %d, %v", got, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected 1 fetch, got %d", calls)
	}

	emptyCalls := 0
	emptyFetch := func(context.Context) (int, error) {
		emptyCalls++
		return 0, nil
	}
	_, _ = cache.GetWithCached(ctx, c, "missing", time.Minute, time.Second, isEmpty, marshal, unmarshal, emptyFetch)
	_, _ = cache.GetWithCached(ctx, c, "missing", time.Minute, time.Second, isEmpty, marshal, unmarshal, emptyFetch)
	if emptyCalls != 1 {
		t.Fatalf("expected null value to be cached, got %d fetches", emptyCalls)
	}
	if v, _ := mr.Get("missing"); v != cache.NullCacheValue {
		t.Fatalf("expected null sentinel, got %q", v)
	}
}

func TestGetVersioned_InvalidateForcesRefetch(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	isEmpty, marshal, unmarshal := intCodec()

	value := 1
	fetch := func(context.Context) (int, error) { return value, nil }

	got, _ := cache.GetVersioned(ctx, c, "subs:user:1", time.Minute, time.Second, isEmpty, marshal, unmarshal, fetch)
	if got != 1 {
		t.Fatalf("got %d", got)
	}

	value = 2
	got, _ = cache.GetVersioned(ctx, c, "subs:user:1", time.Minute, time.Second, isEmpty, marshal, unmarshal, fetch)
	if got != 1 {
		t.Fatalf("expected cached 1 before invalidation, got %d", got)
	}

	if err := cache.Invalidate(ctx, c, "subs:user:1"); err != nil {
		t.Fatalf("Invalidate() = %v", err)
	}
	got, _ = cache.GetVersioned(ctx, c, "subs:user:1", time.Minute, time.Second, isEmpty, marshal, unmarshal, fetch)
	if got != 2 {
		t.Fatalf("expected fresh 2 after invalidation, got %d", got)
	}
}

func TestGetVersioned_SlowReaderCannotResurrectStaleData(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	isEmpty, marshal, unmarshal := intCodec()
	base := "subs:problem:9"

	// The slow reader snapshots the old row, then a writer commits and
	// invalidates before the reader stores its result.
	staleFetch := func(ctx context.Context) (int, error) {
		if err := cache.Invalidate(ctx, c, base); err != nil {
			t.Fatalf("Invalidate() = %v", err)
		}
		return 1, nil
	}
	if got, _ := cache.GetVersioned(ctx, c, base, time.Minute, time.Second, isEmpty, marshal, unmarshal, staleFetch); got != 1 {
		t.Fatalf("got %d", got)
	}

	fresh := func(context.Context) (int, error) { return 2, nil }
	if got, _ := cache.GetVersioned(ctx, c, base, time.Minute, time.Second, isEmpty, marshal, unmarshal, fresh); got != 2 {
		t.Fatalf("expected post-invalidation read to refetch, got %d", got)
	}
}

func TestInvalidate_Idempotent(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cache.Invalidate(ctx, c, "a", "b"); err != nil {
			t.Fatalf("Invalidate() = %v", err)
		}
	}
	gen, err := cache.Generation(ctx, c, "a")
	if err != nil || gen != 3 {
		t.Fatalf("gen=%d err=%v", gen, err)
	}
}

func TestInvalidate_GenerationCounterExpires(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	if err := cache.Invalidate(ctx, c, "submission:42"); err != nil {
		t.Fatalf("Invalidate() = %v", err)
	}
	if ttl := mr.TTL("submission:42:gen"); ttl <= 0 || ttl > cache.GenerationTTL {
		t.Fatalf("generation ttl = %v", ttl)
	}

	mr.FastForward(cache.GenerationTTL + time.Second)
	if mr.Exists("submission:42:gen") {
		t.Fatal("expected generation counter to expire")
	}
	gen, err := cache.Generation(ctx, c, "submission:42")
	if err != nil || gen != 0 {
		t.Fatalf("gen=%d err=%v", gen, err)
	}
}

func TestJitterTTL(t *testing.T) {
	ttl := 10 * time.Minute
	for i := 0; i < 20; i++ {
		got := cache.JitterTTL(ttl)
		if got > ttl || got < ttl-ttl/10 {
			t.Fatalf("JitterTTL(%v) = %v out of range", ttl, got)
		}
	}
	if cache.JitterTTL(0) != 0 {
		t.Fatal("zero ttl should be preserved")
	}
}
