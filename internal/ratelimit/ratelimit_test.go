package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisLimiter(t *testing.T, cfg Config) (*Redis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	now := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	l := NewRedis(rdb, cfg)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestRedisBucketBlocksAfterBurst(t *testing.T) {
	l, now := newRedisLimiter(t, Config{Burst: 2, PerSecond: 1})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _, err := l.Allow(ctx, "10.0.0.1")
		if err != nil || !ok {
			t.Fatalf("call %d: allowed=%v err=%v", i, ok, err)
		}
	}
	ok, retry, err := l.Allow(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ok {
		t.Fatal("expected third call to be limited")
	}
	if retry <= 0 || retry > time.Second {
		t.Fatalf("unexpected retry after: %v", retry)
	}

	// other keys have their own bucket
	if ok, _, _ := l.Allow(ctx, "10.0.0.2"); !ok {
		t.Fatal("expected independent bucket per key")
	}

	*now = now.Add(1100 * time.Millisecond)
	if ok, _, _ := l.Allow(ctx, "10.0.0.1"); !ok {
		t.Fatal("expected refill after one interval")
	}
}

func TestRedisBucketRefillsAtHighRates(t *testing.T) {
	l, now := newRedisLimiter(t, Config{Burst: 1, PerSecond: 5000})
	ctx := context.Background()

	if got := l.interval(); got != time.Millisecond {
		t.Fatalf("expected interval clamped to 1ms, got %v", got)
	}
	if ok, _, err := l.Allow(ctx, "gate"); err != nil || !ok {
		t.Fatalf("first call: allowed=%v err=%v", ok, err)
	}
	ok, retry, err := l.Allow(ctx, "gate")
	if err != nil || ok {
		t.Fatalf("expected bucket to be empty: allowed=%v err=%v", ok, err)
	}
	if retry != time.Millisecond {
		t.Fatalf("unexpected retry after: %v", retry)
	}

	*now = now.Add(2 * time.Millisecond)
	if ok, _, _ := l.Allow(ctx, "gate"); !ok {
		t.Fatal("expected refill after a few milliseconds")
	}
}

func TestRedisLimiterReportsErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	l := NewRedis(rdb, Config{Burst: 1, PerSecond: 1})
	mr.Close()

	if _, _, err := l.Allow(context.Background(), "k"); err == nil {
		t.Fatal("expected error when redis is unavailable")
	}
}

func TestLocalLimiter(t *testing.T) {
	l := NewLocal(Config{Burst: 1, PerSecond: 1})
	now := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _, _ := l.Allow(ctx, "a"); !ok {
		t.Fatal("expected first call allowed")
	}
	ok, retry, err := l.Allow(ctx, "a")
	if err != nil || ok {
		t.Fatalf("expected limit, got allowed=%v err=%v", ok, err)
	}
	if retry <= 0 {
		t.Fatalf("expected positive retry, got %v", retry)
	}

	now = now.Add(1100 * time.Millisecond)
	if ok, _, _ := l.Allow(ctx, "a"); !ok {
		t.Fatal("expected token after refill")
	}

	if ok, _, _ := l.Allow(ctx, "b"); !ok {
		t.Fatal("expected separate bucket")
	}
	now = now.Add(10 * time.Minute)
	_, _, _ = l.Allow(ctx, "c")
	if got := l.Size(); got != 1 {
		t.Fatalf("expected idle buckets evicted, have %d", got)
	}
}
