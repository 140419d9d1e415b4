package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter decides whether one more request for key may proceed.
// When it refuses, retryAfter says how long the caller should wait.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// Config describes a token bucket: Burst requests at once, refilled at PerSecond.
type Config struct {
	Burst     int
	PerSecond float64
	Prefix    string
}

func (c Config) normalized() Config {
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.PerSecond <= 0 {
		c.PerSecond = 1
	}
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = "qrattend:rl"
	}
	return c
}

// --- Redis ---

// Bucket state lives in a hash so every API replica shares the same limit.
var bucketScript = redis.NewScript(`
	local key = KEYS[1]
	local now_ms = tonumber(ARGV[1])
	local capacity = tonumber(ARGV[2])
	local interval_ms = tonumber(ARGV[3])
	local ttl_seconds = tonumber(ARGV[4])

	local state = redis.call('HMGET', key, 'tokens', 'last_refill_ms')
	local tokens = tonumber(state[1])
	local last_refill = tonumber(state[2])

	if tokens == nil or last_refill == nil then
		tokens = capacity
		last_refill = now_ms
	end

	if interval_ms > 0 then
		local elapsed = math.max(0, now_ms - last_refill)
		local intervals = math.floor(elapsed / interval_ms)
		if intervals > 0 then
			tokens = math.min(capacity, tokens + intervals)
			last_refill = last_refill + (intervals * interval_ms)
		end
	end

	local allowed = 0
	local retry_after_ms = 0
	if tokens > 0 then
		allowed = 1
		tokens = tokens - 1
	else
		retry_after_ms = interval_ms - (now_ms - last_refill)
		if retry_after_ms < 0 then retry_after_ms = 0 end
	end

	redis.call('HSET', key, 'tokens', tokens, 'last_refill_ms', last_refill)
	redis.call('EXPIRE', key, ttl_seconds)

	return { allowed, tokens, retry_after_ms }
`)

// Redis is a distributed token bucket evaluated atomically inside Redis.
type Redis struct {
	rdb redis.Scripter
	cfg Config
	now func() time.Time
}

// NewRedis builds a Redis-backed limiter.
func NewRedis(rdb redis.Scripter, cfg Config) *Redis {
	return &Redis{rdb: rdb, cfg: cfg.normalized(), now: time.Now}
}

// interval is the refill period per token. The script counts whole
// milliseconds, so rates above 1000/s refill at 1000/s.
func (l *Redis) interval() time.Duration {
	d := time.Duration(float64(time.Second) / l.cfg.PerSecond)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

func (l *Redis) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	interval := l.interval()
	// keep idle buckets around until they would be full again
	ttl := int64(math.Ceil((interval * time.Duration(l.cfg.Burst)).Seconds()))
	if ttl < 1 {
		ttl = 1
	}
	args := []any{
		l.now().UnixMilli(),
		l.cfg.Burst,
		interval.Milliseconds(),
		ttl,
	}
	vals, err := bucketScript.Run(ctx, l.rdb, []string{l.cfg.Prefix + ":" + key}, args...).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: redis: %w", err)
	}
	arr, ok := vals.([]any)
	if !ok || len(arr) != 3 {
		return false, 0, fmt.Errorf("ratelimit: unexpected script result %#v", vals)
	}
	allowed := asInt64(arr[0]) == 1
	retry := time.Duration(asInt64(arr[2])) * time.Millisecond
	return allowed, retry, nil
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// --- in-process ---

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// Local keeps one x/time/rate limiter per key. Idle keys are evicted lazily.
type Local struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[string]*bucket
	idle    time.Duration
	now     func() time.Time
	sweep   time.Time
}

// NewLocal builds an in-process limiter for single-replica deployments and tests.
func NewLocal(cfg Config) *Local {
	return &Local{
		cfg:     cfg.normalized(),
		buckets: make(map[string]*bucket),
		idle:    5 * time.Minute,
		now:     time.Now,
	}
}

func (l *Local) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.sweep) > time.Minute {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > l.idle {
				delete(l.buckets, k)
			}
		}
		l.sweep = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(l.cfg.PerSecond), l.cfg.Burst)}
		l.buckets[key] = b
	}
	b.seen = now

	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second, nil
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d, nil
	}
	return true, 0, nil
}

// Size reports how many keys are tracked.
func (l *Local) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
