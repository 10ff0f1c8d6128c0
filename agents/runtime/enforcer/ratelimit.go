package enforcer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/redis/go-redis/v9"
)

// localLimiter is a process-local token bucket per key, with monotonic
// refill handled by golang.org/x/time/rate; entries are created lazily and
// never evicted since the key space (users/sessions) is expected to be
// small relative to process lifetime.
type localLimiter struct {
	mu  sync.Mutex
	rps float64
	buckets map[string]*rate.Limiter
}

func newLocalLimiter(rps float64) *localLimiter {
	if rps <= 0 {
		rps = 1
	}
	return &localLimiter{rps: rps, buckets: make(map[string]*rate.Limiter)}
}

func (l *localLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		burst := int(l.rps)
		if burst < 1 {
			burst = 1
		}
		b = rate.NewLimiter(rate.Limit(l.rps), burst)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.Allow(), nil
}

// distributedLimiter implements a fixed-window counter against Redis:
// INCR the per-window key, set its TTL on first increment, and compare
// against the configured RPS. This resolves the "token bucket vs fixed
// window" open question in favor of fixed window, since INCR followed by
// EXPIRE needs no Lua script or CAS retry loop. The two commands are
// separate round-trips, not one atomic step.
type distributedLimiter struct {
	client *redis.Client
	prefix string
	rps    float64
	window time.Duration
}

// NewDistributedLimiter builds a Redis fixed-window rate limiter. window
// defaults to 1 second (matching "requests per second").
func NewDistributedLimiter(client *redis.Client, prefix string, rps float64, window time.Duration) RateLimiter {
	if window <= 0 {
		window = time.Second
	}
	return &distributedLimiter{client: client, prefix: prefix, rps: rps, window: window}
}

func (d *distributedLimiter) Allow(ctx context.Context, key string) (bool, error) {
	bucket := time.Now().UnixNano() / d.window.Nanoseconds()
	redisKey := fmt.Sprintf("%s:%s:%d", d.prefix, key, bucket)

	count, err := d.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := d.client.Expire(ctx, redisKey, d.window).Err(); err != nil {
			return false, err
		}
	}
	return float64(count) <= d.rps, nil
}
