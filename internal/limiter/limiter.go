// Package limiter enforces per-caller request limits. Each replica keeps a
// local token bucket; when Redis is configured a shared sliding window makes
// the limit hold across all replicas behind the load balancer.
package limiter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// ErrRateLimited indicates the caller exceeded its request budget.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config contains parameters for limiter construction.
type Config struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
	Window            time.Duration
	Redis             redis.UniversalClient
}

// Limiter combines a local token bucket with an optional Redis window.
type Limiter struct {
	enabled bool

	rps    float64
	burst  int
	window time.Duration

	mu      sync.Mutex
	buckets map[string]*rate.Limiter

	redis redis.UniversalClient
}

// New creates a Limiter from the supplied configuration.
func New(cfg Config) *Limiter {
	if !cfg.Enabled {
		return &Limiter{enabled: false}
	}

	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}

	return &Limiter{
		enabled: true,
		rps:     cfg.RequestsPerSecond,
		burst:   cfg.Burst,
		window:  cfg.Window,
		buckets: make(map[string]*rate.Limiter),
		redis:   cfg.Redis,
	}
}

// Allow verifies whether the caller may perform the next request.
func (l *Limiter) Allow(ctx context.Context, caller string) error {
	if l == nil || !l.enabled || caller == "" {
		return nil
	}

	if !l.allowLocal(caller) {
		return ErrRateLimited
	}

	if l.redis != nil {
		allowed, err := l.allowShared(ctx, caller)
		if err != nil {
			return err
		}
		if !allowed {
			return ErrRateLimited
		}
	}
	return nil
}

func (l *Limiter) allowLocal(caller string) bool {
	l.mu.Lock()
	bucket := l.buckets[caller]
	if bucket == nil {
		limit := rate.Inf
		if l.rps > 0 {
			limit = rate.Limit(l.rps)
		}
		bucket = rate.NewLimiter(limit, l.burst)
		l.buckets[caller] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

var windowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  return 0
end
redis.call('ZADD', key, now, now)
redis.call('PEXPIRE', key, window)
return 1
`)

func (l *Limiter) allowShared(ctx context.Context, caller string) (bool, error) {
	limit := int64(l.rps * l.window.Seconds())
	if limit < 1 {
		limit = 1
	}
	res, err := windowScript.Run(ctx, l.redis,
		[]string{"ratelimit:" + caller},
		time.Now().UnixMilli(),
		l.window.Milliseconds(),
		limit,
	).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
