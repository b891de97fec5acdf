package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	"github.com/sovads/ledger/pkg/errs"
	"golang.org/x/time/rate"
)

// Limiter throttles requests per key at the edge, ahead of the admission guard.
// Allow returns a RateLimited error when key is over its budget.
type Limiter interface {
	Allow(ctx context.Context, key string) error
}

func rateLimited(key string, retryAfter time.Duration) error {
	return errs.Newf(errs.Kind_RateLimited, "too many requests for %s, retry in %s", key, retryAfter.Round(time.Second))
}

// RedisLimiter shares a GCRA budget across replicas through redis.
type RedisLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
}

// NewRedisLimiter allows perMinute requests per key per minute.
func NewRedisLimiter(client redis.UniversalClient, perMinute int) *RedisLimiter {
	return &RedisLimiter{
		limiter: redis_rate.NewLimiter(client),
		limit:   redis_rate.PerMinute(perMinute),
	}
}

func (rl *RedisLimiter) Allow(ctx context.Context, key string) error {
	res, err := rl.limiter.Allow(ctx, "sovads:edge:"+key, rl.limit)
	if err != nil {
		return errs.Wrap(errs.Kind_Internal, err, fmt.Sprintf("failed to check rate limit for %s", key))
	}
	if res.Allowed == 0 {
		return rateLimited(key, res.RetryAfter)
	}
	return nil
}

// LocalLimiter keeps a token bucket per key in process.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewLocalLimiter allows perMinute requests per key with a burst of the same size.
func NewLocalLimiter(perMinute int) *LocalLimiter {
	return &LocalLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
	}
}

func (ll *LocalLimiter) Allow(ctx context.Context, key string) error {
	ll.mu.Lock()
	l, ok := ll.limiters[key]
	if !ok {
		l = rate.NewLimiter(ll.limit, ll.burst)
		ll.limiters[key] = l
	}
	ll.mu.Unlock()

	r := l.Reserve()
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return rateLimited(key, delay)
	}
	return nil
}

type noopLimiter struct{}

func (noopLimiter) Allow(context.Context, string) error {
	return nil
}

// New picks the redis limiter when a client is given and a local one otherwise.
// A non-positive perMinute disables edge limiting.
func New(client redis.UniversalClient, perMinute int) Limiter {
	switch {
	case perMinute <= 0:
		return noopLimiter{}
	case client != nil:
		return NewRedisLimiter(client, perMinute)
	}
	return NewLocalLimiter(perMinute)
}
