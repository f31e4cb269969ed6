package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"payguard.org/internal/obs"
)

// Redis is a fixed-window limiter backed by INCR/EXPIRE, shared across
// replicas. Backend errors fail open and are logged.
type Redis struct {
	client *redis.Client
	limit  int64
	window time.Duration
	prefix string
	log    *zap.Logger
}

// NewRedis builds a limiter allowing limit events per window under the given
// key prefix.
func NewRedis(client *redis.Client, limit int, window time.Duration, prefix string) *Redis {
	return &Redis{
		client: client,
		limit:  int64(limit),
		window: window,
		prefix: prefix,
		log:    obs.Logger().Named("ratelimit"),
	}
}

var _ Limiter = (*Redis)(nil)

func (r *Redis) CheckAndRecord(ctx context.Context, key string) (Decision, error) {
	full := r.prefix + ":" + key

	count, err := r.client.Incr(ctx, full).Result()
	if err != nil {
		r.log.Warn("rate limit backend unavailable; failing open", zap.Error(err))
		return Decision{Allowed: true}, nil
	}
	if count == 1 {
		if err := r.client.Expire(ctx, full, r.window).Err(); err != nil {
			r.log.Warn("rate limit window expire failed", zap.Error(err))
		}
	}
	if count > r.limit {
		ttl, err := r.client.TTL(ctx, full).Result()
		if err != nil || ttl < 0 {
			ttl = r.window
		}
		return Decision{Allowed: false, RetryAfter: ttl}, nil
	}
	return Decision{Allowed: true}, nil
}
