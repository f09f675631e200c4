package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store shared by every replica pointed at the same server.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix + "ratelimit:"}
}

func (r *Redis) Check(ctx context.Context, key string, limit int, _ time.Duration) (bool, error) {
	n, err := r.client.Get(ctx, r.prefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		return limit > 0, nil
	}
	if err != nil {
		return false, fmt.Errorf("ratelimit check: %w", err)
	}
	return n < int64(limit), nil
}

func (r *Redis) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	k := r.prefix + key
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	ttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("ratelimit increment: %w", err)
	}
	// a key without expiry is a fresh window
	if ttl.Val() < 0 {
		if err := r.client.PExpire(ctx, k, window).Err(); err != nil {
			return 0, fmt.Errorf("ratelimit expire: %w", err)
		}
	}
	return incr.Val(), nil
}
