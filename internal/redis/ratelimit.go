package redis

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RateLimitConfig struct {
	Limit  int           // requests allowed per window
	Window time.Duration // sliding window length
}

type RateLimitResult struct {
	Limit     int
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter is a sliding window limiter over a sorted set per key.
type RateLimiter struct {
	client *Client
	config RateLimitConfig
	now    func() time.Time
	seq    atomic.Uint64
	logger *zap.Logger
}

func NewRateLimiter(client *Client, config RateLimitConfig, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		client: client,
		config: config,
		now:    time.Now,
		logger: logger,
	}
}

// Allow records one request for key. A rejected request does not count
// against the window.
func (r *RateLimiter) Allow(ctx context.Context, key string) (*RateLimitResult, error) {
	now := r.now()
	redisKey := "ratelimit:" + key
	member := fmt.Sprintf("%d-%d", now.UnixNano(), r.seq.Add(1))
	windowStart := now.Add(-r.config.Window).UnixNano()

	var count *redis.IntCmd
	_, err := r.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, redisKey, "-inf", strconv.FormatInt(windowStart, 10))
		pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
		count = pipe.ZCard(ctx, redisKey)
		pipe.Expire(ctx, redisKey, r.config.Window+time.Second)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	current := int(count.Val())
	resetAt := now.Add(r.config.Window)

	if current > r.config.Limit {
		if err := r.client.rdb.ZRem(ctx, redisKey, member).Err(); err != nil {
			r.logger.Warn("failed to roll back rejected request", zap.String("key", key), zap.Error(err))
		}
		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("limit", r.config.Limit),
		)
		return &RateLimitResult{Limit: r.config.Limit, Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	return &RateLimitResult{
		Limit:     r.config.Limit,
		Allowed:   true,
		Remaining: r.config.Limit - current,
		ResetAt:   resetAt,
	}, nil
}
