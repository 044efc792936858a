package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimiter implements a sliding-window limiter on Redis sorted sets.
type RateLimiter struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewRateLimiter creates a new Redis-based rate limiter
func NewRateLimiter(client redis.UniversalClient, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger.With(zap.String("component", "rate_limiter")),
	}
}

// Allow records an attempt at now and reports whether it fits within limit
// attempts per window. Rejected attempts are not kept.
func (r *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (bool, error) {
	windowStart := now.Add(-window)
	rateLimitKey := RateLimitPrefix + key
	requestID := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()

	var countCmd *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		// Remove expired entries
		pipe.ZRemRangeByScore(ctx, rateLimitKey, "-inf", strconv.FormatInt(windowStart.UnixNano(), 10))
		countCmd = pipe.ZCard(ctx, rateLimitKey)
		pipe.ZAdd(ctx, rateLimitKey, redis.Z{
			Score:  float64(now.UnixNano()),
			Member: requestID,
		})
		pipe.Expire(ctx, rateLimitKey, window+windowGrace)
		return nil
	})
	if err != nil {
		r.logger.Error("rate limiter pipeline failed",
			zap.String("key", key),
			zap.Int("limit", limit),
			zap.Duration("window", window),
			zap.Error(err))
		return false, fmt.Errorf("rate limiter pipeline failed: %w", err)
	}

	// Count is taken before the current attempt was added
	currentCount := countCmd.Val()
	if currentCount >= int64(limit) {
		if err := r.client.ZRem(ctx, rateLimitKey, requestID).Err(); err != nil {
			r.logger.Warn("rate limiter rollback failed", zap.String("key", key), zap.Error(err))
		}

		r.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int64("current_count", currentCount),
			zap.Int("limit", limit),
			zap.Duration("window", window))
		return false, nil
	}

	return true, nil
}

// Count returns the number of attempts inside the window ending at now
func (r *RateLimiter) Count(ctx context.Context, key string, window time.Duration, now time.Time) (int, error) {
	count, err := r.client.ZCount(ctx, RateLimitPrefix+key,
		"("+strconv.FormatInt(now.Add(-window).UnixNano(), 10), "+inf").Result()
	if err != nil {
		r.logger.Error("rate limiter count failed", zap.String("key", key), zap.Error(err))
		return 0, fmt.Errorf("rate limiter count failed: %w", err)
	}
	return int(count), nil
}

// Reset clears the rate limit counter for a key
func (r *RateLimiter) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, RateLimitPrefix+key).Err(); err != nil {
		r.logger.Error("rate limiter reset failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("rate limiter reset failed: %w", err)
	}
	return nil
}
