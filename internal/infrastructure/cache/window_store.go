package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// WindowStore implements brigade.WindowStore on Redis sorted sets. Members
// are user IDs scored by event time in nanoseconds, so re-recording a user
// refreshes their timestamp and range queries return distinct users.
type WindowStore struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewWindowStore creates a new Redis-backed window store
func NewWindowStore(client redis.UniversalClient, logger *zap.Logger) *WindowStore {
	return &WindowStore{
		client: client,
		logger: logger.With(zap.String("component", "window_store")),
	}
}

func (s *WindowStore) RecordJoin(ctx context.Context, guildID, userID int64, at time.Time, ttl time.Duration) error {
	return s.record(ctx, joinsKey(guildID), userID, at, ttl)
}

func (s *WindowStore) JoinsSince(ctx context.Context, guildID int64, since time.Time) ([]int64, error) {
	return s.membersSince(ctx, joinsKey(guildID), since)
}

func (s *WindowStore) RecordActivity(ctx context.Context, guildID, userID int64, at time.Time, ttl time.Duration) error {
	return s.record(ctx, activeKey(guildID), userID, at, ttl)
}

func (s *WindowStore) ActiveSince(ctx context.Context, guildID int64, since time.Time) ([]int64, error) {
	return s.membersSince(ctx, activeKey(guildID), since)
}

func (s *WindowStore) RecordFingerprint(ctx context.Context, guildID int64, fingerprint string, userID int64, at time.Time, ttl time.Duration) error {
	return s.record(ctx, fingerprintKey(guildID, fingerprint), userID, at, ttl)
}

func (s *WindowStore) FingerprintSendersSince(ctx context.Context, guildID int64, fingerprint string, since time.Time) ([]int64, error) {
	return s.membersSince(ctx, fingerprintKey(guildID, fingerprint), since)
}

// Evict trims every window key of the guild down to entries at or after
// before. Fingerprint buckets are found with SCAN.
func (s *WindowStore) Evict(ctx context.Context, guildID int64, before time.Time) error {
	keys := []string{joinsKey(guildID), activeKey(guildID)}

	var cursor uint64
	for {
		found, next, err := s.client.Scan(ctx, cursor, fingerprintPattern(guildID), 100).Result()
		if err != nil {
			s.logger.Error("window scan failed", zap.Int64("guild_id", guildID), zap.Error(err))
			return fmt.Errorf("window scan failed: %w", err)
		}
		keys = append(keys, found...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	max := "(" + strconv.FormatInt(before.UnixNano(), 10)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.ZRemRangeByScore(ctx, key, "-inf", max)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("window eviction failed", zap.Int64("guild_id", guildID), zap.Error(err))
		return fmt.Errorf("window eviction failed: %w", err)
	}

	s.logger.Debug("window evicted", zap.Int64("guild_id", guildID), zap.Int("keys", len(keys)))
	return nil
}

// record adds the member and trims entries older than ttl in one MULTI.
func (s *WindowStore) record(ctx context.Context, key string, userID int64, at time.Time, ttl time.Duration) error {
	cutoff := "(" + strconv.FormatInt(at.Add(-ttl).UnixNano(), 10)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(at.UnixNano()),
			Member: strconv.FormatInt(userID, 10),
		})
		pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
		pipe.Expire(ctx, key, ttl+windowGrace)
		return nil
	})
	if err != nil {
		s.logger.Error("window record failed",
			zap.String("key", key),
			zap.Int64("user_id", userID),
			zap.Error(err))
		return fmt.Errorf("window record failed: %w", err)
	}
	return nil
}

func (s *WindowStore) membersSince(ctx context.Context, key string, since time.Time) ([]int64, error) {
	members, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixNano(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		s.logger.Error("window range failed", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("window range failed: %w", err)
	}

	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			s.logger.Warn("skipping malformed window member", zap.String("key", key), zap.String("member", m))
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
