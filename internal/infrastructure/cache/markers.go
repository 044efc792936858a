package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Markers holds short-lived flags: processed message IDs and users who are
// currently timed out.
type Markers struct {
	client redis.UniversalClient
	logger *zap.Logger
}

func NewMarkers(client redis.UniversalClient, logger *zap.Logger) *Markers {
	return &Markers{
		client: client,
		logger: logger.With(zap.String("component", "markers")),
	}
}

// MarkProcessed claims a message ID. It returns false when the message was
// already claimed within ttl.
func (m *Markers) MarkProcessed(ctx context.Context, messageID int64, ttl time.Duration) (bool, error) {
	ok, err := m.client.SetNX(ctx, dedupKey(messageID), 1, ttl).Result()
	if err != nil {
		m.logger.Error("dedup claim failed", zap.Int64("message_id", messageID), zap.Error(err))
		return false, fmt.Errorf("dedup claim failed: %w", err)
	}
	return ok, nil
}

// SetActiveTimeout flags the user as timed out until the TTL lapses.
func (m *Markers) SetActiveTimeout(ctx context.Context, guildID, userID int64, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := m.client.Set(ctx, activeTimeoutKey(guildID, userID), time.Now().Add(ttl).Unix(), ttl).Err(); err != nil {
		m.logger.Error("set active timeout failed", zap.Int64("user_id", userID), zap.Error(err))
		return fmt.Errorf("set active timeout failed: %w", err)
	}
	return nil
}

// HasActiveTimeout reports whether the user is still under a timeout.
func (m *Markers) HasActiveTimeout(ctx context.Context, guildID, userID int64) (bool, error) {
	err := m.client.Get(ctx, activeTimeoutKey(guildID, userID)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		m.logger.Error("read active timeout failed", zap.Int64("user_id", userID), zap.Error(err))
		return false, fmt.Errorf("read active timeout failed: %w", err)
	}
	return true, nil
}

// ClearActiveTimeout lifts the marker early, e.g. after a manual pardon.
func (m *Markers) ClearActiveTimeout(ctx context.Context, guildID, userID int64) error {
	if err := m.client.Del(ctx, activeTimeoutKey(guildID, userID)).Err(); err != nil {
		return fmt.Errorf("clear active timeout failed: %w", err)
	}
	return nil
}
