package brigade

import (
	"context"
	"time"

	"github.com/davidleathers/community-risk-engine/internal/domain/moderation"
)

// WindowStore keeps short-lived, timestamped membership sets per guild.
// Every method must be atomic per key; no cross-key transaction is needed.
// Recording the same user twice refreshes the timestamp, so queries return
// distinct user IDs.
type WindowStore interface {
	RecordJoin(ctx context.Context, guildID, userID int64, at time.Time, ttl time.Duration) error
	JoinsSince(ctx context.Context, guildID int64, since time.Time) ([]int64, error)

	RecordActivity(ctx context.Context, guildID, userID int64, at time.Time, ttl time.Duration) error
	ActiveSince(ctx context.Context, guildID int64, since time.Time) ([]int64, error)

	RecordFingerprint(ctx context.Context, guildID int64, fingerprint string, userID int64, at time.Time, ttl time.Duration) error
	FingerprintSendersSince(ctx context.Context, guildID int64, fingerprint string, since time.Time) ([]int64, error)

	// Evict drops entries older than before for the guild.
	Evict(ctx context.Context, guildID int64, before time.Time) error
}

// Recorder persists detected brigades.
type Recorder interface {
	RecordBrigadeEvent(ctx context.Context, event *moderation.BrigadeEvent) error
}
