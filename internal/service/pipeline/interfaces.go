package pipeline

import (
	"context"
	"time"

	"github.com/davidleathers/community-risk-engine/internal/domain/moderation"
)

// Classifier scores message text. Implementations must fail closed: any
// error means the message is unscored.
type Classifier interface {
	Classify(ctx context.Context, text string) (*moderation.ClassificationResult, error)
}

// Store is the durable user history.
type Store interface {
	GetUser(ctx context.Context, userID int64) (*moderation.UserProfile, error)
	CreateUser(ctx context.Context, profile *moderation.UserProfile) error
	RecentMessages(ctx context.Context, userID int64, limit int) ([]moderation.MessageRecord, error)
	RecentActions(ctx context.Context, userID int64, since time.Time, limit int) ([]moderation.ActionRecord, error)
	CreateMessage(ctx context.Context, message *moderation.MessageRecord) error
	CreateAction(ctx context.Context, action *moderation.ActionRecord) error
	RecordMessageStats(ctx context.Context, userID int64, toxicity float64, at time.Time) error
	RecordActionStats(ctx context.Context, userID int64, action moderation.ActionType, at time.Time) error
	UpdateRiskLevel(ctx context.Context, userID int64, level moderation.RiskLevel) error
}

// Executor applies a decision on the platform.
type Executor interface {
	Execute(ctx context.Context, req *moderation.ExecutionRequest) (*moderation.ExecutionResult, error)
}

// Markers holds short-lived per-message and per-user flags.
type Markers interface {
	MarkProcessed(ctx context.Context, messageID int64, ttl time.Duration) (bool, error)
	SetActiveTimeout(ctx context.Context, guildID, userID int64, ttl time.Duration) error
	HasActiveTimeout(ctx context.Context, guildID, userID int64) (bool, error)
}

// RateLimiter is a shared sliding-window limiter.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (bool, error)
}

// BrigadeDetector evaluates guild-wide activity windows.
type BrigadeDetector interface {
	EvaluateJoin(ctx context.Context, guildID, userID int64, at time.Time) (*moderation.BrigadeResult, error)
	EvaluateMessage(ctx context.Context, guildID, userID int64, content string, at time.Time) (*moderation.BrigadeResult, error)
	Cleanup(ctx context.Context, guildID int64, now time.Time) error
}
