package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/community-risk-engine/internal/domain/moderation"
)

// Status is the terminal state of one event.
type Status string

const (
	// StatusSkipped events were filtered before evaluation (duplicate,
	// rate limited, unmonitored channel).
	StatusSkipped Status = "skipped"
	// StatusUndecidable events hit a failing dependency. No decision exists
	// and nothing was enforced.
	StatusUndecidable Status = "undecidable"
	// StatusDecided events produced a decision that was not enforced
	// (action none, whitelisted, already timed out) or were joins.
	StatusDecided         Status = "decided"
	StatusExecuted        Status = "executed"
	StatusExecutionFailed Status = "execution_failed"
	// StatusAbandoned events were still in flight when the drain grace
	// period ran out.
	StatusAbandoned Status = "abandoned"
	// StatusStale events were evaluated after a newer event for the same
	// user; their decision is never executed.
	StatusStale Status = "stale"
)

// Event kinds for metrics and tracing.
const (
	KindMessage = "message"
	KindJoin    = "join"
)

// MessageEvent is a message posted in a guild channel.
type MessageEvent struct {
	MessageID          int64     `json:"message_id" validate:"required,gt=0"`
	GuildID            int64     `json:"guild_id" validate:"required,gt=0"`
	ChannelID          int64     `json:"channel_id" validate:"required,gt=0"`
	UserID             int64     `json:"user_id" validate:"required,gt=0"`
	Username           string    `json:"username" validate:"max=100"`
	Content            string    `json:"content" validate:"max=4000"`
	AccountCreatedAt   time.Time `json:"account_created_at"`
	JoinedAt           time.Time `json:"joined_at"`
	ChannelSensitivity float64   `json:"channel_sensitivity" validate:"gte=0,lte=1"`
	OffHours           bool      `json:"off_hours"`
	CreatedAt          time.Time `json:"created_at"`
}

// JoinEvent is a member joining a guild.
type JoinEvent struct {
	GuildID          int64     `json:"guild_id" validate:"required,gt=0"`
	UserID           int64     `json:"user_id" validate:"required,gt=0"`
	Username         string    `json:"username" validate:"max=100"`
	AccountCreatedAt time.Time `json:"account_created_at"`
	JoinedAt         time.Time `json:"joined_at"`
}

// Outcome describes what happened to an event.
type Outcome struct {
	Status     Status                      `json:"status"`
	Reason     string                      `json:"reason,omitempty"`
	Dependency string                      `json:"dependency,omitempty"`
	Error      string                      `json:"error,omitempty"`
	Decision   *moderation.ActionDecision  `json:"decision,omitempty"`
	Behavior   *moderation.BehaviorScore   `json:"behavior,omitempty"`
	Brigade    *moderation.BrigadeResult   `json:"brigade,omitempty"`
	Execution  *moderation.ExecutionResult `json:"execution,omitempty"`
	ActionID   *uuid.UUID                  `json:"action_id,omitempty"`
}

func skipped(reason string) *Outcome {
	return &Outcome{Status: StatusSkipped, Reason: reason}
}
