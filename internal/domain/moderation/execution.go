package moderation

import "time"

// ExecutionRequest is what the executor needs to apply a decision on the
// platform. MessageID is nil for decisions not tied to a message.
type ExecutionRequest struct {
	ActionID     string          `json:"action_id"`
	GuildID      int64           `json:"guild_id"`
	ChannelID    int64           `json:"channel_id,omitempty"`
	UserID       int64           `json:"user_id"`
	MessageID    *int64          `json:"message_id,omitempty"`
	Decision     *ActionDecision `json:"decision"`
	Notification string          `json:"notification,omitempty"`
}

// ExecutionResult reports what the executor actually did.
type ExecutionResult struct {
	Success        bool          `json:"success"`
	NotifiedUser   bool          `json:"notified_user"`
	MessageDeleted bool          `json:"message_deleted"`
	Duration       time.Duration `json:"duration"`
	Error          string        `json:"error,omitempty"`
}
