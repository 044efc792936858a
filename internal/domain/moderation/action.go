package moderation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ActionType is the graduated enforcement ladder. The zero value is ActionNone.
type ActionType int

const (
	ActionNone ActionType = iota
	ActionWarning
	ActionTimeout
	ActionKick
	ActionBan
)

func (a ActionType) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionWarning:
		return "warning"
	case ActionTimeout:
		return "timeout"
	case ActionKick:
		return "kick"
	case ActionBan:
		return "ban"
	default:
		return "unknown"
	}
}

// ParseActionType converts the textual form back into an ActionType.
func ParseActionType(s string) (ActionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return ActionNone, nil
	case "warning":
		return ActionWarning, nil
	case "timeout":
		return ActionTimeout, nil
	case "kick":
		return ActionKick, nil
	case "ban":
		return ActionBan, nil
	default:
		return ActionNone, fmt.Errorf("unknown action type %q", s)
	}
}

// Escalate returns the next action up the ladder. Ban saturates.
func (a ActionType) Escalate() ActionType {
	if a >= ActionBan {
		return ActionBan
	}
	return a + 1
}

// IsInfraction reports whether the action counts against the user's history.
func (a ActionType) IsInfraction() bool {
	return a > ActionNone && a <= ActionBan
}

func (a ActionType) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *ActionType) UnmarshalText(text []byte) error {
	parsed, err := ParseActionType(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ActionRecord is an action that was decided and handed to the executor.
// Failed executions are kept with Succeeded=false so history stays truthful.
type ActionRecord struct {
	ID              uuid.UUID     `json:"id"`
	UserID          int64         `json:"user_id"`
	GuildID         int64         `json:"guild_id"`
	MessageID       *int64        `json:"message_id,omitempty"`
	Action          ActionType    `json:"action_type"`
	Reason          string        `json:"reason"`
	ToxicityScore   float64       `json:"toxicity_score"`
	BehaviorScore   float64       `json:"behavior_score"`
	ContextScore    float64       `json:"context_score"`
	FinalScore      float64       `json:"final_score"`
	IsAutomated     bool          `json:"is_automated"`
	Succeeded       bool          `json:"succeeded"`
	FailureReason   string        `json:"failure_reason,omitempty"`
	TimeoutDuration time.Duration `json:"timeout_duration,omitempty"`
	ExpiresAt       *time.Time    `json:"expires_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// NewActionRecord builds a record for a decision about to be executed.
func NewActionRecord(userID, guildID int64, messageID *int64, d *ActionDecision, now time.Time) *ActionRecord {
	rec := &ActionRecord{
		ID:              uuid.New(),
		UserID:          userID,
		GuildID:         guildID,
		MessageID:       messageID,
		Action:          d.Action,
		Reason:          d.Reason,
		ToxicityScore:   d.ToxicityScore,
		BehaviorScore:   d.BehaviorScore,
		ContextScore:    d.ContextScore,
		FinalScore:      d.FinalScore,
		IsAutomated:     true,
		TimeoutDuration: d.TimeoutDuration,
		CreatedAt:       now,
	}
	if d.Action == ActionTimeout && d.TimeoutDuration > 0 {
		expires := now.Add(d.TimeoutDuration)
		rec.ExpiresAt = &expires
	}
	return rec
}

// MarkFailed records an execution failure on the action.
func (r *ActionRecord) MarkFailed(reason string) {
	r.Succeeded = false
	r.FailureReason = reason
}

// MarkSucceeded records a successful execution.
func (r *ActionRecord) MarkSucceeded() {
	r.Succeeded = true
	r.FailureReason = ""
}
