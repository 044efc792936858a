package moderation

import (
	"time"

	"github.com/davidleathers/community-risk-engine/internal/domain/errors"
)

// RiskLevel is a coarse label derived from the final behavior score.
type RiskLevel string

const (
	RiskGreen  RiskLevel = "green"
	RiskYellow RiskLevel = "yellow"
	RiskOrange RiskLevel = "orange"
	RiskRed    RiskLevel = "red"
)

// UserProfile is the stored state of a community member.
type UserProfile struct {
	UserID           int64      `json:"user_id"`
	Username         string     `json:"username"`
	AccountCreatedAt time.Time  `json:"account_created_at"`
	JoinedAt         time.Time  `json:"joined_at"`
	TotalMessages    int        `json:"total_messages"`
	ToxicityAvg      float64    `json:"toxicity_avg"`
	Warnings         int        `json:"warnings"`
	Timeouts         int        `json:"timeouts"`
	Kicks            int        `json:"kicks"`
	Bans             int        `json:"bans"`
	LastActionAt     *time.Time `json:"last_action_at,omitempty"`
	RiskLevel        RiskLevel  `json:"risk_level"`
	IsWhitelisted    bool       `json:"is_whitelisted"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// NewUserProfile returns a fresh profile for a user seen for the first time.
func NewUserProfile(userID int64, username string, accountCreatedAt, joinedAt, now time.Time) *UserProfile {
	return &UserProfile{
		UserID:           userID,
		Username:         username,
		AccountCreatedAt: accountCreatedAt,
		JoinedAt:         joinedAt,
		RiskLevel:        RiskGreen,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// TotalInfractions is the lifetime count of enforcement actions.
func (u *UserProfile) TotalInfractions() int {
	return u.Warnings + u.Timeouts + u.Kicks + u.Bans
}

// AccountAge uses the platform account creation time, falling back to the
// community join time when the former is unknown.
func (u *UserProfile) AccountAge(now time.Time) time.Duration {
	created := u.AccountCreatedAt
	if created.IsZero() {
		created = u.JoinedAt
	}
	if created.IsZero() || created.After(now) {
		return 0
	}
	return now.Sub(created)
}

// HasAccountAge reports whether any creation timestamp is known.
func (u *UserProfile) HasAccountAge() bool {
	return !u.AccountCreatedAt.IsZero() || !u.JoinedAt.IsZero()
}

// Validate checks counters and averages are in range.
func (u *UserProfile) Validate() error {
	if u.ToxicityAvg < 0 || u.ToxicityAvg > 1 {
		return errors.NewValidationError("INVALID_TOXICITY_AVG", "toxicity average must be within [0,1]").
			WithDetails(map[string]interface{}{"user_id": u.UserID, "value": u.ToxicityAvg})
	}
	if u.TotalMessages < 0 || u.Warnings < 0 || u.Timeouts < 0 || u.Kicks < 0 || u.Bans < 0 {
		return errors.NewValidationError("NEGATIVE_COUNTER", "profile counters must be non-negative").
			WithDetails(map[string]interface{}{"user_id": u.UserID})
	}
	return nil
}

// ApplyAction bumps the counter matching a successfully executed action.
func (u *UserProfile) ApplyAction(action ActionType, at time.Time) {
	switch action {
	case ActionWarning:
		u.Warnings++
	case ActionTimeout:
		u.Timeouts++
	case ActionKick:
		u.Kicks++
	case ActionBan:
		u.Bans++
	default:
		return
	}
	u.LastActionAt = &at
	u.UpdatedAt = at
}

// ObserveMessage folds a scored message into the running toxicity average.
func (u *UserProfile) ObserveMessage(toxicity float64, at time.Time) {
	u.ToxicityAvg = (u.ToxicityAvg*float64(u.TotalMessages) + toxicity) / float64(u.TotalMessages+1)
	u.TotalMessages++
	u.UpdatedAt = at
}
