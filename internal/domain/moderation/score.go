package moderation

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/community-risk-engine/internal/domain/errors"
)

// Multiplier ceilings shared by the analyzer and its invariants.
const (
	MaxVelocityMultiplier   = 2.0
	MaxEscalationMultiplier = 2.0
)

// BehaviorScore is the analyzer's view of a user's recent conduct.
type BehaviorScore struct {
	UserID               int64              `json:"user_id"`
	BaseScore            float64            `json:"base_score"`
	VelocityMultiplier   float64            `json:"velocity_multiplier"`
	EscalationMultiplier float64            `json:"escalation_multiplier"`
	HistoryMultiplier    float64            `json:"history_multiplier"`
	NewAccountMultiplier float64            `json:"new_account_multiplier"`
	FinalScore           float64            `json:"final_score"`
	RiskLevel            RiskLevel          `json:"risk_level"`
	Factors              map[string]float64 `json:"factors"`
}

// NeutralBehaviorScore is what a user with no history scores.
func NeutralBehaviorScore(userID int64) *BehaviorScore {
	return &BehaviorScore{
		UserID:               userID,
		VelocityMultiplier:   1.0,
		EscalationMultiplier: 1.0,
		HistoryMultiplier:    1.0,
		NewAccountMultiplier: 1.0,
		RiskLevel:            RiskGreen,
		Factors:              map[string]float64{},
	}
}

// Validate checks the ranges every behavior score must satisfy.
func (b *BehaviorScore) Validate() error {
	check := func(name string, v, lo, hi float64) error {
		if v < lo || v > hi {
			return errors.NewValidationError("INVALID_BEHAVIOR_SCORE",
				fmt.Sprintf("%s %.4f outside [%.2f,%.2f]", name, v, lo, hi))
		}
		return nil
	}
	if err := check("base_score", b.BaseScore, 0, 1); err != nil {
		return err
	}
	if err := check("final_score", b.FinalScore, 0, 1); err != nil {
		return err
	}
	if err := check("velocity_multiplier", b.VelocityMultiplier, 1, MaxVelocityMultiplier); err != nil {
		return err
	}
	if err := check("escalation_multiplier", b.EscalationMultiplier, 1, MaxEscalationMultiplier); err != nil {
		return err
	}
	if b.HistoryMultiplier < 1 || b.NewAccountMultiplier < 1 {
		return errors.NewValidationError("INVALID_BEHAVIOR_SCORE", "multipliers must be at least 1.0")
	}
	return nil
}

// DetectionType names the brigade heuristic that fired.
type DetectionType string

const (
	DetectionJoinSpike           DetectionType = "join_spike"
	DetectionMessageSimilarity   DetectionType = "message_similarity"
	DetectionCoordinatedActivity DetectionType = "coordinated_activity"
	DetectionNone                DetectionType = "none"
)

// BrigadeResult is the output of one detector or of an aggregation.
// Participants is kept sorted and free of duplicates.
type BrigadeResult struct {
	Detected      bool                   `json:"detected"`
	Confidence    float64                `json:"confidence"`
	DetectionType DetectionType          `json:"detection_type"`
	Participants  []int64                `json:"participants"`
	SourceHint    string                 `json:"source_hint,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// NoBrigade is the zero result for a detector that did not fire.
func NoBrigade(t DetectionType) *BrigadeResult {
	return &BrigadeResult{
		DetectionType: t,
		Participants:  []int64{},
		Details:       map[string]interface{}{},
	}
}

func (r *BrigadeResult) ParticipantCount() int {
	return len(r.Participants)
}

// BrigadeEvent is the persisted record of a detected brigade.
type BrigadeEvent struct {
	ID               uuid.UUID     `json:"id"`
	GuildID          int64         `json:"guild_id"`
	DetectedAt       time.Time     `json:"detected_at"`
	DetectionType    DetectionType `json:"detection_type"`
	Confidence       float64       `json:"confidence"`
	ParticipantCount int           `json:"participant_count"`
	Participants     []int64       `json:"participants"`
	SourceHint       string        `json:"source_hint,omitempty"`
}

// ActionDecision is the engine's verdict for one event. It carries no
// identifiers or timestamps so identical inputs yield identical decisions.
type ActionDecision struct {
	Action              ActionType             `json:"action"`
	Reason              string                 `json:"reason"`
	ToxicityScore       float64                `json:"toxicity_score"`
	BehaviorScore       float64                `json:"behavior_score"`
	ContextScore        float64                `json:"context_score"`
	FinalScore          float64                `json:"final_score"`
	TimeoutDuration     time.Duration          `json:"timeout_duration"`
	ShouldNotifyUser    bool                   `json:"should_notify_user"`
	ShouldDeleteMessage bool                   `json:"should_delete_message"`
	Escalated           bool                   `json:"escalated"`
	Confidence          float64                `json:"confidence"`
	Details             map[string]interface{} `json:"details,omitempty"`
}
