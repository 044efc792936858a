package decision

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/community-risk-engine/internal/domain/errors"
	"github.com/davidleathers/community-risk-engine/internal/domain/moderation"
	"github.com/davidleathers/community-risk-engine/internal/infrastructure/config"
)

// categoryReasonCutoff is the score at which a category is named in the
// reason text.
const categoryReasonCutoff = 0.7

const reasonPrefix = "Automated moderation: "

// Escalator decides whether an action should move one step up the ladder.
type Escalator interface {
	ShouldEscalate(profile *moderation.UserProfile, recentActions []moderation.ActionRecord,
		currentToxicity float64, baseAction moderation.ActionType, now time.Time) (bool, string)
}

// Input is everything the engine needs for one decision.
type Input struct {
	Profile        *moderation.UserProfile
	Classification *moderation.ClassificationResult
	Behavior       *moderation.BehaviorScore
	ContextScore   float64
	RecentActions  []moderation.ActionRecord
	Now            time.Time
}

// Engine turns risk signals into a graduated enforcement decision. Decide is
// pure: the same input always produces the same decision.
type Engine struct {
	cfg       config.ModerationConfig
	escalator Escalator
	logger    *zap.Logger
}

func NewEngine(cfg config.ModerationConfig, escalator Escalator, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		escalator: escalator,
		logger:    logger.With(zap.String("component", "decision_engine")),
	}
}

// Decide computes the action for one evaluated message.
func (e *Engine) Decide(in Input) (*moderation.ActionDecision, error) {
	if err := e.validate(in); err != nil {
		return nil, err
	}

	toxicity := in.Classification.MaxToxicity()
	final := e.FinalScore(toxicity, in.Behavior.FinalScore, in.ContextScore)

	base := e.ActionFor(final)
	action := base
	escalate, escalationReason := e.escalator.ShouldEscalate(in.Profile, in.RecentActions, toxicity, base, in.Now)
	if escalate {
		action = base.Escalate()
	}
	escalated := action != base

	decision := &moderation.ActionDecision{
		Action:              action,
		ToxicityScore:       toxicity,
		BehaviorScore:       in.Behavior.FinalScore,
		ContextScore:        in.ContextScore,
		FinalScore:          final,
		ShouldNotifyUser:    action != moderation.ActionNone,
		ShouldDeleteMessage: action == moderation.ActionKick || action == moderation.ActionBan || in.Classification.Severe(),
		Escalated:           escalated,
		Confidence:          e.confidence(base, final),
		Details: map[string]interface{}{
			"base_action":  base.String(),
			"severe":       in.Classification.Severe(),
			"top_category": TopCategories(in.Classification.Scores)[0],
		},
	}
	if action == moderation.ActionTimeout {
		decision.TimeoutDuration = e.cfg.TimeoutDuration(in.Profile.Timeouts)
		decision.Details["prior_timeouts"] = in.Profile.Timeouts
	}

	decision.Reason = e.reason(action, in.Classification.Scores, toxicity)
	if escalated {
		decision.Reason = fmt.Sprintf("%s (escalated: %s)", decision.Reason, escalationReason)
		decision.Details["escalation_reason"] = escalationReason
	}

	e.logger.Debug("decision computed",
		zap.Int64("user_id", in.Profile.UserID),
		zap.String("action", action.String()),
		zap.Float64("final_score", final),
		zap.Bool("escalated", escalated),
	)

	return decision, nil
}

// FinalScore blends the toxicity and behavior signals and applies the
// context boost.
func (e *Engine) FinalScore(toxicity, behavior, context float64) float64 {
	final := clamp(toxicity*e.cfg.ToxicityWeight+behavior*e.cfg.BehaviorWeight, 0, 1)
	return clamp(final*(1+context*e.cfg.ContextBoost), 0, 1)
}

// ActionFor maps a final score onto the threshold ladder.
func (e *Engine) ActionFor(final float64) moderation.ActionType {
	switch {
	case final >= e.cfg.BanThreshold:
		return moderation.ActionBan
	case final >= e.cfg.KickThreshold:
		return moderation.ActionKick
	case final >= e.cfg.TimeoutThreshold:
		return moderation.ActionTimeout
	case final >= e.cfg.WarningThreshold:
		return moderation.ActionWarning
	default:
		return moderation.ActionNone
	}
}

// ShouldTakeAction is the single enforcement gate. The decision itself is
// kept for audit either way.
func (e *Engine) ShouldTakeAction(decision *moderation.ActionDecision, profile *moderation.UserProfile) bool {
	if decision == nil || decision.Action == moderation.ActionNone {
		return false
	}
	if profile != nil && profile.IsWhitelisted {
		return false
	}
	return true
}

// confidence measures how far the score sits inside the bucket that selected
// the base action.
func (e *Engine) confidence(base moderation.ActionType, final float64) float64 {
	if base == moderation.ActionNone {
		if e.cfg.WarningThreshold <= 0 {
			return 1
		}
		return clamp((e.cfg.WarningThreshold-final)/e.cfg.WarningThreshold, 0, 1)
	}

	var lower, upper float64
	switch base {
	case moderation.ActionWarning:
		lower, upper = e.cfg.WarningThreshold, e.cfg.TimeoutThreshold
	case moderation.ActionTimeout:
		lower, upper = e.cfg.TimeoutThreshold, e.cfg.KickThreshold
	case moderation.ActionKick:
		lower, upper = e.cfg.KickThreshold, e.cfg.BanThreshold
	default:
		lower, upper = e.cfg.BanThreshold, 1.0
	}
	if upper <= lower {
		return 1
	}
	return clamp((final-lower)/(upper-lower), 0, 1)
}

func (e *Engine) reason(action moderation.ActionType, scores moderation.ToxicityScores, toxicity float64) string {
	if action == moderation.ActionNone {
		return fmt.Sprintf("No action: score below warning threshold (toxicity: %.2f)", toxicity)
	}

	labels := map[string]string{
		"severe_toxicity": "severe toxic content",
		"toxicity":        "toxic behavior",
		"threat":          "threatening language",
		"insult":          "insulting behavior",
		"obscene":         "obscene language",
		"identity_attack": "identity-based harassment",
	}
	order := []string{"severe_toxicity", "toxicity", "threat", "insult", "obscene", "identity_attack"}

	categories := scores.Categories()
	var named []string
	for _, key := range order {
		if categories[key] >= categoryReasonCutoff {
			named = append(named, labels[key])
		}
	}
	if len(named) > 0 {
		return reasonPrefix + strings.Join(named, ", ")
	}
	if toxicity >= e.cfg.WarningThreshold {
		return fmt.Sprintf("%selevated toxicity (score: %.2f)", reasonPrefix, toxicity)
	}
	return reasonPrefix + "inappropriate content"
}

// TopCategories returns category names ordered by descending score.
func TopCategories(scores moderation.ToxicityScores) []string {
	categories := scores.Categories()
	names := make([]string, 0, len(categories))
	for name := range categories {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if categories[names[i]] == categories[names[j]] {
			return names[i] < names[j]
		}
		return categories[names[i]] > categories[names[j]]
	})
	return names
}

func (e *Engine) validate(in Input) error {
	if in.Profile == nil {
		return errors.NewValidationError("MISSING_PROFILE", "user profile is required")
	}
	if in.Classification == nil {
		return errors.NewValidationError("MISSING_CLASSIFICATION", "classification result is required")
	}
	if err := in.Classification.Validate(); err != nil {
		return err
	}
	if in.Behavior == nil {
		return errors.NewValidationError("MISSING_BEHAVIOR", "behavior score is required")
	}
	if err := in.Behavior.Validate(); err != nil {
		return err
	}
	if in.ContextScore < 0 || in.ContextScore > 1 || math.IsNaN(in.ContextScore) {
		return errors.NewValidationError("INVALID_CONTEXT_SCORE",
			fmt.Sprintf("context score %.4f outside [0,1]", in.ContextScore))
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
