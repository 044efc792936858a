package behavior

import (
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/community-risk-engine/internal/domain/errors"
	"github.com/davidleathers/community-risk-engine/internal/domain/moderation"
	"github.com/davidleathers/community-risk-engine/internal/infrastructure/config"
)

// Situation carries per-event signals that are not part of the user's
// stored history.
type Situation struct {
	// ChannelSensitivity in [0,1]; 0 for ordinary channels.
	ChannelSensitivity float64
	// OffHours is set when the event arrives outside the community's usual
	// activity hours.
	OffHours bool
}

// Analyzer scores a user's recent behavior. It holds no mutable state and is
// safe for concurrent use.
type Analyzer struct {
	thresholds config.ModerationConfig
	cfg        config.BehaviorConfig
	logger     *zap.Logger
}

func NewAnalyzer(thresholds config.ModerationConfig, cfg config.BehaviorConfig, logger *zap.Logger) *Analyzer {
	return &Analyzer{
		thresholds: thresholds,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "behavior_analyzer")),
	}
}

// Analyze computes the behavior score from the profile, recent messages and
// recent actions. Empty history yields a neutral score. Out-of-range stored
// scores are rejected.
func (a *Analyzer) Analyze(
	profile *moderation.UserProfile,
	recentMessages []moderation.MessageRecord,
	recentActions []moderation.ActionRecord,
	now time.Time,
) (*moderation.BehaviorScore, error) {
	if profile == nil {
		return nil, errors.NewValidationError("MISSING_PROFILE", "user profile is required")
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	scored, err := scoredMessages(recentMessages)
	if err != nil {
		return nil, err
	}

	result := moderation.NeutralBehaviorScore(profile.UserID)
	result.BaseScore = a.baseScore(profile, scored)

	rate := a.messagesPerMinute(recentMessages, now)
	result.VelocityMultiplier = velocityMultiplier(rate)

	ratio := escalationRatio(scored)
	result.EscalationMultiplier = clamp(ratio, 1.0, moderation.MaxEscalationMultiplier)

	weight := historyWeight(profile, recentActions, now)
	result.HistoryMultiplier = math.Min(a.cfg.RepeatOffenderMultiplierCap, 1.0+historySlope*weight)

	result.NewAccountMultiplier = a.newAccountMultiplier(profile, now)

	final := result.BaseScore *
		result.VelocityMultiplier *
		result.EscalationMultiplier *
		result.HistoryMultiplier *
		result.NewAccountMultiplier
	result.FinalScore = clamp(final, 0, 1)
	result.RiskLevel = a.RiskLevel(result.FinalScore)

	result.Factors[FactorScoredMessages] = float64(len(scored))
	result.Factors[FactorMessagesPerMinute] = rate
	result.Factors[FactorEscalationRatio] = ratio
	result.Factors[FactorHistoryWeight] = weight
	result.Factors[FactorAccountAgeHours] = profile.AccountAge(now).Hours()

	a.logger.Debug("behavior analyzed",
		zap.Int64("user_id", profile.UserID),
		zap.Float64("base", result.BaseScore),
		zap.Float64("final", result.FinalScore),
		zap.String("risk_level", string(result.RiskLevel)),
	)

	return result, nil
}

// RiskLevel buckets a score against the ascending thresholds. Whitelisting
// has no bearing on the level.
func (a *Analyzer) RiskLevel(score float64) moderation.RiskLevel {
	switch {
	case score < a.thresholds.WarningThreshold:
		return moderation.RiskGreen
	case score < a.thresholds.TimeoutThreshold:
		return moderation.RiskYellow
	case score < a.thresholds.KickThreshold:
		return moderation.RiskOrange
	default:
		return moderation.RiskRed
	}
}

// ShouldEscalate reports whether the action chosen from the score alone
// should move one step up the ladder, and why. A base of none counts prior
// actions from warning up, so a user with recent enforcement gets at least
// a warning.
func (a *Analyzer) ShouldEscalate(
	profile *moderation.UserProfile,
	recentActions []moderation.ActionRecord,
	currentToxicity float64,
	baseAction moderation.ActionType,
	now time.Time,
) (bool, string) {
	if currentToxicity >= a.thresholds.BanThreshold {
		return true, fmt.Sprintf("toxicity %.2f at or above ban threshold", currentToxicity)
	}
	if profile == nil {
		return false, ""
	}

	floor := baseAction
	if floor < moderation.ActionWarning {
		floor = moderation.ActionWarning
	}
	cutoff := now.Add(-a.cfg.EscalationLookback)
	repeated := 0
	for _, act := range recentActions {
		if !act.Succeeded || act.Action < floor || act.CreatedAt.Before(cutoff) {
			continue
		}
		repeated++
	}
	if repeated >= repeatedActionCount {
		return true, fmt.Sprintf("%d prior %s-or-higher actions within %s", repeated, floor, a.cfg.EscalationLookback)
	}

	if profile.TotalInfractions() >= repeatOffenderInfractions && currentToxicity > repeatOffenderToxicity {
		return true, fmt.Sprintf("repeat offender with %d infractions", profile.TotalInfractions())
	}

	return false, ""
}

// ContextScore is a secondary signal in [0,1] used by the decision engine
// as a tie-breaker. It never affects the risk level.
func (a *Analyzer) ContextScore(profile *moderation.UserProfile, situation Situation, now time.Time) (float64, error) {
	if profile == nil {
		return 0, errors.NewValidationError("MISSING_PROFILE", "user profile is required")
	}
	if situation.ChannelSensitivity < 0 || situation.ChannelSensitivity > 1 {
		return 0, errors.NewValidationError("INVALID_SENSITIVITY",
			fmt.Sprintf("channel sensitivity %.2f outside [0,1]", situation.ChannelSensitivity))
	}

	score := 0.0
	if profile.ToxicityAvg > contextHighAverageCutoff {
		score += contextHighAverageBoost
	}
	score += math.Min(contextInfractionCap, float64(profile.TotalInfractions())*contextPerInfraction)
	if profile.HasAccountAge() && profile.AccountAge(now) < a.cfg.NewAccountWindow {
		score += contextNewAccountBoost
	}
	switch {
	case profile.TotalMessages > contextEstablishedMessages:
		score -= contextEstablishedRelief
	case profile.TotalMessages < contextSparseMessages:
		score += contextSparseBoost
	}
	score += situation.ChannelSensitivity * contextSensitivityWeight
	if situation.OffHours {
		score += contextOffHoursBoost
	}

	return clamp(score, 0, 1), nil
}

func (a *Analyzer) baseScore(profile *moderation.UserProfile, scored []moderation.MessageRecord) float64 {
	if len(scored) > 0 {
		return averageToxicity(scored)
	}
	if profile.TotalMessages > 0 {
		return profile.ToxicityAvg
	}
	return 0
}

func (a *Analyzer) messagesPerMinute(messages []moderation.MessageRecord, now time.Time) float64 {
	if a.cfg.VelocityWindow <= 0 {
		return 0
	}
	cutoff := now.Add(-a.cfg.VelocityWindow)
	count := 0
	for _, m := range messages {
		if m.CreatedAt.After(cutoff) && !m.CreatedAt.After(now) {
			count++
		}
	}
	return float64(count) / a.cfg.VelocityWindow.Minutes()
}

func (a *Analyzer) newAccountMultiplier(profile *moderation.UserProfile, now time.Time) float64 {
	if !profile.HasAccountAge() || a.cfg.NewAccountWindow <= 0 {
		return 1.0
	}
	age := profile.AccountAge(now)
	if age >= a.cfg.NewAccountWindow {
		return 1.0
	}
	remaining := 1.0 - float64(age)/float64(a.cfg.NewAccountWindow)
	return 1.0 + (a.cfg.NewAccountMultiplierCap-1.0)*remaining
}

// velocityMultiplier maps messages/minute linearly from 1.0 at the floor to
// the cap at the ceiling.
func velocityMultiplier(rate float64) float64 {
	span := velocityCeilingPerMinute - velocityFloorPerMinute
	return 1.0 + clamp((rate-velocityFloorPerMinute)/span, 0, 1)*(moderation.MaxVelocityMultiplier-1.0)
}

// escalationRatio compares the newer half of the most recent scored messages
// with the older half. A flat or falling trend, or too few samples, is 1.0.
func escalationRatio(scored []moderation.MessageRecord) float64 {
	if len(scored) < escalationMinSamples {
		return 1.0
	}
	sorted := make([]moderation.MessageRecord, len(scored))
	copy(sorted, scored)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})
	if len(sorted) > escalationSampleSize {
		sorted = sorted[:escalationSampleSize]
	}
	half := len(sorted) / 2
	newer := averageToxicity(sorted[:half])
	older := averageToxicity(sorted[half:])
	if older <= 0 {
		return 1.0
	}
	return math.Max(1.0, newer/older)
}

// historyWeight sums recency-weighted prior infractions. Lifetime counters
// not covered by the recent action list count at the oldest weight.
func historyWeight(profile *moderation.UserProfile, recentActions []moderation.ActionRecord, now time.Time) float64 {
	weight := 0.0
	listed := 0
	for _, act := range recentActions {
		if !act.Succeeded || !act.Action.IsInfraction() {
			continue
		}
		listed++
		age := now.Sub(act.CreatedAt)
		switch {
		case age <= historyRecentAge:
			weight += historyRecentWeight
		case age <= historyWeekAge:
			weight += historyWeekWeight
		default:
			weight += historyOldWeight
		}
	}
	if extra := profile.TotalInfractions() - listed; extra > 0 {
		weight += float64(extra) * historyOldWeight
	}
	return weight
}

func scoredMessages(messages []moderation.MessageRecord) ([]moderation.MessageRecord, error) {
	scored := make([]moderation.MessageRecord, 0, len(messages))
	for _, m := range messages {
		if !m.Scored {
			continue
		}
		if err := m.Scores.Validate(); err != nil {
			return nil, errors.NewValidationError("CORRUPT_MESSAGE_SCORE",
				fmt.Sprintf("message %d has out-of-range scores", m.MessageID)).WithCause(err)
		}
		scored = append(scored, m)
	}
	return scored, nil
}

func averageToxicity(messages []moderation.MessageRecord) float64 {
	if len(messages) == 0 {
		return 0
	}
	sum := 0.0
	for _, m := range messages {
		sum += m.Scores.Toxicity
	}
	return sum / float64(len(messages))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
