package behavior

import "time"

// Velocity curve: rates at or below the floor are normal chat, rates at or
// above the ceiling earn the full multiplier.
const (
	velocityFloorPerMinute   = 2.0
	velocityCeilingPerMinute = 10.0
)

// Escalation trend sampling.
const (
	escalationSampleSize = 10
	escalationMinSamples = 4
)

// History recency weights and slope.
const (
	historyRecentAge    = 24 * time.Hour
	historyWeekAge      = 7 * 24 * time.Hour
	historyRecentWeight = 1.0
	historyWeekWeight   = 0.5
	historyOldWeight    = 0.25
	historySlope        = 0.2
)

// Repeat offenders are escalated once their content turns hostile.
const (
	repeatOffenderInfractions = 3
	repeatOffenderToxicity    = 0.7
	repeatedActionCount       = 2
)

// Context score contributions.
const (
	contextHighAverageCutoff   = 0.3
	contextHighAverageBoost    = 0.2
	contextPerInfraction       = 0.1
	contextInfractionCap       = 0.3
	contextNewAccountBoost     = 0.2
	contextEstablishedMessages = 100
	contextEstablishedRelief   = 0.1
	contextSparseMessages      = 10
	contextSparseBoost         = 0.1
	contextSensitivityWeight   = 0.2
	contextOffHoursBoost       = 0.1
)

// Factor names reported in BehaviorScore.Factors.
const (
	FactorScoredMessages    = "scored_messages"
	FactorMessagesPerMinute = "messages_per_minute"
	FactorEscalationRatio   = "escalation_ratio"
	FactorHistoryWeight     = "history_weight"
	FactorAccountAgeHours   = "account_age_hours"
)
