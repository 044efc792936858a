package brigade

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/community-risk-engine/internal/domain/errors"
	"github.com/davidleathers/community-risk-engine/internal/domain/moderation"
	"github.com/davidleathers/community-risk-engine/internal/infrastructure/config"
)

// joinSpikeSample is the trailing interval join rates are measured over.
const joinSpikeSample = time.Minute

// Detector looks for coordinated raids. It keeps no state of its own; all
// windows live in the WindowStore, so any number of callers may share it.
type Detector struct {
	cfg      config.BrigadeConfig
	store    WindowStore
	recorder Recorder
	logger   *zap.Logger
}

func NewDetector(cfg config.BrigadeConfig, store WindowStore, recorder Recorder, logger *zap.Logger) *Detector {
	return &Detector{
		cfg:      cfg,
		store:    store,
		recorder: recorder,
		logger:   logger.With(zap.String("component", "brigade_detector")),
	}
}

// EvaluateJoin records a member join and runs the join-driven checks.
func (d *Detector) EvaluateJoin(ctx context.Context, guildID, userID int64, at time.Time) (*moderation.BrigadeResult, error) {
	if err := d.store.RecordJoin(ctx, guildID, userID, at, d.cfg.TimeWindow); err != nil {
		return nil, storeError("record join", err)
	}

	spike, err := d.CheckJoinSpike(ctx, guildID, at)
	if err != nil {
		return nil, err
	}
	coordinated, err := d.CheckCoordinatedActivity(ctx, guildID, at)
	if err != nil {
		return nil, err
	}

	return d.finish(ctx, guildID, at, AggregateResults(d.cfg.OverlapBonus, spike, coordinated))
}

// EvaluateMessage records message activity and runs the message-driven checks.
func (d *Detector) EvaluateMessage(ctx context.Context, guildID, userID int64, content string, at time.Time) (*moderation.BrigadeResult, error) {
	if err := d.store.RecordActivity(ctx, guildID, userID, at, d.cfg.TimeWindow); err != nil {
		return nil, storeError("record activity", err)
	}

	similarity, err := d.CheckMessageSimilarity(ctx, guildID, userID, content, at)
	if err != nil {
		return nil, err
	}
	coordinated, err := d.CheckCoordinatedActivity(ctx, guildID, at)
	if err != nil {
		return nil, err
	}

	return d.finish(ctx, guildID, at, AggregateResults(d.cfg.OverlapBonus, similarity, coordinated))
}

// CheckJoinSpike compares the number of distinct joiners in the trailing
// minute with the configured rate.
func (d *Detector) CheckJoinSpike(ctx context.Context, guildID int64, now time.Time) (*moderation.BrigadeResult, error) {
	joiners, err := d.store.JoinsSince(ctx, guildID, now.Add(-joinSpikeSample))
	if err != nil {
		return nil, storeError("read joins", err)
	}

	result := moderation.NoBrigade(moderation.DetectionJoinSpike)
	result.Details["join_count"] = len(joiners)
	result.Details["threshold"] = d.cfg.JoinsPerMinute
	if len(joiners) < d.cfg.JoinsPerMinute {
		return result, nil
	}

	result.Detected = true
	result.Confidence = rateConfidence(len(joiners), d.cfg.JoinsPerMinute)
	result.Participants = sortedUnique(joiners)
	return result, nil
}

// CheckMessageSimilarity records the message fingerprint and counts distinct
// senders of the same content inside the window, the current sender included.
func (d *Detector) CheckMessageSimilarity(ctx context.Context, guildID, userID int64, content string, now time.Time) (*moderation.BrigadeResult, error) {
	result := moderation.NoBrigade(moderation.DetectionMessageSimilarity)

	fingerprint := Fingerprint(content)
	if fingerprint == "" {
		return result, nil
	}
	if err := d.store.RecordFingerprint(ctx, guildID, fingerprint, userID, now, d.cfg.TimeWindow); err != nil {
		return nil, storeError("record fingerprint", err)
	}
	senders, err := d.store.FingerprintSendersSince(ctx, guildID, fingerprint, now.Add(-d.cfg.TimeWindow))
	if err != nil {
		return nil, storeError("read fingerprint", err)
	}

	result.Details["fingerprint"] = fingerprint
	result.Details["sender_count"] = len(senders)
	result.Details["threshold"] = d.cfg.SimilarMessages
	if len(senders) < d.cfg.SimilarMessages {
		return result, nil
	}

	result.Detected = true
	result.Confidence = rateConfidence(len(senders), d.cfg.SimilarMessages)
	result.Participants = sortedUnique(senders)
	result.SourceHint = SourceHint(content)
	return result, nil
}

// CheckCoordinatedActivity flags a window where most active users are also
// recent joiners.
func (d *Detector) CheckCoordinatedActivity(ctx context.Context, guildID int64, now time.Time) (*moderation.BrigadeResult, error) {
	since := now.Add(-d.cfg.TimeWindow)
	active, err := d.store.ActiveSince(ctx, guildID, since)
	if err != nil {
		return nil, storeError("read activity", err)
	}

	result := moderation.NoBrigade(moderation.DetectionCoordinatedActivity)
	active = sortedUnique(active)
	result.Details["active_count"] = len(active)
	if len(active) < d.cfg.CoordinatedMinUsers {
		return result, nil
	}

	joined, err := d.store.JoinsSince(ctx, guildID, since)
	if err != nil {
		return nil, storeError("read joins", err)
	}
	recent := make(map[int64]struct{}, len(joined))
	for _, id := range joined {
		recent[id] = struct{}{}
	}
	coordinated := make([]int64, 0, len(active))
	for _, id := range active {
		if _, ok := recent[id]; ok {
			coordinated = append(coordinated, id)
		}
	}

	ratio := float64(len(coordinated)) / float64(len(active))
	result.Details["coordinated_count"] = len(coordinated)
	result.Details["ratio"] = ratio
	if ratio <= d.cfg.CoordinatedRatio || len(coordinated) < d.cfg.CoordinatedMinUsers {
		return result, nil
	}

	result.Detected = true
	result.Confidence = math.Min(1, ratio)
	result.Participants = coordinated
	return result, nil
}

// Cleanup evicts window entries that have aged out for the guild.
func (d *Detector) Cleanup(ctx context.Context, guildID int64, now time.Time) error {
	if err := d.store.Evict(ctx, guildID, now.Add(-d.cfg.TimeWindow)); err != nil {
		return storeError("evict", err)
	}
	return nil
}

// AggregateResults merges detector outputs. The combined confidence is the
// best single confidence plus bonus for every other detection whose
// participants overlap another detection, capped at 1.
func AggregateResults(bonus float64, results ...*moderation.BrigadeResult) *moderation.BrigadeResult {
	detected := make([]*moderation.BrigadeResult, 0, len(results))
	for _, r := range results {
		if r != nil && r.Detected {
			detected = append(detected, r)
		}
	}
	if len(detected) == 0 {
		return moderation.NoBrigade(moderation.DetectionNone)
	}

	best := 0
	for i, r := range detected {
		if r.Confidence > detected[best].Confidence {
			best = i
		}
	}

	confidence := detected[best].Confidence
	for i, r := range detected {
		if i == best {
			continue
		}
		for j, other := range detected {
			if j != i && overlaps(r.Participants, other.Participants) {
				confidence += bonus
				break
			}
		}
	}

	var union []int64
	types := make([]string, 0, len(detected))
	hint := detected[best].SourceHint
	for _, r := range detected {
		union = append(union, r.Participants...)
		types = append(types, string(r.DetectionType))
		if hint == "" {
			hint = r.SourceHint
		}
	}

	return &moderation.BrigadeResult{
		Detected:      true,
		Confidence:    math.Min(1, confidence),
		DetectionType: detected[best].DetectionType,
		Participants:  sortedUnique(union),
		SourceHint:    hint,
		Details: map[string]interface{}{
			"detections": types,
		},
	}
}

func (d *Detector) finish(ctx context.Context, guildID int64, at time.Time, result *moderation.BrigadeResult) (*moderation.BrigadeResult, error) {
	if !result.Detected {
		return result, nil
	}

	event := &moderation.BrigadeEvent{
		ID:               uuid.New(),
		GuildID:          guildID,
		DetectedAt:       at,
		DetectionType:    result.DetectionType,
		Confidence:       result.Confidence,
		ParticipantCount: result.ParticipantCount(),
		Participants:     result.Participants,
		SourceHint:       result.SourceHint,
	}
	if err := d.recorder.RecordBrigadeEvent(ctx, event); err != nil {
		return nil, errors.NewDependencyUnavailableError("store", "record brigade event").WithCause(err)
	}

	d.logger.Warn("brigade detected",
		zap.Int64("guild_id", guildID),
		zap.String("detection_type", string(result.DetectionType)),
		zap.Float64("confidence", result.Confidence),
		zap.Int("participants", result.ParticipantCount()),
	)
	return result, nil
}

func rateConfidence(count, threshold int) float64 {
	if threshold <= 0 {
		return 1
	}
	return math.Min(1, float64(count)/float64(2*threshold))
}

func overlaps(a, b []int64) bool {
	set := make(map[int64]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}

func sortedUnique(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func storeError(op string, err error) error {
	return errors.NewDependencyUnavailableError("window_store", op).WithCause(err)
}
