package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/davidleathers/community-risk-engine/internal/domain/errors"
	"github.com/davidleathers/community-risk-engine/internal/domain/moderation"
	"github.com/davidleathers/community-risk-engine/internal/infrastructure/config"
	"github.com/davidleathers/community-risk-engine/internal/infrastructure/telemetry"
	"github.com/davidleathers/community-risk-engine/internal/metrics"
	"github.com/davidleathers/community-risk-engine/internal/service/behavior"
	"github.com/davidleathers/community-risk-engine/internal/service/decision"
)

// historyLookback bounds how far back actions are loaded for analysis.
// Older infractions still count through the profile counters.
const historyLookback = 30 * 24 * time.Hour

// depAnalyzer and depEngine label events rejected as invalid input by the
// behavior analyzer and the decision engine.
const (
	depAnalyzer = "behavior_analyzer"
	depEngine   = "decision_engine"
)

// ErrDraining is returned for events submitted after Shutdown started.
var ErrDraining = stderrors.New("pipeline is draining")

// Dependencies are the collaborators a Pipeline drives.
type Dependencies struct {
	Classifier Classifier
	Store      Store
	Executor   Executor
	Markers    Markers
	Limiter    RateLimiter
	Detector   BrigadeDetector
	Analyzer   *behavior.Analyzer
	Engine     *decision.Engine
	Metrics    *metrics.Registry
	Clock      moderation.Clock
}

// Pipeline runs events through brigade detection, classification, behavior
// analysis and the decision engine, then hands enforceable decisions to the
// executor.
type Pipeline struct {
	cfg      *config.Config
	deps     Dependencies
	guard    *guard
	locks    *userLocks
	global   *rate.Limiter
	validate *validator.Validate
	tracer   trace.Tracer
	logger   *zap.Logger

	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup
	active   atomic.Int64
	guilds   map[int64]struct{}

	abandonCtx context.Context
	abandon    context.CancelFunc
}

// New wires a pipeline. All dependencies are required.
func New(cfg *config.Config, deps Dependencies, logger *zap.Logger) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.NewConfigError("pipeline", "config is required")
	}
	if deps.Classifier == nil || deps.Store == nil || deps.Executor == nil || deps.Markers == nil ||
		deps.Limiter == nil || deps.Detector == nil || deps.Analyzer == nil || deps.Engine == nil || deps.Metrics == nil {
		return nil, errors.NewConfigError("pipeline", "all dependencies are required")
	}
	if deps.Clock == nil {
		deps.Clock = moderation.RealClock{}
	}

	logger = logger.With(zap.String("component", "pipeline"))
	global := cfg.Pipeline.GlobalRateLimit
	abandonCtx, abandon := context.WithCancel(context.Background())

	return &Pipeline{
		cfg:        cfg,
		deps:       deps,
		guard:      newGuard(cfg.Pipeline, deps.Metrics, logger),
		locks:      newUserLocks(),
		global:     rate.NewLimiter(rate.Limit(float64(global.MaxEvents)/global.Window.Seconds()), global.MaxEvents),
		validate:   validator.New(),
		tracer:     telemetry.Tracer("community-risk-engine/pipeline"),
		logger:     logger,
		guilds:     make(map[int64]struct{}),
		abandonCtx: abandonCtx,
		abandon:    abandon,
	}, nil
}

// HandleMessage evaluates one message. Dependency failures are reported in
// the outcome, not as an error; errors are reserved for invalid events and
// for a draining pipeline.
func (p *Pipeline) HandleMessage(ctx context.Context, ev *MessageEvent) (*Outcome, error) {
	if err := p.validateEvent(ev); err != nil {
		return nil, err
	}
	done, err := p.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.HandleMessage", trace.WithAttributes(
		attribute.Int64("guild_id", ev.GuildID),
		attribute.Int64("user_id", ev.UserID),
		attribute.Int64("message_id", ev.MessageID),
	))
	defer span.End()

	ctx, cancel := p.abandonable(ctx)
	defer cancel()

	out := p.handleMessage(ctx, ev)
	p.finish(span, KindMessage, out, start)
	return out, nil
}

// HandleJoin records a member join and runs the join-driven brigade checks.
func (p *Pipeline) HandleJoin(ctx context.Context, ev *JoinEvent) (*Outcome, error) {
	if err := p.validateEvent(ev); err != nil {
		return nil, err
	}
	done, err := p.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.HandleJoin", trace.WithAttributes(
		attribute.Int64("guild_id", ev.GuildID),
		attribute.Int64("user_id", ev.UserID),
	))
	defer span.End()

	ctx, cancel := p.abandonable(ctx)
	defer cancel()

	out := p.handleJoin(ctx, ev)
	p.finish(span, KindJoin, out, start)
	return out, nil
}

func (p *Pipeline) handleMessage(ctx context.Context, ev *MessageEvent) *Outcome {
	now := p.deps.Clock.Now()
	at := ev.CreatedAt
	if at.IsZero() {
		at = now
	}
	log := telemetry.WithTrace(ctx, p.logger).With(
		zap.Int64("guild_id", ev.GuildID),
		zap.Int64("user_id", ev.UserID),
		zap.Int64("message_id", ev.MessageID),
	)

	if !p.cfg.Pipeline.ShouldMonitorChannel(ev.ChannelID) {
		return skipped("channel_not_monitored")
	}

	first, err := call(ctx, p.guard, DepMarkers, func(ctx context.Context) (bool, error) {
		return p.deps.Markers.MarkProcessed(ctx, ev.MessageID, p.cfg.Pipeline.DedupTTL)
	})
	if err != nil {
		return p.undecidable(log, DepMarkers, err)
	}
	if !first {
		return skipped("duplicate")
	}

	if !p.global.Allow() {
		log.Warn("global rate limit reached")
		return skipped("global_rate_limited")
	}
	limit := p.cfg.Pipeline.UserRateLimit
	allowed, err := call(ctx, p.guard, DepRateLimiter, func(ctx context.Context) (bool, error) {
		return p.deps.Limiter.Allow(ctx, "user:"+strconv.FormatInt(ev.UserID, 10), limit.MaxEvents, limit.Window, now)
	})
	if err != nil {
		return p.undecidable(log, DepRateLimiter, err)
	}
	if !allowed {
		log.Warn("user rate limit reached")
		return skipped("user_rate_limited")
	}

	unlock, err := p.locks.lock(ctx, ev.UserID)
	if err != nil {
		return p.undecidable(log, DepStore, err)
	}
	defer unlock()
	stale := p.locks.stale(ev.UserID, at)
	p.trackGuild(ev.GuildID)

	profile, err := p.loadProfile(ctx, ev.UserID, ev.Username, ev.AccountCreatedAt, ev.JoinedAt, now)
	if err != nil {
		return p.undecidable(log, DepStore, err)
	}

	out := &Outcome{}
	brigadeResult, err := call(ctx, p.guard, DepWindowStore, func(ctx context.Context) (*moderation.BrigadeResult, error) {
		return p.deps.Detector.EvaluateMessage(ctx, ev.GuildID, ev.UserID, ev.Content, at)
	})
	if err != nil {
		log.Warn("brigade evaluation unavailable", zap.Error(err))
	} else {
		out.Brigade = brigadeResult
		p.observeBrigade(brigadeResult)
	}

	record := &moderation.MessageRecord{
		MessageID: ev.MessageID,
		UserID:    ev.UserID,
		ChannelID: ev.ChannelID,
		GuildID:   ev.GuildID,
		Content:   ev.Content,
		CreatedAt: at,
	}
	classification, classifyErr := call(ctx, p.guard, DepClassifier, func(ctx context.Context) (*moderation.ClassificationResult, error) {
		res, err := p.deps.Classifier.Classify(ctx, ev.Content)
		if err != nil {
			return nil, err
		}
		if err := res.Validate(); err != nil {
			return nil, err
		}
		return res, nil
	})
	if classifyErr == nil {
		record.ApplyClassification(classification)
	}

	if err := exec(ctx, p.guard, DepStore, func(ctx context.Context) error {
		return p.deps.Store.CreateMessage(ctx, record)
	}); err != nil {
		return p.undecidable(log, DepStore, err)
	}
	if classifyErr != nil {
		// Stored unscored; no score is ever guessed.
		return p.undecidable(log, DepClassifier, classifyErr)
	}

	if err := exec(ctx, p.guard, DepStore, func(ctx context.Context) error {
		return p.deps.Store.RecordMessageStats(ctx, ev.UserID, classification.Scores.Toxicity, at)
	}); err != nil {
		return p.undecidable(log, DepStore, err)
	}
	profile.ObserveMessage(classification.Scores.Toxicity, now)

	messages, err := call(ctx, p.guard, DepStore, func(ctx context.Context) ([]moderation.MessageRecord, error) {
		return p.deps.Store.RecentMessages(ctx, ev.UserID, p.cfg.Behavior.RecentMessageLimit)
	})
	if err != nil {
		return p.undecidable(log, DepStore, err)
	}
	actions, err := call(ctx, p.guard, DepStore, func(ctx context.Context) ([]moderation.ActionRecord, error) {
		return p.deps.Store.RecentActions(ctx, ev.UserID, now.Add(-historyLookback), p.cfg.Behavior.RecentActionLimit)
	})
	if err != nil {
		return p.undecidable(log, DepStore, err)
	}

	score, err := p.deps.Analyzer.Analyze(profile, messages, actions, now)
	if err != nil {
		return p.undecidable(log, depAnalyzer, err)
	}
	contextScore, err := p.deps.Analyzer.ContextScore(profile, behavior.Situation{
		ChannelSensitivity: ev.ChannelSensitivity,
		OffHours:           ev.OffHours,
	}, now)
	if err != nil {
		return p.undecidable(log, depAnalyzer, err)
	}

	d, err := p.deps.Engine.Decide(decision.Input{
		Profile:        profile,
		Classification: classification,
		Behavior:       score,
		ContextScore:   contextScore,
		RecentActions:  actions,
		Now:            now,
	})
	if err != nil {
		return p.undecidable(log, depEngine, err)
	}
	out.Decision = d
	out.Behavior = score
	p.locks.evaluated(ev.UserID, at)
	p.observeDecision(d)

	if score.RiskLevel != profile.RiskLevel {
		if err := exec(ctx, p.guard, DepStore, func(ctx context.Context) error {
			return p.deps.Store.UpdateRiskLevel(ctx, ev.UserID, score.RiskLevel)
		}); err != nil {
			log.Warn("failed to persist risk level", zap.Error(err))
		}
	}

	log.Info("decision made",
		zap.String("action", d.Action.String()),
		zap.Float64("final_score", d.FinalScore),
		zap.Float64("confidence", d.Confidence),
		zap.Bool("escalated", d.Escalated),
		zap.String("risk_level", string(score.RiskLevel)))

	if !p.deps.Engine.ShouldTakeAction(d, profile) {
		out.Status = StatusDecided
		out.Reason = "no_action"
		if profile.IsWhitelisted {
			out.Reason = "whitelisted"
		}
		return out
	}
	if stale {
		log.Info("newer event already evaluated, not executing", zap.Time("event_time", at))
		out.Status = StatusStale
		return out
	}

	if d.Action <= moderation.ActionTimeout {
		timedOut, err := call(ctx, p.guard, DepMarkers, func(ctx context.Context) (bool, error) {
			return p.deps.Markers.HasActiveTimeout(ctx, ev.GuildID, ev.UserID)
		})
		if err != nil {
			return p.undecidable(log, DepMarkers, err)
		}
		if timedOut {
			out.Status = StatusDecided
			out.Reason = "active_timeout"
			return out
		}
	}

	messageID := ev.MessageID
	return p.execute(ctx, log, out, &moderation.ExecutionRequest{
		GuildID:   ev.GuildID,
		ChannelID: ev.ChannelID,
		UserID:    ev.UserID,
		MessageID: &messageID,
		Decision:  d,
	}, now)
}

func (p *Pipeline) handleJoin(ctx context.Context, ev *JoinEvent) *Outcome {
	now := p.deps.Clock.Now()
	at := ev.JoinedAt
	if at.IsZero() {
		at = now
	}
	log := telemetry.WithTrace(ctx, p.logger).With(
		zap.Int64("guild_id", ev.GuildID),
		zap.Int64("user_id", ev.UserID),
	)

	unlock, err := p.locks.lock(ctx, ev.UserID)
	if err != nil {
		return p.undecidable(log, DepStore, err)
	}
	defer unlock()
	p.trackGuild(ev.GuildID)

	if _, err := p.loadProfile(ctx, ev.UserID, ev.Username, ev.AccountCreatedAt, at, now); err != nil {
		return p.undecidable(log, DepStore, err)
	}

	result, err := call(ctx, p.guard, DepWindowStore, func(ctx context.Context) (*moderation.BrigadeResult, error) {
		return p.deps.Detector.EvaluateJoin(ctx, ev.GuildID, ev.UserID, at)
	})
	if err != nil {
		return p.undecidable(log, DepWindowStore, err)
	}
	p.observeBrigade(result)

	return &Outcome{Status: StatusDecided, Brigade: result}
}

// execute hands the decision to the executor and records the attempt.
// Failed executions are recorded too; they never undo the decision.
func (p *Pipeline) execute(ctx context.Context, log *zap.Logger, out *Outcome, req *moderation.ExecutionRequest, now time.Time) *Outcome {
	if p.abandoned() {
		out.Status = StatusAbandoned
		return out
	}

	d := req.Decision
	rec := moderation.NewActionRecord(req.UserID, req.GuildID, req.MessageID, d, now)
	req.ActionID = rec.ID.String()
	req.Notification = decision.ActionMessage(d, p.cfg.Pipeline.CommunityName)
	out.ActionID = &rec.ID

	result, err := call(ctx, p.guard, DepExecutor, func(ctx context.Context) (*moderation.ExecutionResult, error) {
		return p.deps.Executor.Execute(ctx, req)
	})
	if err == nil && (result == nil || !result.Success) {
		msg := "executor reported failure"
		if result != nil && result.Error != "" {
			msg = result.Error
		}
		err = errors.NewExecutionFailure(d.Action.String(), msg)
	}
	out.Execution = result

	if err != nil {
		rec.MarkFailed(err.Error())
		out.Status = StatusExecutionFailed
		out.Error = err.Error()
		p.deps.Metrics.ExecutionsTotal.WithLabelValues(d.Action.String(), "failure").Inc()
		log.Error("action execution failed", zap.String("action", d.Action.String()), zap.Error(err))
	} else {
		rec.MarkSucceeded()
		out.Status = StatusExecuted
		p.deps.Metrics.ExecutionsTotal.WithLabelValues(d.Action.String(), "success").Inc()
		log.Info("action executed",
			zap.String("action", d.Action.String()),
			zap.Duration("execution_time", result.Duration),
			zap.Bool("message_deleted", result.MessageDeleted),
			zap.Bool("notified_user", result.NotifiedUser))
	}

	// The attempt happened; record it even if the caller went away.
	recordCtx := context.WithoutCancel(ctx)
	if err := exec(recordCtx, p.guard, DepStore, func(ctx context.Context) error {
		return p.deps.Store.CreateAction(ctx, rec)
	}); err != nil {
		log.Error("failed to record action", zap.String("action_id", rec.ID.String()), zap.Error(err))
	}
	if !rec.Succeeded {
		return out
	}

	if err := exec(recordCtx, p.guard, DepStore, func(ctx context.Context) error {
		return p.deps.Store.RecordActionStats(ctx, req.UserID, d.Action, now)
	}); err != nil {
		log.Error("failed to update action stats", zap.Error(err))
	}
	if d.Action == moderation.ActionTimeout && d.TimeoutDuration > 0 {
		if err := exec(recordCtx, p.guard, DepMarkers, func(ctx context.Context) error {
			return p.deps.Markers.SetActiveTimeout(ctx, req.GuildID, req.UserID, d.TimeoutDuration)
		}); err != nil {
			log.Error("failed to set active timeout marker", zap.Error(err))
		}
	}
	return out
}

// loadProfile returns the stored profile, creating it on first sight.
func (p *Pipeline) loadProfile(ctx context.Context, userID int64, username string, accountCreatedAt, joinedAt, now time.Time) (*moderation.UserProfile, error) {
	profile, err := call(ctx, p.guard, DepStore, func(ctx context.Context) (*moderation.UserProfile, error) {
		return p.deps.Store.GetUser(ctx, userID)
	})
	if err == nil {
		return profile, nil
	}
	if !errors.IsType(err, errors.ErrorTypeNotFound) {
		return nil, err
	}

	profile = moderation.NewUserProfile(userID, username, accountCreatedAt, joinedAt, now)
	if err := exec(ctx, p.guard, DepStore, func(ctx context.Context) error {
		return p.deps.Store.CreateUser(ctx, profile)
	}); err != nil {
		return nil, err
	}
	return profile, nil
}

// undecidable logs a dependency failure for later review. Nothing is
// enforced for the event.
func (p *Pipeline) undecidable(log *zap.Logger, dependency string, err error) *Outcome {
	if p.abandoned() {
		return &Outcome{Status: StatusAbandoned, Dependency: dependency, Error: err.Error()}
	}
	p.deps.Metrics.UndecidableTotal.WithLabelValues(dependency).Inc()
	log.Warn("event undecidable", zap.String("dependency", dependency), zap.Error(err))
	return &Outcome{Status: StatusUndecidable, Dependency: dependency, Error: err.Error()}
}

func (p *Pipeline) observeDecision(d *moderation.ActionDecision) {
	p.deps.Metrics.DecisionsTotal.WithLabelValues(d.Action.String()).Inc()
	p.deps.Metrics.FinalScore.Observe(d.FinalScore)
	if d.Escalated {
		p.deps.Metrics.EscalationsTotal.Inc()
	}
}

func (p *Pipeline) observeBrigade(r *moderation.BrigadeResult) {
	if r != nil && r.Detected {
		p.deps.Metrics.BrigadeDetections.WithLabelValues(string(r.DetectionType)).Inc()
	}
}

func (p *Pipeline) finish(span trace.Span, kind string, out *Outcome, start time.Time) {
	span.SetAttributes(attribute.String("outcome.status", string(out.Status)))
	if out.Decision != nil {
		span.SetAttributes(attribute.String("decision.action", out.Decision.Action.String()))
	}
	if out.Status == StatusUndecidable {
		telemetry.RecordError(span, fmt.Errorf("%s unavailable: %s", out.Dependency, out.Error))
	}
	p.deps.Metrics.ObserveEvent(kind, string(out.Status), time.Since(start))
}

func (p *Pipeline) validateEvent(ev interface{}) error {
	if err := p.validate.Struct(ev); err != nil {
		var verrs validator.ValidationErrors
		if stderrors.As(err, &verrs) && len(verrs) > 0 {
			return errors.NewValidationError("INVALID_EVENT", fmt.Sprintf("%s failed %s validation", verrs[0].Field(), verrs[0].Tag())).
				WithDetails(map[string]interface{}{"field": verrs[0].Field()})
		}
		return errors.NewValidationError("INVALID_EVENT", err.Error())
	}
	return nil
}

func (p *Pipeline) trackGuild(guildID int64) {
	p.mu.Lock()
	p.guilds[guildID] = struct{}{}
	p.mu.Unlock()
}

// begin registers an in-flight event unless the pipeline is draining.
func (p *Pipeline) begin() (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draining {
		return nil, ErrDraining
	}
	p.inflight.Add(1)
	p.active.Add(1)
	p.deps.Metrics.InFlight.Inc()
	return func() {
		p.deps.Metrics.InFlight.Dec()
		p.active.Add(-1)
		p.inflight.Done()
	}, nil
}

// abandonable derives a context that is cancelled when the drain grace
// period runs out.
func (p *Pipeline) abandonable(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(p.abandonCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (p *Pipeline) abandoned() bool {
	return p.abandonCtx.Err() != nil
}

// Cleanup evicts expired brigade window entries for every guild seen and
// forgets per-user ordering state older than the escalation lookback.
func (p *Pipeline) Cleanup(ctx context.Context) error {
	now := p.deps.Clock.Now()

	p.mu.Lock()
	guilds := make([]int64, 0, len(p.guilds))
	for id := range p.guilds {
		guilds = append(guilds, id)
	}
	p.mu.Unlock()

	var firstErr error
	for _, guildID := range guilds {
		if err := exec(ctx, p.guard, DepWindowStore, func(ctx context.Context) error {
			return p.deps.Detector.Cleanup(ctx, guildID, now)
		}); err != nil {
			p.logger.Warn("window cleanup failed", zap.Int64("guild_id", guildID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if n := p.locks.prune(now.Add(-p.cfg.Behavior.EscalationLookback)); n > 0 {
		p.logger.Debug("pruned user ordering state", zap.Int("users", n))
	}
	return firstErr
}

// Shutdown stops accepting events and waits for in-flight ones. Whatever is
// still running when the grace period (or ctx) expires is abandoned: its
// context is cancelled and its decision is never executed.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()

	grace := time.NewTimer(p.cfg.Pipeline.ShutdownGracePeriod)
	defer grace.Stop()

	select {
	case <-done:
		p.logger.Info("pipeline drained")
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	remaining := p.active.Load()
	p.abandon()
	p.logger.Warn("drain grace period expired, abandoning in-flight events", zap.Int64("in_flight", remaining))

	select {
	case <-done:
	case <-ctx.Done():
	}
	return errors.NewInternalError(fmt.Sprintf("abandoned %d in-flight events", remaining))
}
