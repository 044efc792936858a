package pipeline

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/community-risk-engine/internal/domain/errors"
	"github.com/davidleathers/community-risk-engine/internal/domain/moderation"
	"github.com/davidleathers/community-risk-engine/internal/infrastructure/cache"
	"github.com/davidleathers/community-risk-engine/internal/infrastructure/config"
	"github.com/davidleathers/community-risk-engine/internal/metrics"
	"github.com/davidleathers/community-risk-engine/internal/service/behavior"
	"github.com/davidleathers/community-risk-engine/internal/service/brigade"
	"github.com/davidleathers/community-risk-engine/internal/service/decision"
)

type mockClassifier struct {
	mock.Mock
}

func (m *mockClassifier) Classify(ctx context.Context, text string) (*moderation.ClassificationResult, error) {
	args := m.Called(ctx, text)
	if r := args.Get(0); r != nil {
		return r.(*moderation.ClassificationResult), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) Execute(ctx context.Context, req *moderation.ExecutionRequest) (*moderation.ExecutionResult, error) {
	args := m.Called(ctx, req)
	if r := args.Get(0); r != nil {
		return r.(*moderation.ExecutionResult), args.Error(1)
	}
	return nil, args.Error(1)
}

// memStore is an in-memory Store and brigade Recorder.
type memStore struct {
	mu       sync.Mutex
	users    map[int64]moderation.UserProfile
	messages []moderation.MessageRecord
	actions  []moderation.ActionRecord
	events   []moderation.BrigadeEvent
	getErr   error
}

func newMemStore() *memStore {
	return &memStore{users: make(map[int64]moderation.UserProfile)}
}

func (s *memStore) GetUser(_ context.Context, userID int64) (*moderation.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	u, ok := s.users[userID]
	if !ok {
		return nil, errors.NewNotFoundError("user")
	}
	return &u, nil
}

func (s *memStore) CreateUser(_ context.Context, profile *moderation.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[profile.UserID]; !ok {
		s.users[profile.UserID] = *profile
	}
	return nil
}

func (s *memStore) user(userID int64) moderation.UserProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[userID]
}

func (s *memStore) setWhitelisted(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[userID]
	u.IsWhitelisted = true
	s.users[userID] = u
}

func (s *memStore) RecentMessages(_ context.Context, userID int64, limit int) ([]moderation.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []moderation.MessageRecord
	for _, m := range s.messages {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) RecentActions(_ context.Context, userID int64, since time.Time, limit int) ([]moderation.ActionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []moderation.ActionRecord
	for _, a := range s.actions {
		if a.UserID == userID && !a.CreatedAt.Before(since) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) CreateMessage(_ context.Context, message *moderation.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, *message)
	return nil
}

func (s *memStore) CreateAction(_ context.Context, action *moderation.ActionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, *action)
	return nil
}

func (s *memStore) RecordMessageStats(_ context.Context, userID int64, toxicity float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[userID]
	u.ObserveMessage(toxicity, at)
	s.users[userID] = u
	return nil
}

func (s *memStore) RecordActionStats(_ context.Context, userID int64, action moderation.ActionType, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[userID]
	u.ApplyAction(action, at)
	s.users[userID] = u
	return nil
}

func (s *memStore) UpdateRiskLevel(_ context.Context, userID int64, level moderation.RiskLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[userID]
	u.RiskLevel = level
	s.users[userID] = u
	return nil
}

func (s *memStore) RecordBrigadeEvent(_ context.Context, event *moderation.BrigadeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *event)
	return nil
}

func (s *memStore) snapshot() ([]moderation.MessageRecord, []moderation.ActionRecord, []moderation.BrigadeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]moderation.MessageRecord(nil), s.messages...),
		append([]moderation.ActionRecord(nil), s.actions...),
		append([]moderation.BrigadeEvent(nil), s.events...)
}

type harness struct {
	pipeline   *Pipeline
	classifier *mockClassifier
	executor   *mockExecutor
	store      *memStore
	markers    *cache.Markers
	metrics    *metrics.Registry
	clock      *moderation.MockClock
	redis      *redis.Client
	cfg        *config.Config
}

var testNow = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, configure func(*config.Config)) *harness {
	t.Helper()

	cfg := config.Defaults()
	if configure != nil {
		configure(cfg)
	}
	require.NoError(t, cfg.Validate())

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := zaptest.NewLogger(t)
	store := newMemStore()
	analyzer := behavior.NewAnalyzer(cfg.Moderation, cfg.Behavior, logger)
	h := &harness{
		classifier: &mockClassifier{},
		executor:   &mockExecutor{},
		store:      store,
		markers:    cache.NewMarkers(client, logger),
		metrics:    metrics.NewRegistry(prometheus.NewRegistry()),
		clock:      moderation.NewMockClock(testNow),
		redis:      client,
		cfg:        cfg,
	}

	p, err := New(cfg, Dependencies{
		Classifier: h.classifier,
		Store:      store,
		Executor:   h.executor,
		Markers:    h.markers,
		Limiter:    cache.NewRateLimiter(client, logger),
		Detector:   brigade.NewDetector(cfg.Brigade, cache.NewWindowStore(client, logger), store, logger),
		Analyzer:   analyzer,
		Engine:     decision.NewEngine(cfg.Moderation, analyzer, logger),
		Metrics:    h.metrics,
		Clock:      h.clock,
	}, logger)
	require.NoError(t, err)
	h.pipeline = p
	return h
}

func scores(toxicity float64) *moderation.ClassificationResult {
	return &moderation.ClassificationResult{
		Scores:       moderation.ToxicityScores{Toxicity: toxicity},
		ModelVersion: "test",
	}
}

func message(id, userID int64, content string, at time.Time) *MessageEvent {
	return &MessageEvent{
		MessageID: id,
		GuildID:   1,
		ChannelID: 10,
		UserID:    userID,
		Username:  "member",
		Content:   content,
		CreatedAt: at,
	}
}
