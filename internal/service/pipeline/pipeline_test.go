package pipeline

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/community-risk-engine/internal/domain/errors"
	"github.com/davidleathers/community-risk-engine/internal/domain/moderation"
	"github.com/davidleathers/community-risk-engine/internal/infrastructure/config"
)

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(config.Defaults(), Dependencies{}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = New(nil, Dependencies{}, nil)
	assert.Error(t, err)
}

func TestHandleMessage_ToxicMessageIsExecuted(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.classifier.On("Classify", mock.Anything, "you are awful").Return(scores(0.6), nil)
	h.executor.On("Execute", mock.Anything, mock.AnythingOfType("*moderation.ExecutionRequest")).
		Return(&moderation.ExecutionResult{Success: true, NotifiedUser: true, Duration: 20 * time.Millisecond}, nil)

	out, err := h.pipeline.HandleMessage(ctx, message(100, 7, "you are awful", testNow))
	require.NoError(t, err)

	assert.Equal(t, StatusExecuted, out.Status)
	require.NotNil(t, out.Decision)
	assert.Equal(t, moderation.ActionTimeout, out.Decision.Action)
	assert.Equal(t, time.Hour, out.Decision.TimeoutDuration)
	require.NotNil(t, out.ActionID)

	req := h.executor.Calls[0].Arguments.Get(1).(*moderation.ExecutionRequest)
	assert.Equal(t, out.ActionID.String(), req.ActionID)
	assert.Equal(t, int64(7), req.UserID)
	require.NotNil(t, req.MessageID)
	assert.Equal(t, int64(100), *req.MessageID)
	assert.Contains(t, req.Notification, "timed out in the community for 1 hour")

	messages, actions, _ := h.store.snapshot()
	require.Len(t, messages, 1)
	assert.True(t, messages[0].Scored)
	require.Len(t, actions, 1)
	assert.True(t, actions[0].Succeeded)
	require.NotNil(t, actions[0].ExpiresAt)

	profile := h.store.user(7)
	assert.Equal(t, 1, profile.Timeouts)
	assert.Equal(t, 1, profile.TotalMessages)

	timedOut, err := h.markers.HasActiveTimeout(ctx, 1, 7)
	require.NoError(t, err)
	assert.True(t, timedOut)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EventsTotal.WithLabelValues(KindMessage, string(StatusExecuted))))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ExecutionsTotal.WithLabelValues("timeout", "success")))
}

func TestHandleMessage_ActiveTimeoutSuppressesLesserActions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.classifier.On("Classify", mock.Anything, mock.Anything).Return(scores(0.6), nil)
	h.executor.On("Execute", mock.Anything, mock.Anything).Return(&moderation.ExecutionResult{Success: true}, nil)

	out, err := h.pipeline.HandleMessage(ctx, message(100, 7, "first", testNow))
	require.NoError(t, err)
	require.Equal(t, StatusExecuted, out.Status)

	h.clock.Advance(time.Minute)
	out, err = h.pipeline.HandleMessage(ctx, message(101, 7, "second", testNow.Add(time.Minute)))
	require.NoError(t, err)

	assert.Equal(t, StatusDecided, out.Status)
	assert.Equal(t, "active_timeout", out.Reason)
	require.NotNil(t, out.Decision)
	assert.Equal(t, moderation.ActionTimeout, out.Decision.Action)
	h.executor.AssertNumberOfCalls(t, "Execute", 1)
}

func TestHandleMessage_SevereToxicityBans(t *testing.T) {
	h := newHarness(t, nil)

	h.classifier.On("Classify", mock.Anything, mock.Anything).Return(scores(0.95), nil)
	h.executor.On("Execute", mock.Anything, mock.Anything).Return(&moderation.ExecutionResult{Success: true, MessageDeleted: true}, nil)

	out, err := h.pipeline.HandleMessage(context.Background(), message(100, 7, "threat", testNow))
	require.NoError(t, err)

	assert.Equal(t, StatusExecuted, out.Status)
	assert.Equal(t, moderation.ActionBan, out.Decision.Action)
	assert.True(t, out.Decision.ShouldDeleteMessage)
	assert.Equal(t, 1, h.store.user(7).Bans)
}

func TestHandleMessage_BenignMessageTakesNoAction(t *testing.T) {
	h := newHarness(t, nil)

	h.classifier.On("Classify", mock.Anything, mock.Anything).Return(scores(0.05), nil)

	out, err := h.pipeline.HandleMessage(context.Background(), message(100, 7, "good morning", testNow))
	require.NoError(t, err)

	assert.Equal(t, StatusDecided, out.Status)
	assert.Equal(t, "no_action", out.Reason)
	assert.Equal(t, moderation.ActionNone, out.Decision.Action)
	assert.Equal(t, moderation.RiskGreen, out.Behavior.RiskLevel)
	h.executor.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)

	_, actions, _ := h.store.snapshot()
	assert.Empty(t, actions)
}

func TestHandleMessage_WhitelistedUserIsNotEnforced(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.store.CreateUser(ctx, moderation.NewUserProfile(7, "mod", time.Time{}, time.Time{}, testNow)))
	h.store.setWhitelisted(7)
	h.classifier.On("Classify", mock.Anything, mock.Anything).Return(scores(0.95), nil)

	out, err := h.pipeline.HandleMessage(ctx, message(100, 7, "quoting a slur to report it", testNow))
	require.NoError(t, err)

	assert.Equal(t, StatusDecided, out.Status)
	assert.Equal(t, "whitelisted", out.Reason)
	assert.Equal(t, moderation.ActionBan, out.Decision.Action, "the decision is still computed")
	h.executor.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

// A classifier timeout leaves the message unscored and produces no decision.
func TestHandleMessage_ClassifierTimeoutIsUndecidable(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Pipeline.DependencyTimeout = 50 * time.Millisecond
	})

	h.classifier.On("Classify", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)

	out, err := h.pipeline.HandleMessage(context.Background(), message(100, 7, "hello", testNow))
	require.NoError(t, err)

	assert.Equal(t, StatusUndecidable, out.Status)
	assert.Equal(t, DepClassifier, out.Dependency)
	assert.Nil(t, out.Decision)
	h.executor.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)

	messages, actions, _ := h.store.snapshot()
	require.Len(t, messages, 1)
	assert.False(t, messages[0].Scored)
	assert.Empty(t, actions)
	assert.Zero(t, h.store.user(7).TotalMessages)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.UndecidableTotal.WithLabelValues(DepClassifier)))
}

func TestHandleMessage_OutOfRangeScoresFailClosed(t *testing.T) {
	h := newHarness(t, nil)

	h.classifier.On("Classify", mock.Anything, mock.Anything).Return(scores(1.4), nil)

	out, err := h.pipeline.HandleMessage(context.Background(), message(100, 7, "hello", testNow))
	require.NoError(t, err)

	assert.Equal(t, StatusUndecidable, out.Status)
	assert.Equal(t, DepClassifier, out.Dependency)
	assert.Nil(t, out.Decision)
}

func TestHandleMessage_StoreFailureIsUndecidable(t *testing.T) {
	h := newHarness(t, nil)
	h.store.getErr = stderrors.New("connection refused")

	out, err := h.pipeline.HandleMessage(context.Background(), message(100, 7, "hello", testNow))
	require.NoError(t, err)

	assert.Equal(t, StatusUndecidable, out.Status)
	assert.Equal(t, DepStore, out.Dependency)
	h.classifier.AssertNotCalled(t, "Classify", mock.Anything, mock.Anything)
}

func TestHandleMessage_ExecutionFailureIsRecorded(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.classifier.On("Classify", mock.Anything, mock.Anything).Return(scores(0.6), nil)
	h.executor.On("Execute", mock.Anything, mock.Anything).
		Return(&moderation.ExecutionResult{Success: false, Error: "missing permissions"}, nil)

	out, err := h.pipeline.HandleMessage(ctx, message(100, 7, "you are awful", testNow))
	require.NoError(t, err)

	assert.Equal(t, StatusExecutionFailed, out.Status)
	assert.Equal(t, moderation.ActionTimeout, out.Decision.Action, "decision stays valid")
	assert.Contains(t, out.Error, "missing permissions")

	_, actions, _ := h.store.snapshot()
	require.Len(t, actions, 1)
	assert.False(t, actions[0].Succeeded)
	assert.Contains(t, actions[0].FailureReason, "missing permissions")
	assert.Zero(t, h.store.user(7).Timeouts)

	timedOut, err := h.markers.HasActiveTimeout(ctx, 1, 7)
	require.NoError(t, err)
	assert.False(t, timedOut)
}

func TestHandleMessage_Skips(t *testing.T) {
	t.Run("duplicate message", func(t *testing.T) {
		h := newHarness(t, nil)
		h.classifier.On("Classify", mock.Anything, mock.Anything).Return(scores(0.05), nil)

		_, err := h.pipeline.HandleMessage(context.Background(), message(100, 7, "hi", testNow))
		require.NoError(t, err)
		out, err := h.pipeline.HandleMessage(context.Background(), message(100, 7, "hi", testNow))
		require.NoError(t, err)

		assert.Equal(t, StatusSkipped, out.Status)
		assert.Equal(t, "duplicate", out.Reason)
		h.classifier.AssertNumberOfCalls(t, "Classify", 1)
	})

	t.Run("blocked channel", func(t *testing.T) {
		h := newHarness(t, func(c *config.Config) {
			c.Pipeline.BlockedChannels = []int64{10}
		})

		out, err := h.pipeline.HandleMessage(context.Background(), message(100, 7, "hi", testNow))
		require.NoError(t, err)

		assert.Equal(t, StatusSkipped, out.Status)
		assert.Equal(t, "channel_not_monitored", out.Reason)
	})

	t.Run("user rate limit", func(t *testing.T) {
		h := newHarness(t, func(c *config.Config) {
			c.Pipeline.UserRateLimit = config.RateLimitConfig{MaxEvents: 2, Window: time.Minute}
		})
		h.classifier.On("Classify", mock.Anything, mock.Anything).Return(scores(0.05), nil)

		var last *Outcome
		for i := int64(0); i < 3; i++ {
			out, err := h.pipeline.HandleMessage(context.Background(), message(100+i, 7, "spam", testNow))
			require.NoError(t, err)
			last = out
		}

		assert.Equal(t, StatusSkipped, last.Status)
		assert.Equal(t, "user_rate_limited", last.Reason)
		h.classifier.AssertNumberOfCalls(t, "Classify", 2)
	})

	t.Run("global rate limit", func(t *testing.T) {
		h := newHarness(t, func(c *config.Config) {
			c.Pipeline.GlobalRateLimit = config.RateLimitConfig{MaxEvents: 1, Window: time.Hour}
		})
		h.classifier.On("Classify", mock.Anything, mock.Anything).Return(scores(0.05), nil)

		_, err := h.pipeline.HandleMessage(context.Background(), message(100, 7, "a", testNow))
		require.NoError(t, err)
		out, err := h.pipeline.HandleMessage(context.Background(), message(101, 8, "b", testNow))
		require.NoError(t, err)

		assert.Equal(t, StatusSkipped, out.Status)
		assert.Equal(t, "global_rate_limited", out.Reason)
	})
}

func TestHandleMessage_OlderEventIsStale(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.classifier.On("Classify", mock.Anything, "newer").Return(scores(0.05), nil)
	h.classifier.On("Classify", mock.Anything, "older").Return(scores(0.6), nil)

	out, err := h.pipeline.HandleMessage(ctx, message(101, 7, "newer", testNow))
	require.NoError(t, err)
	require.Equal(t, StatusDecided, out.Status)

	out, err = h.pipeline.HandleMessage(ctx, message(100, 7, "older", testNow.Add(-30*time.Second)))
	require.NoError(t, err)

	assert.Equal(t, StatusStale, out.Status)
	require.NotNil(t, out.Decision)
	assert.NotEqual(t, moderation.ActionNone, out.Decision.Action)
	h.executor.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

// Only events that produced a decision make older events stale.
func TestHandleMessage_UndecidableNewerEventDoesNotMarkStale(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.classifier.On("Classify", mock.Anything, "newer").Return(nil, stderrors.New("model offline"))
	h.classifier.On("Classify", mock.Anything, "older").Return(scores(0.6), nil)
	h.executor.On("Execute", mock.Anything, mock.AnythingOfType("*moderation.ExecutionRequest")).
		Return(&moderation.ExecutionResult{Success: true}, nil)

	out, err := h.pipeline.HandleMessage(ctx, message(101, 7, "newer", testNow))
	require.NoError(t, err)
	require.Equal(t, StatusUndecidable, out.Status)

	out, err = h.pipeline.HandleMessage(ctx, message(100, 7, "older", testNow.Add(-30*time.Second)))
	require.NoError(t, err)

	assert.Equal(t, StatusExecuted, out.Status)
	h.executor.AssertNumberOfCalls(t, "Execute", 1)
}

func TestHandleMessage_CorruptHistoryIsAnalyzerUndecidable(t *testing.T) {
	h := newHarness(t, nil)
	h.store.messages = append(h.store.messages, moderation.MessageRecord{
		MessageID: 50,
		UserID:    7,
		GuildID:   1,
		ChannelID: 10,
		Scored:    true,
		Scores:    moderation.ToxicityScores{Toxicity: 1.5},
		CreatedAt: testNow.Add(-time.Minute),
	})
	h.classifier.On("Classify", mock.Anything, "hello").Return(scores(0.2), nil)

	out, err := h.pipeline.HandleMessage(context.Background(), message(100, 7, "hello", testNow))
	require.NoError(t, err)

	assert.Equal(t, StatusUndecidable, out.Status)
	assert.Equal(t, depAnalyzer, out.Dependency)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.UndecidableTotal.WithLabelValues(depAnalyzer)))
	assert.Zero(t, testutil.ToFloat64(h.metrics.UndecidableTotal.WithLabelValues(DepStore)))
	h.executor.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

func TestHandleMessage_InvalidEvent(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.pipeline.HandleMessage(context.Background(), &MessageEvent{MessageID: 1, GuildID: 1, ChannelID: 1})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	ev := message(1, 7, "x", testNow)
	ev.ChannelSensitivity = 2
	_, err = h.pipeline.HandleMessage(context.Background(), ev)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestHandleMessage_BreakerOpensOnRepeatedFailures(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Pipeline.BreakerMinRequests = 2
		c.Pipeline.BreakerFailureRatio = 0.5
	})
	h.classifier.On("Classify", mock.Anything, mock.Anything).Return(nil, stderrors.New("boom"))

	for i := int64(0); i < 2; i++ {
		out, err := h.pipeline.HandleMessage(context.Background(), message(100+i, 7, "x", testNow))
		require.NoError(t, err)
		assert.Equal(t, StatusUndecidable, out.Status)
	}

	out, err := h.pipeline.HandleMessage(context.Background(), message(102, 7, "x", testNow))
	require.NoError(t, err)
	assert.Equal(t, StatusUndecidable, out.Status)
	assert.Contains(t, out.Error, "circuit open")
	h.classifier.AssertNumberOfCalls(t, "Classify", 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.BreakerState.WithLabelValues(DepClassifier)))
}

func TestHandleJoin_DetectsJoinSpike(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var out *Outcome
	for i := int64(1); i <= 6; i++ {
		var err error
		out, err = h.pipeline.HandleJoin(ctx, &JoinEvent{
			GuildID:  1,
			UserID:   i,
			JoinedAt: testNow.Add(time.Duration(i) * 5 * time.Second),
		})
		require.NoError(t, err)
		assert.Equal(t, StatusDecided, out.Status)
	}

	require.NotNil(t, out.Brigade)
	assert.True(t, out.Brigade.Detected)
	assert.Equal(t, moderation.DetectionJoinSpike, out.Brigade.DetectionType)
	assert.Greater(t, out.Brigade.Confidence, 0.0)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, out.Brigade.Participants)

	_, _, events := h.store.snapshot()
	assert.NotEmpty(t, events)
	assert.Equal(t, int64(6), h.store.user(6).UserID, "joiners get a profile")
	assert.GreaterOrEqual(t, testutil.ToFloat64(h.metrics.BrigadeDetections.WithLabelValues(string(moderation.DetectionJoinSpike))), 1.0)
}

func TestHandleJoin_WindowStoreFailureIsUndecidable(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.redis.Close())

	out, err := h.pipeline.HandleJoin(context.Background(), &JoinEvent{GuildID: 1, UserID: 7, JoinedAt: testNow})
	require.NoError(t, err)
	assert.Equal(t, StatusUndecidable, out.Status)
	assert.Equal(t, DepWindowStore, out.Dependency)
}

func TestShutdown(t *testing.T) {
	t.Run("drains when idle", func(t *testing.T) {
		h := newHarness(t, nil)
		assert.NoError(t, h.pipeline.Shutdown(context.Background()))

		_, err := h.pipeline.HandleMessage(context.Background(), message(100, 7, "late", testNow))
		assert.ErrorIs(t, err, ErrDraining)
		_, err = h.pipeline.HandleJoin(context.Background(), &JoinEvent{GuildID: 1, UserID: 7})
		assert.ErrorIs(t, err, ErrDraining)
	})

	t.Run("abandons work past the grace period", func(t *testing.T) {
		h := newHarness(t, func(c *config.Config) {
			c.Pipeline.ShutdownGracePeriod = 50 * time.Millisecond
			c.Pipeline.DependencyTimeout = 10 * time.Second
		})

		started := make(chan struct{})
		h.classifier.On("Classify", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				close(started)
				<-args.Get(0).(context.Context).Done()
			}).
			Return(nil, context.Canceled)

		result := make(chan *Outcome, 1)
		go func() {
			out, err := h.pipeline.HandleMessage(context.Background(), message(100, 7, "slow", testNow))
			if err != nil {
				t.Errorf("HandleMessage: %v", err)
			}
			result <- out
		}()

		<-started
		err := h.pipeline.Shutdown(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "abandoned 1 in-flight events")

		select {
		case out := <-result:
			require.NotNil(t, out)
			assert.Equal(t, StatusAbandoned, out.Status)
		case <-time.After(5 * time.Second):
			t.Fatal("in-flight event did not unwind")
		}
		h.executor.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
	})
}

func TestCleanup(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.classifier.On("Classify", mock.Anything, mock.Anything).Return(scores(0.05), nil)
	_, err := h.pipeline.HandleMessage(ctx, message(100, 7, "hi", testNow))
	require.NoError(t, err)

	h.pipeline.locks.mu.Lock()
	assert.Len(t, h.pipeline.locks.lastEvaluated, 1)
	h.pipeline.locks.mu.Unlock()

	h.clock.Advance(48 * time.Hour)
	require.NoError(t, h.pipeline.Cleanup(ctx))

	h.pipeline.locks.mu.Lock()
	defer h.pipeline.locks.mu.Unlock()
	assert.Empty(t, h.pipeline.locks.lastEvaluated)
}
