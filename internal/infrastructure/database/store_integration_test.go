//go:build integration

package database

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/community-risk-engine/internal/domain/errors"
	"github.com/davidleathers/community-risk-engine/internal/domain/moderation"
	"github.com/davidleathers/community-risk-engine/internal/infrastructure/config"
	"github.com/davidleathers/community-risk-engine/internal/testutil/containers"
)

func setupStore(t *testing.T) *Store {
	t.Helper()

	pg := containers.StartPostgres(t)
	logger := zaptest.NewLogger(t)

	migrator, err := NewMigrator(pg.ConnectionString, logger)
	require.NoError(t, err)
	require.NoError(t, migrator.Up())
	require.NoError(t, migrator.Close())

	cfg := config.Defaults().Database
	cfg.URL = pg.ConnectionString
	pool, err := NewPool(context.Background(), &cfg, logger)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return NewStore(pool)
}

func TestStore_Users(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	_, err := store.GetUser(ctx, 1)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	profile := moderation.NewUserProfile(1, "alice", time.Time{}, now.Add(-time.Hour), now)
	require.NoError(t, store.CreateUser(ctx, profile))
	require.NoError(t, store.CreateUser(ctx, profile), "creating twice is a no-op")

	got, err := store.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.True(t, got.AccountCreatedAt.IsZero())
	assert.True(t, got.JoinedAt.Equal(profile.JoinedAt))
	assert.Equal(t, moderation.RiskGreen, got.RiskLevel)

	require.NoError(t, store.RecordMessageStats(ctx, 1, 0.4, now))
	require.NoError(t, store.RecordMessageStats(ctx, 1, 0.8, now))
	require.NoError(t, store.RecordActionStats(ctx, 1, moderation.ActionTimeout, now))
	require.NoError(t, store.RecordActionStats(ctx, 1, moderation.ActionNone, now))
	require.NoError(t, store.UpdateRiskLevel(ctx, 1, moderation.RiskOrange))
	require.NoError(t, store.SetWhitelisted(ctx, 1, true))

	got, err = store.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalMessages)
	assert.InDelta(t, 0.6, got.ToxicityAvg, 1e-9)
	assert.Equal(t, 1, got.Timeouts)
	assert.Equal(t, 0, got.Warnings)
	require.NotNil(t, got.LastActionAt)
	assert.Equal(t, moderation.RiskOrange, got.RiskLevel)
	assert.True(t, got.IsWhitelisted)

	err = store.SetWhitelisted(ctx, 99, true)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestStore_MessagesAndActions(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, store.CreateUser(ctx, moderation.NewUserProfile(7, "bob", now, now, now)))

	for i := 0; i < 3; i++ {
		msg := &moderation.MessageRecord{
			MessageID: int64(100 + i),
			UserID:    7,
			ChannelID: 5,
			GuildID:   1,
			Content:   "hello",
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		}
		if i > 0 {
			msg.ApplyClassification(&moderation.ClassificationResult{Scores: moderation.ToxicityScores{Toxicity: 0.1 * float64(i)}})
		}
		require.NoError(t, store.CreateMessage(ctx, msg))
		require.NoError(t, store.CreateMessage(ctx, msg))
	}

	messages, err := store.RecentMessages(ctx, 7, 2)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, int64(102), messages[0].MessageID)
	assert.True(t, messages[0].Scored)
	assert.InDelta(t, 0.2, messages[0].Scores.Toxicity, 1e-9)

	msgID := int64(102)
	decision := &moderation.ActionDecision{
		Action:          moderation.ActionTimeout,
		Reason:          "Automated moderation: toxicity",
		FinalScore:      0.75,
		TimeoutDuration: time.Hour,
	}
	old := moderation.NewActionRecord(7, 1, nil, &moderation.ActionDecision{Action: moderation.ActionWarning}, now.Add(-48*time.Hour))
	old.MarkSucceeded()
	require.NoError(t, store.CreateAction(ctx, old))

	rec := moderation.NewActionRecord(7, 1, &msgID, decision, now)
	rec.MarkFailed("executor unavailable")
	require.NoError(t, store.CreateAction(ctx, rec))

	actions, err := store.RecentActions(ctx, 7, now.Add(-24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, rec.ID, actions[0].ID)
	assert.Equal(t, moderation.ActionTimeout, actions[0].Action)
	assert.Equal(t, time.Hour, actions[0].TimeoutDuration)
	assert.False(t, actions[0].Succeeded)
	assert.Equal(t, "executor unavailable", actions[0].FailureReason)
	require.NotNil(t, actions[0].MessageID)
	assert.Equal(t, msgID, *actions[0].MessageID)
	require.NotNil(t, actions[0].ExpiresAt)
}

func TestStore_BrigadeEvents(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	event := &moderation.BrigadeEvent{
		ID:               uuid.New(),
		GuildID:          1,
		DetectedAt:       now,
		DetectionType:    moderation.DetectionJoinSpike,
		Confidence:       0.9,
		ParticipantCount: 3,
		Participants:     []int64{30, 10, 20},
	}
	require.NoError(t, store.RecordBrigadeEvent(ctx, event))

	events, err := store.RecentBrigadeEvents(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.ID, events[0].ID)
	assert.Equal(t, []int64{10, 20, 30}, events[0].Participants)
	assert.Equal(t, moderation.DetectionJoinSpike, events[0].DetectionType)

	require.NoError(t, store.Ping(ctx))
}
