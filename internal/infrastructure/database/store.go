package database

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/davidleathers/community-risk-engine/internal/domain/errors"
	"github.com/davidleathers/community-risk-engine/internal/domain/moderation"
)

// Store persists users, messages, actions and brigade events in PostgreSQL.
type Store struct {
	db *pgxpool.Pool
}

// NewStore creates a new PostgreSQL store
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const userColumns = `
	user_id, username, account_created_at, joined_at, total_messages, toxicity_avg,
	warnings, timeouts, kicks, bans, last_action_at, risk_level, is_whitelisted,
	created_at, updated_at`

// GetUser loads a profile. A missing user is a not_found error.
func (s *Store) GetUser(ctx context.Context, userID int64) (*moderation.UserProfile, error) {
	var (
		u              moderation.UserProfile
		accountCreated *time.Time
		joined         *time.Time
		riskLevel      string
	)
	err := s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = $1`, userID).Scan(
		&u.UserID, &u.Username, &accountCreated, &joined, &u.TotalMessages, &u.ToxicityAvg,
		&u.Warnings, &u.Timeouts, &u.Kicks, &u.Bans, &u.LastActionAt, &riskLevel, &u.IsWhitelisted,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NewNotFoundError("user")
	}
	if err != nil {
		return nil, errors.NewInternalError("failed to load user").WithCause(err)
	}
	u.AccountCreatedAt = valueOrZero(accountCreated)
	u.JoinedAt = valueOrZero(joined)
	u.RiskLevel = moderation.RiskLevel(riskLevel)
	return &u, nil
}

// CreateUser inserts a profile. Creating an existing user is a no-op.
func (s *Store) CreateUser(ctx context.Context, u *moderation.UserProfile) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (user_id) DO NOTHING
	`, u.UserID, u.Username, zeroAsNull(u.AccountCreatedAt), zeroAsNull(u.JoinedAt), u.TotalMessages, u.ToxicityAvg,
		u.Warnings, u.Timeouts, u.Kicks, u.Bans, u.LastActionAt, string(u.RiskLevel), u.IsWhitelisted,
		u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return errors.NewInternalError("failed to create user").WithCause(err)
	}
	return nil
}

// RecordMessageStats folds one scored message into the user's running
// toxicity average in a single statement.
func (s *Store) RecordMessageStats(ctx context.Context, userID int64, toxicity float64, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE users
		SET toxicity_avg = LEAST(1, GREATEST(0, (toxicity_avg * total_messages + $2) / (total_messages + 1))),
		    total_messages = total_messages + 1,
		    updated_at = $3
		WHERE user_id = $1
	`, userID, toxicity, at)
	if err != nil {
		return errors.NewInternalError("failed to update message stats").WithCause(err)
	}
	return nil
}

// RecordActionStats bumps the counter for an executed action.
func (s *Store) RecordActionStats(ctx context.Context, userID int64, action moderation.ActionType, at time.Time) error {
	if !action.IsInfraction() {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		UPDATE users
		SET warnings = warnings + CASE WHEN $2 = 'warning' THEN 1 ELSE 0 END,
		    timeouts = timeouts + CASE WHEN $2 = 'timeout' THEN 1 ELSE 0 END,
		    kicks = kicks + CASE WHEN $2 = 'kick' THEN 1 ELSE 0 END,
		    bans = bans + CASE WHEN $2 = 'ban' THEN 1 ELSE 0 END,
		    last_action_at = $3,
		    updated_at = $3
		WHERE user_id = $1
	`, userID, action.String(), at)
	if err != nil {
		return errors.NewInternalError("failed to update action stats").WithCause(err)
	}
	return nil
}

func (s *Store) UpdateRiskLevel(ctx context.Context, userID int64, level moderation.RiskLevel) error {
	_, err := s.db.Exec(ctx, `UPDATE users SET risk_level = $2, updated_at = NOW() WHERE user_id = $1`,
		userID, string(level))
	if err != nil {
		return errors.NewInternalError("failed to update risk level").WithCause(err)
	}
	return nil
}

// SetWhitelisted toggles the enforcement exemption for a user.
func (s *Store) SetWhitelisted(ctx context.Context, userID int64, whitelisted bool) error {
	tag, err := s.db.Exec(ctx, `UPDATE users SET is_whitelisted = $2, updated_at = NOW() WHERE user_id = $1`,
		userID, whitelisted)
	if err != nil {
		return errors.NewInternalError("failed to update whitelist").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NewNotFoundError("user")
	}
	return nil
}

// CreateMessage stores a message. Re-delivered messages are ignored.
func (s *Store) CreateMessage(ctx context.Context, m *moderation.MessageRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO messages (
			message_id, user_id, channel_id, guild_id, content, scored,
			toxicity, severe_toxicity, obscene, threat, insult, identity_attack,
			sentiment, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (message_id) DO NOTHING
	`, m.MessageID, m.UserID, m.ChannelID, m.GuildID, m.Content, m.Scored,
		m.Scores.Toxicity, m.Scores.SevereToxicity, m.Scores.Obscene, m.Scores.Threat,
		m.Scores.Insult, m.Scores.IdentityAttack, m.Sentiment, m.CreatedAt)
	if err != nil {
		return errors.NewInternalError("failed to create message").WithCause(err)
	}
	return nil
}

// RecentMessages returns the user's newest messages, newest first.
func (s *Store) RecentMessages(ctx context.Context, userID int64, limit int) ([]moderation.MessageRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT message_id, user_id, channel_id, guild_id, content, scored,
		       toxicity, severe_toxicity, obscene, threat, insult, identity_attack,
		       sentiment, created_at
		FROM messages
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, errors.NewInternalError("failed to query messages").WithCause(err)
	}
	defer rows.Close()

	messages := make([]moderation.MessageRecord, 0, limit)
	for rows.Next() {
		var m moderation.MessageRecord
		if err := rows.Scan(&m.MessageID, &m.UserID, &m.ChannelID, &m.GuildID, &m.Content, &m.Scored,
			&m.Scores.Toxicity, &m.Scores.SevereToxicity, &m.Scores.Obscene, &m.Scores.Threat,
			&m.Scores.Insult, &m.Scores.IdentityAttack, &m.Sentiment, &m.CreatedAt); err != nil {
			return nil, errors.NewInternalError("failed to scan message").WithCause(err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternalError("failed to iterate messages").WithCause(err)
	}
	return messages, nil
}

// CreateAction stores an action record, including failed executions.
func (s *Store) CreateAction(ctx context.Context, a *moderation.ActionRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO moderation_actions (
			id, user_id, guild_id, message_id, action_type, reason,
			toxicity_score, behavior_score, context_score, final_score,
			is_automated, succeeded, failure_reason, timeout_seconds, expires_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, a.ID, a.UserID, a.GuildID, a.MessageID, a.Action.String(), a.Reason,
		a.ToxicityScore, a.BehaviorScore, a.ContextScore, a.FinalScore,
		a.IsAutomated, a.Succeeded, a.FailureReason, int64(a.TimeoutDuration/time.Second), a.ExpiresAt, a.CreatedAt)
	if err != nil {
		return errors.NewInternalError("failed to create action").WithCause(err)
	}
	return nil
}

// RecentActions returns actions against the user since the given time,
// newest first.
func (s *Store) RecentActions(ctx context.Context, userID int64, since time.Time, limit int) ([]moderation.ActionRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, guild_id, message_id, action_type, reason,
		       toxicity_score, behavior_score, context_score, final_score,
		       is_automated, succeeded, failure_reason, timeout_seconds, expires_at, created_at
		FROM moderation_actions
		WHERE user_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT $3
	`, userID, since, limit)
	if err != nil {
		return nil, errors.NewInternalError("failed to query actions").WithCause(err)
	}
	defer rows.Close()

	actions := make([]moderation.ActionRecord, 0, limit)
	for rows.Next() {
		var (
			a              moderation.ActionRecord
			actionType     string
			timeoutSeconds int64
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.GuildID, &a.MessageID, &actionType, &a.Reason,
			&a.ToxicityScore, &a.BehaviorScore, &a.ContextScore, &a.FinalScore,
			&a.IsAutomated, &a.Succeeded, &a.FailureReason, &timeoutSeconds, &a.ExpiresAt, &a.CreatedAt); err != nil {
			return nil, errors.NewInternalError("failed to scan action").WithCause(err)
		}
		if a.Action, err = moderation.ParseActionType(actionType); err != nil {
			return nil, errors.NewValidationError("CORRUPT_ACTION_TYPE", err.Error())
		}
		a.TimeoutDuration = time.Duration(timeoutSeconds) * time.Second
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternalError("failed to iterate actions").WithCause(err)
	}
	return actions, nil
}

// RecordBrigadeEvent stores the event and its participants atomically.
func (s *Store) RecordBrigadeEvent(ctx context.Context, e *moderation.BrigadeEvent) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errors.NewInternalError("failed to begin transaction").WithCause(err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO brigade_events (id, guild_id, detected_at, detection_type, confidence, participant_count, source_hint)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.GuildID, e.DetectedAt, string(e.DetectionType), e.Confidence, e.ParticipantCount, e.SourceHint)
	if err != nil {
		return errors.NewInternalError("failed to insert brigade event").WithCause(err)
	}

	if len(e.Participants) > 0 {
		rows := make([][]interface{}, len(e.Participants))
		for i, userID := range e.Participants {
			rows[i] = []interface{}{e.ID, userID}
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"brigade_participants"},
			[]string{"event_id", "user_id"}, pgx.CopyFromRows(rows)); err != nil {
			return errors.NewInternalError("failed to insert brigade participants").WithCause(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.NewInternalError("failed to commit brigade event").WithCause(err)
	}
	return nil
}

// RecentBrigadeEvents lists the newest events for a guild.
func (s *Store) RecentBrigadeEvents(ctx context.Context, guildID int64, limit int) ([]moderation.BrigadeEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT e.id, e.guild_id, e.detected_at, e.detection_type, e.confidence, e.participant_count, e.source_hint,
		       COALESCE(ARRAY_AGG(p.user_id ORDER BY p.user_id) FILTER (WHERE p.user_id IS NOT NULL), '{}')
		FROM brigade_events e
		LEFT JOIN brigade_participants p ON p.event_id = e.id
		WHERE e.guild_id = $1
		GROUP BY e.id
		ORDER BY e.detected_at DESC
		LIMIT $2
	`, guildID, limit)
	if err != nil {
		return nil, errors.NewInternalError("failed to query brigade events").WithCause(err)
	}
	defer rows.Close()

	events := make([]moderation.BrigadeEvent, 0, limit)
	for rows.Next() {
		var (
			e             moderation.BrigadeEvent
			detectionType string
		)
		if err := rows.Scan(&e.ID, &e.GuildID, &e.DetectedAt, &detectionType, &e.Confidence,
			&e.ParticipantCount, &e.SourceHint, &e.Participants); err != nil {
			return nil, errors.NewInternalError("failed to scan brigade event").WithCause(err)
		}
		e.DetectionType = moderation.DetectionType(detectionType)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternalError("failed to iterate brigade events").WithCause(err)
	}
	return events, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func zeroAsNull(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func valueOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
