package moderation

import (
	"fmt"
	"time"

	"github.com/davidleathers/community-risk-engine/internal/domain/errors"
)

// SevereToxicityCutoff and SevereMaxCutoff decide when a classification is
// severe enough to always remove the offending message.
const (
	SevereToxicityCutoff = 0.7
	SevereMaxCutoff      = 0.8
)

// ToxicityScores are the per-category probabilities from the classifier.
type ToxicityScores struct {
	Toxicity       float64 `json:"toxicity"`
	SevereToxicity float64 `json:"severe_toxicity"`
	Obscene        float64 `json:"obscene"`
	Threat         float64 `json:"threat"`
	Insult         float64 `json:"insult"`
	IdentityAttack float64 `json:"identity_attack"`
}

// MaxScore returns the highest category score.
func (s ToxicityScores) MaxScore() float64 {
	max := s.Toxicity
	for _, v := range []float64{s.SevereToxicity, s.Obscene, s.Threat, s.Insult, s.IdentityAttack} {
		if v > max {
			max = v
		}
	}
	return max
}

// Categories returns the scores keyed by category name.
func (s ToxicityScores) Categories() map[string]float64 {
	return map[string]float64{
		"toxicity":        s.Toxicity,
		"severe_toxicity": s.SevereToxicity,
		"obscene":         s.Obscene,
		"threat":          s.Threat,
		"insult":          s.Insult,
		"identity_attack": s.IdentityAttack,
	}
}

func (s ToxicityScores) Validate() error {
	for name, v := range s.Categories() {
		if v < 0 || v > 1 {
			return errors.NewValidationError("INVALID_SCORE",
				fmt.Sprintf("%s score %.4f outside [0,1]", name, v))
		}
	}
	return nil
}

// ClassificationResult is the classifier's answer for one message.
type ClassificationResult struct {
	Scores         ToxicityScores `json:"scores"`
	Sentiment      float64        `json:"sentiment"`
	ModelVersion   string         `json:"model_version,omitempty"`
	ProcessingTime time.Duration  `json:"processing_time,omitempty"`
}

func (c *ClassificationResult) MaxToxicity() float64 {
	return c.Scores.MaxScore()
}

// Severe reports whether the content itself warrants removal regardless of
// the chosen action.
func (c *ClassificationResult) Severe() bool {
	return c.Scores.SevereToxicity >= SevereToxicityCutoff || c.Scores.MaxScore() >= SevereMaxCutoff
}

func (c *ClassificationResult) Validate() error {
	if err := c.Scores.Validate(); err != nil {
		return err
	}
	if c.Sentiment < -1 || c.Sentiment > 1 {
		return errors.NewValidationError("INVALID_SENTIMENT",
			fmt.Sprintf("sentiment %.4f outside [-1,1]", c.Sentiment))
	}
	return nil
}

// MessageRecord is a stored message. Unscored messages (classifier was
// unavailable) keep Scored=false and are ignored by behavior analysis.
type MessageRecord struct {
	MessageID int64          `json:"message_id"`
	UserID    int64          `json:"user_id"`
	ChannelID int64          `json:"channel_id"`
	GuildID   int64          `json:"guild_id"`
	Content   string         `json:"content"`
	Scores    ToxicityScores `json:"scores"`
	Scored    bool           `json:"scored"`
	Sentiment float64        `json:"sentiment"`
	CreatedAt time.Time      `json:"created_at"`
}

// ApplyClassification copies classifier output onto the record.
func (m *MessageRecord) ApplyClassification(c *ClassificationResult) {
	m.Scores = c.Scores
	m.Sentiment = c.Sentiment
	m.Scored = true
}
