// Package classifier talks to the external toxicity classification service.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/davidleathers/community-risk-engine/internal/domain/errors"
	"github.com/davidleathers/community-risk-engine/internal/domain/moderation"
	"github.com/davidleathers/community-risk-engine/internal/infrastructure/config"
)

const maxResponseBytes = 64 << 10

type classifyRequest struct {
	Text string `json:"text"`
}

type classifyResponse struct {
	Scores       *moderation.ToxicityScores `json:"scores"`
	Sentiment    float64                    `json:"sentiment"`
	ModelVersion string                     `json:"model_version"`
}

// Client is an HTTP JSON client for the classification service. Any response
// it cannot trust is an error; it never substitutes default scores.
type Client struct {
	url    string
	http   *http.Client
	logger *zap.Logger
}

func NewClient(cfg config.ClassifierConfig, logger *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.NewConfigError("classifier.url", "is required")
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = cfg.MaxIdleConns
	transport.MaxIdleConnsPerHost = cfg.MaxIdleConns

	return &Client{
		url: cfg.URL,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(transport),
		},
		logger: logger.With(zap.String("component", "classifier")),
	}, nil
}

// Classify scores text. Blank text scores zero without a round trip.
func (c *Client) Classify(ctx context.Context, text string) (*moderation.ClassificationResult, error) {
	if strings.TrimSpace(text) == "" {
		return &moderation.ClassificationResult{ModelVersion: "none"}, nil
	}

	body, err := json.Marshal(classifyRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("encoding classify request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classify request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("classifier returned non-200",
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(snippet)))
		return nil, fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}

	var out classifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding classify response: %w", err)
	}
	if out.Scores == nil {
		return nil, errors.NewValidationError("MISSING_SCORES", "classifier response has no scores")
	}

	result := &moderation.ClassificationResult{
		Scores:         *out.Scores,
		Sentiment:      out.Sentiment,
		ModelVersion:   out.ModelVersion,
		ProcessingTime: time.Since(start),
	}
	if err := result.Validate(); err != nil {
		c.logger.Warn("classifier returned invalid scores", zap.Error(err))
		return nil, err
	}

	c.logger.Debug("message classified",
		zap.Int("content_length", len(text)),
		zap.Float64("max_toxicity", result.MaxToxicity()),
		zap.Duration("processing_time", result.ProcessingTime))
	return result, nil
}
