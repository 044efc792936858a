// Package executor applies moderation decisions on the chat platform.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/davidleathers/community-risk-engine/internal/domain/errors"
	"github.com/davidleathers/community-risk-engine/internal/domain/moderation"
	"github.com/davidleathers/community-risk-engine/internal/infrastructure/config"
)

const (
	maxAttempts      = 3
	maxResponseBytes = 64 << 10
)

type webhookResponse struct {
	Success        bool   `json:"success"`
	NotifiedUser   bool   `json:"notified_user"`
	MessageDeleted bool   `json:"message_deleted"`
	Error          string `json:"error"`
}

// WebhookExecutor hands decisions to a platform adapter over HTTP. The action
// ID travels as an idempotency key so retried deliveries are applied once.
type WebhookExecutor struct {
	url     string
	http    *http.Client
	backoff func() backoff.BackOff
	logger  *zap.Logger
}

func NewWebhookExecutor(cfg config.ExecutorConfig, logger *zap.Logger) (*WebhookExecutor, error) {
	if cfg.WebhookURL == "" {
		return nil, errors.NewConfigError("executor.webhook_url", "is required in webhook mode")
	}
	return &WebhookExecutor{
		url: cfg.WebhookURL,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		},
		logger: logger.With(zap.String("component", "webhook_executor")),
	}, nil
}

// Execute delivers the request. Transport failures and 5xx responses are
// retried; a 4xx or an adapter-reported failure is a failed result, not an
// error.
func (e *WebhookExecutor) Execute(ctx context.Context, req *moderation.ExecutionRequest) (*moderation.ExecutionResult, error) {
	if req == nil || req.Decision == nil {
		return nil, errors.NewValidationError("INVALID_REQUEST", "execution request has no decision")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding execution request: %w", err)
	}

	start := time.Now()
	var out webhookResponse
	attempt := 0
	op := func() error {
		attempt++
		status, err := e.post(ctx, req.ActionID, body, &out)
		if err != nil {
			e.logger.Warn("webhook delivery failed",
				zap.String("action_id", req.ActionID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		if status >= 500 {
			return fmt.Errorf("webhook returned status %d", status)
		}
		if status >= 400 {
			out = webhookResponse{Error: fmt.Sprintf("webhook rejected request with status %d", status)}
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(e.backoff(), maxAttempts-1), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("delivering action %s: %w", req.ActionID, err)
	}

	result := &moderation.ExecutionResult{
		Success:        out.Success,
		NotifiedUser:   out.NotifiedUser,
		MessageDeleted: out.MessageDeleted,
		Duration:       time.Since(start),
		Error:          out.Error,
	}
	if !result.Success && result.Error == "" {
		result.Error = "platform adapter reported failure"
	}
	return result, nil
}

func (e *WebhookExecutor) post(ctx context.Context, actionID string, body []byte, out *webhookResponse) (int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("building webhook request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", actionID)

	resp, err := e.http.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return resp.StatusCode, nil
	}
	*out = webhookResponse{}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return resp.StatusCode, backoff.Permanent(fmt.Errorf("decoding webhook response: %w", err))
	}
	return resp.StatusCode, nil
}
