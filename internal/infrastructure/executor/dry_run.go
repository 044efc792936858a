package executor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/community-risk-engine/internal/domain/errors"
	"github.com/davidleathers/community-risk-engine/internal/domain/moderation"
	"github.com/davidleathers/community-risk-engine/internal/infrastructure/config"
)

// DryRunExecutor logs decisions instead of applying them.
type DryRunExecutor struct {
	logger *zap.Logger
}

func NewDryRunExecutor(logger *zap.Logger) *DryRunExecutor {
	return &DryRunExecutor{logger: logger.With(zap.String("component", "dry_run_executor"))}
}

func (e *DryRunExecutor) Execute(_ context.Context, req *moderation.ExecutionRequest) (*moderation.ExecutionResult, error) {
	if req == nil || req.Decision == nil {
		return nil, errors.NewValidationError("INVALID_REQUEST", "execution request has no decision")
	}
	start := time.Now()
	d := req.Decision
	e.logger.Info("dry run: action not applied",
		zap.String("action_id", req.ActionID),
		zap.Int64("guild_id", req.GuildID),
		zap.Int64("user_id", req.UserID),
		zap.String("action", d.Action.String()),
		zap.String("reason", d.Reason),
		zap.Float64("final_score", d.FinalScore),
		zap.Duration("timeout", d.TimeoutDuration),
		zap.Bool("delete_message", d.ShouldDeleteMessage))

	return &moderation.ExecutionResult{
		Success:  true,
		Duration: time.Since(start),
	}, nil
}

// Executor is the shape shared by the implementations here.
type Executor interface {
	Execute(ctx context.Context, req *moderation.ExecutionRequest) (*moderation.ExecutionResult, error)
}

// New picks an implementation from the configured mode.
func New(cfg config.ExecutorConfig, dryRun bool, logger *zap.Logger) (Executor, error) {
	if dryRun || cfg.Mode == "dry_run" {
		return NewDryRunExecutor(logger), nil
	}
	return NewWebhookExecutor(cfg, logger)
}
