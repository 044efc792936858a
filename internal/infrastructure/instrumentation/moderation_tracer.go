package instrumentation

import (
	"context"
	stderrors "errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidleathers/community-risk-engine/internal/domain/errors"
	"github.com/davidleathers/community-risk-engine/internal/domain/moderation"
	"github.com/davidleathers/community-risk-engine/internal/infrastructure/telemetry"
)

type Classifier interface {
	Classify(ctx context.Context, text string) (*moderation.ClassificationResult, error)
}

type Executor interface {
	Execute(ctx context.Context, req *moderation.ExecutionRequest) (*moderation.ExecutionResult, error)
}

// TracedClassifier wraps a classifier with a span carrying the scores.
type TracedClassifier struct {
	next   Classifier
	tracer trace.Tracer
}

func NewTracedClassifier(next Classifier, tracer trace.Tracer) *TracedClassifier {
	return &TracedClassifier{next: next, tracer: tracer}
}

func (c *TracedClassifier) Classify(ctx context.Context, text string) (*moderation.ClassificationResult, error) {
	ctx, span := c.tracer.Start(ctx, "classifier.Classify",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("content.length", len(text))))
	defer span.End()

	res, err := c.next.Classify(ctx, text)
	if err != nil {
		span.SetAttributes(attribute.String("error.type", errorType(err)))
		telemetry.RecordError(span, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Float64("toxicity.max", res.MaxToxicity()),
		attribute.Bool("toxicity.severe", res.Severe()),
		attribute.String("classifier.model_version", res.ModelVersion),
	)
	return res, nil
}

// TracedExecutor wraps an executor with a span per enforcement attempt.
type TracedExecutor struct {
	next   Executor
	tracer trace.Tracer
}

func NewTracedExecutor(next Executor, tracer trace.Tracer) *TracedExecutor {
	return &TracedExecutor{next: next, tracer: tracer}
}

func (e *TracedExecutor) Execute(ctx context.Context, req *moderation.ExecutionRequest) (*moderation.ExecutionResult, error) {
	attrs := []attribute.KeyValue{
		attribute.String("action.id", req.ActionID),
		attribute.Int64("guild.id", req.GuildID),
		attribute.Int64("user.id", req.UserID),
	}
	if req.Decision != nil {
		attrs = append(attrs,
			attribute.String("action.type", req.Decision.Action.String()),
			attribute.Float64("action.final_score", req.Decision.FinalScore))
	}
	ctx, span := e.tracer.Start(ctx, "executor.Execute",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...))
	defer span.End()

	res, err := e.next.Execute(ctx, req)
	if err != nil {
		span.SetAttributes(attribute.String("error.type", errorType(err)))
		telemetry.RecordError(span, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Bool("execution.success", res.Success),
		attribute.Bool("execution.notified_user", res.NotifiedUser),
		attribute.Bool("execution.message_deleted", res.MessageDeleted),
	)
	if !res.Success {
		span.AddEvent("execution_failed", trace.WithAttributes(attribute.String("reason", res.Error)))
	}
	return res, nil
}

// errorType categorizes errors for span attributes.
func errorType(err error) string {
	var appErr *errors.AppError
	switch {
	case stderrors.As(err, &appErr):
		return string(appErr.Type)
	case stderrors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "unknown"
	}
}
