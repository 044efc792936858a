package pipeline

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/davidleathers/community-risk-engine/internal/domain/errors"
	"github.com/davidleathers/community-risk-engine/internal/infrastructure/config"
	"github.com/davidleathers/community-risk-engine/internal/metrics"
)

// Dependency names used for breakers, metrics and undecidable outcomes.
const (
	DepClassifier  = "classifier"
	DepStore       = "store"
	DepWindowStore = "window_store"
	DepMarkers     = "markers"
	DepRateLimiter = "rate_limiter"
	DepExecutor    = "executor"
)

var dependencies = []string{DepClassifier, DepStore, DepWindowStore, DepMarkers, DepRateLimiter, DepExecutor}

// guard runs collaborator calls under a timeout and a per-dependency
// circuit breaker.
type guard struct {
	timeout  time.Duration
	breakers map[string]*gobreaker.CircuitBreaker[any]
	metrics  *metrics.Registry
}

func newGuard(cfg config.PipelineConfig, m *metrics.Registry, logger *zap.Logger) *guard {
	g := &guard{
		timeout:  cfg.DependencyTimeout,
		breakers: make(map[string]*gobreaker.CircuitBreaker[any], len(dependencies)),
		metrics:  m,
	}

	for _, dep := range dependencies {
		m.SetBreakerState(dep, gobreaker.StateClosed)
		g.breakers[dep] = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:        dep,
			MaxRequests: 3,
			Interval:    time.Minute,
			Timeout:     cfg.BreakerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < cfg.BreakerMinRequests {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.BreakerFailureRatio
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change",
					zap.String("dependency", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
				m.SetBreakerState(name, to)
			},
			// Caller mistakes and missing rows say nothing about dependency health.
			IsSuccessful: func(err error) bool {
				return err == nil ||
					errors.IsType(err, errors.ErrorTypeNotFound) ||
					errors.IsType(err, errors.ErrorTypeValidation)
			},
		})
	}
	return g
}

// call runs fn with a bounded context. Infrastructure failures come back as
// dependency_unavailable errors; not_found and validation errors pass through.
func call[T any](ctx context.Context, g *guard, dep string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	res, err := g.breakers[dep].Execute(func() (any, error) {
		return fn(ctx)
	})
	g.metrics.ObserveDependency(dep, err, time.Since(start))

	if err != nil {
		switch {
		case stderrors.Is(err, gobreaker.ErrOpenState), stderrors.Is(err, gobreaker.ErrTooManyRequests):
			return zero, errors.NewDependencyUnavailableError(dep, "circuit open").WithCause(err)
		case errors.IsType(err, errors.ErrorTypeNotFound), errors.IsType(err, errors.ErrorTypeValidation):
			return zero, err
		case stderrors.Is(err, context.DeadlineExceeded):
			return zero, errors.NewDependencyUnavailableError(dep, "timed out").WithCause(err)
		default:
			return zero, errors.NewDependencyUnavailableError(dep, "call failed").WithCause(err)
		}
	}

	if res == nil {
		return zero, nil
	}
	return res.(T), nil
}

// exec is call for functions with no result.
func exec(ctx context.Context, g *guard, dep string, fn func(context.Context) error) error {
	_, err := call(ctx, g, dep, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
