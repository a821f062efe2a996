package npipeline

import (
	"context"

	"github.com/creastat/npipeline/breaker"
	"github.com/creastat/npipeline/obs"
	"github.com/creastat/npipeline/retrydelay"
)

// runtimeCtxKey namespaces the per-run values stashed on the context a
// node's plan is invoked with, so a per-item processor (built once at
// graph-construction time, before any PipelineContext exists) can still
// reach the run's Observer, breaker instance, and default retry-delay
// strategy when it actually runs.
type runtimeCtxKey string

const (
	observerCtxKey          runtimeCtxKey = "observer"
	breakerCtxKey           runtimeCtxKey = "breaker"
	defaultRetryDelayCtxKey runtimeCtxKey = "defaultRetryDelay"
)

func withObserver(ctx context.Context, o obs.ExecutionObserver) context.Context {
	return context.WithValue(ctx, observerCtxKey, o)
}

func observerFromContext(ctx context.Context) obs.ExecutionObserver {
	if o, ok := ctx.Value(observerCtxKey).(obs.ExecutionObserver); ok && o != nil {
		return o
	}
	return obs.NopObserver{}
}

func withBreaker(ctx context.Context, b *breaker.CircuitBreaker) context.Context {
	return context.WithValue(ctx, breakerCtxKey, b)
}

func breakerFromContext(ctx context.Context) *breaker.CircuitBreaker {
	b, _ := ctx.Value(breakerCtxKey).(*breaker.CircuitBreaker)
	return b
}

func withDefaultRetryDelay(ctx context.Context, d retrydelay.Strategy) context.Context {
	return context.WithValue(ctx, defaultRetryDelayCtxKey, d)
}

func defaultRetryDelayFromContext(ctx context.Context) retrydelay.Strategy {
	d, _ := ctx.Value(defaultRetryDelayCtxKey).(retrydelay.Strategy)
	return d
}
