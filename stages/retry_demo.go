package stages

import (
	"context"
	"fmt"
	"sync"

	"github.com/creastat/npipeline/graph"
	"github.com/creastat/npipeline/internal/telemetry"
	"github.com/creastat/npipeline/npipeline"
)

// FlakyTransformConfig configures a per-item transform that fails its
// first FailuresBeforeSuccess attempts for every item before returning
// apply's result, demonstrating the Resilient strategy's per-item retry
// against a real failure/success sequence. Generalizes llm.go's per-event
// processing loop (config struct wrapping a single call, a logger) from
// "call an LLM provider" to "call a caller-supplied pure function after a
// deterministic number of induced failures".
type FlakyTransformConfig[In, Out any] struct {
	FailuresBeforeSuccess int
	Apply                 func(ctx context.Context, item In) (Out, error)
	Logger                telemetry.Logger
}

// NewFlakyTransform builds a Resilient TransformItem node from config,
// tracking per-item attempt counts so each item independently fails
// FailuresBeforeSuccess times before succeeding.
func NewFlakyTransform[In comparable, Out any](id string, opts npipeline.NodeOptions, config FlakyTransformConfig[In, Out]) graph.NodeDefinition {
	logger := config.Logger.WithModule(id)

	var mu sync.Mutex
	attempts := map[In]int{}

	proc := func(ctx context.Context, item In) (Out, error) {
		mu.Lock()
		attempts[item]++
		n := attempts[item]
		mu.Unlock()

		if n <= config.FailuresBeforeSuccess {
			logger.Warn("induced failure", telemetry.Int("attempt", n))
			var zero Out
			return zero, fmt.Errorf("node %s: induced failure %d/%d for item %v", id, n, config.FailuresBeforeSuccess, item)
		}
		return config.Apply(ctx, item)
	}

	if opts.Strategy == "" {
		opts.Strategy = npipeline.StrategyResilient
	}
	return npipeline.TransformItem[In, Out](id, opts, id, proc)
}
