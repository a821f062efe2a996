package npipeline

import (
	"context"
	"reflect"

	"github.com/creastat/npipeline/breaker"
	"github.com/creastat/npipeline/errctl"
	"github.com/creastat/npipeline/graph"
	"github.com/creastat/npipeline/merge"
	"github.com/creastat/npipeline/pipe"
	"github.com/creastat/npipeline/retrydelay"
	"github.com/creastat/npipeline/strategy"
)

// optionsKey is the Annotations key a NodeOptions value is stashed under,
// so graph.NodeDefinition stays generic and npipeline-agnostic.
const optionsKey = "npipeline.options"

// StrategyKind names which execution strategy drives a node's item
// processing (spec.md §4.4).
type StrategyKind string

const (
	StrategySequential StrategyKind = "sequential"
	StrategyParallel   StrategyKind = "parallel"
	// StrategyResilient wraps Inner (Sequential or Parallel, default
	// Sequential) with per-node retry and circuit-breaker consultation.
	StrategyResilient StrategyKind = "resilient"
)

// NodeOptions carries everything about a node that isn't part of the
// graph's structural shape: its execution strategy, merge/branch
// configuration, and error-handling wiring.
type NodeOptions struct {
	Strategy      StrategyKind
	Inner         StrategyKind // only meaningful when Strategy == StrategyResilient
	Parallel      strategy.ParallelOptions
	Retry         errctl.RetryOptions
	Breaker       *breaker.Options
	MergeKind     merge.Kind
	MergeCapacity merge.Capacity
	CustomMerge   merge.Func[any]
	Branch        BranchOptions
	PipelineErrorHandler errctl.PipelineErrorHandler
	NodeErrorHandler     errctl.NodeErrorHandler[any]
	DeadLetter           errctl.DeadLetterSink[any]
}

func optionsOf(def *graph.NodeDefinition) NodeOptions {
	if def.Annotations == nil {
		return NodeOptions{}
	}
	if v, ok := def.Annotations[optionsKey]; ok {
		return v.(NodeOptions)
	}
	return NodeOptions{}
}

func withOptions(def graph.NodeDefinition, opts NodeOptions) graph.NodeDefinition {
	if def.Annotations == nil {
		def.Annotations = make(map[string]any)
	}
	def.Annotations[optionsKey] = opts
	return def
}

// erasedProducer is a Source plan's shape once type-erased.
type erasedProducer func(ctx context.Context) pipe.Pipe[any]

// erasedTransform is the shape Transform/Join/Aggregate plans share once
// type-erased: a single input pipe in, a single output pipe out.
type erasedTransform func(ctx context.Context, in pipe.Pipe[any]) pipe.Pipe[any]

// erasedSink is a Sink plan's shape once type-erased.
type erasedSink func(ctx context.Context, in pipe.Pipe[any]) error

// Source builds a source node from a typed produce function (spec.md §6:
// "Source: produce(ctx, cancel) → Pipe<Out>").
func Source[Out any](id string, opts NodeOptions, produce func(ctx context.Context) pipe.Pipe[Out]) graph.NodeDefinition {
	plan := erasedProducer(func(ctx context.Context) pipe.Pipe[any] {
		return pipe.Erase[Out](produce(ctx))
	})
	return withOptions(graph.NodeDefinition{
		ID:         id,
		Kind:       graph.Source,
		OutputType: reflect.TypeFor[Out](),
		Plan:       plan,
	}, opts)
}

// Transform builds a transform node from a typed whole-pipe apply function
// (spec.md §6: "Transform: apply(inPipe, ctx, cancel) → Pipe<Out>").
func Transform[In, Out any](id string, opts NodeOptions, apply func(ctx context.Context, in pipe.Pipe[In]) pipe.Pipe[Out]) graph.NodeDefinition {
	plan := erasedTransform(func(ctx context.Context, in pipe.Pipe[any]) pipe.Pipe[any] {
		return pipe.Erase[Out](apply(ctx, pipe.Unerase[In](in)))
	})
	return withOptions(graph.NodeDefinition{
		ID:         id,
		Kind:       graph.Transform,
		InputType:  reflect.TypeFor[In](),
		OutputType: reflect.TypeFor[Out](),
		Plan:       plan,
	}, opts)
}

// TransformItem builds a transform node from a per-item processor, driven
// by the node's declared execution strategy (spec.md §6: "alternatively
// processItem(item, ctx, cancel) → Out for sequential/parallel
// strategies").
func TransformItem[In, Out any](id string, opts NodeOptions, nodeID string, proc strategy.ItemProcessor[In, Out]) graph.NodeDefinition {
	apply := func(ctx context.Context, in pipe.Pipe[In]) pipe.Pipe[Out] {
		return runStrategy(ctx, nodeID, opts, proc, in)
	}
	return Transform[In, Out](id, opts, apply)
}

func runStrategy[In, Out any](ctx context.Context, nodeID string, opts NodeOptions, proc strategy.ItemProcessor[In, Out], in pipe.Pipe[In]) pipe.Pipe[Out] {
	inner := opts.Strategy
	if inner == StrategyResilient {
		inner = opts.Inner
		if inner == "" {
			inner = StrategySequential
		}
	}

	effective := proc
	if opts.Strategy == StrategyResilient {
		effective = strategy.Resilient(strategy.ResilientOptions{
			NodeID:      nodeID,
			MaxAttempts: opts.Retry.MaxNodeRestartAttempts,
			RetryDelay:  resolveRetryDelay(opts.Retry, defaultRetryDelayFromContext(ctx)),
			Breaker:     breakerFromContext(ctx),
			Observer:    observerFromContext(ctx),
		}, proc)
	}

	decided := withItemDecision(nodeID, opts, effective)

	switch inner {
	case StrategyParallel:
		return strategy.Parallel[In, Out](ctx, nodeID, in, opts.Parallel, decided)
	default:
		return strategy.Sequential[In, Out](ctx, nodeID, in, decided)
	}
}

// withItemDecision applies the node's error-handler chain at per-item
// granularity (spec.md §4.5 step 6: "Skip: drop item, continue"), a
// failure mode ExecuteWithRetries's whole-node-call wrapping cannot reach
// for a streaming Transform/Join/Aggregate node. A failing item is offered
// to the configured dead-letter sink before the Skip/Fail decision is
// applied; on Skip it is dropped via strategy.ErrItemSkipped rather than
// aborting the stream.
func withItemDecision[In, Out any](nodeID string, opts NodeOptions, proc strategy.ItemProcessor[In, Out]) strategy.ItemProcessor[In, Out] {
	if opts.NodeErrorHandler == nil && opts.PipelineErrorHandler == nil && opts.DeadLetter == nil {
		return proc
	}
	return func(ctx context.Context, item In) (Out, error) {
		v, err := proc(ctx, item)
		if err == nil || ctx.Err() != nil {
			return v, err
		}

		var zero Out
		decision, herr := errctl.Decide(ctx, opts.PipelineErrorHandler, opts.NodeErrorHandler, nodeID, item, err)
		if herr != nil {
			return zero, herr
		}
		if opts.DeadLetter != nil {
			_ = opts.DeadLetter.Offer(ctx, nodeID, item, err)
		}
		if decision == errctl.Skip {
			return zero, strategy.ErrItemSkipped
		}
		return zero, err
	}
}

// Join builds a join node. Inputs are object-erased and bypass type
// filtering (spec.md §6: "Join: join(inPipes: Pipe<object>, ctx, cancel) →
// Pipe<Out>").
func Join[Out any](id string, opts NodeOptions, join func(ctx context.Context, in pipe.Pipe[any]) pipe.Pipe[Out]) graph.NodeDefinition {
	plan := erasedTransform(func(ctx context.Context, in pipe.Pipe[any]) pipe.Pipe[any] {
		return pipe.Erase[Out](join(ctx, in))
	})
	return withOptions(graph.NodeDefinition{
		ID:         id,
		Kind:       graph.Join,
		OutputType: reflect.TypeFor[Out](),
		Plan:       plan,
	}, opts)
}

// Aggregate builds an aggregate node, which may emit zero, one, or many
// outputs (spec.md §6: "aggregate(inPipe, cancel) → Out | Pipe<Out>").
func Aggregate[In, Out any](id string, opts NodeOptions, aggregate func(ctx context.Context, in pipe.Pipe[In]) pipe.Pipe[Out]) graph.NodeDefinition {
	plan := erasedTransform(func(ctx context.Context, in pipe.Pipe[any]) pipe.Pipe[any] {
		return pipe.Erase[Out](aggregate(ctx, pipe.Unerase[In](in)))
	})
	return withOptions(graph.NodeDefinition{
		ID:         id,
		Kind:       graph.Aggregate,
		InputType:  reflect.TypeFor[In](),
		OutputType: reflect.TypeFor[Out](),
		Plan:       plan,
	}, opts)
}

// Sink builds a sink node from a typed consume function (spec.md §6:
// "Sink: consume(inPipe, ctx, cancel) → ()").
func Sink[In any](id string, opts NodeOptions, consume func(ctx context.Context, in pipe.Pipe[In]) error) graph.NodeDefinition {
	plan := erasedSink(func(ctx context.Context, in pipe.Pipe[any]) error {
		return consume(ctx, pipe.Unerase[In](in))
	})
	return withOptions(graph.NodeDefinition{
		ID:        id,
		Kind:      graph.Sink,
		InputType: reflect.TypeFor[In](),
		Plan:      plan,
	}, opts)
}

// resolveRetryDelay picks the node's retry-delay strategy, falling back to
// the run's default (spec.md §4.5 step 1's precedence chain, minus the
// context-stored per-node override which NodeOptions already represents).
func resolveRetryDelay(opts errctl.RetryOptions, fallback retrydelay.Strategy) retrydelay.Strategy {
	if opts.RetryDelay != nil {
		return opts.RetryDelay
	}
	return fallback
}
