package npipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creastat/npipeline/branch"
	"github.com/creastat/npipeline/breaker"
	"github.com/creastat/npipeline/errctl"
	"github.com/creastat/npipeline/graph"
	"github.com/creastat/npipeline/internal/telemetry"
	"github.com/creastat/npipeline/merge"
	"github.com/creastat/npipeline/obs"
	"github.com/creastat/npipeline/pipe"
	"github.com/creastat/npipeline/strategy"
)

// Pipeline is a validated graph bound to its node plans, ready to run.
// Generalizes the teacher's Pipeline/executeGraph/runStage (pipeline.go)
// from "route a fixed core.Event through named channels wired at
// construction time" to "topologically walk typed node plans, fusing
// upstream pipes through the merge/branch services and invoking each
// node's plan in turn".
type Pipeline struct {
	graph *graph.PipelineGraph
}

// NewPipeline wraps an already-validated graph.
func NewPipeline(g *graph.PipelineGraph) *Pipeline {
	return &Pipeline{graph: g}
}

// Execute runs the pipeline to completion: every source/transform/join/
// aggregate/sink node executes in topological order, wiring upstream
// outputs through merge and branch as needed, and returns once every sink
// has finished consuming (spec.md §2 "Control flow of one run").
func (p *Pipeline) Execute(ctx context.Context, pctx *PipelineContext) (obs.PipelineMetrics, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runCtx = withObserver(runCtx, pctx.Observer)
	runCtx = withDefaultRetryDelay(runCtx, pctx.DefaultRetryDelay)

	if pctx.BreakerManager == nil {
		pctx.BreakerManager = breaker.NewManager(breaker.DefaultOptions(), breaker.MemoryOptions{})
	}

	order, err := graph.TopologicalSort(p.graph)
	if err != nil {
		return obs.PipelineMetrics{}, err
	}

	// subs[nodeID] holds one pipe per outgoing edge of nodeID, assigned in
	// the order those edges were added; any subscriber is interchangeable
	// since Multicast delivers the identical sequence to each.
	subs := make(map[string][]pipe.Pipe[any])
	cursor := make(map[string]int)
	perNode := make(map[string]obs.NodeMetrics)
	var perNodeMu sync.Mutex

	var sinkWG sync.WaitGroup
	var sinkErrsMu sync.Mutex
	var sinkErrs []error

	for _, nodeID := range order {
		def, _ := p.graph.Node(nodeID)
		opts := optionsOf(def)
		scope := obs.NewAutoObservabilityScope(nodeID, string(def.Kind))
		pctx.recordObservabilityScope(nodeID, scope)
		pctx.Observer.NodeStarted(nodeID, string(def.Kind), time.Now())
		started := time.Now()

		merged := p.gatherInput(runCtx, pctx, def, opts, subs, cursor)

		if def.Kind == graph.Sink {
			sinkWG.Add(1)
			go func(nodeID string, def *graph.NodeDefinition, opts NodeOptions, in pipe.Pipe[any], scope *obs.AutoObservabilityScope, started time.Time) {
				defer sinkWG.Done()
				_, sinkErr := p.runNode(runCtx, pctx, def, opts, in)
				recordIfRetryExhausted(pctx, sinkErr)
				scope.RecordFailure(sinkErr)
				m := scope.End()
				pctx.Observer.NodeCompleted(nodeID, string(def.Kind), time.Since(started), sinkErr == nil, sinkErr)
				perNodeMu.Lock()
				perNode[nodeID] = m
				perNodeMu.Unlock()
				if sinkErr != nil {
					sinkErrsMu.Lock()
					sinkErrs = append(sinkErrs, fmt.Errorf("node %s: %w", nodeID, sinkErr))
					sinkErrsMu.Unlock()
					cancel()
					return
				}
				if pctx.StateManager != nil {
					if err := pctx.StateManager.CreateSnapshot(runCtx, pctx); err != nil {
						pctx.Logger.Warn("state snapshot failed", telemetry.Err(err))
					}
				}
			}(nodeID, def, opts, merged, scope, started)
			continue
		}

		out, nodeErr := p.runNode(runCtx, pctx, def, opts, merged)
		if nodeErr != nil {
			recordIfRetryExhausted(pctx, nodeErr)
			scope.RecordFailure(nodeErr)
			m := scope.End()
			pctx.Observer.NodeCompleted(nodeID, string(def.Kind), time.Since(started), false, nodeErr)
			perNodeMu.Lock()
			perNode[nodeID] = m
			perNodeMu.Unlock()
			sinkErrsMu.Lock()
			sinkErrs = append(sinkErrs, fmt.Errorf("node %s: %w", nodeID, nodeErr))
			sinkErrsMu.Unlock()
			cancel()
			continue
		}

		out = pipe.Count[any](out, &pctx.TotalProcessedItems)
		out = observingPipe(runCtx, out, scope)

		outEdges := p.graph.OutEdges(nodeID)
		k := len(outEdges)
		if k == 0 {
			k = 1
		}
		branchOpts := branch.Options{PerSubscriberBufferCapacity: opts.Branch.PerSubscriberBufferCapacity}
		if bo, ok := pctx.BranchOptionsForNode(nodeID); ok {
			branchOpts.PerSubscriberBufferCapacity = bo.PerSubscriberBufferCapacity
		}
		subscribers, metrics := branch.Multicast[any](runCtx, nodeID, k, branchOpts, out)
		subs[nodeID] = subscribers
		cursor[nodeID] = 0

		go func(nodeID string, scope *obs.AutoObservabilityScope, metrics *branch.Metrics, started time.Time) {
			for _, s := range subscribers {
				drainIgnoring(runCtx, s)
			}
			snap := metrics.Snapshot()
			pctx.recordBranchMetrics(nodeID, snap)
			m := scope.End()
			success := !snap.Faulted()
			var failErr error
			if !success {
				failErr = fmt.Errorf("node %s: branch faulted", nodeID)
			}
			pctx.Observer.NodeCompleted(nodeID, string(def.Kind), time.Since(started), success, failErr)
			perNodeMu.Lock()
			perNode[nodeID] = m
			perNodeMu.Unlock()
			if success && pctx.StateManager != nil {
				if err := pctx.StateManager.CreateSnapshot(runCtx, pctx); err != nil {
					pctx.Logger.Warn("state snapshot failed", telemetry.Err(err))
				}
			}
		}(nodeID, scope, metrics, started)
	}

	sinkWG.Wait()

	var runErr error
	if len(sinkErrs) > 0 {
		runErr = sinkErrs[0]
	}

	success := runErr == nil && ctx.Err() == nil
	metrics := obs.PipelineMetrics{
		RunID:               pctx.RunID,
		Start:               pctx.StartTimeUTC,
		End:                 time.Now(),
		Success:             success,
		TotalItemsProcessed: pctx.TotalProcessedItems.Load(),
		PerNode:             perNode,
	}
	metrics.Duration = metrics.End.Sub(metrics.Start)
	for _, sink := range pctx.MetricsSinks {
		go sink.Publish(metrics)
	}
	return metrics, runErr
}

// recordIfRetryExhausted stashes a node's RetryExhaustedError on pctx so a
// StateManager snapshotting after a later node can report the most recent
// exhaustion, per spec.md §6's LastRetryExhaustedException field.
func recordIfRetryExhausted(pctx *PipelineContext, err error) {
	var ree *errctl.RetryExhaustedError
	if errors.As(err, &ree) {
		pctx.SetLastRetryExhausted(ree)
	}
}

// observingPipe wraps out so every item increments the node's
// observability scope, mirroring pipe.Count but against a scope instead of
// a raw counter (spec.md §4.7: "Side effects: strategies update per-node
// counters... via the observability scope").
func observingPipe(ctx context.Context, out pipe.Pipe[any], scope *obs.AutoObservabilityScope) pipe.Pipe[any] {
	return pipe.Stream[any](ctx, out.StreamName(), pipe.DefaultBufferSize, func(ctx context.Context, outCh chan<- any) error {
		for v := range out.Items(ctx) {
			scope.RecordItem()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case outCh <- v:
			}
		}
		return out.Err()
	})
}

func drainIgnoring(ctx context.Context, p pipe.Pipe[any]) {
	for range p.Items(ctx) {
	}
}

// gatherInput fuses a node's upstream subscriber pipes via the merge
// service, or returns nil for a Source (which has none).
func (p *Pipeline) gatherInput(ctx context.Context, pctx *PipelineContext, def *graph.NodeDefinition, opts NodeOptions, subs map[string][]pipe.Pipe[any], cursor map[string]int) pipe.Pipe[any] {
	inEdges := p.graph.InEdges(def.ID)
	if len(inEdges) == 0 {
		return nil
	}

	ins := make([]pipe.Pipe[any], 0, len(inEdges))
	for _, e := range inEdges {
		available := subs[e.SourceNodeID]
		i := cursor[e.SourceNodeID]
		if i >= len(available) {
			// Upstream node failed before producing any subscriber pipes
			// (e.g. its own plan invocation errored); treat it as drained
			// rather than panicking on an out-of-range index.
			ins = append(ins, pipe.Empty[any](e.SourceNodeID))
			continue
		}
		ins = append(ins, available[i])
		cursor[e.SourceNodeID] = i + 1
	}

	capacity := opts.MergeCapacity
	if c, ok := pctx.MergeCapacityForNode(def.ID); ok {
		capacity = merge.Capacity(c)
	}

	if def.Kind == graph.Join {
		return merge.JoinErased(ctx, def.ID, capacity, ins)
	}
	return merge.Merge[any](ctx, def.ID, opts.MergeKind, capacity, ins, opts.CustomMerge)
}

// runNode invokes a node's plan, wrapped in the error-handling service at
// whole-node granularity (spec.md §4.5), returning its output pipe (nil
// for Sink) or the sink's terminal error.
func (p *Pipeline) runNode(ctx context.Context, pctx *PipelineContext, def *graph.NodeDefinition, opts NodeOptions, in pipe.Pipe[any]) (pipe.Pipe[any], error) {
	eopts := errctl.Options[pipe.Pipe[any]]{
		NodeID:            def.ID,
		Resilient:         opts.Strategy == StrategyResilient,
		Retry:             effectiveRetry(pctx, def.ID, opts),
		PipelineHandler:   opts.PipelineErrorHandler,
		NodeHandler:       adaptNodeHandler[pipe.Pipe[any]](opts.NodeErrorHandler),
		DeadLetter:        wrapDeadLetter[pipe.Pipe[any]](opts.DeadLetter),
		Observer:          pctx.Observer,
		ParallelExecution: pctx.ParallelExecution,
	}
	var brk *breaker.CircuitBreaker
	if opts.Strategy == StrategyResilient {
		brk = pctx.BreakerManager.Get(def.ID, opts.Breaker)
	}
	ctx = withBreaker(ctx, brk)

	switch def.Kind {
	case graph.Source:
		plan := def.Plan.(erasedProducer)
		out, err := errctl.ExecuteWithRetries(ctx, eopts, zeroPipe, guarded(def.ID, brk, func(ctx context.Context, attempt int) (pipe.Pipe[any], error) {
			return plan(ctx), nil
		}))
		return out, err
	case graph.Transform, graph.Aggregate:
		plan := def.Plan.(erasedTransform)
		out, err := errctl.ExecuteWithRetries(ctx, eopts, zeroPipe, guarded(def.ID, brk, func(ctx context.Context, attempt int) (pipe.Pipe[any], error) {
			return plan(ctx, in), nil
		}))
		return out, err
	case graph.Join:
		plan := def.Plan.(erasedTransform)
		out, err := errctl.ExecuteWithRetries(ctx, eopts, zeroPipe, guarded(def.ID, brk, func(ctx context.Context, attempt int) (pipe.Pipe[any], error) {
			return plan(ctx, in), nil
		}))
		return out, err
	case graph.Sink:
		sopts := errctl.Options[struct{}]{
			NodeID:            def.ID,
			Resilient:         opts.Strategy == StrategyResilient,
			Retry:             effectiveRetry(pctx, def.ID, opts),
			PipelineHandler:   opts.PipelineErrorHandler,
			NodeHandler:       adaptNodeHandler[struct{}](opts.NodeErrorHandler),
			DeadLetter:        wrapDeadLetter[struct{}](opts.DeadLetter),
			Observer:          pctx.Observer,
			ParallelExecution: pctx.ParallelExecution,
		}
		plan := def.Plan.(erasedSink)
		_, err := errctl.ExecuteWithRetries(ctx, sopts, zeroStruct, guardedVoid(def.ID, brk, func(ctx context.Context, attempt int) (struct{}, error) {
			return struct{}{}, plan(ctx, in)
		}))
		return nil, err
	default:
		return nil, fmt.Errorf("node %s: unknown kind %q", def.ID, def.Kind)
	}
}

func zeroPipe() pipe.Pipe[any] { return nil }
func zeroStruct() struct{}     { return struct{}{} }

// deadLetterAdapter boxes a whole-node body's last-attempted value (of
// arbitrary concrete type V) as `any` before forwarding to a
// DeadLetterSink[any], so a NodeOptions.DeadLetter declared once per node
// (erased to `any`) can back any of Source/Transform/Join/Sink's distinct
// whole-node body types.
type deadLetterAdapter[V any] struct {
	inner errctl.DeadLetterSink[any]
}

func (a deadLetterAdapter[V]) Offer(ctx context.Context, nodeID string, item V, cause error) error {
	return a.inner.Offer(ctx, nodeID, item, cause)
}

func wrapDeadLetter[V any](inner errctl.DeadLetterSink[any]) errctl.DeadLetterSink[V] {
	if inner == nil {
		return nil
	}
	return deadLetterAdapter[V]{inner: inner}
}

// adaptNodeHandler boxes a whole-node body's last-attempted value as `any`
// before forwarding to a NodeErrorHandler[any], for the same reason
// wrapDeadLetter exists.
func adaptNodeHandler[V any](h errctl.NodeErrorHandler[any]) errctl.NodeErrorHandler[V] {
	if h == nil {
		return nil
	}
	return func(ctx context.Context, nodeID string, item V, err error) (errctl.Decision, error) {
		return h(ctx, nodeID, item, err)
	}
}

// guarded wraps a whole-node body with the node's circuit breaker (the
// same instance the per-item Resilient strategy consults), so Source/
// Join/Aggregate observe the identical breaker state as any TransformItem
// node sharing the id (spec.md §4.4: breaker consultation precedes every
// invocation under the Resilient strategy).
func guarded(nodeID string, brk *breaker.CircuitBreaker, body errctl.Body[pipe.Pipe[any]]) errctl.Body[pipe.Pipe[any]] {
	if brk == nil {
		return body
	}
	return func(ctx context.Context, attempt int) (pipe.Pipe[any], error) {
		if !brk.CanExecute() {
			return nil, &strategy.CircuitOpenError{NodeID: nodeID}
		}
		v, err := body(ctx, attempt)
		if err != nil {
			brk.RecordFailure()
		} else {
			brk.RecordSuccess()
		}
		return v, err
	}
}

func guardedVoid(nodeID string, brk *breaker.CircuitBreaker, body errctl.Body[struct{}]) errctl.Body[struct{}] {
	if brk == nil {
		return body
	}
	return func(ctx context.Context, attempt int) (struct{}, error) {
		if !brk.CanExecute() {
			return struct{}{}, &strategy.CircuitOpenError{NodeID: nodeID}
		}
		v, err := body(ctx, attempt)
		if err != nil {
			brk.RecordFailure()
		} else {
			brk.RecordSuccess()
		}
		return v, err
	}
}

func effectiveRetry(pctx *PipelineContext, nodeID string, opts NodeOptions) errctl.RetryOptions {
	if override, ok := pctx.NodeRetryOptions(nodeID); ok {
		return override
	}
	if opts.Retry.MaxNodeRestartAttempts > 0 {
		r := opts.Retry
		if r.RetryDelay == nil {
			r.RetryDelay = pctx.DefaultRetryDelay
		}
		return r
	}
	return errctl.RetryOptions{MaxNodeRestartAttempts: 1, RetryDelay: pctx.DefaultRetryDelay}
}
