// Package errctl implements the error-handling service of spec.md §4.5: the
// executeWithRetries algorithm that wraps every node call, consulting a
// pipeline- or node-level error-handler chain, driving the retry loop, and
// offering failing items to a dead-letter sink before a skip/fail decision
// is finalized.
//
// There is no teacher equivalent of a handler-chain/decision-mapping
// service; the retry-loop shape (attempt counter, delay-then-retry,
// exhaustion error) is grounded on the mbflow example's
// WorkflowEngine.retryNode, generalized from "a single fixed exponential
// policy" to "a pluggable decision returned by a handler chain".
package errctl

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/creastat/npipeline/obs"
	"github.com/creastat/npipeline/retrydelay"
)

// Decision is what an error handler decides to do about a failed node
// call.
type Decision string

const (
	Retry Decision = "retry"
	Skip  Decision = "skip"
	Fail  Decision = "fail"
)

// PipelineDecision is the vocabulary a pipeline-level handler returns;
// executeWithRetries maps it onto Decision (spec.md §4.5 step 4).
type PipelineDecision string

const (
	RestartNode          PipelineDecision = "restart_node"
	ContinueWithoutNode  PipelineDecision = "continue_without_node"
	FailPipeline         PipelineDecision = "fail_pipeline"
)

func (d PipelineDecision) toDecision() Decision {
	switch d {
	case RestartNode:
		return Retry
	case ContinueWithoutNode:
		return Skip
	default:
		return Fail
	}
}

// PipelineErrorHandler is a pipeline-wide handler consulted before any
// node-level handler.
type PipelineErrorHandler func(ctx context.Context, nodeID string, err error) (PipelineDecision, error)

// NodeErrorHandler is a per-node handler, instantiated from a node's
// declared ErrorHandlerTypeRef.
type NodeErrorHandler[T any] func(ctx context.Context, nodeID string, failedItem T, err error) (Decision, error)

// DeadLetterSink receives items that are about to be skipped or failed.
type DeadLetterSink[T any] interface {
	Offer(ctx context.Context, nodeID string, item T, cause error) error
}

// RetryOptions resolve with the precedence of spec.md §4.5 step 1:
// per-node override in context, then global, then the service default.
type RetryOptions struct {
	MaxNodeRestartAttempts int
	RetryDelay             retrydelay.Strategy
}

// NodeExecutionError wraps a node-call failure once, at the outermost
// boundary, per spec.md's exception-preservation rules.
type NodeExecutionError struct {
	NodeID string
	Inner  error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %s execution failed: %v", e.NodeID, e.Inner)
}

func (e *NodeExecutionError) Unwrap() error { return e.Inner }

// RetryExhaustedError is the sentinel wrapped inside NodeExecutionError
// when a node exhausts MaxNodeRestartAttempts.
type RetryExhaustedError struct {
	NodeID   string
	Attempts int
	Inner    error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("node %s failed after %d attempts: %v", e.NodeID, e.Attempts, e.Inner)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Inner }

// ConfigurationError marks a setup-time mistake: fatal, never retried.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string { return "configuration error: " + e.Message }

// PanicError reports a node body that panicked during execution, recovered
// and converted to an error at the boundary ExecuteWithRetries controls.
// Grounded on pipeline.go's runStage defer/recover-into-ErrorEvent idiom,
// generalized from a fixed Process(ctx, in, out) call shape to any Body[T]
// so a panicking Source/Transform/Join/Aggregate/Sink plan call is handled
// by the same retry/skip/fail decision as any other error, rather than
// crashing the run. Per-item calls made by strategy.Sequential/Parallel run
// inside a pipe.Stream goroutine and are recovered there as a
// *pipe.PanicError instead.
type PanicError struct {
	NodeID     string
	Recovered  any
	StackTrace string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("node %s panicked: %v\n%s", e.NodeID, e.Recovered, e.StackTrace)
}

// alreadyWrapped reports whether err is one of the types that must never
// be double-wrapped (spec.md: "re-thrown as-is").
func alreadyWrapped(err error) bool {
	var nee *NodeExecutionError
	var ree *RetryExhaustedError
	var ce *ConfigurationError
	return errors.As(err, &nee) || errors.As(err, &ree) || errors.As(err, &ce)
}

// Options configures one executeWithRetries invocation.
type Options[T any] struct {
	NodeID            string
	Resilient         bool // whether the node's declared strategy is Resilient
	Retry             RetryOptions
	PipelineHandler   PipelineErrorHandler
	NodeHandler       NodeErrorHandler[T]
	DeadLetter        DeadLetterSink[T]
	// Observer receives a NodeRetry event before each delay-then-retry
	// (spec.md §4.7/§8 property 5: "NodeRetry events count k"); nil is
	// treated as a no-op observer.
	Observer obs.ExecutionObserver
	// ParallelExecution controls exception preservation (spec.md: context
	// flag ParallelExecution). When true the original error is returned
	// unwrapped for downstream aggregation; when false it is wrapped in
	// NodeExecutionError.
	ParallelExecution bool
}

// Body is the node call to execute, retried on failure. The failedItem
// argument to handlers is whatever Body last attempted, reported via
// lastItem.
type Body[T any] func(ctx context.Context, attempt int) (T, error)

// ExecuteWithRetries implements spec.md §4.5's algorithm at the granularity
// of a single node call: the runner uses it for the whole-node plan call
// of every Source/Transform/Join/Aggregate/Sink node. Per-item failures
// under Sequential/Parallel strategies are handled by Decide instead.
// lastItem reports the item under consideration for handler/dead-letter
// purposes; it may be the zero value for whole-node calls with no single
// failing item.
func ExecuteWithRetries[T any](ctx context.Context, opts Options[T], lastItem func() T, body Body[T]) (T, error) {
	maxAttempts := opts.Retry.MaxNodeRestartAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var zero T
	var lastErr error

	for attempt := 1; ; attempt++ {
		v, err := safeCall(opts.NodeID, body, ctx, attempt)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if alreadyWrapped(err) {
			return zero, err
		}
		lastErr = err

		decision, handlerErr := decide(ctx, opts, lastItem(), err)
		if handlerErr != nil {
			return zero, handlerErr
		}

		willRetry := decision == Retry && opts.Resilient && attempt < maxAttempts
		if !willRetry && opts.DeadLetter != nil {
			_ = opts.DeadLetter.Offer(ctx, opts.NodeID, lastItem(), err)
		}

		switch {
		case decision == Retry && !opts.Resilient:
			return zero, &ConfigurationError{Message: fmt.Sprintf("node %s: RestartNode requires the Resilient execution strategy", opts.NodeID)}
		case decision == Retry && attempt >= maxAttempts:
			return zero, wrapFailure(opts, &RetryExhaustedError{NodeID: opts.NodeID, Attempts: attempt, Inner: lastErr})
		case decision == Retry:
			observer(opts).NodeRetry(opts.NodeID, attempt, lastErr)
			if opts.Retry.RetryDelay != nil {
				if sleepErr := retrydelay.Sleep(ctx, opts.Retry.RetryDelay.GetDelay(ctx, attempt)); sleepErr != nil {
					return zero, sleepErr
				}
			}
			continue
		case decision == Skip:
			return zero, nil
		default: // Fail
			return zero, wrapFailure(opts, lastErr)
		}
	}
}

// safeCall invokes body, recovering any panic into a *PanicError so a
// single misbehaving node cannot take down the whole pipeline goroutine.
func safeCall[T any](nodeID string, body Body[T], ctx context.Context, attempt int) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			err = &PanicError{NodeID: nodeID, Recovered: r, StackTrace: string(buf[:n])}
		}
	}()
	return body(ctx, attempt)
}

func decide[T any](ctx context.Context, opts Options[T], item T, err error) (Decision, error) {
	var nodeHandler NodeErrorHandler[any]
	if opts.NodeHandler != nil {
		nodeHandler = func(ctx context.Context, nodeID string, failedItem any, err error) (Decision, error) {
			return opts.NodeHandler(ctx, nodeID, failedItem.(T), err)
		}
	}
	return Decide(ctx, opts.PipelineHandler, nodeHandler, opts.NodeID, item, err)
}

// Decide runs the pipeline-handler-then-node-handler precedence chain
// ExecuteWithRetries consults internally (spec.md §4.5 step 4's
// PipelineDecision→Decision mapping), exported so callers outside
// ExecuteWithRetries's own retry loop — namely per-item processing under
// strategy.Sequential/Parallel, which ExecuteWithRetries's whole-node-call
// granularity cannot reach — can apply the identical decision logic.
func Decide(ctx context.Context, pipelineHandler PipelineErrorHandler, nodeHandler NodeErrorHandler[any], nodeID string, item any, err error) (Decision, error) {
	if pipelineHandler != nil {
		pd, herr := pipelineHandler(ctx, nodeID, err)
		if herr != nil {
			return Fail, herr
		}
		return pd.toDecision(), nil
	}
	if nodeHandler != nil {
		d, herr := nodeHandler(ctx, nodeID, item, err)
		if herr != nil {
			return Fail, herr
		}
		return d, nil
	}
	return Fail, nil
}

// observer returns opts.Observer, or a no-op if unset.
func observer[T any](opts Options[T]) obs.ExecutionObserver {
	if opts.Observer != nil {
		return opts.Observer
	}
	return obs.NopObserver{}
}

func wrapFailure[T any](opts Options[T], err error) error {
	if opts.ParallelExecution {
		return err
	}
	return &NodeExecutionError{NodeID: opts.NodeID, Inner: err}
}

// BoundedDeadLetterSink is an in-memory dead-letter sink enforcing a
// maximum queue size, raising once exceeded (spec.md §4.5: "A bounded
// in-memory sink enforces a maximum queue size and raises when exceeded").
type BoundedDeadLetterSink[T any] struct {
	mu       sync.Mutex
	max      int
	items    []DeadLetterEntry[T]
}

// DeadLetterEntry records one item offered to the sink.
type DeadLetterEntry[T any] struct {
	NodeID string
	Item   T
	Cause  error
}

// NewBoundedDeadLetterSink constructs a sink holding at most max entries.
func NewBoundedDeadLetterSink[T any](max int) *BoundedDeadLetterSink[T] {
	return &BoundedDeadLetterSink[T]{max: max}
}

// Offer implements DeadLetterSink.
func (s *BoundedDeadLetterSink[T]) Offer(ctx context.Context, nodeID string, item T, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) >= s.max {
		return fmt.Errorf("dead-letter sink for %s exceeded max size %d", nodeID, s.max)
	}
	s.items = append(s.items, DeadLetterEntry[T]{NodeID: nodeID, Item: item, Cause: cause})
	return nil
}

// Entries returns a snapshot of everything offered so far.
func (s *BoundedDeadLetterSink[T]) Entries() []DeadLetterEntry[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetterEntry[T], len(s.items))
	copy(out, s.items)
	return out
}
